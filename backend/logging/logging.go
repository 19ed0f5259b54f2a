package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/andi/xmlconv/backend/config"
	"github.com/rs/zerolog"
)

// Setup builds the application logger. Output goes to stdout and to the
// app log file; if the file cannot be opened, stdout alone is used. The
// returned closer releases the file.
func Setup(cfg config.LoggingConfig) (zerolog.Logger, io.Closer) {
	return setup(cfg, os.Stdout)
}

func setup(cfg config.LoggingConfig, stdout io.Writer) (zerolog.Logger, io.Closer) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	console := stdout
	if cfg.Format == "console" {
		console = zerolog.ConsoleWriter{Out: stdout, TimeFormat: time.RFC3339}
	}

	var (
		out     io.Writer = console
		closer  io.Closer = nopCloser{}
		openErr error
	)
	if cfg.AppLog != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.AppLog), 0755); err != nil {
			openErr = err
		} else if f, err := os.OpenFile(cfg.AppLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err != nil {
			openErr = err
		} else {
			// the file gets raw JSON lines
			out = zerolog.MultiLevelWriter(console, f)
			closer = f
		}
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	if openErr != nil {
		logger.Warn().Err(openErr).Str("path", cfg.AppLog).Msg("app log unavailable, logging to stdout only")
	}
	return logger, closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
