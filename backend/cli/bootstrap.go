package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/andi/xmlconv/backend/catalog"
	"github.com/andi/xmlconv/backend/config"
	"github.com/andi/xmlconv/backend/database"
	"github.com/andi/xmlconv/backend/demo"
	"github.com/andi/xmlconv/backend/executor"
	"github.com/andi/xmlconv/backend/intake"
	"github.com/andi/xmlconv/backend/jobs"
	"github.com/andi/xmlconv/backend/logging"
	"github.com/andi/xmlconv/backend/metrics"
	"github.com/andi/xmlconv/backend/mirror"
	"github.com/andi/xmlconv/backend/storage"
	"github.com/rs/zerolog"
)

// app holds everything a command needs after startup
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	logCloser io.Closer

	layout *storage.Layout
	db     *database.DB
	repo   *database.JobRepo
	exec   *executor.Executor
	mirror *mirror.GCSMirror
	svc    *jobs.Service
}

// setup loads configuration and logging
func setup() (*app, error) {
	cfg, err := config.LoadFromEnv(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	log, closer := logging.Setup(cfg.Logging)
	return &app{cfg: cfg, log: log, logCloser: closer}, nil
}

// wire builds the storage, history, converter and job service. pub receives
// job events; nil discards them.
func (rt *app) wire(ctx context.Context, pub jobs.Publisher) error {
	cfg := rt.cfg

	layout, err := storage.NewLayout(cfg.Storage.IncomingPath(), cfg.Storage.ConvertedPath())
	if err != nil {
		return err
	}
	roots, err := layout.EnsureRoots()
	if err != nil {
		return err
	}
	rt.layout = layout
	rt.log.Info().Str("incoming", roots.Incoming).Str("converted", roots.Converted).Msg("storage roots ready")

	// conversions work without history; the job log files remain
	dialect := "none"
	if db, err := database.New(cfg.Database.Path); err != nil {
		rt.log.Warn().Err(err).Str("path", cfg.Database.Path).Msg("job history disabled")
	} else {
		rt.db = db
		rt.repo = database.NewJobRepo(db)
		dialect = db.Dialect()
	}

	jobLogDir := ""
	if cfg.Logging.Dir != "" {
		jobLogDir = filepath.Join(cfg.Logging.Dir, "jobs")
	}
	rt.exec = executor.New(executor.Config{
		Command:        cfg.Converter.Command,
		Args:           cfg.Converter.Args,
		Timeout:        cfg.Converter.Timeout,
		MaxStderrBytes: cfg.Converter.MaxStderrBytes,
		LogDir:         jobLogDir,
	}, layout, rt.log)

	sim, err := demo.New(layout, rt.log)
	if err != nil {
		return err
	}

	capability := jobs.NewCapability(cfg.Demo.Mode, func() {
		rt.log.Warn().Str("command", cfg.Converter.Command).Msg("converter unavailable, switching to demo mode")
		metrics.SetDemoMode(true)
	})

	opts := jobs.Options{
		Layout:           layout,
		Intake:           intake.New(layout, rt.log),
		Runner:           rt.exec,
		Simulator:        sim,
		Catalog:          catalog.New(layout, rt.log),
		Capability:       capability,
		Publisher:        pub,
		MaxConcurrent:    cfg.Converter.MaxConcurrent,
		ConverterCommand: cfg.Converter.Command,
		Logger:           rt.log,
	}

	if rt.repo != nil {
		opts.History = rt.repo
	}

	if cfg.Mirror.GCSBucket != "" {
		m, err := mirror.NewGCS(ctx, cfg.Mirror.GCSBucket, cfg.Mirror.Prefix, layout, rt.log)
		if err != nil {
			rt.log.Warn().Err(err).Msg("artifact mirror disabled")
		} else {
			rt.mirror = m
			opts.Mirror = m
		}
	}

	rt.svc = jobs.New(opts)
	rt.exec.SetObserver(rt.svc)

	rt.log.Info().
		Str("demo_mode", cfg.Demo.Mode).
		Bool("demo", rt.svc.IsDemo()).
		Str("database", dialect).
		Msg("job service ready")
	return nil
}

// recoverHistory fails jobs left running by a previous server process. Only
// the server may do this; a CLI run next to a live server must not.
func (rt *app) recoverHistory(ctx context.Context) {
	if rt.repo == nil {
		return
	}
	n, err := rt.repo.MarkInterrupted(ctx)
	if err != nil {
		rt.log.Warn().Err(err).Msg("failed to mark interrupted jobs")
		return
	}
	if n > 0 {
		rt.log.Info().Int64("count", n).Msg("marked interrupted jobs as failed")
	}
}

// Close releases everything wire and setup opened, in reverse order
func (rt *app) Close() {
	if rt.svc != nil {
		rt.svc.Close()
	}
	if rt.mirror != nil {
		if err := rt.mirror.Close(); err != nil {
			rt.log.Warn().Err(err).Msg("failed to close mirror client")
		}
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			rt.log.Warn().Err(err).Msg("failed to close database")
		}
	}
	if rt.logCloser != nil {
		rt.logCloser.Close()
	}
}

func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
