package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Demo modes
const (
	DemoAuto   = "auto"
	DemoAlways = "always"
	DemoNever  = "never"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Converter ConverterConfig `yaml:"converter"`
	Demo      DemoConfig      `yaml:"demo"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Watch     WatchConfig     `yaml:"watch"`
	Mirror    MirrorConfig    `yaml:"mirror"`
}

type ServerConfig struct {
	Host         string        `yaml:"host" validate:"required"`
	Port         int           `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"min=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"min=0"`
	BodyLimit    int           `yaml:"body_limit" validate:"min=1"`
}

// StorageConfig holds the two managed roots. Relative incoming/converted
// directories are resolved against BaseDir.
type StorageConfig struct {
	BaseDir      string `yaml:"base_dir" validate:"required"`
	IncomingDir  string `yaml:"incoming_dir" validate:"required"`
	ConvertedDir string `yaml:"converted_dir" validate:"required,nefield=IncomingDir"`
}

type ConverterConfig struct {
	Command        string        `yaml:"command" validate:"required"`
	Args           []string      `yaml:"args"`
	Timeout        time.Duration `yaml:"timeout" validate:"min=1s"`
	MaxStderrBytes int           `yaml:"max_stderr_bytes" validate:"min=1024"`
	MaxConcurrent  int           `yaml:"max_concurrent" validate:"min=1,max=256"`
}

type DemoConfig struct {
	Mode string `yaml:"mode" validate:"oneof=auto always never"`
}

type DatabaseConfig struct {
	// Path is a SQLite file path or a MySQL DSN
	Path string `yaml:"path" validate:"required"`
}

type LoggingConfig struct {
	Dir    string `yaml:"dir"`
	AppLog string `yaml:"app_log"`
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

type WatchConfig struct {
	InboxDir string        `yaml:"inbox_dir"`
	Debounce time.Duration `yaml:"debounce" validate:"min=0"`
}

type MirrorConfig struct {
	GCSBucket string `yaml:"gcs_bucket"`
	Prefix    string `yaml:"prefix"`
}

// IncomingPath returns the absolute-or-relative incoming root
func (s StorageConfig) IncomingPath() string {
	return s.join(s.IncomingDir)
}

// ConvertedPath returns the absolute-or-relative converted root
func (s StorageConfig) ConvertedPath() string {
	return s.join(s.ConvertedDir)
}

func (s StorageConfig) join(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(s.BaseDir, dir)
}

// Default returns the configuration used when no file is present
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func readFile(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3000
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 120 * time.Second
	}
	if cfg.Server.BodyLimit == 0 {
		cfg.Server.BodyLimit = 50 * 1024 * 1024
	}
	if cfg.Storage.BaseDir == "" {
		cfg.Storage.BaseDir = "./data"
	}
	if cfg.Storage.IncomingDir == "" {
		cfg.Storage.IncomingDir = "incoming"
	}
	if cfg.Storage.ConvertedDir == "" {
		cfg.Storage.ConvertedDir = "converted"
	}
	if cfg.Converter.Command == "" {
		cfg.Converter.Command = "node"
		if len(cfg.Converter.Args) == 0 {
			cfg.Converter.Args = []string{"xml-to-csv.js"}
		}
	}
	if cfg.Converter.Timeout == 0 {
		cfg.Converter.Timeout = 60 * time.Second
	}
	if cfg.Converter.MaxStderrBytes == 0 {
		cfg.Converter.MaxStderrBytes = 64 * 1024
	}
	if cfg.Converter.MaxConcurrent == 0 {
		cfg.Converter.MaxConcurrent = 4
	}
	if cfg.Demo.Mode == "" {
		cfg.Demo.Mode = DemoAuto
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(cfg.Storage.BaseDir, "xmlconv.db")
	}
	if cfg.Logging.Dir == "" {
		cfg.Logging.Dir = "./data/logs"
	}
	if cfg.Logging.AppLog == "" {
		cfg.Logging.AppLog = filepath.Join(cfg.Logging.Dir, "app.log")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = 500 * time.Millisecond
	}
	if cfg.Mirror.Prefix == "" {
		cfg.Mirror.Prefix = "xmlconv"
	}
}

// LoadFromEnv loads configuration with .env and environment variable overrides
func LoadFromEnv(path string) (*Config, error) {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	// defaults that derive from other fields see the overridden values
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() error {
	if host := os.Getenv("HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("PORT"); port != "" {
		val, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		cfg.Server.Port = val
	}
	if dir := os.Getenv("STORAGE_DIR"); dir != "" {
		cfg.Storage.BaseDir = dir
	}
	if command := os.Getenv("CONVERTER_COMMAND"); command != "" {
		cfg.Converter.Command = command
	}
	if timeout := os.Getenv("CONVERTER_TIMEOUT"); timeout != "" {
		val, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid CONVERTER_TIMEOUT %q: %w", timeout, err)
		}
		cfg.Converter.Timeout = val
	}
	if maxConcurrent := os.Getenv("MAX_CONCURRENT"); maxConcurrent != "" {
		if val, err := strconv.Atoi(maxConcurrent); err == nil && val > 0 {
			cfg.Converter.MaxConcurrent = val
		}
	}
	if mode := os.Getenv("DEMO_MODE"); mode != "" {
		cfg.Demo.Mode = strings.ToLower(mode)
	}
	// serverless hosts cannot run the converter binary
	if os.Getenv("VERCEL") == "1" {
		cfg.Demo.Mode = DemoAlways
	}
	if dbPath := os.Getenv("DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if logDir := os.Getenv("LOG_DIR"); logDir != "" {
		cfg.Logging.Dir = logDir
		cfg.Logging.AppLog = filepath.Join(logDir, "app.log")
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = strings.ToLower(level)
	}
	if inbox := os.Getenv("INBOX_DIR"); inbox != "" {
		cfg.Watch.InboxDir = inbox
	}
	if bucket := os.Getenv("GCS_BUCKET"); bucket != "" {
		cfg.Mirror.GCSBucket = bucket
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints
func (cfg *Config) Validate() error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
