package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, DemoAuto, cfg.Demo.Mode)
	assert.Equal(t, 60*time.Second, cfg.Converter.Timeout)
	assert.Equal(t, filepath.Join("data", "incoming"), filepath.Clean(cfg.Storage.IncomingPath()))
	assert.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
storage:
  base_dir: /srv/xmlconv
  converted_dir: /mnt/out
converter:
  command: /usr/local/bin/xml2csv
  args: ["--strict"]
  timeout: 2m
demo:
  mode: never
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/usr/local/bin/xml2csv", cfg.Converter.Command)
	assert.Equal(t, []string{"--strict"}, cfg.Converter.Args)
	assert.Equal(t, 2*time.Minute, cfg.Converter.Timeout)
	assert.Equal(t, DemoNever, cfg.Demo.Mode)
	assert.Equal(t, filepath.Join("/srv/xmlconv", "incoming"), cfg.Storage.IncomingPath())
	assert.Equal(t, "/mnt/out", cfg.Storage.ConvertedPath())
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [unclosed"))
	assert.Error(t, err)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	path := writeConfig(t, "demo:\n  mode: never\n")
	t.Setenv("PORT", "8181")
	t.Setenv("CONVERTER_COMMAND", "python3")
	t.Setenv("CONVERTER_TIMEOUT", "45s")
	t.Setenv("MAX_CONCURRENT", "2")
	t.Setenv("LOG_DIR", "/tmp/xmlconv-logs")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("VERCEL", "1")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, "python3", cfg.Converter.Command)
	assert.Equal(t, 45*time.Second, cfg.Converter.Timeout)
	assert.Equal(t, 2, cfg.Converter.MaxConcurrent)
	assert.Equal(t, filepath.Join("/tmp/xmlconv-logs", "app.log"), cfg.Logging.AppLog)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, DemoAlways, cfg.Demo.Mode)
}

func TestStorageDirMovesDerivedPaths(t *testing.T) {
	t.Setenv("STORAGE_DIR", "/srv/xmlconv")

	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("/srv/xmlconv", "incoming"), cfg.Storage.IncomingPath())
	assert.Equal(t, filepath.Join("/srv/xmlconv", "xmlconv.db"), cfg.Database.Path)

	// an explicit database path still wins
	t.Setenv("DB_PATH", "/var/lib/history.db")
	cfg, err = LoadFromEnv(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/history.db", cfg.Database.Path)
}

func TestLoadFromEnvRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"non numeric port", map[string]string{"PORT": "http"}},
		{"bad timeout", map[string]string{"CONVERTER_TIMEOUT": "soon"}},
		{"unknown demo mode", map[string]string{"DEMO_MODE": "sometimes"}},
		{"timeout too short", map[string]string{"CONVERTER_TIMEOUT": "10ms"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadFromEnv(filepath.Join(t.TempDir(), "absent.yaml"))
			assert.Error(t, err)
		})
	}
}

func TestValidateSameRoots(t *testing.T) {
	cfg := Default()
	cfg.Storage.ConvertedDir = cfg.Storage.IncomingDir
	assert.ErrorContains(t, cfg.Validate(), "ConvertedDir")
}
