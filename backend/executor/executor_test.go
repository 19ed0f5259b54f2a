package executor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andi/xmlconv/backend/apperr"
	"github.com/andi/xmlconv/backend/models"
	"github.com/andi/xmlconv/backend/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const storedName = "0123456789abcdef0123456789abcdef_catalog.xml"

type testEnv struct {
	layout *storage.Layout
	roots  storage.Roots
	doc    *models.Document
	dir    string
}

func setupEnv(t *testing.T) *testEnv {
	if runtime.GOOS == "windows" {
		t.Skip("converter scripts need /bin/sh")
	}
	base := t.TempDir()
	layout, err := storage.NewLayout(filepath.Join(base, "incoming"), filepath.Join(base, "converted"))
	require.NoError(t, err)
	roots, err := layout.EnsureRoots()
	require.NoError(t, err)

	path := filepath.Join(roots.Incoming, storedName)
	require.NoError(t, os.WriteFile(path, []byte("<catalog/>"), 0644))

	return &testEnv{
		layout: layout,
		roots:  roots,
		dir:    base,
		doc: &models.Document{
			ID:          "0123456789abcdef0123456789abcdef",
			StoredName:  storedName,
			StoragePath: path,
			SizeBytes:   10,
		},
	}
}

// newExecutor writes script as the converter and returns an executor for it
func (env *testEnv) newExecutor(t *testing.T, script string, cfg Config) *Executor {
	scriptPath := filepath.Join(env.dir, "convert.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte("#!/bin/sh\n"+script+"\n"), 0755))

	cfg.Command = "/bin/sh"
	cfg.Args = []string{scriptPath}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return New(cfg, env.layout, zerolog.Nop())
}

type recordingObserver struct {
	mu      sync.Mutex
	started []models.JobState
	lines   []string
}

func (o *recordingObserver) JobStarted(job *models.ConversionJob) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, job.State)
}

func (o *recordingObserver) JobOutput(job *models.ConversionJob, stream, line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lines = append(o.lines, stream+":"+line)
}

func TestRunSucceeds(t *testing.T) {
	env := setupEnv(t)
	exec := env.newExecutor(t, `
printf 'a,b\n1,2\n' > "$2.csv"
printf '<table></table>' > "$2.html"
echo converted
echo "just a warning" >&2
`, Config{})
	obs := &recordingObserver{}
	exec.SetObserver(obs)

	job, err := exec.Run(context.Background(), env.doc)
	require.NoError(t, err)

	assert.Equal(t, models.JobStateSucceeded, job.State)
	assert.Equal(t, "0123456789abcdef0123456789abcdef_catalog", job.OutputBaseName)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 0, *job.ExitCode)
	assert.Equal(t, map[models.ArtifactKind]string{
		models.ArtifactCSV:  job.OutputBaseName + ".csv",
		models.ArtifactHTML: job.OutputBaseName + ".html",
	}, job.OutputFiles)
	assert.Contains(t, job.Stderr, "just a warning")
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.FinishedAt)

	data, err := os.ReadFile(filepath.Join(env.roots.Converted, job.OutputBaseName+".csv"))
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(data))
	assert.NoFileExists(t, filepath.Join(env.roots.Converted, job.OutputBaseName+".xlsx"))

	// staging is gone
	entries, err := os.ReadDir(filepath.Join(env.roots.Converted, stagingDir))
	require.NoError(t, err)
	assert.Empty(t, entries)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []models.JobState{models.JobStateRunning}, obs.started)
	assert.Contains(t, obs.lines, "stdout:converted")
	assert.Contains(t, obs.lines, "stderr:just a warning")
}

func TestRunPassesExactlyTwoArguments(t *testing.T) {
	env := setupEnv(t)
	exec := env.newExecutor(t, `printf '%s\n%s\n%s\n' "$#" "$1" "$2" > "$2.csv"`, Config{})

	job, err := exec.Run(context.Background(), env.doc)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(env.roots.Converted, job.OutputBaseName+".csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	// $0 is the script, so the converter sees the input path and the output base
	assert.Equal(t, "2", lines[0])
	assert.Equal(t, env.doc.StoragePath, lines[1])
	assert.Equal(t, job.OutputBaseName, filepath.Base(lines[2]))
}

func TestRunNonZeroExit(t *testing.T) {
	env := setupEnv(t)
	exec := env.newExecutor(t, `printf 'partial' > "$2.csv"; echo "bad input" >&2; exit 3`, Config{})

	job, err := exec.Run(context.Background(), env.doc)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConversionFailed))

	assert.Equal(t, models.JobStateFailed, job.State)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 3, *job.ExitCode)
	assert.Contains(t, job.Stderr, "bad input")
	assert.Equal(t, string(apperr.KindConversionFailed), job.ErrorKind)

	// partial output never reaches the converted root
	files, err := storage.ListFiles(env.roots.Converted)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestRunNoArtifacts(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"nothing written", "exit 0"},
		{"only empty files", `: > "$2.csv"; : > "$2.html"`},
		{"wrong names", `printf 'x' > "$2.txt"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupEnv(t)
			exec := env.newExecutor(t, tt.script, Config{})

			job, err := exec.Run(context.Background(), env.doc)
			assert.True(t, apperr.Is(err, apperr.KindNoArtifacts))
			assert.Equal(t, models.JobStateFailed, job.State)
			assert.Empty(t, job.OutputFiles)
		})
	}
}

func TestRunSpawnError(t *testing.T) {
	env := setupEnv(t)
	exec := New(Config{Command: filepath.Join(env.dir, "missing-converter")}, env.layout, zerolog.Nop())

	job, err := exec.Run(context.Background(), env.doc)
	assert.True(t, apperr.Is(err, apperr.KindSpawn))
	assert.Equal(t, models.JobStateFailed, job.State)
	assert.Nil(t, job.StartedAt)
}

func TestRunTimeout(t *testing.T) {
	env := setupEnv(t)
	exec := env.newExecutor(t, `printf 'x' > "$2.csv"; exec sleep 10`, Config{Timeout: 300 * time.Millisecond})

	start := time.Now()
	job, err := exec.Run(context.Background(), env.doc)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.True(t, apperr.Is(err, apperr.KindTimeout))
	assert.Equal(t, models.JobStateFailed, job.State)
	assert.NoFileExists(t, filepath.Join(env.roots.Converted, job.OutputBaseName+".csv"))
}

func TestRunIgnoresCallerCancellation(t *testing.T) {
	env := setupEnv(t)
	exec := env.newExecutor(t, `sleep 0.3; printf 'a' > "$2.csv"`, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	job, err := exec.Run(ctx, env.doc)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateSucceeded, job.State)
}

func TestRunBoundsStderr(t *testing.T) {
	env := setupEnv(t)
	exec := env.newExecutor(t, `
i=0
while [ $i -lt 500 ]; do
  echo "noise line $i with some padding to make it longer" >&2
  i=$((i+1))
done
exit 1
`, Config{MaxStderrBytes: 1024})

	job, err := exec.Run(context.Background(), env.doc)
	require.Error(t, err)
	assert.LessOrEqual(t, len(job.Stderr), 1024+len("...(truncated)\n"))
	assert.Contains(t, job.Stderr, "noise line 499")
	assert.NotContains(t, job.Stderr, "noise line 0 ")
}

func TestRunReplacesStaleKinds(t *testing.T) {
	env := setupEnv(t)
	first := env.newExecutor(t, `printf 'a' > "$2.csv"; printf 'b' > "$2.html"`, Config{})
	job, err := first.Run(context.Background(), env.doc)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(env.roots.Converted, job.OutputBaseName+".html"))

	second := env.newExecutor(t, `printf 'c' > "$2.csv"`, Config{})
	job, err = second.Run(context.Background(), env.doc)
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(env.roots.Converted, job.OutputBaseName+".html"))
	data, err := os.ReadFile(filepath.Join(env.roots.Converted, job.OutputBaseName+".csv"))
	require.NoError(t, err)
	assert.Equal(t, "c", string(data))
}

func TestRunMissingDocument(t *testing.T) {
	env := setupEnv(t)
	exec := env.newExecutor(t, "exit 0", Config{})
	require.NoError(t, os.Remove(env.doc.StoragePath))

	_, err := exec.Run(context.Background(), env.doc)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestRunWritesJobLog(t *testing.T) {
	env := setupEnv(t)
	logDir := filepath.Join(env.dir, "logs")
	exec := env.newExecutor(t, `echo hello; printf 'a' > "$2.csv"`, Config{LogDir: logDir})

	job, err := exec.Run(context.Background(), env.doc)
	require.NoError(t, err)

	data, err := os.ReadFile(exec.LogPath(job.ID))
	require.NoError(t, err)
	assert.Contains(t, string(data), "stdout: hello")
	assert.Contains(t, string(data), "Exit code: 0")

	assert.Empty(t, exec.LogPath("../../etc/passwd"))
}

func TestRunHidesStorageRoots(t *testing.T) {
	env := setupEnv(t)
	logDir := filepath.Join(env.dir, "logs")
	exec := env.newExecutor(t, `echo "cannot parse $1" >&2; echo "writing $2"; exit 3`, Config{LogDir: logDir})
	obs := &recordingObserver{}
	exec.SetObserver(obs)

	job, err := exec.Run(context.Background(), env.doc)
	require.Error(t, err)

	assert.Contains(t, job.Stderr, "cannot parse incoming/"+storedName)
	assert.NotContains(t, job.Stderr, env.roots.Incoming)
	assert.NotContains(t, job.Stdout, env.roots.Converted)
	assert.Contains(t, job.Stdout, "converted/"+stagingDir+"/"+job.ID)

	data, err := os.ReadFile(exec.LogPath(job.ID))
	require.NoError(t, err)
	log := string(data)
	assert.NotContains(t, log, env.roots.Incoming)
	assert.NotContains(t, log, env.roots.Converted)
	assert.Contains(t, log, "Command: /bin/sh")
	assert.Contains(t, log, "incoming/"+storedName)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	for _, line := range obs.lines {
		assert.NotContains(t, line, env.dir+string(filepath.Separator)+"incoming")
	}
}
