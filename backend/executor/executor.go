package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/andi/xmlconv/backend/apperr"
	"github.com/andi/xmlconv/backend/models"
	"github.com/andi/xmlconv/backend/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	stagingDir       = ".staging"
	defaultTailBytes = 64 * 1024
	waitDelay        = 5 * time.Second
)

// Observer is told when a job starts and receives its output as it streams.
// Calls come from the converter's output goroutines and must not block.
type Observer interface {
	JobStarted(job *models.ConversionJob)
	JobOutput(job *models.ConversionJob, stream, line string)
}

// Config describes how the external converter is invoked
type Config struct {
	Command        string
	Args           []string
	Timeout        time.Duration
	MaxStderrBytes int
	LogDir         string
}

// Executor runs the external converter for staged documents
type Executor struct {
	cfg    Config
	layout *storage.Layout
	obs    Observer
	log    zerolog.Logger
	now    func() time.Time
}

// New creates a new executor
func New(cfg Config, layout *storage.Layout, log zerolog.Logger) *Executor {
	if cfg.MaxStderrBytes <= 0 {
		cfg.MaxStderrBytes = defaultTailBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
			log.Warn().Err(err).Msg("job log directory unavailable, job logs disabled")
			cfg.LogDir = ""
		}
	}

	return &Executor{
		cfg:    cfg,
		layout: layout,
		log:    log.With().Str("component", "executor").Logger(),
		now:    time.Now,
	}
}

// SetObserver attaches a receiver for job start and output events
func (e *Executor) SetObserver(obs Observer) {
	e.obs = obs
}

// NewJob creates a pending job for a document
func NewJob(doc *models.Document, now time.Time) *models.ConversionJob {
	stem, _ := storage.SplitExt(doc.StoredName)
	return &models.ConversionJob{
		ID:             uuid.New().String(),
		DocumentID:     doc.ID,
		StoredName:     doc.StoredName,
		OutputBaseName: stem,
		State:          models.JobStatePending,
		OutputFiles:    map[models.ArtifactKind]string{},
		CreatedAt:      now,
	}
}

// LogPath returns the log file of a job, or "" when job logs are disabled
func (e *Executor) LogPath(jobID string) string {
	if e.cfg.LogDir == "" {
		return ""
	}
	if _, err := uuid.Parse(jobID); err != nil {
		return ""
	}
	return filepath.Join(e.cfg.LogDir, jobID+".log")
}

// Run converts one document. The returned job is always terminal; err
// carries the failure kind when the job failed.
//
// The process is detached from ctx cancellation so an aborted request does
// not leave half-written artifacts; only the configured timeout stops it.
func (e *Executor) Run(ctx context.Context, doc *models.Document) (*models.ConversionJob, error) {
	job := NewJob(doc, e.now())
	logger := e.log.With().Str("job_id", job.ID).Str("stored_name", doc.StoredName).Logger()

	jl := e.openJobLog(job.ID)
	defer jl.Close()

	roots, err := e.layout.EnsureRoots()
	if err != nil {
		return e.fail(job, jl, err)
	}

	// clients read the job log and stderr, so they only ever see root-relative paths
	jl.SetRedactor(newRedactor(roots))

	input, err := storage.Resolve(roots.Incoming, doc.StoredName)
	if err != nil {
		return e.fail(job, jl, err)
	}
	if _, err := os.Stat(input); err != nil {
		return e.fail(job, jl, apperr.Wrap(apperr.KindNotFound, "document not found", err))
	}

	staging := filepath.Join(roots.Converted, stagingDir, job.ID)
	if err := os.MkdirAll(staging, 0755); err != nil {
		return e.fail(job, jl, apperr.Wrap(apperr.KindStorageUnavailable, "storage is unavailable", err))
	}
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			logger.Warn().Err(err).Msg("failed to remove staging directory")
		}
	}()
	outputBase := filepath.Join(staging, job.OutputBaseName)

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeout)
	defer cancel()

	args := make([]string, 0, len(e.cfg.Args)+2)
	args = append(args, e.cfg.Args...)
	args = append(args, input, outputBase)

	cmd := exec.CommandContext(runCtx, e.cfg.Command, args...)
	cmd.WaitDelay = waitDelay
	configureProcess(cmd)

	stdoutTail := newTailBuffer(e.cfg.MaxStderrBytes)
	stderrTail := newTailBuffer(e.cfg.MaxStderrBytes)
	stdoutLines := newLineWriter(func(line string) { e.emit(job, jl, "stdout", line) })
	stderrLines := newLineWriter(func(line string) { e.emit(job, jl, "stderr", line) })
	cmd.Stdout = io.MultiWriter(stdoutTail, stdoutLines)
	cmd.Stderr = io.MultiWriter(stderrTail, stderrLines)

	jl.Write(fmt.Sprintf("Command: %s %v", e.cfg.Command, args))

	if err := cmd.Start(); err != nil {
		logger.Warn().Err(err).Str("command", e.cfg.Command).Msg("converter could not be spawned")
		return e.fail(job, jl, apperr.Wrap(apperr.KindSpawn, "converter could not be started", err))
	}
	if err := job.Transition(models.JobStateRunning, e.now()); err != nil {
		return nil, err
	}
	jl.Write("Job started")
	if e.obs != nil {
		e.obs.JobStarted(job.Clone())
	}
	logger.Info().Int("pid", cmd.Process.Pid).Msg("converter started")

	waitErr := cmd.Wait()
	stdoutLines.Flush()
	stderrLines.Flush()
	job.Stdout = jl.Redact(stdoutTail.String())
	job.Stderr = jl.Redact(stderrTail.String())

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		code := -1
		job.ExitCode = &code
		return e.fail(job, jl, apperr.Wrap(apperr.KindTimeout,
			fmt.Sprintf("converter exceeded %s timeout", e.cfg.Timeout), runCtx.Err()))
	}

	exitCode := 0
	if waitErr != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}
	job.ExitCode = &exitCode
	jl.Write(fmt.Sprintf("Exit code: %d", exitCode))

	if waitErr != nil {
		return e.fail(job, jl, apperr.Wrap(apperr.KindConversionFailed,
			fmt.Sprintf("converter exited with code %d", exitCode), waitErr))
	}

	produced, err := publishArtifacts(staging, roots.Converted, job.OutputBaseName)
	if err != nil {
		return e.fail(job, jl, err)
	}
	if len(produced) == 0 {
		return e.fail(job, jl, apperr.New(apperr.KindNoArtifacts,
			"converter exited successfully but produced no artifacts"))
	}
	job.OutputFiles = produced

	if err := job.Transition(models.JobStateSucceeded, e.now()); err != nil {
		return nil, err
	}
	jl.Write(fmt.Sprintf("Job succeeded: %d artifact(s)", len(produced)))
	logger.Info().Dur("duration", job.Duration()).Int("artifacts", len(produced)).Msg("conversion succeeded")
	return job, nil
}

// fail moves the job to failed and returns it with err
func (e *Executor) fail(job *models.ConversionJob, jl *jobLog, err error) (*models.ConversionJob, error) {
	if terr := job.Transition(models.JobStateFailed, e.now()); terr != nil {
		return nil, terr
	}
	job.ErrorKind = string(apperr.KindOf(err))
	job.ErrorMessage = apperr.Message(err)
	jl.Write(fmt.Sprintf("ERROR: %v", err))

	e.log.Warn().
		Err(err).
		Str("job_id", job.ID).
		Str("stored_name", job.StoredName).
		Str("kind", job.ErrorKind).
		Msg("conversion failed")
	return job, err
}

func (e *Executor) emit(job *models.ConversionJob, jl *jobLog, stream, line string) {
	line = jl.Redact(line)
	jl.Write(fmt.Sprintf("%s: %s", stream, line))
	if e.obs != nil {
		e.obs.JobOutput(job, stream, line)
	}
}

// publishArtifacts moves every non-empty artifact from staging into the
// converted root and removes kinds this run did not produce.
func publishArtifacts(staging, converted, base string) (map[models.ArtifactKind]string, error) {
	produced := make(map[models.ArtifactKind]string)

	for _, kind := range models.ArtifactKinds {
		name := base + kind.Ext()
		info, err := os.Stat(filepath.Join(staging, name))
		if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
			continue
		}
		produced[kind] = name
	}
	if len(produced) == 0 {
		return produced, nil
	}

	for _, kind := range models.ArtifactKinds {
		name := base + kind.Ext()
		dest, err := storage.Resolve(converted, name)
		if err != nil {
			return nil, err
		}
		if _, ok := produced[kind]; !ok {
			if err := os.Remove(dest); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, apperr.Wrap(apperr.KindStorageUnavailable, "storage is unavailable", err)
			}
			continue
		}
		if err := os.Rename(filepath.Join(staging, name), dest); err != nil {
			return nil, apperr.Wrap(apperr.KindStorageUnavailable, "storage is unavailable", err)
		}
	}
	return produced, nil
}

// newRedactor rewrites absolute storage paths to their root-relative form
func newRedactor(roots storage.Roots) *strings.Replacer {
	sep := string(filepath.Separator)
	return strings.NewReplacer(
		roots.Incoming+sep, "incoming/",
		roots.Converted+sep, "converted/",
		roots.Incoming, "incoming",
		roots.Converted, "converted",
	)
}

// jobLog writes timestamped lines to a per-job log file. The zero value
// discards everything.
type jobLog struct {
	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	redact *strings.Replacer
}

func (e *Executor) openJobLog(jobID string) *jobLog {
	path := e.LogPath(jobID)
	if path == "" {
		return &jobLog{}
	}
	f, err := os.Create(path)
	if err != nil {
		e.log.Warn().Err(err).Str("job_id", jobID).Msg("failed to create job log")
		return &jobLog{}
	}
	return &jobLog{file: f, w: bufio.NewWriter(f)}
}

// SetRedactor applies r to every later entry
func (l *jobLog) SetRedactor(r *strings.Replacer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.redact = r
}

// Redact applies the redactor to s, if one is set
func (l *jobLog) Redact(s string) string {
	l.mu.Lock()
	r := l.redact
	l.mu.Unlock()
	if r == nil {
		return s
	}
	return r.Replace(s)
}

// Write writes a timestamped log entry
func (l *jobLog) Write(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w == nil {
		return
	}
	if l.redact != nil {
		message = l.redact.Replace(message)
	}
	timestamp := time.Now().Format(time.RFC3339)
	fmt.Fprintf(l.w, "[%s] %s\n", timestamp, message)
}

func (l *jobLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	l.w.Flush()
	l.file.Close()
	l.w = nil
	l.file = nil
}
