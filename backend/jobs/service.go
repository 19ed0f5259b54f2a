// Package jobs composes intake, conversion and the artifact catalog into the
// operations exposed by the API, CLI and inbox watcher.
package jobs

import (
	"context"
	"errors"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/andi/xmlconv/backend/apperr"
	"github.com/andi/xmlconv/backend/catalog"
	"github.com/andi/xmlconv/backend/database"
	"github.com/andi/xmlconv/backend/intake"
	"github.com/andi/xmlconv/backend/metrics"
	"github.com/andi/xmlconv/backend/models"
	"github.com/andi/xmlconv/backend/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

const mirrorTimeout = 2 * time.Minute

// Runner executes the external converter
type Runner interface {
	Run(ctx context.Context, doc *models.Document) (*models.ConversionJob, error)
}

// Simulator produces placeholder artifacts
type Simulator interface {
	Simulate(ctx context.Context, doc *models.Document) (*models.ConversionJob, error)
}

// History stores finished and in-flight jobs
type History interface {
	Save(ctx context.Context, job *models.ConversionJob) error
	GetByID(ctx context.Context, id string) (*models.ConversionJob, error)
	List(ctx context.Context, filter models.JobFilter) ([]*models.ConversionJob, error)
	Count(ctx context.Context, filter models.JobFilter) (int64, error)
}

// Publisher pushes job events to live subscribers. Implementations must
// not block.
type Publisher interface {
	PublishState(job *models.ConversionJob)
	PublishOutput(job *models.ConversionJob, stream, line string)
}

// Mirror copies the artifacts of a succeeded job somewhere else
type Mirror interface {
	Mirror(ctx context.Context, job *models.ConversionJob) error
}

// Options wires a Service
type Options struct {
	Layout           *storage.Layout
	Intake           *intake.Intake
	Runner           Runner
	Simulator        Simulator
	Catalog          catalog.Catalog
	Capability       Capability
	History          History
	Publisher        Publisher
	Mirror           Mirror
	MaxConcurrent    int
	ConverterCommand string
	Logger           zerolog.Logger
}

// Listing is the artifact catalog as returned to clients
type Listing struct {
	IsDemo bool                   `json:"isDemo"`
	Groups []models.ArtifactGroup `json:"groups"`
}

// JobPage is one page of job history
type JobPage struct {
	Jobs   []*models.ConversionJob `json:"jobs"`
	Total  int64                   `json:"total"`
	Limit  int                     `json:"limit"`
	Offset int                     `json:"offset"`
}

// EnvironmentInfo describes what the running process can do
type EnvironmentInfo struct {
	IsDemo           bool   `json:"isDemo"`
	DemoMode         string `json:"demoMode"`
	Platform         string `json:"platform"`
	GoVersion        string `json:"goVersion"`
	ConverterCommand string `json:"converterCommand"`
	MaxConcurrent    int    `json:"maxConcurrent"`
	HistoryEnabled   bool   `json:"historyEnabled"`
	MirrorEnabled    bool   `json:"mirrorEnabled"`
	Vercel           bool   `json:"vercel"`
}

// Service is the single entry point for uploads, conversions and artifact
// management
type Service struct {
	layout     *storage.Layout
	intake     *intake.Intake
	runner     Runner
	simulator  Simulator
	catalog    catalog.Catalog
	capability Capability
	history    History
	publisher  Publisher
	mirror     Mirror
	command    string
	maxRunning int
	log        zerolog.Logger

	flights singleflight.Group
	slots   *semaphore.Weighted

	// ctx bounds queued runs; it ends with Close
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a new job service
func New(opts Options) *Service {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	s := &Service{
		layout:     opts.Layout,
		intake:     opts.Intake,
		runner:     opts.Runner,
		simulator:  opts.Simulator,
		catalog:    opts.Catalog,
		capability: opts.Capability,
		history:    opts.History,
		publisher:  opts.Publisher,
		mirror:     opts.Mirror,
		command:    opts.ConverterCommand,
		maxRunning: opts.MaxConcurrent,
		log:        opts.Logger.With().Str("component", "jobs").Logger(),
		slots:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	metrics.SetDemoMode(s.IsDemo())
	return s
}

// IsDemo reports whether conversions are currently simulated
func (s *Service) IsDemo() bool {
	return s.capability.Demo()
}

// Upload stages an XML document without converting it
func (s *Service) Upload(ctx context.Context, r io.Reader, name string) (*models.Document, error) {
	doc, err := s.intake.Intake(ctx, r, name)
	if err != nil {
		metrics.RecordUpload(string(apperr.KindOf(err)))
		return nil, err
	}
	metrics.RecordUpload("accepted")
	return doc, nil
}

// UploadAndProcess stages a document and converts it. The document is
// returned even when the conversion fails.
func (s *Service) UploadAndProcess(ctx context.Context, r io.Reader, name string) (*models.Document, *models.ConversionJob, error) {
	doc, err := s.Upload(ctx, r, name)
	if err != nil {
		return nil, nil, err
	}
	job, err := s.Process(ctx, doc.StoredName)
	return doc, job, err
}

// Process converts a staged document. Concurrent requests for the same
// document share one run. A failed job is returned together with its error.
func (s *Service) Process(ctx context.Context, storedName string) (*models.ConversionJob, error) {
	doc, err := s.lookup(storedName)
	if err != nil {
		return nil, s.audit(err, storedName)
	}

	key, _ := storage.SplitExt(doc.StoredName)
	ch := s.flights.DoChan(key, func() (interface{}, error) {
		// the run is shared, so no single caller's ctx may cut it short
		if !s.track() {
			return nil, apperr.New(apperr.KindConflict, "service is shutting down")
		}
		defer s.wg.Done()
		job, err := s.convert(s.ctx, doc)
		return job, err
	})

	select {
	case res := <-ch:
		job, _ := res.Val.(*models.ConversionJob)
		if res.Shared && job != nil {
			job = job.Clone()
		}
		return job, res.Err
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.KindConflict, "request canceled while conversion is in progress", ctx.Err())
	}
}

func (s *Service) lookup(storedName string) (*models.Document, error) {
	path, err := storage.Resolve(s.layout.Roots().Incoming, storedName)
	if err != nil {
		return nil, err
	}
	if _, ext := storage.SplitExt(storedName); !strings.EqualFold(ext, ".xml") {
		return nil, apperr.New(apperr.KindInvalidFileType, "only .xml documents can be processed")
	}
	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		if err == nil {
			err = errors.New("not a regular file")
		}
		return nil, apperr.Wrap(apperr.KindNotFound, "document not found", err)
	}
	return intake.DocumentFromStored(path, storedName, info.Size(), info.ModTime()), nil
}

func (s *Service) convert(ctx context.Context, doc *models.Document) (*models.ConversionJob, error) {
	if s.capability.Demo() {
		return s.simulate(ctx, doc)
	}

	if err := s.slots.Acquire(ctx, 1); err != nil {
		return nil, apperr.Wrap(apperr.KindConflict, "service is shutting down", err)
	}
	job, err := s.runner.Run(ctx, doc)
	s.slots.Release(1)

	if apperr.Is(err, apperr.KindSpawn) && s.capability.SpawnFailed() {
		if job != nil {
			s.finish(job, metrics.ModeConverter)
		}
		s.log.Warn().Err(err).Str("stored_name", doc.StoredName).Msg("converter unavailable, serving demo output")
		return s.simulate(ctx, doc)
	}
	if job != nil {
		s.finish(job, metrics.ModeConverter)
	}
	return job, err
}

func (s *Service) simulate(ctx context.Context, doc *models.Document) (*models.ConversionJob, error) {
	job, err := s.simulator.Simulate(ctx, doc)
	if job != nil {
		s.finish(job, metrics.ModeDemo)
	}
	return job, err
}

// finish records a terminal job everywhere it needs to go
func (s *Service) finish(job *models.ConversionJob, mode string) {
	if s.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.history.Save(ctx, job); err != nil {
			s.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to save job history")
		}
		cancel()
	}
	s.publisher.PublishState(job.Clone())
	metrics.RecordJob(string(job.State), mode, job.Duration())

	if s.mirror != nil && job.State == models.JobStateSucceeded && !job.IsDemo {
		s.mirrorAsync(job.Clone())
	}
}

// track registers background work with Close; false once closing
func (s *Service) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Service) mirrorAsync(job *models.ConversionJob) {
	if !s.track() {
		s.log.Warn().Str("job_id", job.ID).Msg("service closing, artifacts not mirrored")
		return
	}

	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := s.mirror.Mirror(ctx, job); err != nil {
			s.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to mirror artifacts")
		}
	}()
}

// JobStarted records a job the converter has just started
func (s *Service) JobStarted(job *models.ConversionJob) {
	if s.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.history.Save(ctx, job); err != nil {
			s.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to save job history")
		}
	}
	s.publisher.PublishState(job)
}

// JobOutput forwards one line of converter output
func (s *Service) JobOutput(job *models.ConversionJob, stream, line string) {
	s.publisher.PublishOutput(job, stream, line)
}

// List returns the artifact catalog
func (s *Service) List(ctx context.Context) (*Listing, error) {
	groups, err := s.catalog.List(ctx)
	if err != nil {
		return nil, err
	}
	return &Listing{IsDemo: s.IsDemo(), Groups: groups}, nil
}

// Documents lists staged source documents
func (s *Service) Documents(ctx context.Context) ([]*models.Document, error) {
	return s.catalog.Documents(ctx)
}

// Download resolves a file for streaming to a client
func (s *Service) Download(name string) (*catalog.Download, error) {
	dl, err := s.catalog.ResolveDownload(name)
	return dl, s.audit(err, name)
}

// Delete removes a document or artifact
func (s *Service) Delete(ctx context.Context, target string) (*catalog.DeleteResult, error) {
	res, err := s.catalog.Delete(ctx, target)
	return res, s.audit(err, target)
}

// Jobs returns a page of job history, newest first
func (s *Service) Jobs(ctx context.Context, filter models.JobFilter) (*JobPage, error) {
	page := &JobPage{Jobs: []*models.ConversionJob{}, Limit: filter.Limit, Offset: filter.Offset}
	if s.history == nil {
		return page, nil
	}

	jobs, err := s.history.List(ctx, filter)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load job history", err)
	}
	total, err := s.history.Count(ctx, filter)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load job history", err)
	}
	if jobs != nil {
		page.Jobs = jobs
	}
	page.Total = total
	return page, nil
}

// Job returns one job from history
func (s *Service) Job(ctx context.Context, id string) (*models.ConversionJob, error) {
	if s.history == nil {
		return nil, apperr.New(apperr.KindNotFound, "job not found")
	}
	job, err := s.history.GetByID(ctx, id)
	if errors.Is(err, database.ErrJobNotFound) {
		return nil, apperr.Wrap(apperr.KindNotFound, "job not found", err)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load job", err)
	}
	return job, nil
}

// Environment reports runtime capabilities
func (s *Service) Environment() EnvironmentInfo {
	return EnvironmentInfo{
		IsDemo:           s.IsDemo(),
		DemoMode:         s.capability.Mode(),
		Platform:         runtime.GOOS + "/" + runtime.GOARCH,
		GoVersion:        runtime.Version(),
		ConverterCommand: s.command,
		MaxConcurrent:    s.maxRunning,
		HistoryEnabled:   s.history != nil,
		MirrorEnabled:    s.mirror != nil,
		Vercel:           os.Getenv("VERCEL") == "1",
	}
}

// Close waits for pending mirror uploads
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// audit logs rejected paths with the raw input
func (s *Service) audit(err error, raw string) error {
	if apperr.Is(err, apperr.KindPathEscape) {
		metrics.RecordPathEscape()
		s.log.Warn().Err(err).Str("input", raw).Msg("path escape rejected")
	}
	return err
}

type nopPublisher struct{}

func (nopPublisher) PublishState(*models.ConversionJob) {}
func (nopPublisher) PublishOutput(*models.ConversionJob, string, string) {}
