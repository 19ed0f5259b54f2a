package api

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/andi/xmlconv/backend/apperr"
	"github.com/andi/xmlconv/backend/catalog"
	"github.com/andi/xmlconv/backend/jobs"
	"github.com/andi/xmlconv/backend/metrics"
	"github.com/andi/xmlconv/backend/models"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
)

// JobService is what the HTTP layer needs from the job facade
type JobService interface {
	Upload(ctx context.Context, r io.Reader, name string) (*models.Document, error)
	UploadAndProcess(ctx context.Context, r io.Reader, name string) (*models.Document, *models.ConversionJob, error)
	Process(ctx context.Context, storedName string) (*models.ConversionJob, error)
	List(ctx context.Context) (*jobs.Listing, error)
	Documents(ctx context.Context) ([]*models.Document, error)
	Download(name string) (*catalog.Download, error)
	Delete(ctx context.Context, target string) (*catalog.DeleteResult, error)
	Jobs(ctx context.Context, filter models.JobFilter) (*jobs.JobPage, error)
	Job(ctx context.Context, id string) (*models.ConversionJob, error)
	Environment() jobs.EnvironmentInfo
}

// Options configures the HTTP server
type Options struct {
	LogDir       string
	BodyLimit    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// JobLogPath maps a job id to its log file; nil disables log tailing
	JobLogPath func(jobID string) string
}

// Server represents the HTTP API server
type Server struct {
	app      *fiber.App
	svc      JobService
	hub      *JobHub
	opts     Options
	validate *validator.Validate
	log      zerolog.Logger
	access   io.Closer
}

// New creates a new API server
func New(svc JobService, hub *JobHub, opts Options, log zerolog.Logger) *Server {
	server := &Server{
		svc:      svc,
		hub:      hub,
		opts:     opts,
		validate: validator.New(),
		log:      log.With().Str("component", "api").Logger(),
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          server.errorHandler,
		BodyLimit:             opts.BodyLimit,
		ReadTimeout:           opts.ReadTimeout,
		WriteTimeout:          opts.WriteTimeout,
		DisableStartupMessage: true,
	})

	// Middleware
	app.Use(recover.New())

	// Access logs go to their own file, never to the console
	accessOutput := io.Discard
	if opts.LogDir != "" {
		accessLogPath := filepath.Join(opts.LogDir, "access.log")
		if err := os.MkdirAll(opts.LogDir, 0755); err != nil {
			server.log.Warn().Err(err).Msg("failed to create log directory, access log disabled")
		} else if f, err := os.OpenFile(accessLogPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644); err != nil {
			server.log.Warn().Err(err).Msg("failed to open access log file, access log disabled")
		} else {
			accessOutput = f
			server.access = f
		}
	}
	app.Use(logger.New(logger.Config{Output: accessOutput}))

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))

	server.app = app
	server.setupRoutes()
	return server
}

// setupRoutes sets up all API routes
func (s *Server) setupRoutes() {
	api := s.app.Group("/api")

	// Documents and artifacts
	api.Post("/upload", s.upload)
	api.Post("/process", s.process)
	api.Get("/files", s.listFiles)
	api.Get("/documents", s.listDocuments)
	api.Get("/download", s.download)
	api.Post("/delete", s.deleteFile)

	// Job history
	api.Get("/jobs", s.listJobs)
	api.Get("/jobs/:id", s.getJob)
	api.Get("/jobs/:id/log", s.tailJobLog)

	api.Get("/env", s.environment)

	s.app.Get("/ws/jobs", s.HandleWebSocket)
	s.app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
}

// App exposes the fiber app for tests
func (s *Server) App() *fiber.App {
	return s.app
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	if s.access != nil {
		s.access.Close()
	}
	return err
}

func (s *Server) bind(c *fiber.Ctx, req interface{}) error {
	if err := c.BodyParser(req); err != nil {
		return apperr.Wrap(apperr.KindInvalidRequest, "invalid request body", err)
	}
	if err := s.validate.Struct(req); err != nil {
		return apperr.Wrap(apperr.KindInvalidRequest, "invalid request: "+validationSummary(err), err)
	}
	return nil
}

func validationSummary(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "malformed"
	}
	fe := verrs[0]
	return fe.Field() + " failed " + fe.Tag()
}

// ============== Document Handlers ==============

// UploadResponse is the staged document, plus the job when processing was
// requested
type UploadResponse struct {
	*models.Document
	Job *models.ConversionJob `json:"job,omitempty"`
}

func (s *Server) upload(c *fiber.Ctx) error {
	fh, err := uploadedFile(c)
	if err != nil {
		return err
	}
	f, err := fh.Open()
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidRequest, "failed to read upload", err)
	}
	defer f.Close()

	if c.QueryBool("process", false) {
		doc, job, err := s.svc.UploadAndProcess(c.UserContext(), f, fh.Filename)
		if err != nil {
			return withJob(err, job)
		}
		return c.Status(fiber.StatusCreated).JSON(UploadResponse{Document: doc, Job: job})
	}

	doc, err := s.svc.Upload(c.UserContext(), f, fh.Filename)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(UploadResponse{Document: doc})
}

// uploadedFile accepts the file under "file" or the legacy "xmlFile" field
func uploadedFile(c *fiber.Ctx) (*multipart.FileHeader, error) {
	for _, field := range []string{"file", "xmlFile"} {
		if fh, err := c.FormFile(field); err == nil {
			return fh, nil
		}
	}
	return nil, apperr.New(apperr.KindInvalidRequest, `multipart field "file" is required`)
}

type ProcessRequest struct {
	StoredName string `json:"storedName" validate:"required_without=Filename,max=255"`
	Filename   string `json:"filename" validate:"required_without=StoredName,max=255"`
}

func (s *Server) process(c *fiber.Ctx) error {
	var req ProcessRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	name := req.StoredName
	if name == "" {
		name = req.Filename
	}

	job, err := s.svc.Process(c.UserContext(), name)
	if err != nil {
		return withJob(err, job)
	}
	return c.JSON(job)
}

func (s *Server) listFiles(c *fiber.Ctx) error {
	listing, err := s.svc.List(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(listing)
}

func (s *Server) listDocuments(c *fiber.Ctx) error {
	docs, err := s.svc.Documents(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(docs)
}

func (s *Server) download(c *fiber.Ctx) error {
	name := c.Query("file")
	if name == "" {
		return apperr.New(apperr.KindInvalidRequest, `query parameter "file" is required`)
	}

	dl, err := s.svc.Download(name)
	if err != nil {
		return err
	}
	f, err := os.Open(dl.Path)
	if err != nil {
		return apperr.Wrap(apperr.KindNotFound, "file not found", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return apperr.Wrap(apperr.KindNotFound, "file not found", err)
	}

	disposition := "attachment"
	if dl.Inline {
		disposition = "inline"
	}
	c.Set(fiber.HeaderContentType, dl.ContentType)
	c.Set(fiber.HeaderContentDisposition, mime.FormatMediaType(disposition, map[string]string{"filename": dl.FileName}))
	c.Set("X-Content-Type-Options", "nosniff")

	// fasthttp closes f once the body is sent
	return c.SendStream(f, int(info.Size()))
}

type DeleteRequest struct {
	FilePath string `json:"filePath" validate:"required,max=4096"`
}

func (s *Server) deleteFile(c *fiber.Ctx) error {
	var req DeleteRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	res, err := s.svc.Delete(c.UserContext(), req.FilePath)
	if err != nil {
		return err
	}
	return c.JSON(res)
}

// ============== Job Handlers ==============

var jobStates = map[string]bool{
	string(models.JobStatePending):   true,
	string(models.JobStateRunning):   true,
	string(models.JobStateSucceeded): true,
	string(models.JobStateFailed):    true,
}

func (s *Server) listJobs(c *fiber.Ctx) error {
	state := c.Query("state", "")
	if state != "" && !jobStates[state] {
		return apperr.New(apperr.KindInvalidRequest, "unknown job state")
	}
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))

	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	page, err := s.svc.Jobs(c.UserContext(), models.JobFilter{
		DocumentID: c.Query("document", ""),
		State:      state,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		return err
	}
	return c.JSON(page)
}

func (s *Server) getJob(c *fiber.Ctx) error {
	job, err := s.svc.Job(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(job)
}

func (s *Server) tailJobLog(c *fiber.Ctx) error {
	id := c.Params("id")
	offset, _ := strconv.Atoi(c.Query("offset", "0"))

	job, err := s.svc.Job(c.UserContext(), id)
	if err != nil {
		return err
	}
	completed := job.State.Terminal()

	path := ""
	if s.opts.JobLogPath != nil {
		path = s.opts.JobLogPath(job.ID)
	}
	if path == "" {
		return apperr.New(apperr.KindNotFound, "job log not available")
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c.JSON(fiber.Map{
			"content":   "",
			"offset":    0,
			"completed": completed,
		})
	}
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to read job log", err)
	}

	content := string(data)
	if offset > 0 && offset <= len(content) {
		content = content[offset:]
	}
	return c.JSON(fiber.Map{
		"content":   content,
		"offset":    len(data),
		"completed": completed,
	})
}

func (s *Server) environment(c *fiber.Ctx) error {
	return c.JSON(s.svc.Environment())
}
