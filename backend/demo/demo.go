// Package demo writes labeled placeholder artifacts when the host cannot run
// the converter.
package demo

import (
	"bytes"
	"context"
	"embed"
	"encoding/csv"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/andi/xmlconv/backend/apperr"
	"github.com/andi/xmlconv/backend/executor"
	"github.com/andi/xmlconv/backend/models"
	"github.com/andi/xmlconv/backend/storage"
	"github.com/gofiber/template/html/v2"
	"github.com/rs/zerolog"
)

// Banner marks every placeholder artifact
const Banner = "DEMO OUTPUT - placeholder generated without running the converter"

//go:embed templates/*.html
var templatesFS embed.FS

var header = []string{"field", "value"}

// Simulator produces placeholder artifacts in the converted root
type Simulator struct {
	layout *storage.Layout
	engine *html.Engine
	log    zerolog.Logger
	now    func() time.Time
}

// New creates a simulator and loads its embedded templates
func New(layout *storage.Layout, log zerolog.Logger) (*Simulator, error) {
	sub, err := fs.Sub(templatesFS, "templates")
	if err != nil {
		return nil, err
	}
	engine := html.NewFileSystem(http.FS(sub), ".html")
	if err := engine.Load(); err != nil {
		return nil, fmt.Errorf("failed to load demo templates: %w", err)
	}

	return &Simulator{
		layout: layout,
		engine: engine,
		log:    log.With().Str("component", "demo").Logger(),
		now:    time.Now,
	}, nil
}

// Simulate writes csv, xlsx and html placeholders for doc and returns a
// succeeded job tagged as demo output.
func (s *Simulator) Simulate(ctx context.Context, doc *models.Document) (*models.ConversionJob, error) {
	job := executor.NewJob(doc, s.now())
	job.IsDemo = true
	if err := job.Transition(models.JobStateRunning, s.now()); err != nil {
		return nil, err
	}

	roots, err := s.layout.EnsureRoots()
	if err != nil {
		return s.fail(job, err)
	}

	rows := placeholderRows(doc)
	outputs := map[models.ArtifactKind]func() ([]byte, error){
		models.ArtifactCSV:  func() ([]byte, error) { return renderCSV(rows) },
		models.ArtifactXLSX: func() ([]byte, error) { return renderXLSX(rows) },
		models.ArtifactHTML: func() ([]byte, error) { return s.renderHTML(doc, rows) },
	}

	for _, kind := range models.ArtifactKinds {
		data, err := outputs[kind]()
		if err != nil {
			return s.fail(job, fmt.Errorf("failed to render %s placeholder: %w", kind, err))
		}
		name := job.OutputBaseName + kind.Ext()
		if _, _, err := storage.WriteAtomic(roots.Converted, name, bytes.NewReader(data)); err != nil {
			return s.fail(job, err)
		}
		job.OutputFiles[kind] = name
	}

	code := 0
	job.ExitCode = &code
	if err := job.Transition(models.JobStateSucceeded, s.now()); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("job_id", job.ID).
		Str("stored_name", doc.StoredName).
		Msg("demo artifacts written")
	return job, nil
}

func (s *Simulator) fail(job *models.ConversionJob, err error) (*models.ConversionJob, error) {
	if terr := job.Transition(models.JobStateFailed, s.now()); terr != nil {
		return nil, terr
	}
	job.ErrorKind = string(apperr.KindOf(err))
	job.ErrorMessage = apperr.Message(err)
	s.log.Error().Err(err).Str("job_id", job.ID).Msg("demo artifacts could not be written")
	return job, err
}

func placeholderRows(doc *models.Document) [][]string {
	return [][]string{
		{"notice", Banner},
		{"source", doc.StoredName},
		{"size_bytes", fmt.Sprint(doc.SizeBytes)},
	}
}

func renderCSV(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Simulator) renderHTML(doc *models.Document, rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	err := s.engine.Render(&buf, "demo", map[string]interface{}{
		"Title":  "Demo conversion of " + doc.StoredName,
		"Banner": Banner,
		"Header": header,
		"Rows":   rows,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
