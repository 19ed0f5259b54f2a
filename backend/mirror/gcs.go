package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/andi/xmlconv/backend/models"
	fsstorage "github.com/andi/xmlconv/backend/storage"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// putFunc uploads one object; it must not overwrite an existing object
type putFunc func(ctx context.Context, object string, r io.Reader) error

// GCSMirror copies the artifacts of finished jobs to a Cloud Storage bucket.
// Objects are written once; an object that already exists is left alone.
type GCSMirror struct {
	client *storage.Client
	bucket string
	prefix string
	layout *fsstorage.Layout
	put    putFunc
	log    zerolog.Logger
}

// NewGCS connects to Cloud Storage using application default credentials
func NewGCS(ctx context.Context, bucket, prefix string, layout *fsstorage.Layout, log zerolog.Logger, opts ...option.ClientOption) (*GCSMirror, error) {
	if bucket == "" {
		return nil, errors.New("mirror bucket is required")
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	m := &GCSMirror{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		layout: layout,
		log:    log.With().Str("component", "mirror").Str("bucket", bucket).Logger(),
	}
	handle := client.Bucket(bucket)
	m.put = func(ctx context.Context, object string, r io.Reader) error {
		return writeIfAbsent(ctx, handle, object, r)
	}
	return m, nil
}

// Mirror uploads every output file of job. Files are read from the
// converted root by their recorded names.
func (m *GCSMirror) Mirror(ctx context.Context, job *models.ConversionJob) error {
	roots := m.layout.Roots()

	kinds := make([]string, 0, len(job.OutputFiles))
	for kind := range job.OutputFiles {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)

	uploaded := 0
	for _, kind := range kinds {
		name := job.OutputFiles[models.ArtifactKind(kind)]
		local, err := fsstorage.Resolve(roots.Converted, name)
		if err != nil {
			return err
		}

		f, err := os.Open(local)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				// deleted before the upload started
				m.log.Warn().Str("job_id", job.ID).Str("file", name).Msg("artifact vanished, not mirrored")
				continue
			}
			return fmt.Errorf("failed to open %s: %w", name, err)
		}

		object := m.objectName(job, name)
		err = m.put(ctx, object, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("failed to mirror %s: %w", name, err)
		}
		uploaded++
	}

	m.log.Info().
		Str("job_id", job.ID).
		Int("files", uploaded).
		Msg("artifacts mirrored")
	return nil
}

// objectName returns prefix/<output base>/<job id>/<file>
func (m *GCSMirror) objectName(job *models.ConversionJob, file string) string {
	return path.Join(m.prefix, job.OutputBaseName, job.ID, file)
}

// Close releases the storage client
func (m *GCSMirror) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}

// writeIfAbsent streams r into a new object. An existing object counts as
// success so retried jobs stay idempotent.
func writeIfAbsent(ctx context.Context, bucket *storage.BucketHandle, object string, r io.Reader) error {
	writer := bucket.Object(object).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)

	if _, err := io.Copy(writer, r); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			return nil
		}
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			return nil
		}
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
