// Package intake stages uploaded XML documents in the incoming root.
package intake

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/andi/xmlconv/backend/apperr"
	"github.com/andi/xmlconv/backend/models"
	"github.com/andi/xmlconv/backend/storage"
	"github.com/rs/zerolog"
)

// idBytes gives 128 bits of entropy per document id
const idBytes = 16

// Intake writes uploads into the incoming root
type Intake struct {
	layout *storage.Layout
	log    zerolog.Logger
	now    func() time.Time
}

// New creates a new intake
func New(layout *storage.Layout, log zerolog.Logger) *Intake {
	return &Intake{
		layout: layout,
		log:    log.With().Str("component", "intake").Logger(),
		now:    time.Now,
	}
}

// Intake validates the declared name, writes the payload atomically and
// returns the staged document.
func (i *Intake) Intake(ctx context.Context, r io.Reader, declaredName string) (*models.Document, error) {
	original := storage.SanitizeName(storage.BaseName(declaredName))
	if _, ext := storage.SplitExt(original); !strings.EqualFold(ext, ".xml") {
		return nil, apperr.New(apperr.KindInvalidFileType, "only .xml files are accepted")
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	roots, err := i.layout.EnsureRoots()
	if err != nil {
		return nil, err
	}

	id, err := NewID()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to generate document id", err)
	}
	storedName := id + "_" + original

	// peek one byte so an empty body never creates a file
	var first [1]byte
	n, err := io.ReadFull(r, first[:])
	if n == 0 {
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("failed to read upload: %w", err)
		}
		return nil, apperr.New(apperr.KindEmptyUpload, "uploaded file is empty")
	}

	path, _, err := storage.WriteAtomic(roots.Incoming, storedName, io.MultiReader(bytes.NewReader(first[:n]), r))
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "storage is unavailable", err)
	}

	doc := &models.Document{
		ID:           id,
		OriginalName: original,
		StoredName:   storedName,
		StoragePath:  path,
		SizeBytes:    info.Size(),
		CreatedAt:    i.now(),
	}

	i.log.Info().
		Str("document_id", id).
		Str("stored_name", storedName).
		Int64("size_bytes", doc.SizeBytes).
		Msg("document staged")

	return doc, nil
}

// NewID returns a random 32 character hex id
func NewID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// DocumentFromStored rebuilds a document record from a stored file name
// found in the incoming root.
func DocumentFromStored(path, storedName string, size int64, modTime time.Time) *models.Document {
	stem, ext := storage.SplitExt(storedName)
	doc := &models.Document{
		ID:           stem,
		OriginalName: storedName,
		StoredName:   storedName,
		StoragePath:  path,
		SizeBytes:    size,
		CreatedAt:    modTime,
	}
	if id, orig, ok := storage.ParseStem(stem); ok {
		doc.ID = id
		doc.OriginalName = orig + ext
	}
	return doc
}
