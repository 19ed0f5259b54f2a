// Package catalog lists, resolves and deletes converted artifacts and staged
// documents. The directories themselves are the index; every call rescans.
package catalog

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/andi/xmlconv/backend/apperr"
	"github.com/andi/xmlconv/backend/intake"
	"github.com/andi/xmlconv/backend/models"
	"github.com/andi/xmlconv/backend/storage"
	"github.com/rs/zerolog"
)

// MIME types served for downloads
const (
	MIMECSV   = "text/csv; charset=utf-8"
	MIMEXLSX  = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	MIMEHTML  = "text/html; charset=utf-8"
	MIMEXML   = "application/xml"
	MIMEOctet = "application/octet-stream"
)

// Catalog is the read/delete view over stored files
type Catalog interface {
	List(ctx context.Context) ([]models.ArtifactGroup, error)
	Documents(ctx context.Context) ([]*models.Document, error)
	ResolveDownload(name string) (*Download, error)
	Delete(ctx context.Context, target string) (*DeleteResult, error)
}

// Download describes a resolved file ready to stream
type Download struct {
	Path        string
	FileName    string
	ContentType string
	Inline      bool
}

// DeleteResult reports the outcome of a delete
type DeleteResult struct {
	Deleted       bool     `json:"deleted"`
	AlreadyAbsent bool     `json:"alreadyAbsent"`
	Removed       []string `json:"removed"`
}

// FSCatalog implements Catalog by scanning the managed roots
type FSCatalog struct {
	layout *storage.Layout
	log    zerolog.Logger
}

// New creates a filesystem catalog
func New(layout *storage.Layout, log zerolog.Logger) *FSCatalog {
	return &FSCatalog{
		layout: layout,
		log:    log.With().Str("component", "catalog").Logger(),
	}
}

// List groups converted artifacts by source stem, newest group first
func (c *FSCatalog) List(ctx context.Context) ([]models.ArtifactGroup, error) {
	roots := c.layout.Roots()
	files, err := storage.ListFiles(roots.Converted, "csv", "xlsx", "html")
	if err != nil {
		return nil, err
	}
	sources, err := storage.ListFiles(roots.Incoming, "xml")
	if err != nil {
		return nil, err
	}
	sourceExts := make(map[string]string, len(sources))
	for _, src := range sources {
		stem, ext := storage.SplitExt(src.Name)
		sourceExts[stem] = ext
	}
	return GroupArtifacts(files, sourceExts), nil
}

// GroupArtifacts groups entries by stem. Stems of the form {id}_{original}
// are keyed by id; anything else is keyed by its bare stem. sourceExts maps
// the stems of staged documents to their extension as uploaded; stems with
// no staged document are reported as ".xml".
func GroupArtifacts(files []storage.FileEntry, sourceExts map[string]string) []models.ArtifactGroup {
	byStem := make(map[string]*models.ArtifactGroup)
	var order []string

	for _, f := range files {
		stem, ext := storage.SplitExt(f.Name)
		kind, ok := models.ArtifactKindFromExt(ext)
		if !ok {
			continue
		}

		group, exists := byStem[stem]
		if !exists {
			group = &models.ArtifactGroup{
				ID:           stem,
				OriginalName: stem,
				Artifacts:    make(map[models.ArtifactKind]*models.Artifact),
			}
			if id, original, ok := storage.ParseStem(stem); ok {
				ext, staged := sourceExts[stem]
				if !staged {
					ext = ".xml"
				}
				group.ID = id
				group.OriginalName = original + ext
			}
			byStem[stem] = group
			order = append(order, stem)
		}

		// two names differing only in extension case map to one kind;
		// keep the newer
		if prev, dup := group.Artifacts[kind]; dup && !f.ModifiedAt.After(prev.ModifiedAt) {
			continue
		}
		group.Artifacts[kind] = &models.Artifact{
			FileName:   f.Name,
			Kind:       kind,
			SizeBytes:  f.SizeBytes,
			ModifiedAt: f.ModifiedAt,
			SourceStem: stem,
		}
		if f.ModifiedAt.After(group.NewestModifiedAt) {
			group.NewestModifiedAt = f.ModifiedAt
		}
	}

	groups := make([]models.ArtifactGroup, 0, len(order))
	for _, stem := range order {
		groups = append(groups, *byStem[stem])
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if !groups[i].NewestModifiedAt.Equal(groups[j].NewestModifiedAt) {
			return groups[i].NewestModifiedAt.After(groups[j].NewestModifiedAt)
		}
		return groups[i].ID < groups[j].ID
	})
	return groups
}

// Documents lists staged source documents, newest first
func (c *FSCatalog) Documents(ctx context.Context) ([]*models.Document, error) {
	files, err := storage.ListFiles(c.layout.Roots().Incoming, "xml")
	if err != nil {
		return nil, err
	}
	storage.SortNewestFirst(files)

	docs := make([]*models.Document, 0, len(files))
	for _, f := range files {
		docs = append(docs, intake.DocumentFromStored(f.Path, f.Name, f.SizeBytes, f.ModifiedAt))
	}
	return docs, nil
}

// ResolveDownload maps a bare file name to a regular file inside a managed root
func (c *FSCatalog) ResolveDownload(name string) (*Download, error) {
	roots := c.layout.Roots()
	root := roots.Converted
	_, ext := storage.SplitExt(name)
	if strings.EqualFold(ext, ".xml") {
		root = roots.Incoming
	}

	path, err := storage.Resolve(root, name)
	if err != nil {
		return nil, err
	}

	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		if err == nil {
			err = errors.New("not a regular file")
		}
		return nil, apperr.Wrap(apperr.KindNotFound, "file not found", err)
	}

	contentType, inline := ContentType(ext)
	return &Download{
		Path:        path,
		FileName:    name,
		ContentType: contentType,
		Inline:      inline,
	}, nil
}

// ContentType maps an extension to its MIME type and whether it is shown inline
func ContentType(ext string) (string, bool) {
	switch strings.ToLower(ext) {
	case ".csv":
		return MIMECSV, false
	case ".xlsx":
		return MIMEXLSX, false
	case ".html":
		return MIMEHTML, true
	case ".xml":
		return MIMEXML, false
	}
	return MIMEOctet, false
}

// Delete removes target. Deleting a source document cascades to every
// artifact sharing its stem. Missing files are not errors.
func (c *FSCatalog) Delete(ctx context.Context, target string) (*DeleteResult, error) {
	roots := c.layout.Roots()
	root, path, err := storage.ResolveManaged(roots, target)
	if err != nil {
		return nil, err
	}

	result := &DeleteResult{Removed: []string{}}
	name := path[len(root)+1:]

	removed, err := removeFile(path)
	if errors.Is(err, errIsDir) {
		return nil, apperr.Wrap(apperr.KindNotFound, "file not found", err)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "failed to delete file", err)
	}
	if _, err := os.Lstat(path); !errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "failed to delete file", err)
	}
	if removed {
		result.Deleted = true
		result.Removed = append(result.Removed, name)
	} else {
		result.AlreadyAbsent = true
	}

	if root == roots.Incoming {
		stem, _ := storage.SplitExt(name)
		for _, kind := range models.ArtifactKinds {
			artifact, err := storage.Resolve(roots.Converted, stem+kind.Ext())
			if err != nil {
				continue
			}
			ok, err := removeFile(artifact)
			if err != nil {
				c.log.Warn().Err(err).Str("file", stem+kind.Ext()).Msg("cascade delete failed")
				continue
			}
			if ok {
				result.Removed = append(result.Removed, stem+kind.Ext())
			}
		}
	}

	c.log.Info().
		Str("target", name).
		Strs("removed", result.Removed).
		Bool("already_absent", result.AlreadyAbsent).
		Msg("delete completed")
	return result, nil
}

var errIsDir = errors.New("target is a directory")

// removeFile deletes path and reports whether something was removed
func removeFile(path string) (bool, error) {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if info.IsDir() {
		return false, errIsDir
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
