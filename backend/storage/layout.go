// Package storage owns the incoming and converted directories and guards every
// path derived from client input.
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/andi/xmlconv/backend/apperr"
)

const dirPerm = 0755

// Roots holds the absolute paths of the two managed directories
type Roots struct {
	Incoming  string
	Converted string
}

// FileEntry describes one file found by ListFiles
type FileEntry struct {
	Name       string
	Path       string
	SizeBytes  int64
	ModifiedAt time.Time
}

// Layout owns the managed roots
type Layout struct {
	roots Roots
}

// NewLayout canonicalizes the configured roots. It does not touch the filesystem.
func NewLayout(incoming, converted string) (*Layout, error) {
	in, err := filepath.Abs(incoming)
	if err != nil {
		return nil, fmt.Errorf("invalid incoming dir: %w", err)
	}
	out, err := filepath.Abs(converted)
	if err != nil {
		return nil, fmt.Errorf("invalid converted dir: %w", err)
	}
	if in == out {
		return nil, fmt.Errorf("incoming and converted dirs must differ")
	}
	return &Layout{roots: Roots{Incoming: filepath.Clean(in), Converted: filepath.Clean(out)}}, nil
}

// Roots returns the canonical root paths
func (l *Layout) Roots() Roots {
	return l.roots
}

// EnsureRoots creates both roots if they are missing. It is safe to call
// repeatedly.
func (l *Layout) EnsureRoots() (Roots, error) {
	for _, dir := range []string{l.roots.Incoming, l.roots.Converted} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return Roots{}, apperr.Wrap(apperr.KindStorageUnavailable, "storage is unavailable", err)
		}
		info, err := os.Stat(dir)
		if err != nil {
			return Roots{}, apperr.Wrap(apperr.KindStorageUnavailable, "storage is unavailable", err)
		}
		if !info.IsDir() {
			return Roots{}, apperr.Wrap(apperr.KindStorageUnavailable, "storage is unavailable",
				fmt.Errorf("%s is not a directory", dir))
		}
	}
	return l.roots, nil
}

// ListFiles scans root without recursing and returns the regular files whose
// extension matches one of exts (case-insensitive). With no exts every file
// is returned. Hidden entries are skipped. A missing root yields no entries.
func ListFiles(root string, exts ...string) ([]FileEntry, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "storage is unavailable", err)
	}

	var files []FileEntry
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || !entry.Type().IsRegular() {
			continue
		}
		if len(exts) > 0 && !hasExt(name, exts) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		files = append(files, FileEntry{
			Name:       name,
			Path:       filepath.Join(root, name),
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime(),
		})
	}
	return files, nil
}

// SortNewestFirst orders entries by modification time, newest first, then by name
func SortNewestFirst(files []FileEntry) {
	sort.Slice(files, func(i, j int) bool {
		if !files[i].ModifiedAt.Equal(files[j].ModifiedAt) {
			return files[i].ModifiedAt.After(files[j].ModifiedAt)
		}
		return files[i].Name < files[j].Name
	})
}

func hasExt(name string, exts []string) bool {
	_, ext := SplitExt(name)
	for _, want := range exts {
		if strings.EqualFold(ext, "."+strings.TrimPrefix(want, ".")) {
			return true
		}
	}
	return false
}

// WriteAtomic streams r into a hidden temp file inside root and renames it to
// name once fully written and synced. Concurrent listers never see a partial
// file. It returns the final path and the number of bytes written.
func WriteAtomic(root, name string, r io.Reader) (string, int64, error) {
	dest, err := Resolve(root, name)
	if err != nil {
		return "", 0, err
	}

	tmp, err := os.CreateTemp(root, ".tmp-*")
	if err != nil {
		return "", 0, apperr.Wrap(apperr.KindStorageUnavailable, "storage is unavailable", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return "", 0, fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		return "", 0, apperr.Wrap(apperr.KindStorageUnavailable, "storage is unavailable", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, apperr.Wrap(apperr.KindStorageUnavailable, "storage is unavailable", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return "", 0, apperr.Wrap(apperr.KindStorageUnavailable, "storage is unavailable", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", 0, apperr.Wrap(apperr.KindStorageUnavailable, "storage is unavailable", err)
	}
	committed = true
	return dest, n, nil
}
