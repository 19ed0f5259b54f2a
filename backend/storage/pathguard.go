package storage

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/andi/xmlconv/backend/apperr"
)

// escape builds the rejection error. The raw input only travels in the cause,
// which is logged and never returned to clients.
func escape(raw, reason string) error {
	return apperr.Wrap(apperr.KindPathEscape, "file name is not allowed",
		fmt.Errorf("rejected %q: %s", raw, reason))
}

// Resolve joins an untrusted bare file name to root and returns the absolute
// path. Anything that is not a plain file name is rejected before the
// filesystem is touched.
func Resolve(root, segment string) (string, error) {
	if reason := badSegment(segment); reason != "" {
		return "", escape(segment, reason)
	}

	root = filepath.Clean(root)
	resolved := filepath.Clean(filepath.Join(root, segment))
	if !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", escape(segment, "resolves outside root")
	}
	return resolved, nil
}

// ResolveManaged accepts either a bare name, routed to the root that owns its
// extension, or an absolute path that lies directly inside one of the roots.
func ResolveManaged(roots Roots, input string) (root string, path string, err error) {
	if input == "" {
		return "", "", escape(input, "empty")
	}

	if filepath.IsAbs(input) || strings.HasPrefix(input, "/") {
		for _, part := range strings.FieldsFunc(input, isSeparator) {
			if part == ".." {
				return "", "", escape(input, "parent directory segment")
			}
		}
		clean := filepath.Clean(input)
		dir := filepath.Dir(clean)
		for _, r := range []string{roots.Incoming, roots.Converted} {
			if dir == filepath.Clean(r) {
				path, err := Resolve(r, filepath.Base(clean))
				return r, path, err
			}
		}
		return "", "", escape(input, "not inside a managed root")
	}

	root = roots.Converted
	if _, ext := SplitExt(input); strings.EqualFold(ext, ".xml") {
		root = roots.Incoming
	}
	path, err = Resolve(root, input)
	if err != nil {
		return "", "", err
	}
	return root, path, nil
}

func badSegment(segment string) string {
	switch {
	case segment == "":
		return "empty"
	case segment == "." || segment == "..":
		return "dot segment"
	case strings.HasPrefix(segment, "."):
		// staging and in-flight temp files are hidden
		return "hidden name"
	case strings.ContainsRune(segment, 0):
		return "NUL byte"
	case strings.ContainsAny(segment, `/\`):
		return "contains path separator"
	case filepath.IsAbs(segment) || filepath.VolumeName(segment) != "":
		return "absolute path"
	}
	return ""
}

func isSeparator(r rune) bool {
	return r == '/' || r == '\\'
}
