package storage

import (
	"path/filepath"
	"regexp"
	"strings"
)

var (
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

	// {id}_{originalStem}: 32 hex chars, or a 36 char UUID for files written
	// by older releases
	storedStem = regexp.MustCompile(`^([0-9a-f]{32}|[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})_(.+)$`)
)

// SanitizeName replaces every character outside [a-zA-Z0-9._-] with '_'
func SanitizeName(name string) string {
	return unsafeChars.ReplaceAllString(name, "_")
}

// BaseName returns the last element of a client supplied name, treating both
// '/' and '\' as separators
func BaseName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// SplitExt splits name into stem and extension (with dot)
func SplitExt(name string) (string, string) {
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext), ext
}

// ParseStem splits a stored stem into its id prefix and original stem
func ParseStem(stem string) (id, originalStem string, ok bool) {
	m := storedStem.FindStringSubmatch(stem)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}
