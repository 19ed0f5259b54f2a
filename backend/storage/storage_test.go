package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andi/xmlconv/backend/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLayout(t *testing.T) *Layout {
	base := t.TempDir()
	layout, err := NewLayout(filepath.Join(base, "incoming"), filepath.Join(base, "converted"))
	require.NoError(t, err)
	_, err = layout.EnsureRoots()
	require.NoError(t, err)
	return layout
}

func TestResolveRejectsTraversal(t *testing.T) {
	root := filepath.Join(t.TempDir(), "converted")

	tests := []string{
		"",
		".",
		"..",
		"../secret.csv",
		"../../etc/passwd",
		"sub/file.csv",
		`..\..\win.ini`,
		"/etc/passwd",
		"a\x00.csv",
		".tmp-123",
		"..hidden.csv",
		".staging",
	}

	for _, name := range tests {
		_, err := Resolve(root, name)
		require.Error(t, err, "name %q", name)
		assert.True(t, apperr.Is(err, apperr.KindPathEscape), "name %q", name)
		assert.NotContains(t, apperr.Message(err), root)
	}
}

func TestResolveTouchesNothing(t *testing.T) {
	// root does not exist; rejection must not depend on the filesystem
	root := filepath.Join(t.TempDir(), "missing")

	_, err := Resolve(root, "../x.csv")
	require.Error(t, err)
	_, statErr := os.Stat(root)
	assert.True(t, os.IsNotExist(statErr))
}

func TestResolveAcceptsBareNames(t *testing.T) {
	root := filepath.Join(t.TempDir(), "converted")

	for _, name := range []string{"a.csv", "abc_report.v2.xlsx", "x..y.html", "a.b.c.csv"} {
		path, err := Resolve(root, name)
		require.NoError(t, err, name)
		assert.Equal(t, filepath.Join(root, name), path)
		assert.True(t, strings.HasPrefix(path, root+string(filepath.Separator)))
	}
}

func TestResolveManaged(t *testing.T) {
	layout := setupLayout(t)
	roots := layout.Roots()

	root, path, err := ResolveManaged(roots, "doc.XML")
	require.NoError(t, err)
	assert.Equal(t, roots.Incoming, root)
	assert.Equal(t, filepath.Join(roots.Incoming, "doc.XML"), path)

	root, path, err = ResolveManaged(roots, "doc.csv")
	require.NoError(t, err)
	assert.Equal(t, roots.Converted, root)
	assert.Equal(t, filepath.Join(roots.Converted, "doc.csv"), path)

	abs := filepath.Join(roots.Converted, "doc.html")
	root, path, err = ResolveManaged(roots, abs)
	require.NoError(t, err)
	assert.Equal(t, roots.Converted, root)
	assert.Equal(t, abs, path)

	rejected := []string{
		"",
		"/etc/passwd",
		roots.Converted + "-evil/doc.csv",
		roots.Converted + "/../incoming/doc.xml",
		filepath.Join(roots.Converted, "nested", "doc.csv"),
		"../doc.csv",
	}
	for _, input := range rejected {
		_, _, err := ResolveManaged(roots, input)
		assert.True(t, apperr.Is(err, apperr.KindPathEscape), "input %q", input)
	}
}

func TestEnsureRootsIdempotent(t *testing.T) {
	layout := setupLayout(t)

	roots, err := layout.EnsureRoots()
	require.NoError(t, err)
	assert.DirExists(t, roots.Incoming)
	assert.DirExists(t, roots.Converted)
}

func TestEnsureRootsUnavailable(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	layout, err := NewLayout(filepath.Join(blocker, "incoming"), filepath.Join(blocker, "converted"))
	require.NoError(t, err)

	_, err = layout.EnsureRoots()
	assert.True(t, apperr.Is(err, apperr.KindStorageUnavailable))
}

func TestNewLayoutRejectsSameRoot(t *testing.T) {
	dir := t.TempDir()
	_, err := NewLayout(dir, dir)
	assert.Error(t, err)
}

func TestListFiles(t *testing.T) {
	layout := setupLayout(t)
	root := layout.Roots().Converted

	for _, name := range []string{"a.csv", "b.XLSX", "c.txt", ".tmp-123"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte("data"), 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(root, "nested.csv"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "nested.csv", "d.csv"), []byte("x"), 0644))

	files, err := ListFiles(root, "csv", ".xlsx")
	require.NoError(t, err)

	var names []string
	for _, f := range files {
		names = append(names, f.Name)
		assert.Equal(t, int64(4), f.SizeBytes)
	}
	assert.ElementsMatch(t, []string{"a.csv", "b.XLSX"}, names)

	all, err := ListFiles(root)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	missing, err := ListFiles(filepath.Join(root, "nope"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestSortNewestFirst(t *testing.T) {
	now := time.Now()
	files := []FileEntry{
		{Name: "old", ModifiedAt: now.Add(-time.Hour)},
		{Name: "b", ModifiedAt: now},
		{Name: "a", ModifiedAt: now},
	}

	SortNewestFirst(files)
	assert.Equal(t, "a", files[0].Name)
	assert.Equal(t, "b", files[1].Name)
	assert.Equal(t, "old", files[2].Name)
}

func TestWriteAtomic(t *testing.T) {
	layout := setupLayout(t)
	root := layout.Roots().Incoming

	path, n, err := WriteAtomic(root, "doc.xml", strings.NewReader("<a/>"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, filepath.Join(root, "doc.xml"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "<a/>", string(data))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not remain")

	_, _, err = WriteAtomic(root, "../doc.xml", strings.NewReader("x"))
	assert.True(t, apperr.Is(err, apperr.KindPathEscape))
}

func TestNames(t *testing.T) {
	assert.Equal(t, "my_report__v2_.xml", SanitizeName("my report (v2).xml"))
	assert.Equal(t, "a.xml", BaseName(`C:\fakepath\a.xml`))
	assert.Equal(t, "b.xml", BaseName("dir/b.xml"))

	stem, ext := SplitExt("abc.tar.csv")
	assert.Equal(t, "abc.tar", stem)
	assert.Equal(t, ".csv", ext)

	id, orig, ok := ParseStem("0123456789abcdef0123456789abcdef_catalog")
	require.True(t, ok)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", id)
	assert.Equal(t, "catalog", orig)

	id, orig, ok = ParseStem("123e4567-e89b-12d3-a456-426614174000_orders_2024")
	require.True(t, ok)
	assert.Equal(t, "123e4567-e89b-12d3-a456-426614174000", id)
	assert.Equal(t, "orders_2024", orig)

	_, _, ok = ParseStem("catalog")
	assert.False(t, ok)
	_, _, ok = ParseStem("0123456789abcdef_short")
	assert.False(t, ok)
}
