package intake

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andi/xmlconv/backend/apperr"
	"github.com/andi/xmlconv/backend/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupIntake(t *testing.T) (*Intake, storage.Roots) {
	base := t.TempDir()
	layout, err := storage.NewLayout(filepath.Join(base, "incoming"), filepath.Join(base, "converted"))
	require.NoError(t, err)
	return New(layout, zerolog.Nop()), layout.Roots()
}

func TestIntakeStoresDocument(t *testing.T) {
	in, roots := setupIntake(t)
	payload := bytes.Repeat([]byte("<row/>"), 100)

	doc, err := in.Intake(context.Background(), bytes.NewReader(payload), "catalog.xml")
	require.NoError(t, err)

	assert.Len(t, doc.ID, 32)
	assert.Equal(t, "catalog.xml", doc.OriginalName)
	assert.Equal(t, doc.ID+"_catalog.xml", doc.StoredName)
	assert.Equal(t, filepath.Join(roots.Incoming, doc.StoredName), doc.StoragePath)
	assert.Equal(t, int64(len(payload)), doc.SizeBytes)

	data, err := os.ReadFile(doc.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	entries, err := os.ReadDir(roots.Incoming)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestIntakeSanitizesName(t *testing.T) {
	in, roots := setupIntake(t)

	doc, err := in.Intake(context.Background(), strings.NewReader("<a/>"), `C:\fakepath\Q3 report (final).XML`)
	require.NoError(t, err)
	assert.Equal(t, "Q3_report__final_.XML", doc.OriginalName)
	assert.True(t, strings.HasPrefix(doc.StoragePath, roots.Incoming+string(filepath.Separator)))

	doc, err = in.Intake(context.Background(), strings.NewReader("<a/>"), "../../etc/evil.xml")
	require.NoError(t, err)
	assert.Equal(t, "evil.xml", doc.OriginalName)
	assert.Equal(t, roots.Incoming, filepath.Dir(doc.StoragePath))
}

func TestIntakeRejections(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		payload string
		kind    apperr.Kind
	}{
		{"wrong extension", "data.json", "{}", apperr.KindInvalidFileType},
		{"no extension", "data", "<a/>", apperr.KindInvalidFileType},
		{"xml in middle", "data.xml.exe", "<a/>", apperr.KindInvalidFileType},
		{"empty payload", "data.xml", "", apperr.KindEmptyUpload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, roots := setupIntake(t)

			_, err := in.Intake(context.Background(), strings.NewReader(tt.payload), tt.file)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))

			entries, _ := os.ReadDir(roots.Incoming)
			assert.Empty(t, entries)
		})
	}
}

func TestIntakeUniqueIDs(t *testing.T) {
	in, _ := setupIntake(t)
	seen := make(map[string]bool)

	for i := 0; i < 50; i++ {
		doc, err := in.Intake(context.Background(), strings.NewReader("<a/>"), "same.xml")
		require.NoError(t, err)
		assert.False(t, seen[doc.StoredName])
		seen[doc.StoredName] = true
	}
}

func TestDocumentFromStored(t *testing.T) {
	in, _ := setupIntake(t)
	doc, err := in.Intake(context.Background(), strings.NewReader("<a/>"), "orders.xml")
	require.NoError(t, err)

	info, err := os.Stat(doc.StoragePath)
	require.NoError(t, err)

	rebuilt := DocumentFromStored(doc.StoragePath, doc.StoredName, info.Size(), info.ModTime())
	assert.Equal(t, doc.ID, rebuilt.ID)
	assert.Equal(t, "orders.xml", rebuilt.OriginalName)
	assert.Equal(t, doc.SizeBytes, rebuilt.SizeBytes)
}
