package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestSaveUploadPrefixesGUID(t *testing.T) {
	c := testClient(t)

	path, err := c.SaveUpload(strings.NewReader("%PDF-1.4 stub"), "report.pdf")
	require.NoError(t, err)

	name := filepath.Base(path)
	assert.True(t, strings.HasSuffix(name, "_report.pdf"), "got %q", name)
	assert.Greater(t, len(name), len("_report.pdf"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 stub", string(data))
}

func TestCleanFileNameRejectsTraversal(t *testing.T) {
	for _, name := range []string{"", "../evil.pdf", "a/b.pdf", "..", "dir\\..\\x.pdf2/.."} {
		_, err := CleanFileName(name)
		assert.Error(t, err, "name %q", name)
	}

	clean, err := CleanFileName("  report.pdf ")
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", clean)
}

func TestResolveExactName(t *testing.T) {
	c := testClient(t)

	path := filepath.Join(c.Dir(), "abc_report_A180_REV.pdf")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	got, err := c.Resolve("abc_report_A180_REV.pdf")
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestResolveBareCleanNamePicksMostRecent(t *testing.T) {
	c := testClient(t)

	oldPath := filepath.Join(c.Dir(), "guid1_report_A0_NORM.pdf")
	newPath := filepath.Join(c.Dir(), "guid2_report_A0_NORM.pdf")
	require.NoError(t, os.WriteFile(oldPath, []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(newPath, []byte("new"), 0o644))

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(oldPath, past, past))

	got, err := c.Resolve("report_A0_NORM.pdf")
	require.NoError(t, err)
	assert.Equal(t, newPath, got)
}

func TestResolveMissingFile(t *testing.T) {
	c := testClient(t)

	_, err := c.Resolve("nothing.pdf")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCleanupAgedRemovesOnlyOldFiles(t *testing.T) {
	c := testClient(t)

	oldPath := filepath.Join(c.Dir(), "old.pdf")
	newPath := filepath.Join(c.Dir(), "new.pdf")
	require.NoError(t, os.WriteFile(oldPath, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(newPath, []byte("x"), 0o644))

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(oldPath, past, past))

	c.CleanupAged(24 * time.Hour)

	_, err := os.Stat(oldPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(newPath)
	assert.NoError(t, err)
}
