package fetcher

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestZIP(t *testing.T, files map[string]string) string {
	t.Helper()
	zipPath := filepath.Join(t.TempDir(), "test.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	w := zip.NewWriter(f)
	for name, content := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return zipPath
}

func TestExtractGeometryFiles_ShapefileBundle(t *testing.T) {
	zipPath := createTestZIP(t, map[string]string{
		"lake/lake.shp":            "shp",
		"lake/lake.shx":            "shx",
		"lake/lake.dbf":            "dbf",
		"lake/README.txt":          "ignored",
		"__MACOSX/lake/._lake.shp": "resource fork",
	})

	destDir := t.TempDir()
	extracted, err := ExtractGeometryFiles(zipPath, destDir)
	require.NoError(t, err)
	assert.Len(t, extracted, 3)
	_, ok := FindByExt(extracted, ".txt")
	assert.False(t, ok)

	shp, ok := FindByExt(extracted, ".SHP")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(destDir, "lake", "lake.shp"), shp)

	data, err := os.ReadFile(shp)
	require.NoError(t, err)
	assert.Equal(t, "shp", string(data))
}

func TestFindByExt_Missing(t *testing.T) {
	_, ok := FindByExt([]string{"a.dbf", "b.prj"}, ".shp")
	assert.False(t, ok)
}

func TestExtractGeometryFiles_ZipSlipPrevention(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "malicious.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)

	w := zip.NewWriter(f)
	fw, err := w.Create("../../../tmp/escape.geojson")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("malicious")) //nolint:errcheck
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	_, err = ExtractGeometryFiles(zipPath, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zip slip")
}

func TestExtractGeometryFiles_InvalidArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notazip.zip")
	require.NoError(t, os.WriteFile(path, []byte("this is not a zip"), 0o644))

	_, err := ExtractGeometryFiles(path, t.TempDir())
	require.Error(t, err)
}
