package fetcher

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// MaxArchiveEntryBytes caps the uncompressed size of a single extracted entry.
const MaxArchiveEntryBytes = 512 << 20

// geometryExts are the archive members needed to read an AOI: the shapefile
// set and GeoJSON.
var geometryExts = map[string]bool{
	".shp": true, ".shx": true, ".dbf": true, ".prj": true, ".cpg": true,
	".geojson": true, ".json": true,
}

// ExtractGeometryFiles extracts the shapefile and GeoJSON members of a ZIP
// archive into destDir and returns their paths in archive order. Other
// members are skipped.
func ExtractGeometryFiles(zipPath, destDir string) ([]string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, eris.Wrap(err, "zip: open archive")
	}
	defer r.Close() //nolint:errcheck

	var extracted []string
	for _, f := range r.File {
		if f.FileInfo().IsDir() || !geometryExts[strings.ToLower(filepath.Ext(f.Name))] {
			continue
		}
		// macOS resource forks carry the same extensions.
		if strings.HasPrefix(f.Name, "__MACOSX/") || strings.HasPrefix(filepath.Base(f.Name), "._") {
			continue
		}
		p, err := extractEntry(f, destDir)
		if err != nil {
			return extracted, err
		}
		extracted = append(extracted, p)
	}
	return extracted, nil
}

// FindByExt returns the first path with the given extension, case-insensitive.
func FindByExt(paths []string, ext string) (string, bool) {
	for _, p := range paths {
		if strings.EqualFold(filepath.Ext(p), ext) {
			return p, true
		}
	}
	return "", false
}

func extractEntry(f *zip.File, destDir string) (string, error) {
	destPath := filepath.Join(destDir, f.Name)
	if !strings.HasPrefix(filepath.Clean(destPath), filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", eris.Errorf("zip: illegal path %q (zip slip attempt)", f.Name)
	}
	if f.UncompressedSize64 > MaxArchiveEntryBytes {
		return "", eris.Errorf("zip: %s is %d bytes, limit %d", f.Name, f.UncompressedSize64, MaxArchiveEntryBytes)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", eris.Wrap(err, "zip: create parent directory")
	}

	rc, err := f.Open()
	if err != nil {
		return "", eris.Wrapf(err, "zip: open %s", f.Name)
	}
	defer rc.Close() //nolint:errcheck

	out, err := os.Create(destPath)
	if err != nil {
		return "", eris.Wrapf(err, "zip: create %s", destPath)
	}
	defer out.Close() //nolint:errcheck

	// The header size is not trusted; the copy is bounded as well.
	n, err := io.Copy(out, io.LimitReader(rc, MaxArchiveEntryBytes+1))
	if err != nil {
		return "", eris.Wrapf(err, "zip: write %s", destPath)
	}
	if n > MaxArchiveEntryBytes {
		return "", eris.Errorf("zip: %s exceeds %d bytes", f.Name, MaxArchiveEntryBytes)
	}
	return destPath, nil
}
