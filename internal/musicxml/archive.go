package musicxml

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

const (
	// ArchiveMediaType is the MXL media type stored in the mimetype entry.
	ArchiveMediaType = "application/vnd.recordare.musicxml"
	archiveScoreName = "score.musicxml"
	maxEntryBytes    = 64 << 20
)

var fullPathAttr = regexp.MustCompile(`(?i)full-path\s*=\s*"([^"]+)"`)

// archiveEpoch keeps normalized archives byte-identical across runs.
var archiveEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// IsArchive reports whether data starts with a zip local file header.
func IsArchive(data []byte) bool {
	return bytes.HasPrefix(data, []byte("PK\x03\x04"))
}

// ReadArchive extracts the score document from an MXL archive. The
// rootfile named by META-INF/container.xml wins; otherwise the largest
// .musicxml or .xml entry outside META-INF is used.
func ReadArchive(data []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid MXL archive: %w", err)
	}

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}
	if c, ok := files["META-INF/container.xml"]; ok {
		container, err := readEntry(c)
		if err != nil {
			return nil, err
		}
		if m := fullPathAttr.FindSubmatch(container); m != nil {
			if f, ok := files[string(m[1])]; ok {
				return readEntry(f)
			}
		}
	}

	var candidates []*zip.File
	for _, f := range zr.File {
		name := strings.ToLower(f.Name)
		if strings.HasPrefix(name, "meta-inf/") {
			continue
		}
		if strings.HasSuffix(name, ".musicxml") || strings.HasSuffix(name, ".xml") {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no XML document found inside MXL archive")
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].UncompressedSize64 > candidates[j].UncompressedSize64
	})
	return readEntry(candidates[0])
}

func readEntry(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > maxEntryBytes {
		return nil, fmt.Errorf("MXL entry %s exceeds %d bytes", path.Base(f.Name), maxEntryBytes)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening MXL entry %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxEntryBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading MXL entry %s: %w", f.Name, err)
	}
	if len(data) > maxEntryBytes {
		return nil, fmt.Errorf("MXL entry %s exceeds %d bytes", path.Base(f.Name), maxEntryBytes)
	}
	return data, nil
}

// Archive packages the canonical document as a normalized MXL: an
// uncompressed mimetype entry first, then the container and the score,
// all stamped with a fixed modification time.
func (d *Document) Archive() ([]byte, error) {
	container := `<?xml version="1.0" encoding="UTF-8"?>
<container>
  <rootfiles>
    <rootfile full-path="` + archiveScoreName + `" media-type="application/vnd.recordare.musicxml+xml"/>
  </rootfiles>
</container>
`
	entries := []struct {
		name   string
		method uint16
		data   []byte
	}{
		{"mimetype", zip.Store, []byte(ArchiveMediaType)},
		{"META-INF/container.xml", zip.Deflate, []byte(container)},
		{archiveScoreName, zip.Deflate, d.Canonical()},
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: e.method, Modified: archiveEpoch})
		if err != nil {
			return nil, fmt.Errorf("writing MXL entry %s: %w", e.name, err)
		}
		if _, err := w.Write(e.data); err != nil {
			return nil, fmt.Errorf("writing MXL entry %s: %w", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing MXL archive: %w", err)
	}
	return buf.Bytes(), nil
}
