package revision

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	apperrors "github.com/ourtextscores/scorecore/internal/errors"
)

// Accepted upload formats, keyed by file extension.
var formatsByExt = map[string]string{
	".mxl":      "mxl",
	".musicxml": "musicxml",
	".xml":      "musicxml",
	".mscz":     "mscz",
	".mscx":     "mscx",
}

// zipped formats must sniff as zip archives, the rest as XML.
var zipped = map[string]bool{"musicxml": false, "mxl": true, "mscz": true, "mscx": false}

// Upload is one file submitted for commit, with its metadata.
type Upload struct {
	Filename string
	Data     []byte

	// SourceType declares the format when the filename has no usable
	// extension: musicxml, mxl, mscz or mscx.
	SourceType string

	Label              string
	License            string
	LicenseURL         string
	LicenseAttribution string
	CommitMessage      string

	// TargetBranch names an existing branch; empty means the default.
	TargetBranch string
	// CreateBranch declares BranchName before committing to it.
	CreateBranch bool
	BranchName   string
	BranchPolicy string
	BranchOwner  string
}

// DetectFormat checks size bounds and returns the upload's format. The
// declared format must agree with the sniffed content.
func DetectFormat(filename, sourceType string, data []byte, maxBytes int64) (string, error) {
	if len(data) == 0 {
		return "", apperrors.Validation("uploaded file is empty")
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return "", apperrors.Validation("uploaded file is %d bytes, the limit is %d", len(data), maxBytes)
	}

	format, ok := formatsByExt[strings.ToLower(filepath.Ext(filename))]
	if !ok {
		format = strings.ToLower(strings.TrimSpace(sourceType))
		if _, known := zipped[format]; !known {
			return "", apperrors.Validation("unsupported file type %q", filename)
		}
	}

	mt := mimetype.Detect(data)
	if zipped[format] {
		if !sniffs(mt, "application/zip") {
			return "", apperrors.Validation("%s is not a %s archive (detected %s)", filename, format, mt.String())
		}
		return format, nil
	}
	if !sniffs(mt, "text/xml") && !sniffs(mt, "application/xml") && !markup(mt, data) {
		return "", apperrors.Validation("%s is not an XML document (detected %s)", filename, mt.String())
	}
	return format, nil
}

// sniffs reports whether mt or one of its parents is want.
func sniffs(mt *mimetype.MIME, want string) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is(want) {
			return true
		}
	}
	return false
}

// markup accepts XML without a declaration, which sniffs as plain text.
func markup(mt *mimetype.MIME, data []byte) bool {
	if !sniffs(mt, "text/plain") {
		return false
	}
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")), " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '<'
}

// extension returns the canonical file extension for a format.
func extension(format string) string {
	if format == "musicxml" {
		return ".musicxml"
	}
	return "." + format
}

func contentType(format string) string {
	switch format {
	case "mxl":
		return "application/vnd.recordare.musicxml"
	case "mscz":
		return "application/x-musescore"
	case "mscx":
		return "application/x-musescore+xml"
	default:
		return "application/vnd.recordare.musicxml+xml"
	}
}
