package extract

import (
	"mime"
	"net/http"
	"path"
	"strings"
)

// Mime types the router knows by name
const (
	MimePDF  = "application/pdf"
	MimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	MimeXLS  = "application/vnd.ms-excel"
	MimePPTX = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	MimeCSV  = "text/csv"
	MimeJSON = "application/json"
	MimeText = "text/plain"

	mimeOctet        = "application/octet-stream"
	googleNativeMime = "application/vnd.google-apps"
)

var extensionMimes = map[string]string{
	".pdf":  MimePDF,
	".docx": MimeDOCX,
	".xlsx": MimeXLSX,
	".xls":  MimeXLS,
	".pptx": MimePPTX,
	".csv":  MimeCSV,
	".json": MimeJSON,
	".txt":  MimeText,
	".md":   "text/markdown",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".jfif": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".heic": "image/heic",
	".heif": "image/heif",
	".avif": "image/avif",
}

// aliases fold equivalent spellings onto one routing key
var aliases = map[string]string{
	"application/csv": MimeCSV,
	"image/jpg":       "image/jpeg",
	"image/pjpeg":     "image/jpeg",
	"text/json":       MimeJSON,
}

// NormalizeMime drops parameters and lower-cases the type
func NormalizeMime(m string) string {
	m, _, _ = strings.Cut(m, ";")
	m = strings.ToLower(strings.TrimSpace(m))
	if a, ok := aliases[m]; ok {
		return a
	}
	return m
}

// GuessMime returns the routing mime of a file. A declared type wins
// unless it is empty or application/octet-stream; then the extension of
// name decides.
func GuessMime(name, declared string) string {
	m := NormalizeMime(declared)
	if m != "" && m != mimeOctet {
		return m
	}
	ext := strings.ToLower(path.Ext(strings.TrimSpace(name)))
	if g, ok := extensionMimes[ext]; ok {
		return g
	}
	if g := mime.TypeByExtension(ext); g != "" {
		return NormalizeMime(g)
	}
	return m
}

// SniffMime detects the type of downloaded bytes, used when neither the
// declared type nor the name told us anything.
func SniffMime(data []byte) string {
	return NormalizeMime(http.DetectContentType(data))
}

// IsGoogleNative reports docs/sheets/slides that need an export flow
func IsGoogleNative(m string) bool {
	return strings.HasPrefix(m, googleNativeMime)
}

// IsImage reports whether m is an image type
func IsImage(m string) bool {
	return strings.HasPrefix(m, "image/")
}
