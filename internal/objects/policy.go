package objects

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/classbook/backend/internal/failure"
	"github.com/gabriel-vasile/mimetype"
)

const mebibyte = 1 << 20

const (
	mimeJPEG = "image/jpeg"
	mimePNG  = "image/png"
	mimeWEBP = "image/webp"
	mimeGIF  = "image/gif"
	mimePDF  = "application/pdf"
	mimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// Policy bounds the size and type of an uploaded object.
type Policy struct {
	Name     string
	MaxBytes int
	Allowed  []string
}

// ImagePolicy governs gallery photos.
var ImagePolicy = Policy{
	Name:     "image",
	MaxBytes: 5 * mebibyte,
	Allowed:  []string{mimeJPEG, mimePNG, mimeWEBP},
}

// DocumentPolicy governs score sheets and schedules.
var DocumentPolicy = Policy{
	Name:     "document",
	MaxBytes: 15 * mebibyte,
	Allowed:  []string{mimePDF, mimeDOCX, mimeJPEG, mimePNG, mimeWEBP, mimeGIF},
}

// Check validates content against the policy and returns its sniffed MIME type.
// The declared file name is not trusted for the type decision.
func (p Policy) Check(content []byte) (string, error) {
	if len(content) == 0 {
		return "", failure.Invalid("file", "file is empty")
	}
	if p.MaxBytes > 0 && len(content) > p.MaxBytes {
		return "", failure.Invalid("file", fmt.Sprintf("file too large (max %d MiB)", p.MaxBytes/mebibyte))
	}
	detected := mimetype.Detect(content)
	for _, allowed := range p.Allowed {
		if detected.Is(allowed) {
			return allowed, nil
		}
	}
	return "", failure.Invalid("file", fmt.Sprintf("unsupported file type %s", detected.String()))
}

// Category buckets a MIME type the way the schedule library labels files.
func Category(contentType string) string {
	switch {
	case strings.Contains(contentType, "word") || strings.Contains(contentType, "document"):
		return "docx"
	case strings.Contains(contentType, "pdf"):
		return "pdf"
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	default:
		return "file"
	}
}

// SanitizeFileName reduces a client supplied name to a safe base name.
func SanitizeFileName(raw string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(raw), "\\", "/"))
	if base == "." || base == "/" || base == "" {
		return ""
	}
	var builder strings.Builder
	for _, r := range base {
		switch {
		case r == ' ':
			builder.WriteRune('_')
		case r < 0x20 || r == 0x7f || strings.ContainsRune(`"#%?*:<>|`, r):
			continue
		default:
			builder.WriteRune(r)
		}
	}
	return builder.String()
}

// Extension returns the lower-cased extension of fileName without the dot,
// falling back to fallback when there is none.
func Extension(fileName, fallback string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(SanitizeFileName(fileName))), ".")
	if ext == "" {
		return fallback
	}
	return ext
}

// ObjectPath builds a collision resistant path <prefix>/<unix nanos>_<name>.
func ObjectPath(prefix, fileName string, now time.Time) string {
	return fmt.Sprintf("%s/%d_%s", strings.TrimSuffix(prefix, "/"), now.UnixNano(), SanitizeFileName(fileName))
}

// StemPath builds <prefix>/<stem>.<ext> for collections keyed by a generated id.
func StemPath(prefix, stem, ext string) string {
	return fmt.Sprintf("%s/%s.%s", strings.TrimSuffix(prefix, "/"), stem, ext)
}
