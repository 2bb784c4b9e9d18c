// Package files provides file-spec resolution for file-body requests:
// given a path, infer how to open it and what content type and encoding it
// likely carries.
package files

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/Senpai-Sama7/tavern/internal/logging"
)

// Spec describes how a file should be sent as a request body.
type Spec struct {
	// OpenMode is "rb" for binary content and "r" for text.
	OpenMode string
	// ContentType is the inferred media type, empty if unknown.
	ContentType string
	// ContentEncoding is the inferred content coding (for example "gzip"),
	// empty if none.
	ContentEncoding string
}

// Extensions that denote a content coding rather than a media type. The
// media type is then inferred from the remaining extension, mirroring how
// "report.json.gz" should be sent as application/json with gzip encoding.
var encodingByExtension = map[string]string{
	".gz":  "gzip",
	".bz2": "bzip2",
	".xz":  "xz",
	".br":  "br",
}

var textContentPrefixes = []string{"text/"}

// Guess inspects a file path and infers open mode, content type, and
// content encoding. The file must exist; inference itself is extension
// based and never fails.
func Guess(path string) (Spec, error) {
	if _, err := os.Stat(path); err != nil {
		return Spec{}, fmt.Errorf("cannot stat file body '%s': %w", path, err)
	}

	name := path
	var encoding string
	ext := strings.ToLower(filepath.Ext(name))
	if enc, ok := encodingByExtension[ext]; ok {
		encoding = enc
		name = strings.TrimSuffix(name, filepath.Ext(name))
		ext = strings.ToLower(filepath.Ext(name))
	}

	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		logging.Logf(logging.Debug, "No content type inferred for '%s'", path)
	}

	mode := "rb"
	for _, prefix := range textContentPrefixes {
		if strings.HasPrefix(contentType, prefix) {
			mode = "r"
		}
	}

	return Spec{OpenMode: mode, ContentType: contentType, ContentEncoding: encoding}, nil
}
