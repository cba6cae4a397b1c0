package id

import (
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const (
	maxExtensionLen   = 8
	fallbackExtension = "bin"
)

// New returns a fresh random identifier. It never looks at caller input, so
// ids are safe to use as file names on any filesystem.
func New() string {
	return uuid.NewString()
}

// Extension returns a filesystem-safe extension for an upload. The client
// filename suffix wins when it is usable; otherwise the type is sniffed from
// the first bytes of the content.
func Extension(filename string, head []byte) string {
	if ext := sanitizeExtension(filepath.Ext(filename)); ext != "" {
		return ext
	}
	if len(head) > 0 {
		if ext := sanitizeExtension(mimetype.Detect(head).Extension()); ext != "" {
			return ext
		}
	}
	return fallbackExtension
}

func sanitizeExtension(in string) string {
	in = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(in), "."))

	var b strings.Builder
	for _, r := range in {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() == maxExtensionLen {
			break
		}
	}
	return b.String()
}
