package utils

import (
	"mime"
	"path/filepath"
	"strings"
)

const DefaultContentType = "application/octet-stream"

// DetectContentType guesses a MIME type from the filename extension.
// Unknown extensions fall back to application/octet-stream.
func DetectContentType(filename string) string {
	if isTextLike(filename) {
		return "text/plain; charset=utf-8"
	} else if mimeType := mime.TypeByExtension(filepath.Ext(filename)); mimeType != "" {
		return mimeType
	}
	return DefaultContentType
}

func isTextLike(filename string) bool {
	return strings.HasSuffix(filename, ".yaml") ||
		strings.HasSuffix(filename, ".yml") ||
		strings.HasSuffix(filename, ".toml") ||
		strings.HasSuffix(filename, ".md")
}
