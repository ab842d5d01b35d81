// Package mimeutil detects a Content-Type from a file's extension, for
// map_local's "file" source when a rule doesn't set one explicitly.
package mimeutil

import (
	"path/filepath"
	"strings"
)

// byExtension maps a lowercased file extension (including the leading
// dot) to the Content-Type served for it.
var byExtension = map[string]string{
	// Text
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript; charset=utf-8",
	".json": "application/json; charset=utf-8",
	".xml":  "application/xml; charset=utf-8",
	".txt":  "text/plain; charset=utf-8",
	// Images
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".webp": "image/webp",
	".ico":  "image/x-icon",
	// Fonts
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".otf":   "font/otf",
	".eot":   "application/vnd.ms-fontobject",
	// Media
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	// Documents
	".pdf": "application/pdf",
	".zip": "application/zip",
	".tar": "application/x-tar",
	".gz":  "application/gzip",
}

// ByExtension returns the Content-Type for path's extension, or
// "application/octet-stream" if the extension isn't recognized.
func ByExtension(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ct, ok := byExtension[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}
