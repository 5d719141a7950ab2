package static

import "strings"

// defaultType is served when the extension is unknown.
const defaultType = "application/octet-stream"

var mimeTypes = map[string]string{
	"7z":    "application/x-7z-compressed",
	"avif":  "image/avif",
	"bmp":   "image/bmp",
	"css":   "text/css",
	"csv":   "text/csv",
	"gif":   "image/gif",
	"gz":    "application/gzip",
	"htm":   "text/html",
	"html":  "text/html",
	"ico":   "image/x-icon",
	"jpeg":  "image/jpeg",
	"jpg":   "image/jpeg",
	"js":    "text/javascript",
	"json":  "application/json",
	"md":    "text/markdown",
	"mp3":   "audio/mpeg",
	"mp4":   "video/mp4",
	"mpeg":  "video/mpeg",
	"ogg":   "audio/ogg",
	"otf":   "font/otf",
	"pdf":   "application/pdf",
	"png":   "image/png",
	"rar":   "application/vnd.rar",
	"rtf":   "application/rtf",
	"svg":   "image/svg+xml",
	"tar":   "application/x-tar",
	"toml":  "application/toml",
	"ttf":   "font/ttf",
	"txt":   "text/plain",
	"wasm":  "application/wasm",
	"wav":   "audio/wav",
	"webm":  "video/webm",
	"webp":  "image/webp",
	"woff":  "font/woff",
	"woff2": "font/woff2",
	"xhtml": "application/xhtml+xml",
	"xml":   "application/xml",
	"zip":   "application/zip",
}

// TypeByExtension maps a file extension (with or without the dot) to its
// content type.
func TypeByExtension(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if t, ok := mimeTypes[ext]; ok {
		return t
	}
	return defaultType
}
