// Package static serves filesystem content: regular files with conditional
// GET support, index resolution, directory listings, uploads and deletes.
// Functions return either a ready response or a bare status code for the
// engine to render through its error-page machinery.
package static

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkorzh/shrike/internal/config"
	"github.com/pkorzh/shrike/internal/date"
	"github.com/pkorzh/shrike/internal/h1"
)

// streamThreshold is the largest body served from memory. Bigger files come
// back as a file-backed response pumped in chunks, so one request never
// buffers a whole large file.
const streamThreshold = 256 << 10

func statusFromFSError(err error) int {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return 404
	case errors.Is(err, fs.ErrPermission):
		return 403
	default:
		return 500
	}
}

// Serve handles GET and HEAD for a resolved filesystem path.
func Serve(req *h1.Request, fsPath string, route *config.RouteConfig) (*h1.Response, int) {
	info, err := os.Stat(fsPath)
	if err != nil {
		return nil, statusFromFSError(err)
	}

	if info.IsDir() {
		if !strings.HasSuffix(req.Path, "/") {
			resp := h1.NewResponse(301)
			resp.AddHeader("location", escapePath(req.Path+"/"))
			return resp, 0
		}
		indexPath := filepath.Join(fsPath, route.Index)
		if idx, err := os.Stat(indexPath); err == nil && idx.Mode().IsRegular() {
			return serveFile(req, indexPath, idx)
		}
		if route.Autoindex {
			return listDir(fsPath, req.Path)
		}
		return nil, 403
	}

	if !info.Mode().IsRegular() {
		return nil, 403
	}
	return serveFile(req, fsPath, info)
}

func serveFile(req *h1.Request, fsPath string, info fs.FileInfo) (*h1.Response, int) {
	etag := `"` + strconv.FormatInt(info.ModTime().Unix(), 16) + "-" +
		strconv.FormatInt(info.Size(), 16) + `"`

	if match, ok := req.Header("if-none-match"); ok {
		if etagMatches(match, etag) {
			return notModified(etag), 0
		}
	} else if since, ok := req.Header("if-modified-since"); ok {
		if t, err := date.Parse(since); err == nil {
			if !info.ModTime().Truncate(time.Second).After(t) {
				return notModified(etag), 0
			}
		}
	}

	resp := h1.NewResponse(200)
	resp.AddHeader("content-type", TypeByExtension(filepath.Ext(fsPath)))
	resp.AddHeader("last-modified", date.Format(info.ModTime()))
	resp.AddHeader("etag", etag)

	if info.Size() > streamThreshold {
		f, err := os.Open(fsPath)
		if err != nil {
			return nil, statusFromFSError(err)
		}
		resp.File = f
		resp.FileSize = info.Size()
		return resp, 0
	}

	body, err := os.ReadFile(fsPath)
	if err != nil {
		return nil, statusFromFSError(err)
	}
	resp.Body = body
	return resp, 0
}

func notModified(etag string) *h1.Response {
	resp := h1.NewResponse(304)
	resp.AddHeader("etag", etag)
	return resp
}

// etagMatches handles "*", comma-separated lists and weak validators.
func etagMatches(header, etag string) bool {
	if strings.TrimSpace(header) == "*" {
		return true
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == etag {
			return true
		}
	}
	return false
}

// Upload stores the request body under the route's upload directory. PUT
// replaces existing files, POST refuses to.
func Upload(req *h1.Request, route *config.RouteConfig) (*h1.Response, int) {
	if route.UploadDir == "" {
		return nil, 403
	}
	name := filepath.Base(path.Base(req.Path))
	if name == "/" || name == "." || name == ".." || name == "" {
		return nil, 400
	}
	target := filepath.Join(route.UploadDir, name)

	existing, err := os.Stat(target)
	exists := err == nil
	if exists && existing.IsDir() {
		return nil, 409
	}
	if exists && req.Method == "POST" {
		return nil, 409
	}

	if err := os.WriteFile(target, req.Body, 0o644); err != nil {
		return nil, statusFromFSError(err)
	}
	if exists {
		return h1.NewResponse(204), 0
	}
	resp := h1.NewResponse(201)
	resp.AddHeader("location", escapePath(req.Path))
	return resp, 0
}

// Delete removes a regular file. Directories are refused.
func Delete(fsPath string) (*h1.Response, int) {
	info, err := os.Stat(fsPath)
	if err != nil {
		return nil, statusFromFSError(err)
	}
	if info.IsDir() {
		return nil, 403
	}
	if err := os.Remove(fsPath); err != nil {
		return nil, statusFromFSError(err)
	}
	return h1.NewResponse(204), 0
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

// listDir renders an autoindex page for a directory.
func listDir(fsPath, urlPath string) (*h1.Response, int) {
	entries, err := os.ReadDir(fsPath)
	if err != nil {
		return nil, statusFromFSError(err)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})

	title := htmlEscaper.Replace(urlPath)
	var b bytes.Buffer
	b.WriteString("<!DOCTYPE html>\n<html>\n<head><title>Index of ")
	b.WriteString(title)
	b.WriteString("</title></head>\n<body>\n<h1>Index of ")
	b.WriteString(title)
	b.WriteString("</h1>\n<hr>\n<table>\n")
	if urlPath != "/" {
		b.WriteString("<tr><td><a href=\"../\">../</a></td><td></td><td></td></tr>\n")
	}
	for _, entry := range entries {
		name := entry.Name()
		href := escapePath(name)
		display := htmlEscaper.Replace(name)
		size := "-"
		modified := ""
		if info, err := entry.Info(); err == nil {
			modified = info.ModTime().UTC().Format("2006-01-02 15:04")
			if !entry.IsDir() {
				size = strconv.FormatInt(info.Size(), 10)
			}
		}
		if entry.IsDir() {
			href += "/"
			display += "/"
		}
		b.WriteString("<tr><td><a href=\"")
		b.WriteString(href)
		b.WriteString("\">")
		b.WriteString(display)
		b.WriteString("</a></td><td>")
		b.WriteString(size)
		b.WriteString("</td><td>")
		b.WriteString(modified)
		b.WriteString("</td></tr>\n")
	}
	b.WriteString("</table>\n<hr>\n</body>\n</html>\n")

	resp := h1.NewResponse(200)
	resp.AddHeader("content-type", "text/html")
	resp.Body = b.Bytes()
	return resp, 0
}

const upperhex = "0123456789ABCDEF"

// escapePath percent-encodes a path for use in Location headers and hrefs,
// leaving slashes and unreserved characters alone.
func escapePath(p string) string {
	if !strings.ContainsFunc(p, needsEscape) {
		return p
	}
	var sb strings.Builder
	sb.Grow(len(p) + 8)
	for i := 0; i < len(p); i++ {
		c := p[i]
		if needsEscape(rune(c)) {
			sb.WriteByte('%')
			sb.WriteByte(upperhex[c>>4])
			sb.WriteByte(upperhex[c&0xf])
		} else {
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func needsEscape(r rune) bool {
	switch {
	case 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z', '0' <= r && r <= '9':
		return false
	}
	switch r {
	case '-', '.', '_', '~', '/':
		return false
	}
	return true
}
