//go:build linux

package engine

import (
	"bytes"
	"compress/gzip"
	"strings"

	"github.com/andybalholm/brotli"

	"github.com/pkorzh/shrike/internal/config"
	"github.com/pkorzh/shrike/internal/h1"
)

// maybeCompress rewrites resp.Body in place when the client accepts an
// encoding worth using. Brotli wins over gzip, and the compressed form is
// only kept when it is actually smaller. Streamed responses pass through,
// their bodies are framed before the total size is known.
func maybeCompress(cfg *config.CompressConfig, req *h1.Request, resp *h1.Response) {
	if !cfg.Enabled || resp.Stream || resp.File != nil || resp.HeadOnly {
		return
	}
	if len(resp.Body) < cfg.MinSize {
		return
	}
	if resp.HasHeader("content-encoding") {
		return
	}

	accept, _ := req.Header("accept-encoding")
	wantBr := strings.Contains(accept, "br")
	wantGzip := strings.Contains(accept, "gzip")
	if !wantBr && !wantGzip {
		return
	}

	contentType := responseHeader(resp, "content-type")
	for _, excluded := range cfg.ExcludeTypes {
		if strings.HasPrefix(contentType, excluded) {
			return
		}
	}

	var compressed bytes.Buffer
	var encoding string
	if wantBr {
		w := brotli.NewWriterLevel(&compressed, cfg.Level)
		if _, err := w.Write(resp.Body); err != nil {
			_ = w.Close()
			return
		}
		if err := w.Close(); err != nil {
			return
		}
		encoding = "br"
	} else {
		level := cfg.Level
		if level > gzip.BestCompression {
			level = gzip.BestCompression
		}
		w, err := gzip.NewWriterLevel(&compressed, level)
		if err != nil {
			return
		}
		if _, err := w.Write(resp.Body); err != nil {
			_ = w.Close()
			return
		}
		if err := w.Close(); err != nil {
			return
		}
		encoding = "gzip"
	}

	if compressed.Len() == 0 || compressed.Len() >= len(resp.Body) {
		return
	}
	resp.Body = append(resp.Body[:0:0], compressed.Bytes()...)
	resp.SetHeader("content-encoding", encoding)
	resp.SetHeader("vary", "Accept-Encoding")
}

func responseHeader(resp *h1.Response, name string) string {
	for i := len(resp.Headers) - 1; i >= 0; i-- {
		if resp.Headers[i][0] == name {
			return resp.Headers[i][1]
		}
	}
	return ""
}
