// Package cgi spawns CGI children and supervises them over non-blocking
// pipes owned by the server's readiness loop. The parent never blocks on a
// child: body bytes trickle into stdin as the pipe drains, output trickles
// out of stdout as the script produces it, and both directions stay armed at
// once so a script that interleaves reads and writes cannot deadlock the
// server.
package cgi

import (
	"strconv"
	"strings"

	"github.com/pkorzh/shrike/internal/h1"
)

// Meta carries the request-independent facts BuildEnv cannot derive from the
// request itself.
type Meta struct {
	ScriptFilename string
	ScriptName     string
	PathInfo       string
	// PathTranslated is PathInfo mapped under the route root, empty when
	// there is no extra path.
	PathTranslated string
	RemoteAddr     string
	ServerName     string
	ServerPort     string
}

// BuildEnv assembles the CGI/1.1 meta-variable environment (RFC 3875 §4.1).
// Request headers ride along as HTTP_* variables, repeated headers joined
// with ", ".
func BuildEnv(req *h1.Request, m Meta) []string {
	env := make([]string, 0, 16+len(req.Headers))
	add := func(k, v string) { env = append(env, k+"="+v) }

	add("GATEWAY_INTERFACE", "CGI/1.1")
	add("SERVER_SOFTWARE", h1.ServerName)
	add("SERVER_PROTOCOL", req.Proto)
	add("SERVER_NAME", m.ServerName)
	add("SERVER_PORT", m.ServerPort)
	add("REQUEST_METHOD", req.Method)
	add("REQUEST_URI", req.RawTarget)
	add("SCRIPT_FILENAME", m.ScriptFilename)
	add("SCRIPT_NAME", m.ScriptName)
	add("QUERY_STRING", req.Query)
	add("REMOTE_ADDR", m.RemoteAddr)
	// PHP in CGI mode refuses to run without this.
	add("REDIRECT_STATUS", "200")

	if m.PathInfo != "" {
		add("PATH_INFO", m.PathInfo)
		if m.PathTranslated != "" {
			add("PATH_TRANSLATED", m.PathTranslated)
		}
	}
	if req.WantsBody() || len(req.Body) > 0 {
		add("CONTENT_LENGTH", strconv.Itoa(len(req.Body)))
	}
	if ct, ok := req.Header("content-type"); ok {
		add("CONTENT_TYPE", ct)
	}

	seen := make(map[string]int, len(req.Headers))
	for _, h := range req.Headers {
		name := h[0]
		// Covered by dedicated variables above.
		if name == "content-type" || name == "content-length" {
			continue
		}
		key := "HTTP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		if i, dup := seen[key]; dup {
			env[i] = env[i] + ", " + h[1]
			continue
		}
		seen[key] = len(env)
		add(key, h[1])
	}
	return env
}

// HostOnly strips an optional port from a Host header value, keeping IPv6
// brackets intact.
func HostOnly(host string) string {
	if host == "" {
		return ""
	}
	if host[0] == '[' {
		if end := strings.IndexByte(host, ']'); end >= 0 {
			return host[:end+1]
		}
		return host
	}
	if i := strings.LastIndexByte(host, ':'); i >= 0 && strings.Count(host, ":") == 1 {
		return host[:i]
	}
	return host
}
