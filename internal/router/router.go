// Package router maps parsed requests onto per-route serving decisions.
// Matching is longest-prefix over the configured routes; everything that
// needs the filesystem (index resolution, listings) happens downstream.
package router

import (
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkorzh/shrike/internal/config"
)

// Kind discriminates what the engine should do with a request.
type Kind uint8

const (
	KindStatic Kind = iota
	KindCGI
	KindRedirect
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindStatic:
		return "static"
	case KindCGI:
		return "cgi"
	case KindRedirect:
		return "redirect"
	default:
		return "error"
	}
}

// Decision is the routing verdict for one request.
type Decision struct {
	Kind  Kind
	Route *config.RouteConfig

	// FSPath is the filesystem target for static files and CGI scripts.
	FSPath string

	// CGI fields per RFC 3875: ScriptName is the URL path of the script,
	// PathInfo the remainder after it.
	Interpreter string
	ScriptName  string
	PathInfo    string

	// Redirects and errors.
	Location string
	Status   int
	Reason   string
	Allow    string
}

// Router holds routes sorted so the longest prefix wins.
type Router struct {
	routes []*config.RouteConfig
}

// New builds a router over validated routes.
func New(routes []config.RouteConfig) *Router {
	rt := &Router{routes: make([]*config.RouteConfig, len(routes))}
	for i := range routes {
		rt.routes[i] = &routes[i]
	}
	sort.SliceStable(rt.routes, func(i, j int) bool {
		return len(rt.routes[i].Prefix) > len(rt.routes[j].Prefix)
	})
	return rt
}

// match finds the longest route prefix covering urlPath at a segment
// boundary, so "/static" covers "/static" and "/static/x" but not
// "/staticfile".
func (rt *Router) match(urlPath string) *config.RouteConfig {
	for _, r := range rt.routes {
		p := r.Prefix
		if p == "/" {
			return r
		}
		if !strings.HasPrefix(urlPath, p) {
			continue
		}
		if len(urlPath) == len(p) || urlPath[len(p)] == '/' {
			return r
		}
	}
	return nil
}

// Route decides how to serve the method and already percent-decoded path.
func (rt *Router) Route(method, urlPath string) Decision {
	clean := path.Clean(urlPath)
	if !strings.HasPrefix(clean, "/") {
		return errDecision(400, "invalid path")
	}

	route := rt.match(clean)
	if route == nil {
		return errDecision(404, "no route for path")
	}

	if route.Redirect.Location != "" {
		return Decision{
			Kind:     KindRedirect,
			Route:    route,
			Status:   route.Redirect.Code,
			Location: route.Redirect.Location,
		}
	}

	if !route.AllowsMethod(method) {
		d := errDecision(405, "method not allowed for route")
		d.Route = route
		d.Allow = route.AllowHeader()
		return d
	}

	rel := strings.TrimPrefix(clean, route.Prefix)
	rel = strings.TrimPrefix(rel, "/")

	if route.CGI.Interpreter != "" {
		if d, ok := rt.cgiDecision(route, rel); ok {
			return d
		}
	}

	fsPath := filepath.Join(route.Root, filepath.FromSlash(rel))
	if escapesRoot(route.Root, fsPath) {
		return errDecision(403, "path escapes route root")
	}
	return Decision{Kind: KindStatic, Route: route, FSPath: fsPath}
}

// cgiDecision splits rel at the first segment carrying a CGI extension.
// Everything after that segment becomes PATH_INFO.
func (rt *Router) cgiDecision(route *config.RouteConfig, rel string) (Decision, bool) {
	if rel == "" {
		return Decision{}, false
	}
	segments := strings.Split(rel, "/")
	for i, seg := range segments {
		if !route.IsCGI(path.Ext(seg)) {
			continue
		}
		script := strings.Join(segments[:i+1], "/")
		fsPath := filepath.Join(route.Root, filepath.FromSlash(script))
		if escapesRoot(route.Root, fsPath) {
			return errDecision(403, "script path escapes route root"), true
		}
		scriptName := route.Prefix
		if scriptName == "/" {
			scriptName = ""
		}
		scriptName += "/" + script
		pathInfo := ""
		if i+1 < len(segments) {
			pathInfo = "/" + strings.Join(segments[i+1:], "/")
		}
		return Decision{
			Kind:        KindCGI,
			Route:       route,
			FSPath:      fsPath,
			Interpreter: route.CGI.Interpreter,
			ScriptName:  scriptName,
			PathInfo:    pathInfo,
		}, true
	}
	return Decision{}, false
}

// escapesRoot reports whether joined left the route root. path.Clean on the
// URL already clamps dot-dot at "/", so this only trips on degenerate roots.
func escapesRoot(root, joined string) bool {
	rootClean := filepath.Clean(root)
	if joined == rootClean {
		return false
	}
	return !strings.HasPrefix(joined, rootClean+string(filepath.Separator))
}

func errDecision(status int, reason string) Decision {
	return Decision{Kind: KindError, Status: status, Reason: reason}
}
