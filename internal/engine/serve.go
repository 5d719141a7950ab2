//go:build linux

package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkorzh/shrike/internal/h1"
	"github.com/pkorzh/shrike/internal/obs"
	"github.com/pkorzh/shrike/internal/router"
	"github.com/pkorzh/shrike/internal/static"
)

// allMethods is the server-wide Allow set, answered to OPTIONS *.
const allMethods = "GET, HEAD, POST, PUT, DELETE, OPTIONS"

// handleRequest routes one complete request and queues its response, or
// hands the connection over to a CGI session.
func (e *Engine) handleRequest(c *conn) {
	req := c.parser.Request()
	c.reqStart = time.Now()
	c.reqMethod = req.Method
	c.reqPath = req.Path
	c.reqProto = req.Proto
	c.reqRoute = "-"
	_, c.span = obs.StartSpan(context.Background(), req.Method, req.Path, req.Host, c.remote, req.Headers)

	if req.Method == "OPTIONS" && req.RawTarget == "*" {
		resp := h1.NewResponse(204)
		resp.AddHeader("allow", allMethods)
		e.respond(c, resp)
		return
	}

	if e.cfg.MetricsPath != "" && req.Path == e.cfg.MetricsPath {
		e.serveMetrics(c, req)
		return
	}

	dec := e.router.Route(req.Method, req.Path)
	if dec.Route != nil {
		c.reqRoute = dec.Route.Prefix
	}

	if (dec.Kind == router.KindStatic || dec.Kind == router.KindCGI) &&
		dec.Route.MaxBodyBytes > 0 && req.BodyLength() > dec.Route.MaxBodyBytes {
		e.respondStatus(c, 413, "")
		return
	}

	switch dec.Kind {
	case router.KindRedirect:
		e.respond(c, redirectResponse(dec.Status, dec.Location))
	case router.KindError:
		e.respondStatus(c, dec.Status, dec.Allow)
	case router.KindCGI:
		e.startCGI(c, req, dec)
	default:
		e.serveStatic(c, req, dec)
	}
}

func (e *Engine) serveStatic(c *conn, req *h1.Request, dec router.Decision) {
	var resp *h1.Response
	var errStatus int
	switch req.Method {
	case "GET", "HEAD":
		resp, errStatus = static.Serve(req, dec.FSPath, dec.Route)
	case "PUT", "POST":
		resp, errStatus = static.Upload(req, dec.Route)
	case "DELETE":
		resp, errStatus = static.Delete(dec.FSPath)
	case "OPTIONS":
		resp = h1.NewResponse(204)
		resp.AddHeader("allow", dec.Route.AllowHeader())
	default:
		e.respondStatus(c, 405, dec.Route.AllowHeader())
		return
	}
	if errStatus != 0 {
		e.respondStatus(c, errStatus, "")
		return
	}
	e.respond(c, resp)
}

func (e *Engine) serveMetrics(c *conn, req *h1.Request) {
	c.reqRoute = e.cfg.MetricsPath
	if req.Method != "GET" && req.Method != "HEAD" {
		e.respondStatus(c, 405, "GET, HEAD")
		return
	}
	body, err := obs.RenderMetrics()
	if err != nil {
		e.log.Error().Err(err).Msg("gather metrics")
		e.respondStatus(c, 500, "")
		return
	}
	resp := h1.NewResponse(200)
	resp.AddHeader("content-type", obs.MetricsContentType())
	resp.Body = body
	e.respond(c, resp)
}

func redirectResponse(status int, location string) *h1.Response {
	resp := h1.NewResponse(status)
	resp.AddHeader("location", location)
	resp.AddHeader("content-type", "text/html")
	resp.Body = statusPage(status)
	return resp
}

// errorResponse builds the page for an error status, preferring a
// configured file over the built-in body.
func (e *Engine) errorResponse(status int) *h1.Response {
	resp := h1.NewResponse(status)
	resp.AddHeader("content-type", "text/html")
	if path, ok := e.cfg.ErrorPage(status); ok {
		body, err := os.ReadFile(path)
		if err == nil {
			resp.Body = body
			return resp
		}
		e.log.Warn().Err(err).Int("status", status).Msg("configured error page unreadable")
	}
	resp.Body = statusPage(status)
	return resp
}

func statusPage(status int) []byte {
	text := h1.StatusText(status)
	return []byte(fmt.Sprintf(
		"<html>\n<head><title>%d %s</title></head>\n<body>\n<center><h1>%d %s</h1></center>\n<hr><center>%s</center>\n</body>\n</html>\n",
		status, text, status, text, h1.ServerName))
}
