//go:build linux

package engine

import (
	"errors"
	"io/fs"
	"net"
	"path/filepath"
	"time"

	"github.com/pkorzh/shrike/internal/cgi"
	"github.com/pkorzh/shrike/internal/h1"
	"github.com/pkorzh/shrike/internal/obs"
	"github.com/pkorzh/shrike/internal/poller"
	"github.com/pkorzh/shrike/internal/router"
)

// maxBufferedCGI caps script output buffering for clients whose protocol
// version cannot take a chunked stream.
const maxBufferedCGI = 8 << 20

// startCGI launches the script and wires both of its pipes into the
// poller. The client socket stops reading until the child is finished, so
// a second pipelined request cannot overtake the first.
func (e *Engine) startCGI(c *conn, req *h1.Request, dec router.Decision) {
	meta := cgi.Meta{
		ScriptFilename: dec.FSPath,
		ScriptName:     dec.ScriptName,
		PathInfo:       dec.PathInfo,
		RemoteAddr:     hostPart(c.remote),
		ServerName:     serverNameFor(req, e.listenHost),
		ServerPort:     e.listenPort,
	}
	if dec.PathInfo != "" && dec.Route != nil {
		meta.PathTranslated = filepath.Join(dec.Route.Root, filepath.FromSlash(dec.PathInfo))
	}

	deadline := time.Now().Add(e.cfg.CGITimeout.Std())
	s, err := cgi.Spawn(dec.Interpreter, dec.FSPath, cgi.BuildEnv(req, meta), req.Body, deadline)
	if err != nil {
		obs.CGIFailure("spawn")
		status := 502
		switch {
		case errors.Is(err, fs.ErrNotExist):
			status = 404
		case errors.Is(err, fs.ErrPermission):
			status = 403
		}
		e.log.Error().Err(err).Str("script", dec.FSPath).Msg("cgi spawn failed")
		e.respondStatus(c, status, "")
		return
	}

	c.session = s
	c.headOnly = req.Method == "HEAD"
	c.cgiBuffered = req.Proto == "HTTP/1.0"
	c.cgiRemain = -1
	c.state = stateHandling
	obs.CGIStarted()
	e.log.Debug().Str("script", dec.FSPath).Int("pid", s.PID).Msg("cgi started")

	if s.StdinOpen() {
		if err := e.poller.Add(s.Stdin, poller.Interest{Writable: true}); err != nil {
			e.log.Error().Err(err).Msg("register cgi stdin")
			e.teardownCGI(c)
			e.respondStatus(c, 502, "")
			return
		}
		e.reg.addPipe(s.Stdin, fdCGIStdin, c)
	}
	if err := e.poller.Add(s.Stdout, poller.Interest{Readable: true}); err != nil {
		e.log.Error().Err(err).Msg("register cgi stdout")
		e.teardownCGI(c)
		e.respondStatus(c, 502, "")
		return
	}
	e.reg.addPipe(s.Stdout, fdCGIStdout, c)
}

// onCGIStdin pushes request body into the child whenever its pipe has room.
func (e *Engine) onCGIStdin(c *conn, ev poller.Event) {
	s := c.session
	if s == nil || !s.StdinOpen() {
		return
	}
	if ev.Closed {
		// Child closed its end; the rest of the body has nowhere to go.
		e.unplugPipe(s.DetachStdin())
		s.Phase = cgi.PhaseDrainingOutput
		return
	}
	_, done, err := s.WriteChunk()
	if err != nil {
		e.log.Warn().Err(err).Int("pid", s.PID).Msg("cgi stdin write failed")
		done = true
	}
	if done {
		e.unplugPipe(s.DetachStdin())
		s.Phase = cgi.PhaseDrainingOutput
	}
}

// onCGIStdout drains the child's output. Event flags are irrelevant here:
// a hangup still leaves buffered bytes that must be read out first.
func (e *Engine) onCGIStdout(c *conn, ev poller.Event) {
	s := c.session
	if s == nil || !s.StdoutOpen() {
		return
	}
	for {
		n, eof, err := s.ReadChunk(e.readBuf)
		if err != nil {
			e.log.Warn().Err(err).Int("pid", s.PID).Msg("cgi stdout read failed")
			eof = true
		}
		if n > 0 {
			if !e.cgiData(c, e.readBuf[:n]) {
				return
			}
		}
		if eof {
			e.finishCGI(c)
			return
		}
		if n == 0 {
			break
		}
	}
	e.drive(c)
}

// cgiData routes freshly read child output: first through the header
// parser, then into the response body. Returns false when the exchange was
// aborted.
func (e *Engine) cgiData(c *conn, b []byte) bool {
	s := c.session
	if !s.Out.HeadersDone() {
		done, rest, err := s.Out.Feed(b)
		if err != nil {
			obs.CGIFailure("output")
			e.log.Error().Err(err).Int("pid", s.PID).Msg("unparseable cgi output")
			e.abortCGI(c, 502)
			return false
		}
		if !done {
			return true
		}
		return e.cgiHead(c, rest)
	}
	return e.cgiAppendBody(c, b)
}

// cgiHead turns the parsed script header block into response head bytes.
// For buffered exchanges it only flips the accumulation on.
func (e *Engine) cgiHead(c *conn, first []byte) bool {
	s := c.session
	if c.cgiBuffered {
		return e.cgiAppendBody(c, first)
	}

	resp := h1.NewResponse(s.Out.Status)
	for _, h := range s.Out.Headers {
		resp.AddHeader(h[0], h[1])
	}
	resp.Stream = true
	resp.StreamLength = s.Out.ContentLength
	c.cgiChunked = s.Out.ContentLength < 0
	c.cgiRemain = s.Out.ContentLength

	req := c.parser.Request()
	keepAlive := req.KeepAlive && !c.closeAfter && !e.draining
	if !keepAlive {
		c.closeAfter = true
	}
	if c.headOnly {
		resp.HeadOnly = true
	}

	c.compactOut()
	before := len(c.out)
	c.out = resp.Encode(c.out, keepAlive)
	c.respBytes += len(c.out) - before
	c.cgiHeadSent = true

	if c.headOnly {
		// The head answers a HEAD request in full; drop the child rather
		// than stream a body nobody asked for.
		s.Phase = cgi.PhaseDone
		e.finishAccounting(c, s.Out.Status)
		e.teardownCGI(c)
		c.state = stateWriting
		return true
	}
	return e.cgiAppendBody(c, first)
}

// cgiAppendBody frames script body bytes for the client.
func (e *Engine) cgiAppendBody(c *conn, b []byte) bool {
	if len(b) == 0 {
		return true
	}
	if c.cgiBuffered {
		if len(c.cgiBody)+len(b) > maxBufferedCGI {
			obs.CGIFailure("output")
			e.log.Error().Int("pid", c.session.PID).Msg("cgi output exceeds buffer limit")
			e.abortCGI(c, 502)
			return false
		}
		c.cgiBody = append(c.cgiBody, b...)
		return true
	}
	if c.cgiChunked {
		c.compactOut()
		before := len(c.out)
		c.out = h1.AppendChunk(c.out, b)
		c.respBytes += len(c.out) - before
		return true
	}
	// Declared length: never forward more than the script promised.
	if c.cgiRemain <= 0 {
		return true
	}
	if int64(len(b)) > c.cgiRemain {
		b = b[:c.cgiRemain]
	}
	c.cgiRemain -= int64(len(b))
	c.queue(b)
	c.respBytes += len(b)
	return true
}

// finishCGI handles stdout EOF: the child has said everything it will say.
func (e *Engine) finishCGI(c *conn) {
	s := c.session

	if !s.Out.HeadersDone() {
		obs.CGIFailure("exit")
		e.log.Error().Int("pid", s.PID).Msg("cgi exited before completing its headers")
		s.Phase = cgi.PhaseFailed
		e.abortCGI(c, 502)
		return
	}

	if c.cgiBuffered {
		resp := h1.NewResponse(s.Out.Status)
		for _, h := range s.Out.Headers {
			resp.AddHeader(h[0], h[1])
		}
		if s.Out.ContentLength >= 0 && int64(len(c.cgiBody)) > s.Out.ContentLength {
			c.cgiBody = c.cgiBody[:s.Out.ContentLength]
		}
		resp.Body = c.cgiBody
		c.cgiBody = nil
		s.Phase = cgi.PhaseDone
		e.teardownCGI(c)
		e.respond(c, resp)
		e.drive(c)
		return
	}

	status := s.Out.Status
	if c.cgiChunked {
		before := len(c.out)
		c.out = h1.AppendChunkEnd(c.out)
		c.respBytes += len(c.out) - before
	} else if c.cgiRemain > 0 {
		// Shorter than declared; the framing is broken beyond repair.
		e.log.Warn().Int("pid", s.PID).Int64("missing", c.cgiRemain).Msg("cgi body shorter than declared")
		c.closeAfter = true
	}
	s.Phase = cgi.PhaseDone
	e.teardownCGI(c)
	e.finishAccounting(c, status)
	c.state = stateWriting
	e.drive(c)
}

// abortCGI ends a session that cannot produce a usable response. With the
// head already on the wire the exchange is unframeable and the connection
// goes down; otherwise the client gets an error page.
func (e *Engine) abortCGI(c *conn, status int) {
	headSent := c.cgiHeadSent
	e.teardownCGI(c)
	if headSent {
		e.closeConn(c, "cgi aborted mid-stream")
		return
	}
	e.respondStatus(c, status, "")
	e.drive(c)
}

// teardownCGI unplugs the child's pipes, makes sure it dies, and parks the
// process for reaping. The connection itself survives; callers decide its
// fate.
func (e *Engine) teardownCGI(c *conn) {
	s := c.session
	if s == nil {
		return
	}
	c.session = nil
	if s.StdinOpen() {
		e.unplugPipe(s.DetachStdin())
	}
	if s.StdoutOpen() {
		e.unplugPipe(s.DetachStdout())
	}
	if !s.TryReap() {
		s.Kill()
		e.zombies = append(e.zombies, s)
	}
	obs.CGIFinished()
}

// unplugPipe pulls a CGI pipe fd out of the loop and schedules its close.
func (e *Engine) unplugPipe(fd int) {
	e.reg.remove(fd)
	_ = e.poller.Del(fd)
	e.deferClose(fd)
}

func hostPart(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

func serverNameFor(req *h1.Request, fallback string) string {
	if h := cgi.HostOnly(req.Host); h != "" {
		return h
	}
	return fallback
}
