//go:build linux

package engine

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/pkorzh/shrike/internal/h1"
	"github.com/pkorzh/shrike/internal/obs"
	"github.com/pkorzh/shrike/internal/poller"
)

// maxReadsPerEvent bounds how long one chatty connection can hog the loop.
const maxReadsPerEvent = 16

// onClient handles readiness on a client socket.
func (e *Engine) onClient(c *conn, ev poller.Event) {
	if c.state == stateClosed {
		return
	}
	if ev.Closed {
		// Peer hangup. Buffered request bytes are still salvageable when
		// the kernel flags readable data; either way nothing new follows.
		c.closeAfter = true
		if c.session != nil {
			// The response under construction has no reader anymore; take
			// the child down with the connection.
			e.closeConn(c, "client left mid-cgi")
			return
		}
		if !ev.Readable {
			e.closeConn(c, "peer closed")
			return
		}
	}
	if ev.Writable && c.pendingOut() {
		if !e.flushConn(c) {
			return
		}
	}
	if ev.Readable && c.state == stateReading && !c.sawFIN {
		if !e.readConn(c) {
			return
		}
	}
	e.drive(c)
}

// readConn pulls bytes off the socket into the connection buffer. It stops
// at EAGAIN, a short read, or the per-event budget. Returns false when the
// connection was torn down.
func (e *Engine) readConn(c *conn) bool {
	for i := 0; i < maxReadsPerEvent; i++ {
		n, err := unix.Read(c.fd, e.readBuf)
		switch err {
		case nil:
		case unix.EAGAIN:
			return true
		case unix.EINTR:
			continue
		default:
			e.log.Debug().Err(err).Str("remote", c.remote).Msg("read failed")
			e.closeConn(c, "read error")
			return false
		}
		if n == 0 {
			// FIN. Drain what made it here, then let drive wind down.
			c.sawFIN = true
			c.closeAfter = true
			return true
		}
		c.lastActivity = time.Now()
		c.readSome = true
		c.inBuf = append(c.inBuf, e.readBuf[:n]...)
		if n < len(e.readBuf) {
			return true
		}
	}
	return true
}

// drive pumps the connection state machine until it blocks on I/O or runs
// out of buffered work. Every entry point into a connection funnels through
// here so interest re-arming happens in one place.
func (e *Engine) drive(c *conn) {
	for c.state != stateClosed {
		switch c.state {
		case stateReading:
			if c.pendingOut() {
				if !e.flushConn(c) {
					return
				}
				if c.pendingOut() {
					e.rearm(c)
					return
				}
			}
			if len(c.inBuf) == 0 {
				if c.sawFIN {
					e.closeConn(c, "peer finished")
					return
				}
				e.rearm(c)
				return
			}
			consumed, done, err := c.parser.Feed(c.inBuf)
			c.consume(consumed)
			if err != nil {
				e.failRequest(c, err)
				continue
			}
			if !done {
				if c.sawFIN {
					e.closeConn(c, "request truncated by peer")
					return
				}
				if e.maybeSendContinue(c) {
					continue
				}
				e.rearm(c)
				return
			}
			e.handleRequest(c)

		case stateHandling:
			if c.pendingOut() && !e.flushConn(c) {
				return
			}
			e.rearm(c)
			return

		case stateWriting:
			if !e.flushConn(c) {
				return
			}
			if c.pendingOut() {
				e.rearm(c)
				return
			}
			if c.bodyFile != nil {
				if !e.fillFromFile(c) {
					return
				}
				continue
			}
			if c.closeAfter {
				e.closeConn(c, "")
				return
			}
			c.resetExchange(time.Now())
		}
	}
}

// maybeSendContinue queues the interim 100 response once the header block
// of an Expect: 100-continue request has landed.
func (e *Engine) maybeSendContinue(c *conn) bool {
	if c.continueSent || !c.parser.HeadersComplete() {
		return false
	}
	req := c.parser.Request()
	if !req.ExpectContinue || !req.WantsBody() {
		return false
	}
	c.continueSent = true
	c.queue(h1.Continue100)
	return true
}

// fillFromFile tops the write queue up with the next slice of a file-backed
// body. Returns false when the connection was torn down; the head already
// promised fileRemain more bytes, so a short file is unrecoverable.
func (e *Engine) fillFromFile(c *conn) bool {
	buf := e.readBuf
	if int64(len(buf)) > c.fileRemain {
		buf = buf[:c.fileRemain]
	}
	n, err := c.bodyFile.Read(buf)
	if n > 0 {
		c.queue(buf[:n])
		c.respBytes += n
		c.fileRemain -= int64(n)
	}
	if c.fileRemain == 0 {
		c.closeBodyFile()
		return true
	}
	if err != nil || n == 0 {
		e.log.Warn().Err(err).Str("remote", c.remote).Int64("missing", c.fileRemain).
			Msg("file body ended short of its declared length")
		e.closeConn(c, "file stream truncated")
		return false
	}
	return true
}

// flushConn writes queued response bytes until the socket blocks or the
// queue drains. Returns false when the connection was torn down.
func (e *Engine) flushConn(c *conn) bool {
	for c.pendingOut() {
		n, err := unix.Write(c.fd, c.out[c.outOff:])
		if n > 0 {
			c.outOff += n
			c.lastActivity = time.Now()
		}
		switch err {
		case nil:
		case unix.EAGAIN:
			return true
		case unix.EINTR:
		default:
			e.log.Debug().Err(err).Str("remote", c.remote).Msg("write failed")
			e.closeConn(c, "write error")
			return false
		}
	}
	if c.outOff == len(c.out) {
		c.out = c.out[:0]
		c.outOff = 0
	}
	return true
}

// failRequest answers a protocol violation and poisons the connection; the
// parser cannot resynchronize after an error, so keep-alive is off.
func (e *Engine) failRequest(c *conn, err error) {
	status := 400
	var perr *h1.ProtocolError
	if errors.As(err, &perr) {
		status = perr.Status
	}
	req := c.parser.Request()
	c.reqMethod = req.Method
	c.reqPath = req.Path
	c.reqProto = req.Proto
	c.reqRoute = "-"
	c.closeAfter = true
	e.log.Warn().Str("remote", c.remote).Int("status", status).Err(err).Msg("rejected request")
	e.respondStatus(c, status, "")
}

// respond finalizes a buffered response: negotiate compression, decide
// keep-alive, encode, and hand the bytes to the write path.
func (e *Engine) respond(c *conn, resp *h1.Response) {
	req := c.parser.Request()
	if c.reqMethod == "HEAD" {
		resp.HeadOnly = true
	}
	if c.parser.HeadersComplete() {
		maybeCompress(&e.cfg.Compress, req, resp)
	}
	keepAlive := c.parser.Done() && req.KeepAlive && !c.closeAfter && !e.draining
	if !keepAlive {
		c.closeAfter = true
	}
	if !c.pendingOut() && len(c.out) > 0 {
		c.out = c.out[:0]
		c.outOff = 0
	}
	before := len(c.out)
	c.out = resp.Encode(c.out, keepAlive)
	c.respBytes += len(c.out) - before
	if resp.File != nil {
		if resp.HeadOnly {
			resp.File.Close()
		} else {
			c.bodyFile = resp.File
			c.fileRemain = resp.FileSize
		}
	}
	c.state = stateWriting
	e.finishAccounting(c, resp.Status)
}

// respondStatus sends the error page for status. allow, when set, becomes
// the Allow header of a 405.
func (e *Engine) respondStatus(c *conn, status int, allow string) {
	resp := e.errorResponse(status)
	if allow != "" {
		resp.SetHeader("allow", allow)
	}
	e.respond(c, resp)
}

// finishAccounting emits the access log line, metrics sample and span for
// the exchange that just got its response queued.
func (e *Engine) finishAccounting(c *conn, status int) {
	if c.reqStart.IsZero() {
		c.reqStart = time.Now()
	}
	dur := time.Since(c.reqStart)
	method := orDash(c.reqMethod)
	route := orDash(c.reqRoute)
	obs.ObserveRequest(method, route, status, dur, c.respBytes)
	if c.span != nil {
		obs.EndSpan(c.span, status, nil)
		c.span = nil
	}

	var evt *zerolog.Event
	switch {
	case status >= 500:
		evt = e.log.Error()
	case status >= 400:
		evt = e.log.Warn()
	default:
		evt = e.log.Info()
	}
	evt.Str("remote", c.remote).
		Str("method", method).
		Str("path", orDash(c.reqPath)).
		Str("proto", orDash(c.reqProto)).
		Int("status", status).
		Int("bytes", c.respBytes).
		Dur("duration", dur).
		Str("route", route).
		Msg("request")
}

// closeConn tears a connection down. The fd leaves the registry and the
// poller immediately but is closed only after the current event batch, so
// a reused fd number cannot collide with stale events.
func (e *Engine) closeConn(c *conn, reason string) {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed
	c.closeBodyFile()
	if c.session != nil {
		e.teardownCGI(c)
	}
	if c.span != nil {
		// 499 is the nginx convention for a client that went away.
		obs.EndSpan(c.span, 499, nil)
		c.span = nil
	}
	e.reg.remove(c.fd)
	_ = e.poller.Del(c.fd)
	e.deferClose(c.fd)
	obs.ConnClosed()
	if reason != "" {
		e.log.Debug().Str("remote", c.remote).Str("reason", reason).Msg("connection closed")
	}
}

// arm updates poller interest, skipping the syscall when nothing changed.
func (e *Engine) arm(c *conn, r, w bool) {
	if c.state == stateClosed || (c.armedR == r && c.armedW == w) {
		return
	}
	if err := e.poller.Mod(c.fd, poller.Interest{Readable: r, Writable: w}); err != nil {
		e.log.Error().Err(err).Int("fd", c.fd).Msg("update interest")
		e.closeConn(c, "poller failure")
		return
	}
	c.armedR, c.armedW = r, w
}

// rearm derives interest from the connection state: read while expecting a
// request, write while bytes are queued.
func (e *Engine) rearm(c *conn) {
	e.arm(c, c.state == stateReading, c.pendingOut())
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
