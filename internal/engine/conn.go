//go:build linux

package engine

import (
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/pkorzh/shrike/internal/cgi"
	"github.com/pkorzh/shrike/internal/h1"
)

// connState tracks where a connection sits in its current exchange.
type connState uint8

const (
	// stateReading: waiting for or mid-way through a request.
	stateReading connState = iota
	// stateHandling: a CGI child is producing the response.
	stateHandling
	// stateWriting: the response is queued; draining it ends the exchange.
	stateWriting
	// stateClosed: torn down, events for this conn are stale.
	stateClosed
)

// conn is one client connection. Every field belongs to the event loop;
// nothing here is safe to touch from another goroutine.
type conn struct {
	fd     int
	remote string

	parser *h1.Parser
	inBuf  []byte // bytes received but not yet consumed by the parser

	out    []byte // encoded response bytes not yet written
	outOff int

	// bodyFile is a file-backed response body being pumped behind the
	// encoded head; fileRemain counts the bytes the head promised.
	bodyFile   *os.File
	fileRemain int64

	state        connState
	readSome     bool // a byte of the current request has arrived
	continueSent bool
	closeAfter   bool
	sawFIN       bool // peer finished sending; no further request can arrive
	lastActivity time.Time

	// armed mirrors the poller interest so redundant epoll_ctl calls are
	// skipped.
	armedR bool
	armedW bool

	// CGI exchange in flight, nil otherwise.
	session     *cgi.Session
	cgiHeadSent bool
	cgiChunked  bool
	cgiRemain   int64 // body bytes the script still owes when it declared a length
	cgiBuffered bool  // HTTP/1.0 cannot frame an unknown-length stream
	cgiBody     []byte
	headOnly    bool

	// Bookkeeping for the access log, metrics and span of the request
	// being served.
	reqMethod string
	reqPath   string
	reqProto  string
	reqRoute  string
	reqStart  time.Time
	respBytes int
	span      trace.Span
}

func (c *conn) pendingOut() bool { return c.outOff < len(c.out) }

// closeBodyFile releases the file-backed body source, if any.
func (c *conn) closeBodyFile() {
	if c.bodyFile != nil {
		c.bodyFile.Close()
		c.bodyFile = nil
		c.fileRemain = 0
	}
}

// compactOut recycles the output buffer once everything in it is written.
func (c *conn) compactOut() {
	if !c.pendingOut() && len(c.out) > 0 {
		c.out = c.out[:0]
		c.outOff = 0
	}
}

func (c *conn) queue(b []byte) {
	c.compactOut()
	c.out = append(c.out, b...)
}

// consume drops n parsed bytes off the front of the input buffer.
func (c *conn) consume(n int) {
	if n <= 0 {
		return
	}
	c.inBuf = c.inBuf[:copy(c.inBuf, c.inBuf[n:])]
}

// resetExchange clears per-request state so the next pipelined or
// keep-alive request starts clean.
func (c *conn) resetExchange(now time.Time) {
	c.parser.Reset()
	c.closeBodyFile()
	c.continueSent = false
	c.respBytes = 0
	c.reqMethod = ""
	c.reqPath = ""
	c.reqRoute = ""
	c.span = nil
	c.cgiHeadSent = false
	c.cgiChunked = false
	c.cgiRemain = 0
	c.cgiBuffered = false
	c.cgiBody = nil
	c.headOnly = false
	c.state = stateReading
	c.readSome = len(c.inBuf) > 0
	c.lastActivity = now
}
