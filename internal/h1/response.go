package h1

import (
	"os"
	"strconv"

	"github.com/pkorzh/shrike/internal/date"
)

// Pre-allocated header fragments.
var (
	headerContentLength = []byte("content-length: ")
	headerTEChunked     = []byte("transfer-encoding: chunked\r\n")
	headerConnection    = []byte("connection: ")
	headerKeepAlive     = []byte("keep-alive\r\n")
	headerClose         = []byte("close\r\n")
	headerServer        = []byte("server: ")
	headerDate          = []byte("date: ")
	headerSep           = []byte(": ")
	chunkEnd            = []byte("0\r\n\r\n")

	// Continue100 is the interim response for Expect: 100-continue.
	Continue100 = []byte("HTTP/1.1 100 Continue\r\n\r\n")
)

// ServerName is emitted in the server header of every response.
const ServerName = "shrike"

// Response is one HTTP response about to be serialized. The body source is
// tagged: Body holds in-memory bytes, File a file stream, Stream a CGI
// stream; at most one is set.
type Response struct {
	Status  int
	Headers [][2]string
	Body    []byte
	// HeadOnly keeps the framing headers but omits the body bytes (HEAD).
	HeadOnly bool
	// File is a file-backed body the caller pumps after the head, framed
	// with Content-Length: FileSize. Ownership of the handle passes with
	// the response.
	File     *os.File
	FileSize int64
	// Stream marks a response whose body arrives later, written by the
	// caller as chunk frames (or raw bytes when StreamLength >= 0). Body
	// must be empty.
	Stream bool
	// StreamLength is the announced length of a streamed body, -1 when
	// unknown (chunked framing).
	StreamLength int64
}

// NewResponse returns a response with the given status and no headers.
func NewResponse(status int) *Response {
	return &Response{Status: status, StreamLength: -1}
}

// AddHeader appends a header without replacing existing ones.
func (r *Response) AddHeader(name, value string) {
	r.Headers = append(r.Headers, [2]string{name, value})
}

// SetHeader replaces the first occurrence of name, appending when absent.
func (r *Response) SetHeader(name, value string) {
	for i := range r.Headers {
		if asciiEqualFoldString(r.Headers[i][0], name) {
			r.Headers[i][1] = value
			return
		}
	}
	r.AddHeader(name, value)
}

// HasHeader reports whether name is present.
func (r *Response) HasHeader(name string) bool {
	for i := range r.Headers {
		if asciiEqualFoldString(r.Headers[i][0], name) {
			return true
		}
	}
	return false
}

// bodyForbidden reports whether the status code rules out a message body.
func bodyForbidden(status int) bool {
	return status < 200 || status == 204 || status == 304
}

// Encode appends the serialized response to dst in one pass: status line,
// server and date, caller headers, framing, connection, blank line, body.
func (r *Response) Encode(dst []byte, keepAlive bool) []byte {
	dst = appendStatusLine(dst, r.Status)

	if !r.HasHeader("server") {
		dst = append(dst, headerServer...)
		dst = append(dst, ServerName...)
		dst = append(dst, crlf...)
	}
	if !r.HasHeader("date") {
		dst = append(dst, headerDate...)
		dst = append(dst, date.Current()...)
		dst = append(dst, crlf...)
	}

	for _, h := range r.Headers {
		dst = append(dst, h[0]...)
		dst = append(dst, headerSep...)
		dst = append(dst, h[1]...)
		dst = append(dst, crlf...)
	}

	switch {
	case bodyForbidden(r.Status):
		// No framing headers and no body bytes.
	case r.Stream:
		if r.StreamLength >= 0 {
			dst = append(dst, headerContentLength...)
			dst = strconv.AppendInt(dst, r.StreamLength, 10)
			dst = append(dst, crlf...)
		} else {
			dst = append(dst, headerTEChunked...)
		}
	case r.File != nil:
		dst = append(dst, headerContentLength...)
		dst = strconv.AppendInt(dst, r.FileSize, 10)
		dst = append(dst, crlf...)
	default:
		dst = append(dst, headerContentLength...)
		dst = strconv.AppendInt(dst, int64(len(r.Body)), 10)
		dst = append(dst, crlf...)
	}

	dst = append(dst, headerConnection...)
	if keepAlive {
		dst = append(dst, headerKeepAlive...)
	} else {
		dst = append(dst, headerClose...)
	}
	dst = append(dst, crlf...)

	if !r.HeadOnly && !r.Stream && r.File == nil && !bodyForbidden(r.Status) {
		dst = append(dst, r.Body...)
	}
	return dst
}

// AppendChunk appends data as one chunked-coding frame. Empty data appends
// nothing: a zero-length chunk would terminate the body.
func AppendChunk(dst, data []byte) []byte {
	if len(data) == 0 {
		return dst
	}
	var tmp [16]byte
	size := strconv.AppendInt(tmp[:0], int64(len(data)), 16)
	dst = append(dst, size...)
	dst = append(dst, crlf...)
	dst = append(dst, data...)
	return append(dst, crlf...)
}

// AppendChunkEnd appends the zero-chunk terminator.
func AppendChunkEnd(dst []byte) []byte {
	return append(dst, chunkEnd...)
}
