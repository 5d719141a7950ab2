// Package h1 implements incremental HTTP/1.1 request parsing and response
// serialization for a readiness-driven server. The parser is resumable: it
// consumes whatever bytes the connection has buffered, records how far it
// got, and picks up mid-request when the next read completes.
package h1

// Request is a fully parsed HTTP/1.1 request.
type Request struct {
	Method string
	// RawTarget is the request target exactly as received on the wire.
	RawTarget string
	// Path is the percent-decoded path component of the target.
	Path string
	// Query is the raw query string without the leading '?'.
	Query string
	Proto string
	// Headers holds (name, value) pairs in wire order, names lowercased.
	Headers [][2]string
	Host    string
	// ContentLength is the declared Content-Length, or -1 when absent or
	// when the body is chunked. len(Body) is the decoded size.
	ContentLength  int64
	Chunked        bool
	KeepAlive      bool
	ExpectContinue bool
	Body           []byte
}

// Reset clears the request for reuse on the next keep-alive exchange.
func (r *Request) Reset() {
	r.Method = ""
	r.RawTarget = ""
	r.Path = ""
	r.Query = ""
	r.Proto = ""
	r.Headers = r.Headers[:0]
	r.Host = ""
	r.ContentLength = -1
	r.Chunked = false
	r.KeepAlive = false
	r.ExpectContinue = false
	r.Body = r.Body[:0]
}

// Header returns the value of the named header. Names are matched
// case-insensitively; when a header repeats, the last occurrence wins.
func (r *Request) Header(name string) (string, bool) {
	value, found := "", false
	for _, h := range r.Headers {
		if asciiEqualFoldString(h[0], name) {
			value, found = h[1], true
		}
	}
	return value, found
}

// BodyLength returns the decoded body size in bytes.
func (r *Request) BodyLength() int64 {
	return int64(len(r.Body))
}

// WantsBody reports whether the request declared a body.
func (r *Request) WantsBody() bool {
	return r.Chunked || r.ContentLength > 0
}
