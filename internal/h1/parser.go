package h1

import (
	"bytes"
	"fmt"
	"strings"
)

// ProtocolError is a parse failure carrying the status code the connection
// should answer with before closing.
type ProtocolError struct {
	Status int
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("http: %d %s", e.Status, e.Reason)
}

func protoErr(status int, reason string) *ProtocolError {
	return &ProtocolError{Status: status, Reason: reason}
}

type parseState uint8

const (
	stateStartLine parseState = iota
	stateHeaders
	stateBodyFixed
	stateChunkSize
	stateChunkData
	stateChunkDataEnd
	stateTrailer
	stateDone
)

var (
	crlf = []byte("\r\n")

	bGET     = []byte("GET")
	bHEAD    = []byte("HEAD")
	bPOST    = []byte("POST")
	bPUT     = []byte("PUT")
	bDELETE  = []byte("DELETE")
	bOPTIONS = []byte("OPTIONS")
	bHTTP11  = []byte("HTTP/1.1")
	bHTTP10  = []byte("HTTP/1.0")
)

// maxChunkSizeLine bounds the chunk-size line, including any extensions.
const maxChunkSizeLine = 256

// Parser is a resumable HTTP/1.1 request parser. Feed it the connection's
// unconsumed buffer as often as data arrives; completed elements are never
// re-parsed, and bytes the parser keeps are always copied out of the caller's
// buffer.
type Parser struct {
	// MaxHeaderBytes bounds the start line plus header block (and chunked
	// trailers). Exceeding it fails the request with 431.
	MaxHeaderBytes int
	// MaxBodyBytes bounds the decoded body. Exceeding it fails with 413.
	MaxBodyBytes int64

	req         Request
	state       parseState
	headerBytes int
	bodyNeed    int64
	seenCL      bool
	seenTE      bool
}

// NewParser returns a parser enforcing the given limits.
func NewParser(maxHeaderBytes int, maxBodyBytes int64) *Parser {
	p := &Parser{MaxHeaderBytes: maxHeaderBytes, MaxBodyBytes: maxBodyBytes}
	p.Reset()
	return p
}

// Reset prepares the parser for the next request on the same connection.
func (p *Parser) Reset() {
	p.req.Reset()
	p.state = stateStartLine
	p.headerBytes = 0
	p.bodyNeed = 0
	p.seenCL = false
	p.seenTE = false
}

// Request returns the parsed request. It is valid once Feed reported done and
// until the next Reset.
func (p *Parser) Request() *Request {
	return &p.req
}

// Done reports whether a complete request is buffered.
func (p *Parser) Done() bool {
	return p.state == stateDone
}

// HeadersComplete reports whether the request line and header block have
// been consumed. The request's header fields are reliable from then on,
// even while body bytes are still outstanding.
func (p *Parser) HeadersComplete() bool {
	return p.state > stateHeaders
}

// Feed advances the parse over data. It returns the number of bytes consumed,
// whether a complete request is now available, and any fatal protocol error.
// consumed < len(data) with done=false means the tail is mid-element; keep it
// buffered and call Feed again once more bytes arrive. consumed < len(data)
// with done=true leaves pipelined follow-up bytes with the caller.
func (p *Parser) Feed(data []byte) (int, bool, error) {
	off := 0
	for {
		switch p.state {
		case stateStartLine:
			n, err := p.readStartLine(data[off:])
			if err != nil {
				return off, false, err
			}
			if n == 0 {
				return off, false, nil
			}
			off += n

		case stateHeaders:
			n, err := p.readHeaderLine(data[off:])
			if err != nil {
				return off, false, err
			}
			if n == 0 {
				return off, false, nil
			}
			off += n

		case stateBodyFixed:
			if p.bodyNeed > 0 {
				take := int64(len(data) - off)
				if take == 0 {
					return off, false, nil
				}
				if take > p.bodyNeed {
					take = p.bodyNeed
				}
				p.req.Body = append(p.req.Body, data[off:off+int(take)]...)
				off += int(take)
				p.bodyNeed -= take
			}
			if p.bodyNeed > 0 {
				return off, false, nil
			}
			p.state = stateDone

		case stateChunkSize:
			n, err := p.readChunkSize(data[off:])
			if err != nil {
				return off, false, err
			}
			if n == 0 {
				return off, false, nil
			}
			off += n

		case stateChunkData:
			take := int64(len(data) - off)
			if take == 0 {
				return off, false, nil
			}
			if take > p.bodyNeed {
				take = p.bodyNeed
			}
			p.req.Body = append(p.req.Body, data[off:off+int(take)]...)
			off += int(take)
			p.bodyNeed -= take
			if p.bodyNeed == 0 {
				p.state = stateChunkDataEnd
			}

		case stateChunkDataEnd:
			if len(data)-off < 2 {
				return off, false, nil
			}
			if data[off] != '\r' || data[off+1] != '\n' {
				return off, false, protoErr(400, "malformed chunk terminator")
			}
			off += 2
			p.state = stateChunkSize

		case stateTrailer:
			n, err := p.readTrailerLine(data[off:])
			if err != nil {
				return off, false, err
			}
			if n == 0 {
				return off, false, nil
			}
			off += n

		case stateDone:
			return off, true, nil
		}
	}
}

// readStartLine consumes METHOD SP TARGET SP VERSION CRLF.
func (p *Parser) readStartLine(data []byte) (int, error) {
	end := bytes.Index(data, crlf)
	if end == -1 {
		if len(data) > p.MaxHeaderBytes {
			return 0, protoErr(431, "request line too long")
		}
		return 0, nil
	}
	p.headerBytes += end + 2
	if p.headerBytes > p.MaxHeaderBytes {
		return 0, protoErr(431, "request line too long")
	}
	line := data[:end]

	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return 0, protoErr(400, "malformed request line")
	}
	sp2 := bytes.IndexByte(line[sp1+1:], ' ')
	if sp2 < 0 {
		return 0, protoErr(400, "malformed request line")
	}
	sp2 += sp1 + 1
	methodRaw := line[:sp1]
	target := line[sp1+1 : sp2]
	versionRaw := line[sp2+1:]
	if bytes.IndexByte(versionRaw, ' ') >= 0 {
		return 0, protoErr(400, "malformed request line")
	}

	method, err := parseMethod(methodRaw)
	if err != nil {
		return 0, err
	}
	p.req.Method = method

	switch {
	case bytes.Equal(versionRaw, bHTTP11):
		p.req.Proto = "HTTP/1.1"
		p.req.KeepAlive = true
	case bytes.Equal(versionRaw, bHTTP10):
		p.req.Proto = "HTTP/1.0"
		p.req.KeepAlive = false
	default:
		return 0, protoErr(505, "unsupported protocol version")
	}

	if err := p.setTarget(target); err != nil {
		return 0, err
	}

	if cap(p.req.Headers) == 0 {
		p.req.Headers = make([][2]string, 0, 16)
	}
	p.req.ContentLength = -1
	p.state = stateHeaders
	return end + 2, nil
}

// setTarget validates the origin-form target and splits path from query.
func (p *Parser) setTarget(target []byte) error {
	if len(target) == 0 {
		return protoErr(400, "empty request target")
	}
	for _, c := range target {
		if c < 0x21 || c == 0x7f {
			return protoErr(400, "invalid byte in request target")
		}
	}
	// Asterisk-form is only meaningful for OPTIONS.
	if len(target) == 1 && target[0] == '*' {
		if p.req.Method != "OPTIONS" {
			return protoErr(400, "asterisk target on non-OPTIONS request")
		}
		p.req.RawTarget = "*"
		p.req.Path = "*"
		return nil
	}
	if target[0] != '/' {
		return protoErr(400, "request target must be absolute path")
	}
	p.req.RawTarget = string(target)
	rawPath := p.req.RawTarget
	if q := strings.IndexByte(rawPath, '?'); q >= 0 {
		p.req.Query = rawPath[q+1:]
		rawPath = rawPath[:q]
	}
	path, ok := unescapePath(rawPath)
	if !ok {
		return protoErr(400, "malformed percent-encoding in path")
	}
	p.req.Path = path
	return nil
}

// readHeaderLine consumes one header line, or the blank line ending the block.
func (p *Parser) readHeaderLine(data []byte) (int, error) {
	end := bytes.Index(data, crlf)
	if end == -1 {
		if p.headerBytes+len(data) > p.MaxHeaderBytes {
			return 0, protoErr(431, "header block too large")
		}
		return 0, nil
	}
	p.headerBytes += end + 2
	if p.headerBytes > p.MaxHeaderBytes {
		return 0, protoErr(431, "header block too large")
	}
	if end == 0 {
		if err := p.finishHeaders(); err != nil {
			return 0, err
		}
		return 2, nil
	}
	line := data[:end]

	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return 0, protoErr(400, "malformed header line")
	}
	rawName := line[:colon]
	// No whitespace is allowed between the field name and the colon.
	if rawName[len(rawName)-1] == ' ' || rawName[len(rawName)-1] == '\t' {
		return 0, protoErr(400, "whitespace before header colon")
	}
	for _, c := range rawName {
		if !isTokenByte(c) {
			return 0, protoErr(400, "invalid header name")
		}
	}
	rawValue := trimOWS(line[colon+1:])
	for _, c := range rawValue {
		if c < 0x20 && c != '\t' {
			return 0, protoErr(400, "invalid byte in header value")
		}
	}

	name := lowerHeaderName(rawName)
	value := string(rawValue)
	p.req.Headers = append(p.req.Headers, [2]string{name, value})

	switch name {
	case "host":
		if p.req.Host != "" {
			return 0, protoErr(400, "duplicate Host header")
		}
		p.req.Host = value
	case "content-length":
		if p.seenTE {
			return 0, protoErr(400, "Content-Length conflicts with Transfer-Encoding")
		}
		if p.seenCL {
			return 0, protoErr(400, "duplicate Content-Length")
		}
		cl, ok := parseInt64Bytes(rawValue)
		if !ok {
			return 0, protoErr(400, "invalid Content-Length")
		}
		p.req.ContentLength = cl
		p.seenCL = true
	case "transfer-encoding":
		if p.seenCL {
			return 0, protoErr(400, "Content-Length conflicts with Transfer-Encoding")
		}
		if !asciiEqualFoldString(value, "chunked") {
			return 0, protoErr(501, "unsupported transfer coding")
		}
		p.req.Chunked = true
		p.req.ContentLength = -1
		p.seenTE = true
	case "connection":
		// Comma-separated token list; only whole tokens count, so an
		// unrelated option containing "close" does not kill keep-alive.
		for _, tok := range strings.Split(value, ",") {
			tok = strings.Trim(tok, " \t")
			if asciiEqualFoldString(tok, "close") {
				p.req.KeepAlive = false
			} else if asciiEqualFoldString(tok, "keep-alive") {
				p.req.KeepAlive = true
			}
		}
	case "expect":
		if !asciiEqualFoldString(value, "100-continue") {
			return 0, protoErr(417, "unsupported expectation")
		}
		p.req.ExpectContinue = true
	}
	return end + 2, nil
}

// finishHeaders validates the header block and selects the body framing.
func (p *Parser) finishHeaders() error {
	if p.req.Proto == "HTTP/1.1" && p.req.Host == "" {
		return protoErr(400, "missing Host header")
	}
	switch {
	case p.req.Chunked:
		p.state = stateChunkSize
	case p.req.ContentLength > 0:
		if p.req.ContentLength > p.MaxBodyBytes {
			return protoErr(413, "declared body exceeds limit")
		}
		p.bodyNeed = p.req.ContentLength
		p.state = stateBodyFixed
	default:
		p.state = stateDone
	}
	return nil
}

// readChunkSize consumes a chunk-size line, ignoring any extensions.
func (p *Parser) readChunkSize(data []byte) (int, error) {
	end := bytes.Index(data, crlf)
	if end == -1 {
		if len(data) > maxChunkSizeLine {
			return 0, protoErr(400, "chunk size line too long")
		}
		return 0, nil
	}
	if end > maxChunkSizeLine {
		return 0, protoErr(400, "chunk size line too long")
	}
	sizeLine := data[:end]
	if semi := bytes.IndexByte(sizeLine, ';'); semi != -1 {
		sizeLine = sizeLine[:semi]
	}
	size, ok := parseHexInt64Bytes(bytes.TrimSpace(sizeLine))
	if !ok {
		return 0, protoErr(400, "malformed chunk size")
	}
	if size == 0 {
		p.state = stateTrailer
		return end + 2, nil
	}
	if int64(len(p.req.Body))+size > p.MaxBodyBytes {
		return 0, protoErr(413, "chunked body exceeds limit")
	}
	p.bodyNeed = size
	p.state = stateChunkData
	return end + 2, nil
}

// readTrailerLine discards trailer lines after the last chunk; a blank line
// completes the request.
func (p *Parser) readTrailerLine(data []byte) (int, error) {
	end := bytes.Index(data, crlf)
	if end == -1 {
		if p.headerBytes+len(data) > p.MaxHeaderBytes {
			return 0, protoErr(431, "trailer block too large")
		}
		return 0, nil
	}
	p.headerBytes += end + 2
	if p.headerBytes > p.MaxHeaderBytes {
		return 0, protoErr(431, "trailer block too large")
	}
	if end == 0 {
		p.state = stateDone
	}
	return end + 2, nil
}

// parseMethod maps a wire method to its canonical string. Unknown but
// well-formed tokens are rejected with 501, malformed ones with 400.
func parseMethod(b []byte) (string, error) {
	switch {
	case bytes.Equal(b, bGET):
		return "GET", nil
	case bytes.Equal(b, bHEAD):
		return "HEAD", nil
	case bytes.Equal(b, bPOST):
		return "POST", nil
	case bytes.Equal(b, bPUT):
		return "PUT", nil
	case bytes.Equal(b, bDELETE):
		return "DELETE", nil
	case bytes.Equal(b, bOPTIONS):
		return "OPTIONS", nil
	}
	if len(b) == 0 {
		return "", protoErr(400, "empty method")
	}
	for _, c := range b {
		if !isTokenByte(c) {
			return "", protoErr(400, "malformed method")
		}
	}
	return "", protoErr(501, "method not implemented")
}

func isTokenByte(c byte) bool {
	if c <= 0x20 || c >= 0x7f {
		return false
	}
	switch c {
	case '(', ')', '<', '>', '@', ',', ';', ':', '\\', '"', '/', '[', ']', '?', '=', '{', '}':
		return false
	}
	return true
}

func trimOWS(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}
	for len(b) > 0 && (b[len(b)-1] == ' ' || b[len(b)-1] == '\t') {
		b = b[:len(b)-1]
	}
	return b
}

// lowerHeaderName lowercases a header name, reusing canonical strings for the
// names the server inspects on every request.
func lowerHeaderName(b []byte) string {
	switch {
	case asciiEqualFold(b, "Host"):
		return "host"
	case asciiEqualFold(b, "Content-Length"):
		return "content-length"
	case asciiEqualFold(b, "Transfer-Encoding"):
		return "transfer-encoding"
	case asciiEqualFold(b, "Connection"):
		return "connection"
	case asciiEqualFold(b, "Content-Type"):
		return "content-type"
	case asciiEqualFold(b, "Expect"):
		return "expect"
	case asciiEqualFold(b, "Accept-Encoding"):
		return "accept-encoding"
	}
	lower := make([]byte, len(b))
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			c |= 0x20
		}
		lower[i] = c
	}
	return string(lower)
}

// unescapePath percent-decodes a path. Decoding a NUL or a broken escape
// fails the request.
func unescapePath(s string) (string, bool) {
	if strings.IndexByte(s, '%') < 0 {
		return s, true
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' {
			if i+2 >= len(s) {
				return "", false
			}
			hi, ok1 := unhex(s[i+1])
			lo, ok2 := unhex(s[i+2])
			if !ok1 || !ok2 {
				return "", false
			}
			c = hi<<4 | lo
			if c == 0 {
				return "", false
			}
			i += 2
		}
		sb.WriteByte(c)
	}
	return sb.String(), true
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// asciiEqualFold reports whether b equals s under ASCII case-insensitive
// comparison.
func asciiEqualFold(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		cb := b[i]
		cs := s[i]
		if 'A' <= cb && cb <= 'Z' {
			cb |= 0x20
		}
		if 'A' <= cs && cs <= 'Z' {
			cs |= 0x20
		}
		if cb != cs {
			return false
		}
	}
	return true
}

func asciiEqualFoldString(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca := a[i]
		cb := b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca |= 0x20
		}
		if 'A' <= cb && cb <= 'Z' {
			cb |= 0x20
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// parseInt64Bytes parses a base-10 int64 from ASCII digits.
func parseInt64Bytes(b []byte) (int64, bool) {
	if len(b) == 0 || len(b) > 18 {
		return 0, false
	}
	var n int64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}

// parseHexInt64Bytes parses a base-16 int64 from ASCII hex digits.
func parseHexInt64Bytes(b []byte) (int64, bool) {
	if len(b) == 0 || len(b) > 15 {
		return 0, false
	}
	var n int64
	for _, c := range b {
		d, ok := unhex(c)
		if !ok {
			return 0, false
		}
		n = n<<4 | int64(d)
	}
	return n, true
}
