package cgi

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
)

// maxOutputHeaderBytes bounds a script's header block. Scripts emitting more
// than this without a blank line are treated as broken.
const maxOutputHeaderBytes = 64 << 10

// ErrBadOutput marks script output the server cannot turn into a response.
var ErrBadOutput = errors.New("cgi: malformed script output")

// Output parses a script's stdout per RFC 3875 §6: a header block, a blank
// line, then the document body. Scripts that separate lines with bare NL are
// tolerated.
type Output struct {
	buf  []byte
	done bool

	// Status is the script-selected response code, 200 unless overridden
	// by a Status header or an implicit Location redirect.
	Status int
	// Headers are the script headers to forward, names lowercased, with
	// framing and hop-by-hop fields stripped.
	Headers [][2]string
	// ContentLength is the script-declared body length, -1 when absent.
	ContentLength int64
	Location      string
}

// HeadersDone reports whether the header block has been fully parsed.
func (o *Output) HeadersDone() bool { return o.done }

// Feed accumulates stdout bytes until the header block completes. When it
// returns done=true, rest holds the body bytes that followed the blank line;
// every later read belongs to the body and must bypass Feed.
func (o *Output) Feed(data []byte) (done bool, rest []byte, err error) {
	if o.done {
		return true, data, nil
	}
	o.buf = append(o.buf, data...)

	headerLen, bodyStart := findBlankLine(o.buf)
	if headerLen < 0 {
		if len(o.buf) > maxOutputHeaderBytes {
			return false, nil, ErrBadOutput
		}
		return false, nil, nil
	}
	if err := o.parseHeaders(o.buf[:headerLen]); err != nil {
		return false, nil, err
	}
	o.done = true
	rest = o.buf[bodyStart:]
	o.buf = nil
	return true, rest, nil
}

// findBlankLine locates the header terminator, returning the header block
// length and the body offset. CRLFCRLF and NLNL both count, as does a
// leading blank line for a headerless (broken) script.
func findBlankLine(buf []byte) (headerLen, bodyStart int) {
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))
	nl := bytes.Index(buf, []byte("\n\n"))
	switch {
	case crlf < 0 && nl < 0:
		return -1, -1
	case crlf < 0:
		return nl, nl + 2
	case nl < 0 || crlf <= nl:
		return crlf, crlf + 4
	default:
		return nl, nl + 2
	}
}

func (o *Output) parseHeaders(block []byte) error {
	o.Status = 200
	o.ContentLength = -1
	sawStatus := false
	sawContentType := false

	for _, line := range bytes.Split(block, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 {
			continue
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return ErrBadOutput
		}
		name := strings.ToLower(string(bytes.TrimSpace(line[:colon])))
		value := string(bytes.TrimSpace(line[colon+1:]))

		switch name {
		case "status":
			code, ok := parseStatusValue(value)
			if !ok {
				return ErrBadOutput
			}
			o.Status = code
			sawStatus = true
		case "content-length":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return ErrBadOutput
			}
			o.ContentLength = n
		case "location":
			o.Location = value
		case "content-type":
			sawContentType = true
			o.Headers = append(o.Headers, [2]string{name, value})
		case "connection", "transfer-encoding":
			// Framing is the server's call, never the script's.
		default:
			o.Headers = append(o.Headers, [2]string{name, value})
		}
	}

	if o.Location != "" {
		if !sawStatus {
			o.Status = 302
		}
		o.Headers = append(o.Headers, [2]string{"location", o.Location})
		return nil
	}
	// A document response needs a Content-Type (RFC 3875 §6.3.1).
	if !sawContentType && !sawStatus {
		return ErrBadOutput
	}
	return nil
}

// parseStatusValue reads the code from "404" or "404 Not Found".
func parseStatusValue(v string) (int, bool) {
	if sp := strings.IndexByte(v, ' '); sp >= 0 {
		v = v[:sp]
	}
	code, err := strconv.Atoi(v)
	if err != nil || code < 100 || code > 599 {
		return 0, false
	}
	return code, true
}
