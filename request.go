package filehttpd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedRequestLine is returned when the first line of a request does
// not carry a method, a target and a version.
var ErrMalformedRequestLine = errors.New("filehttpd: malformed request line")

// A Request is one parsed request. It is not modified after ParseRequest.
type Request struct {
	ctx context.Context

	Method string
	Path   string // raw request target, not decoded
	Proto  string // accepted verbatim

	Header Header

	// Body holds the bytes after the blank line, up to the declared
	// Content-Length. It is empty when no Content-Length was sent.
	Body []byte

	RemoteAddr string
}

// Context returns the request's context. It is never nil.
func (r *Request) Context() context.Context {
	if r.ctx != nil {
		return r.ctx
	}
	return context.Background()
}

// ParseRequest parses a request from b. Lines may end in CRLF or a bare LF.
// Only the bytes in b are considered; the parser never asks for more.
func ParseRequest(b []byte) (*Request, error) {
	lines, bodyOff, ok := scanHead(b)
	if len(lines) == 0 {
		return nil, ErrMalformedRequestLine
	}

	fields := strings.Fields(lines[0])
	if len(fields) < 3 {
		return nil, fmt.Errorf("%w: %q", ErrMalformedRequestLine, lines[0])
	}

	req := &Request{
		Method: fields[0],
		Path:   fields[1],
		Proto:  fields[2],
		Header: Header(lines[1:]),
	}

	if n := req.Header.PayLoadLen(); ok && n >= 0 {
		body := b[bodyOff:]
		if len(body) > n {
			body = body[:n]
		}
		req.Body = append([]byte(nil), body...)
	}
	return req, nil
}

// scanHead splits the request line and header lines off b. ok reports
// whether the blank line ending the head was found; bodyOff is the index of
// the first byte after it.
func scanHead(b []byte) (lines []string, bodyOff int, ok bool) {
	pos := 0
	for pos < len(b) {
		var line []byte
		next := len(b)
		if i := bytes.IndexByte(b[pos:], '\n'); i >= 0 {
			line = b[pos : pos+i]
			next = pos + i + 1
		} else {
			line = b[pos:]
		}
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 && len(lines) > 0 {
			return lines, next, true
		}
		lines = append(lines, string(line))
		pos = next
	}
	return lines, len(b), false
}
