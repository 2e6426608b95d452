package filehttpd

import (
	"bytes"
	"io"
	"strconv"
)

// A Response is built once by a handler and serialized as is. The
// serializer never adds headers: handlers that send a body set
// Content-Length themselves.
type Response struct {
	StatusCode int
	Header     Header
	Body       []byte
}

// WriteTo writes the status line, the header lines, a blank line and the
// raw body. Nothing follows the body.
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	var total int64
	n, err := io.WriteString(w, "HTTP/1.1 "+strconv.Itoa(r.StatusCode)+" \r\n")
	total += int64(n)
	if err != nil {
		return total, err
	}
	n, err = r.Header.Write(w)
	total += int64(n)
	if err != nil {
		return total, err
	}
	n, err = io.WriteString(w, "\r\n")
	total += int64(n)
	if err != nil {
		return total, err
	}
	n, err = w.Write(r.Body)
	total += int64(n)
	return total, err
}

// Bytes returns the serialized response.
func (r *Response) Bytes() []byte {
	var buf bytes.Buffer
	r.WriteTo(&buf)
	return buf.Bytes()
}

// statusOnly is a response with no headers and no body.
func statusOnly(code int) *Response {
	return &Response{StatusCode: code}
}

// emptyText is a response with an empty text/plain body.
func emptyText(code int) *Response {
	return &Response{
		StatusCode: code,
		Header:     Header{"Content-Type: text/plain", "Content-Length: 0"},
	}
}

func withBody(code int, contentType string, body []byte) *Response {
	resp := &Response{StatusCode: code, Body: body}
	resp.Header.Add("Content-Type", contentType)
	resp.Header.Add("Content-Length", strconv.Itoa(len(body)))
	return resp
}
