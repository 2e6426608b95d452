package filehttpd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseWriteTo(t *testing.T) {
	resp := &Response{
		StatusCode: 200,
		Header:     Header{"Content-Type: text/plain", "Content-Length: 3"},
		Body:       []byte("abc"),
	}

	var buf bytes.Buffer
	n, err := resp.WriteTo(&buf)
	require.NoError(t, err)

	expect := "HTTP/1.1 200 \r\nContent-Type: text/plain\r\nContent-Length: 3\r\n\r\nabc"
	assert.Equal(t, expect, buf.String())
	assert.Equal(t, int64(len(expect)), n)
}

func TestResponseBytes(t *testing.T) {
	assert.Equal(t, "HTTP/1.1 404 \r\n\r\n", string(statusOnly(404).Bytes()))
	assert.Equal(t,
		"HTTP/1.1 201 \r\nContent-Type: text/plain\r\nContent-Length: 0\r\n\r\n",
		string(emptyText(201).Bytes()))
}

func TestResponseNoContentLengthInjected(t *testing.T) {
	resp := &Response{StatusCode: 200, Body: []byte("raw")}
	assert.Equal(t, "HTTP/1.1 200 \r\n\r\nraw", string(resp.Bytes()))
}

func TestWithBody(t *testing.T) {
	resp := withBody(200, "application/octet-stream", []byte("12345"))

	assert.Equal(t, Header{"Content-Type: application/octet-stream", "Content-Length: 5"}, resp.Header)
	assert.Equal(t, "12345", string(resp.Body))
}
