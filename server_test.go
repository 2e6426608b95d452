package filehttpd

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/inevd/filehttpd/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, h Handler) *Server {
	nop := zerolog.Nop()
	return &Server{Network: "tcp", Handler: h, Logger: &nop}
}

// startServer serves srv on a loopback port until the test ends.
func startServer(t *testing.T, srv *Server) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()
	t.Cleanup(func() {
		srv.Close()
		assert.ErrorIs(t, <-done, ErrServerClosed)
	})
	return ln.Addr().String()
}

// roundTrip sends raw and returns everything the server writes before
// closing the connection.
func roundTrip(t *testing.T, addr, raw string) string {
	out, err := exchange(addr, raw)
	require.NoError(t, err)
	return out
}

func exchange(addr, raw string) (string, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return "", err
	}
	defer c.Close()
	c.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := io.WriteString(c, raw); err != nil {
		return "", err
	}
	out, err := io.ReadAll(c)
	return string(out), err
}

func TestServeEcho(t *testing.T) {
	addr := startServer(t, newTestServer(t, NewRouter(storage.New(t.TempDir()))))

	out := roundTrip(t, addr, "GET /echo/abc HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, "HTTP/1.1 200 \r\nContent-Type: text/plain\r\nContent-Length: 3\r\n\r\nabc", out)
}

func TestServeNotFound(t *testing.T) {
	addr := startServer(t, newTestServer(t, NewRouter(storage.New(t.TempDir()))))

	out := roundTrip(t, addr, "GET /nope HTTP/1.1\r\n\r\n")
	assert.Equal(t, "HTTP/1.1 404 \r\n\r\n", out)
}

func TestServeRoot(t *testing.T) {
	addr := startServer(t, newTestServer(t, NewRouter(storage.New(t.TempDir()))))

	assert.Equal(t, "HTTP/1.1 200 \r\n\r\n", roundTrip(t, addr, "GET / HTTP/1.1\r\n\r\n"))
	assert.Equal(t, "HTTP/1.1 200 \r\n\r\n", roundTrip(t, addr, "OPTIONS / HTTP/1.1\n\n"))
}

func TestServeMalformed(t *testing.T) {
	addr := startServer(t, newTestServer(t, NewRouter(storage.New(t.TempDir()))))

	out := roundTrip(t, addr, "GARBAGE\r\n\r\n")
	assert.Equal(t, "HTTP/1.1 400 \r\nContent-Type: text/plain\r\nContent-Length: 0\r\n\r\n", out)

	// the listener keeps serving
	assert.Equal(t, "HTTP/1.1 200 \r\n\r\n", roundTrip(t, addr, "GET / HTTP/1.1\r\n\r\n"))
}

func TestServeUserAgent(t *testing.T) {
	addr := startServer(t, newTestServer(t, NewRouter(storage.New(t.TempDir()))))

	out := roundTrip(t, addr, "GET /user-agent HTTP/1.1\r\nHost: x\r\nUser-Agent: foobar/1.2.3\r\n\r\n")
	assert.Equal(t, "HTTP/1.1 200 \r\nContent-Type: text/plain\r\nContent-Length: 12\r\n\r\nfoobar/1.2.3", out)

	out = roundTrip(t, addr, "GET /user-agent HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 400 \r\n"), out)
}

func TestServeFilesRoundTrip(t *testing.T) {
	addr := startServer(t, newTestServer(t, NewRouter(storage.New(t.TempDir()))))
	body := strings.Repeat("0123456789", 100)

	out := roundTrip(t, addr, fmt.Sprintf("POST /files/big HTTP/1.1\r\nContent-Length: %d\r\n\r\n%s", len(body), body))
	require.Equal(t, "HTTP/1.1 201 \r\nContent-Type: text/plain\r\nContent-Length: 0\r\n\r\n", out)

	out = roundTrip(t, addr, "GET /files/big HTTP/1.1\r\n\r\n")
	expect := fmt.Sprintf("HTTP/1.1 200 \r\nContent-Type: application/octet-stream\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	assert.Equal(t, expect, out)

	out = roundTrip(t, addr, "GET /files/other HTTP/1.1\r\n\r\n")
	assert.Equal(t, "HTTP/1.1 404 \r\nContent-Type: text/plain\r\nContent-Length: 0\r\n\r\n", out)
}

func TestServeShortBody(t *testing.T) {
	dir := t.TempDir()
	srv := newTestServer(t, NewRouter(storage.New(dir)))
	srv.BodyIdleTimeout = 50 * time.Millisecond
	addr := startServer(t, srv)

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	c.SetDeadline(time.Now().Add(5 * time.Second))

	// declares more than it sends and keeps the connection open
	_, err = io.WriteString(c, "POST /files/short HTTP/1.1\r\nContent-Length: 10\r\n\r\nabc")
	require.NoError(t, err)
	out, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 201 \r\nContent-Type: text/plain\r\nContent-Length: 0\r\n\r\n", string(out))

	data, err := os.ReadFile(filepath.Join(dir, "short"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func TestServeConcurrentConnections(t *testing.T) {
	addr := startServer(t, newTestServer(t, NewRouter(storage.New(t.TempDir()))))

	// a connection that never sends anything must not hold up others
	idle, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer idle.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := fmt.Sprintf("msg-%d", i)
			out, err := exchange(addr, "GET /echo/"+s+" HTTP/1.1\r\n\r\n")
			assert.NoError(t, err)
			assert.True(t, strings.HasSuffix(out, "\r\n\r\n"+s), out)
		}(i)
	}
	wg.Wait()
}

func TestServeMaxConns(t *testing.T) {
	srv := newTestServer(t, NewRouter(storage.New(t.TempDir())))
	srv.MaxConns = 1
	addr := startServer(t, srv)

	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	// make sure the first connection holds the only slot
	time.Sleep(50 * time.Millisecond)

	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()
	_, err = io.WriteString(second, "GET /echo/late HTTP/1.1\r\n\r\n")
	require.NoError(t, err)

	second.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err = second.Read(make([]byte, 1))
	require.Error(t, err)
	assert.True(t, isTimeout(err), "second connection must wait for a slot, got %v", err)

	first.Close()
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	out, err := io.ReadAll(second)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(out), "late"), string(out))
}

func TestServeReadTimeout(t *testing.T) {
	srv := newTestServer(t, NewRouter(storage.New(t.TempDir())))
	srv.ReadTimeout = 100 * time.Millisecond
	addr := startServer(t, srv)

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	c.SetDeadline(time.Now().Add(5 * time.Second))

	out, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestServeHandlerFailures(t *testing.T) {
	panicking := newTestServer(t, HandlerFunc(func(*Request) *Response { panic("boom") }))
	addr := startServer(t, panicking)
	out := roundTrip(t, addr, "GET / HTTP/1.1\r\n\r\n")
	assert.Equal(t, "HTTP/1.1 500 \r\nContent-Type: text/plain\r\nContent-Length: 0\r\n\r\n", out)

	silent := newTestServer(t, HandlerFunc(func(*Request) *Response { return nil }))
	addr = startServer(t, silent)
	out = roundTrip(t, addr, "GET / HTTP/1.1\r\n\r\n")
	assert.Equal(t, "HTTP/1.1 500 \r\nContent-Type: text/plain\r\nContent-Length: 0\r\n\r\n", out)
}

func TestServeRequestContext(t *testing.T) {
	seen := make(chan *Request, 1)
	srv := newTestServer(t, HandlerFunc(func(r *Request) *Response {
		seen <- r
		return statusOnly(204)
	}))
	addr := startServer(t, srv)

	roundTrip(t, addr, "GET /ctx HTTP/1.1\r\n\r\n")
	req := <-seen

	assert.Equal(t, srv, req.Context().Value(ServerContextKey))
	assert.Equal(t, addr, req.Context().Value(LocalAddrContextKey).(net.Addr).String())
	assert.NotEmpty(t, req.RemoteAddr)
}

func TestShutdown(t *testing.T) {
	srv := newTestServer(t, NewRouter(storage.New(t.TempDir())))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	out := roundTrip(t, ln.Addr().String(), "GET / HTTP/1.1\r\n\r\n")
	require.Equal(t, "HTTP/1.1 200 \r\n\r\n", out)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.ErrorIs(t, <-done, ErrServerClosed)

	srv.Addr = "127.0.0.1:0"
	assert.ErrorIs(t, srv.ListenAndServe(), ErrServerClosed)
}

func TestListenAndServeValidation(t *testing.T) {
	srv := newTestServer(t, nil)
	assert.ErrorIs(t, srv.ListenAndServe(), ErrServerAddrError)

	srv.Addr = "127.0.0.1:0"
	srv.Network = "udp"
	assert.ErrorIs(t, srv.ListenAndServe(), ErrServerNetworkError)
}
