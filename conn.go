package filehttpd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	atom "go.uber.org/atomic"
)

var bufioWriterPool sync.Pool

type ConnState int

const (
	// StateNew represents a new connection whose request has not been
	// fully read yet. Connections begin at this state and then
	// transition to either StateActive or StateClosed.
	StateNew ConnState = iota

	// StateActive represents a connection whose request is being
	// handled or whose response is being written.
	StateActive

	// StateClosed represents a closed connection.
	// This is a terminal state.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// A conn represents the server side of a connection.
type conn struct {
	// srv is the server on which the connection arrived.
	// Immutable; never nil.
	srv *Server

	// rwc is the underlying network connection.
	rwc net.Conn

	// id identifies the connection in log lines.
	id string

	// readDeadline is the ReadTimeout deadline, zero if none.
	readDeadline time.Time

	// remoteAddr is rwc.RemoteAddr().String(). It is populated
	// inside the (*conn).serve goroutine.
	remoteAddr string

	log zerolog.Logger

	// cancelCtx cancels the connection-level context.
	cancelCtx context.CancelFunc

	// werr is set to the first write error to rwc.
	// It is set via checkConnErrorWriter{w}, where bufw writes.
	werr error

	// bufw writes to checkConnErrorWriter{c}, which populates werr on error.
	bufw *bufio.Writer

	curState atom.Uint64 // packed (unixtime<<8|uint8(ConnState))
}

func newConnID() string {
	return uuid.NewString()
}

func (c *conn) setState(state ConnState) {
	srv := c.srv
	switch state {
	case StateNew:
		srv.trackConn(c, true)
	case StateClosed:
		srv.trackConn(c, false)
	}
	if state > 0xff || state < 0 {
		panic("conn: internal error")
	}
	packedState := uint64(time.Now().Unix()<<8) | uint64(state)
	c.curState.Store(packedState)
}

func (c *conn) getState() (state ConnState, unixSec int64) {
	packedState := c.curState.Load()
	return ConnState(packedState & 0xff), int64(packedState >> 8)
}

// serve reads one request, answers it and closes the connection.
// Failures never leave this goroutine.
func (c *conn) serve(ctx context.Context) {
	start := time.Now()
	c.remoteAddr = c.rwc.RemoteAddr().String()
	c.log = c.srv.logger().With().
		Str("conn_id", c.id).
		Str("remote_addr", c.remoteAddr).
		Logger()
	ctx = context.WithValue(ctx, LocalAddrContextKey, c.rwc.LocalAddr())
	ctx = c.log.WithContext(ctx)
	defer func() {
		if err := recover(); err != nil {
			c.log.Error().
				Str("panic", fmt.Sprint(err)).
				Bytes("stack", stack()).
				Msg("panic serving connection")
		}
		c.close()
		c.setState(StateClosed)
	}()

	ctx, cancelCtx := context.WithCancel(ctx)
	c.cancelCtx = cancelCtx
	defer cancelCtx()

	if d := c.srv.ReadTimeout; d != 0 {
		c.readDeadline = start.Add(d)
		c.rwc.SetReadDeadline(c.readDeadline)
	}
	raw, err := c.readRequest()
	if err != nil {
		switch {
		case err == io.EOF:
			c.log.Debug().Msg("connection closed before sending a request")
		case isTimeout(err):
			c.log.Warn().Err(err).Msg("read request timed out")
		default:
			c.log.Error().Err(err).Msg("read request failed")
		}
		return
	}
	c.setState(StateActive)

	var resp *Response
	req, err := ParseRequest(raw)
	if err != nil {
		c.log.Warn().Err(err).Msg("bad request")
		resp = emptyText(400)
	} else {
		req.ctx = ctx
		req.RemoteAddr = c.remoteAddr
		resp = c.handle(req)
	}

	if d := c.srv.WriteTimeout; d != 0 {
		c.rwc.SetWriteDeadline(time.Now().Add(d))
	}
	c.bufw = newBufioWriter(checkConnErrorWriter{c})
	n, _ := resp.WriteTo(c.bufw)
	c.bufw.Flush()
	if c.werr != nil {
		c.log.Error().Err(c.werr).Msg("write response failed")
		return
	}

	event := c.log.Info()
	if req != nil {
		event = event.Str("method", req.Method).Str("path", req.Path)
	}
	event.Int("status", resp.StatusCode).
		Int64("bytes", n).
		Dur("duration", time.Since(start)).
		Msg("request served")
}

// handle runs the handler. A panic or a nil response becomes a 500.
func (c *conn) handle(req *Request) (resp *Response) {
	defer func() {
		if err := recover(); err != nil {
			c.log.Error().
				Str("panic", fmt.Sprint(err)).
				Bytes("stack", stack()).
				Str("path", req.Path).
				Msg("panic in handler")
			resp = emptyText(500)
		}
	}()
	resp = serverHandler{c.srv}.Serve(req)
	if resp == nil {
		c.log.Error().Str("path", req.Path).Msg("handler returned no response")
		resp = emptyText(500)
	}
	return resp
}

// readRequest reads until the head and any declared body have arrived,
// the peer stops sending, or the server's MaxRequestSize is reached.
// Bytes past MaxRequestSize are never read. A body that stalls for
// longer than BodyIdleTimeout is cut short at what has arrived.
func (c *conn) readRequest() ([]byte, error) {
	size, limit := c.srv.readBufferSize(), c.srv.maxRequestSize()
	if limit <= size {
		return c.readOnce(limit)
	}
	chunk := make([]byte, size)
	buf := make([]byte, 0, size)

	bodyOff, want := -1, HeaderPayloadLenUnlimited
	scanFrom := 0
	for len(buf) < limit {
		m := size
		if rest := limit - len(buf); rest < m {
			m = rest
		}
		if bodyOff >= 0 {
			c.rwc.SetReadDeadline(c.bodyDeadline())
		}
		n, err := c.rwc.Read(chunk[:m])
		buf = append(buf, chunk[:n]...)

		if bodyOff < 0 && hasBlankLine(buf[scanFrom:]) {
			if lines, off, ok := scanHead(buf); ok {
				bodyOff = off
				want = Header(lines[1:]).PayLoadLen()
			}
		}
		if bodyOff >= 0 && (want < 0 || len(buf)-bodyOff >= want) {
			return buf, nil
		}
		// a blank line may straddle two reads
		if scanFrom = len(buf) - 2; scanFrom < 0 {
			scanFrom = 0
		}

		if err != nil {
			switch {
			case err == io.EOF && len(buf) > 0:
				return buf, nil
			case bodyOff >= 0 && isTimeout(err) && !c.pastReadDeadline():
				c.log.Debug().
					Int("declared", want).
					Int("received", len(buf)-bodyOff).
					Msg("body stalled, serving what arrived")
				return buf, nil
			}
			return nil, err
		}
	}
	return buf, nil
}

// readOnce performs the single bounded read used when MaxRequestSize
// leaves room for no more than one ReadBufferSize chunk.
func (c *conn) readOnce(limit int) ([]byte, error) {
	buf := make([]byte, limit)
	n, err := c.rwc.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil {
		err = io.EOF
	}
	return nil, err
}

// bodyDeadline is the body idle deadline, capped by ReadTimeout.
func (c *conn) bodyDeadline() time.Time {
	d := time.Now().Add(c.srv.bodyIdleTimeout())
	if !c.readDeadline.IsZero() && c.readDeadline.Before(d) {
		return c.readDeadline
	}
	return d
}

func (c *conn) pastReadDeadline() bool {
	return !c.readDeadline.IsZero() && !time.Now().Before(c.readDeadline)
}

func hasBlankLine(b []byte) bool {
	return bytes.Contains(b, []byte("\n\n")) || bytes.Contains(b, []byte("\n\r\n"))
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func stack() []byte {
	const size = 64 << 10
	buf := make([]byte, size)
	return buf[:runtime.Stack(buf, false)]
}

// Close the connection.
func (c *conn) close() {
	c.finalFlush()
	c.rwc.Close()
}

// checkConnErrorWriter writes to c.rwc and records any write errors to c.werr.
// It only contains one field (and a pointer field at that), so it
// fits in an interface value without an extra allocation.
type checkConnErrorWriter struct {
	c *conn
}

func (w checkConnErrorWriter) Write(p []byte) (n int, err error) {
	n, err = w.c.rwc.Write(p)
	if err != nil && w.c.werr == nil {
		w.c.werr = err
		w.c.cancelCtx()
	}
	return
}

func (c *conn) finalFlush() {
	if c.bufw != nil {
		c.bufw.Flush()
		putBufioWriter(c.bufw)
		c.bufw = nil
	}
}

func putBufioWriter(bw *bufio.Writer) {
	bw.Reset(nil)
	bufioWriterPool.Put(bw)
}

func newBufioWriter(w io.Writer) *bufio.Writer {
	if v := bufioWriterPool.Get(); v != nil {
		bw := v.(*bufio.Writer)
		bw.Reset(w)
		return bw
	}
	return bufio.NewWriter(w)
}
