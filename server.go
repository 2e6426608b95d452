package filehttpd

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	atom "go.uber.org/atomic"
)

type contextKey struct {
	name string
}

var (
	// ServerContextKey is a context key. It can be used in handlers
	// with Request.Context to access the server that started the
	// handler. The associated value will be of type *Server.
	ServerContextKey = &contextKey{"filehttpd"}

	// LocalAddrContextKey is a context key. It can be used in
	// handlers to access the local address the connection arrived on.
	// The associated value will be of type net.Addr.
	LocalAddrContextKey = &contextKey{"filehttpd_local_addr"}
)

var shutdownPollInterval = 500 * time.Millisecond

const (
	DefaultReadBufferSize  = 256
	DefaultMaxRequestSize  = 1 << 20
	DefaultBodyIdleTimeout = 500 * time.Millisecond
)

var (
	ErrServerClosed       = errors.New("filehttpd: server closed")
	ErrServerAddrError    = errors.New("filehttpd: address error")
	ErrServerNetworkError = errors.New("filehttpd: network type error")
)

// A Server accepts connections and serves exactly one request on each.
type Server struct {
	Network string // stream network to listen on, ErrServerNetworkError if unsupported
	Addr    string // address to listen on, ErrServerAddrError if empty

	Handler Handler // handler to invoke

	// ReadBufferSize is the size of each read from a connection.
	// Zero means DefaultReadBufferSize.
	ReadBufferSize int

	// MaxRequestSize caps the bytes buffered for one request. Anything
	// beyond it is dropped unread and the request is parsed as
	// truncated. Zero means DefaultMaxRequestSize. When it is not
	// larger than ReadBufferSize, each connection gets exactly one read
	// and whatever it returned is parsed.
	MaxRequestSize int

	// BodyIdleTimeout bounds the wait for each further read once the
	// request head has arrived but the declared body has not. When it
	// expires the request is parsed from the bytes received so far.
	// Zero means DefaultBodyIdleTimeout.
	BodyIdleTimeout time.Duration

	// ReadTimeout is the maximum duration for reading the whole
	// request. Zero means no deadline: a silent client holds its
	// goroutine until it disconnects.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration

	// MaxConns bounds the connections served at once. When the bound
	// is reached the accept loop waits for a slot. Zero means one
	// goroutine per connection without limit.
	MaxConns int

	// Logger receives accept errors, per-request lines and handler
	// failures. If nil, the zerolog global logger is used.
	Logger *zerolog.Logger

	inShutdown atom.Bool

	mu         sync.Mutex
	listeners  map[*net.Listener]struct{}
	activeConn map[*conn]struct{}
	doneChan   chan struct{}
	slots      chan struct{}
}

// ListenAndServe listens on the address srv.Addr and then
// calls Serve to handle requests on incoming connections.
//
// If srv.Addr is blank, the returned error is ErrServerAddrError.
func (srv *Server) ListenAndServe() error {
	if srv.shuttingDown() {
		return ErrServerClosed
	}
	addr := srv.Addr
	if len(addr) == 0 {
		return ErrServerAddrError
	}
	network := srv.Network
	switch network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return ErrServerNetworkError
	}

	ln, err := net.Listen(network, addr)
	if err != nil {
		return err
	}
	return srv.Serve(ln)
}

func (srv *Server) shuttingDown() bool {
	return srv.inShutdown.Load()
}

// Serve accepts connections on l and serves each one in its own
// goroutine. It always returns a non-nil error; after Shutdown or Close
// the error is ErrServerClosed.
func (srv *Server) Serve(l net.Listener) error {
	l = &onceCloseListener{Listener: l}
	defer l.Close()

	if !srv.trackListener(&l, true) {
		return ErrServerClosed
	}
	defer srv.trackListener(&l, false)

	slots := srv.connSlots()
	var tempDelay time.Duration // how long to sleep on accept failure
	ctx := context.WithValue(context.Background(), ServerContextKey, srv)
	for {
		if slots != nil {
			select {
			case slots <- struct{}{}:
			case <-srv.getDoneChan():
				return ErrServerClosed
			}
		}
		rw, e := l.Accept()
		if e != nil {
			if slots != nil {
				<-slots
			}
			select {
			case <-srv.getDoneChan():
				return ErrServerClosed
			default:
			}
			if ne, ok := e.(net.Error); ok && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				srv.logger().Warn().Err(e).Dur("retry_in", tempDelay).Msg("accept error")
				time.Sleep(tempDelay)
				continue
			}
			return e
		}
		tempDelay = 0
		c := srv.newConn(rw)
		c.setState(StateNew) // before Serve can return
		go func() {
			if slots != nil {
				defer func() { <-slots }()
			}
			c.serve(ctx)
		}()
	}
}

func (srv *Server) connSlots() chan struct{} {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.MaxConns > 0 && srv.slots == nil {
		srv.slots = make(chan struct{}, srv.MaxConns)
	}
	return srv.slots
}

func (srv *Server) trackConn(c *conn, add bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.activeConn == nil {
		srv.activeConn = make(map[*conn]struct{})
	}
	if add {
		srv.activeConn[c] = struct{}{}
	} else {
		delete(srv.activeConn, c)
	}
}

func (srv *Server) trackListener(ln *net.Listener, add bool) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.listeners == nil {
		srv.listeners = make(map[*net.Listener]struct{})
	}
	if add {
		if srv.shuttingDown() {
			return false
		}
		srv.listeners[ln] = struct{}{}
	} else {
		delete(srv.listeners, ln)
	}
	return true
}

// Create new connection from rwc.
func (srv *Server) newConn(rwc net.Conn) *conn {
	return &conn{
		srv: srv,
		rwc: rwc,
		id:  newConnID(),
	}
}

func (srv *Server) closeListenersLocked() error {
	var err error
	for ln := range srv.listeners {
		if cerr := (*ln).Close(); cerr != nil && err == nil {
			err = cerr
		}
		delete(srv.listeners, ln)
	}
	return err
}

// Shutdown stops accepting connections and waits for the ones being
// served to finish, or for ctx to end. Connections that have not sent
// a request within 5 seconds are closed.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.inShutdown.Store(true)
	srv.mu.Lock()
	lnErr := srv.closeListenersLocked()
	srv.closeDoneChanLocked()
	srv.mu.Unlock()

	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()
	for {
		if srv.closeIdleConns() {
			return lnErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// closeIdleConns closes connections that are still waiting for their
// request after 5 seconds and reports whether the server is quiescent.
func (srv *Server) closeIdleConns() bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	quiescent := true
	for c := range srv.activeConn {
		st, unixSec := c.getState()
		if st != StateNew || unixSec >= time.Now().Unix()-5 {
			quiescent = false
			continue
		}
		c.rwc.Close()
		delete(srv.activeConn, c)
	}
	return quiescent
}

// Close immediately closes all listeners and all connections,
// including those in the middle of a request. For a graceful
// shutdown, use Shutdown.
func (srv *Server) Close() error {
	srv.inShutdown.Store(true)
	srv.mu.Lock()
	defer srv.mu.Unlock()

	srv.closeDoneChanLocked()
	err := srv.closeListenersLocked()
	for c := range srv.activeConn {
		c.rwc.Close()
		delete(srv.activeConn, c)
	}
	return err
}

func (srv *Server) getDoneChan() <-chan struct{} {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.getDoneChanLocked()
}

func (srv *Server) getDoneChanLocked() chan struct{} {
	if srv.doneChan == nil {
		srv.doneChan = make(chan struct{})
	}
	return srv.doneChan
}

func (srv *Server) closeDoneChanLocked() {
	ch := srv.getDoneChanLocked()
	select {
	case <-ch:
		// Already closed. Don't close again.
	default:
		// Safe to close here. We're the only closer, guarded
		// by srv.mu.
		close(ch)
	}
}

func (srv *Server) logger() *zerolog.Logger {
	if srv.Logger != nil {
		return srv.Logger
	}
	return &log.Logger
}

func (srv *Server) readBufferSize() int {
	if srv.ReadBufferSize > 0 {
		return srv.ReadBufferSize
	}
	return DefaultReadBufferSize
}

func (srv *Server) bodyIdleTimeout() time.Duration {
	if srv.BodyIdleTimeout > 0 {
		return srv.BodyIdleTimeout
	}
	return DefaultBodyIdleTimeout
}

func (srv *Server) maxRequestSize() int {
	if srv.MaxRequestSize > 0 {
		return srv.MaxRequestSize
	}
	return DefaultMaxRequestSize
}

// onceCloseListener wraps a net.Listener, protecting it from
// multiple Close calls.
type onceCloseListener struct {
	net.Listener
	once     sync.Once
	closeErr error
}

func (oc *onceCloseListener) Close() error {
	oc.once.Do(oc.close)
	return oc.closeErr
}

func (oc *onceCloseListener) close() { oc.closeErr = oc.Listener.Close() }
