package filehttpd

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/inevd/filehttpd/internal/storage"
	"github.com/rs/zerolog"
)

type serverHandler struct {
	srv *Server
}

func (sh serverHandler) Serve(req *Request) *Response {
	handler := sh.srv.Handler
	if handler == nil {
		panic("filehttpd: invalid handler")
	}
	return handler.Serve(req)
}

// A Handler turns a parsed request into a response.
type Handler interface {
	Serve(*Request) *Response
}

type HandlerFunc func(*Request) *Response

// Serve calls f(r).
func (f HandlerFunc) Serve(r *Request) *Response {
	return f(r)
}

// MethodHandler dispatches on the request method and answers 405 for
// methods it has no handler for.
type MethodHandler map[string]Handler

func (m MethodHandler) Serve(r *Request) *Response {
	if h, ok := m[r.Method]; ok {
		return h.Serve(r)
	}
	return emptyText(405)
}

// FileStore reads and writes named files in a flat directory.
type FileStore interface {
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte) error
}

// Root replies 200 with an empty body.
func Root(r *Request) *Response {
	return statusOnly(200)
}

// Echo replies with the part of the path after "/echo/".
func Echo(r *Request) *Response {
	return withBody(200, "text/plain", []byte(strings.TrimPrefix(r.Path, "/echo/")))
}

// UserAgent replies with the value of the first User-Agent header, or 400
// when there is none.
func UserAgent(r *Request) *Response {
	ua, ok := r.Header.Lookup("User-Agent")
	if !ok {
		return emptyText(400)
	}
	return withBody(200, "text/plain", []byte(ua))
}

// FileReadHandler serves GET /files/<name> from store.
func FileReadHandler(store FileStore) Handler {
	return HandlerFunc(func(r *Request) *Response {
		name := strings.TrimPrefix(r.Path, "/files/")
		data, err := store.ReadFile(name)
		switch {
		case err == nil:
			return withBody(200, "application/octet-stream", data)
		case errors.Is(err, fs.ErrNotExist), errors.Is(err, storage.ErrInvalidName):
			return emptyText(404)
		default:
			requestLogger(r).Error().Err(err).Str("file", name).Msg("file read failed")
			return emptyText(500)
		}
	})
}

// FileWriteHandler stores the body of POST /files/<name> in store,
// replacing any previous content.
func FileWriteHandler(store FileStore) Handler {
	return HandlerFunc(func(r *Request) *Response {
		name := strings.TrimPrefix(r.Path, "/files/")
		err := store.WriteFile(name, r.Body)
		switch {
		case err == nil:
			return emptyText(201)
		case errors.Is(err, storage.ErrInvalidName):
			requestLogger(r).Warn().Str("file", name).Msg("cannot create file with an empty name")
			return emptyText(500)
		default:
			requestLogger(r).Error().Err(err).Str("file", name).Msg("file write failed")
			return emptyText(500)
		}
	})
}

// requestLogger returns the connection logger stored in the request
// context, or a disabled logger.
func requestLogger(r *Request) *zerolog.Logger {
	return zerolog.Ctx(r.Context())
}
