package filehttpd

import "strings"

type route struct {
	match   func(path string) bool
	handler Handler
}

// Router picks exactly one handler per request. Routes are tried in order
// and the first match wins; unmatched paths get 404.
type Router struct {
	routes []route
}

// NewRouter returns the routing table for the root probe, echo, user-agent
// and file routes. store backs the /files/ routes.
func NewRouter(store FileStore) *Router {
	rt := &Router{}
	rt.handle(func(p string) bool { return p == "/" }, HandlerFunc(Root))
	rt.handlePrefix("/echo/", HandlerFunc(Echo))
	rt.handlePrefix("/user-agent", HandlerFunc(UserAgent))
	rt.handlePrefix("/files/", MethodHandler{
		"GET":  FileReadHandler(store),
		"POST": FileWriteHandler(store),
	})
	return rt
}

func (rt *Router) handle(match func(string) bool, h Handler) {
	rt.routes = append(rt.routes, route{match: match, handler: h})
}

func (rt *Router) handlePrefix(prefix string, h Handler) {
	rt.handle(func(p string) bool { return strings.HasPrefix(p, prefix) }, h)
}

// Serve dispatches req to the first matching route.
func (rt *Router) Serve(req *Request) *Response {
	for _, r := range rt.routes {
		if r.match(req.Path) {
			return r.handler.Serve(req)
		}
	}
	return statusOnly(404)
}
