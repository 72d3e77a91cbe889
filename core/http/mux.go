package http

import (
	"sort"
	"strings"
	"sync"
)

// Mux is a small request router: exact method+path routes first, then the
// longest matching prefix route. Prefix routes are registered with a
// trailing "/*".
type Mux struct {
	mu       sync.RWMutex
	static   map[string]HandlerFunc // "METHOD path" -> handler
	prefixes []prefixRoute
	notFound HandlerFunc
}

type prefixRoute struct {
	method  string
	prefix  string
	handler HandlerFunc
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{static: make(map[string]HandlerFunc, 16)}
}

// Handle registers h for method and path. An empty method matches any.
func (m *Mux) Handle(method, path string, h HandlerFunc) {
	if path == "" || path[0] != '/' {
		panic("path must begin with '/'")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if strings.HasSuffix(path, "/*") {
		m.prefixes = append(m.prefixes, prefixRoute{method, strings.TrimSuffix(path, "*"), h})
		// longest prefix wins
		sort.SliceStable(m.prefixes, func(i, j int) bool {
			return len(m.prefixes[i].prefix) > len(m.prefixes[j].prefix)
		})
		return
	}
	m.static[method+" "+path] = h
}

// GET registers a GET route; HEAD requests are served by it too.
func (m *Mux) GET(path string, h HandlerFunc) {
	m.Handle("GET", path, h)
}

// POST registers a POST route
func (m *Mux) POST(path string, h HandlerFunc) {
	m.Handle("POST", path, h)
}

// NotFound replaces the default 404 handler.
func (m *Mux) NotFound(h HandlerFunc) {
	m.mu.Lock()
	m.notFound = h
	m.mu.Unlock()
}

// Find returns the handler for method and path.
func (m *Mux) Find(method, path string) HandlerFunc {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lookup := method
	if method == "HEAD" {
		lookup = "GET"
	}
	if h, ok := m.static[lookup+" "+path]; ok {
		return h
	}
	if h, ok := m.static[" "+path]; ok {
		return h
	}
	for _, r := range m.prefixes {
		if (r.method == "" || r.method == lookup) && strings.HasPrefix(path, r.prefix) {
			return r.handler
		}
	}
	return nil
}

// ServeHTTP dispatches req. It has the HandlerFunc signature, so a Mux can
// be passed to NewServer as m.ServeHTTP.
func (m *Mux) ServeHTTP(req *Request, resp *Response) {
	if h := m.Find(req.Method, req.Path); h != nil {
		h(req, resp)
		return
	}
	m.mu.RLock()
	nf := m.notFound
	m.mu.RUnlock()
	if nf != nil {
		nf(req, resp)
		return
	}
	resp.Error(404, "Not found")
}
