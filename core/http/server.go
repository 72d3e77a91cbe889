package http

import (
	"time"

	"github.com/getlantern/golog"

	"github.com/searchktools/evserver/core/conn"
	"github.com/searchktools/evserver/core/session"
)

var log = golog.LoggerFor("evserver.http")

// DefaultServerName is sent in the Server header.
const DefaultServerName = "evserver"

// DefaultSessionCookie names the cookie carrying the session id.
const DefaultSessionCookie = "EVSESSIONID"

// HandlerFunc serves one request. The request and response are valid only
// until it returns.
type HandlerFunc func(req *Request, resp *Response)

// Server turns the reactor's message callbacks into parsed requests and
// responses. It is safe for concurrent use by the reactor's workers.
type Server struct {
	handler       HandlerFunc
	parserOpts    Options
	name          string
	sessions      *session.Store
	sessionCookie string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithParserOptions sets the parser limits.
func WithParserOptions(o Options) ServerOption {
	return func(s *Server) { s.parserOpts = o }
}

// WithServerName sets the Server header.
func WithServerName(name string) ServerOption {
	return func(s *Server) { s.name = name }
}

// WithSessions attaches a session store; requests carrying a known session
// cookie get their Session filled in.
func WithSessions(store *session.Store, cookie string) ServerOption {
	return func(s *Server) {
		s.sessions = store
		if cookie != "" {
			s.sessionCookie = cookie
		}
	}
}

// NewServer creates a Server dispatching complete requests to h.
func NewServer(h HandlerFunc, opts ...ServerOption) *Server {
	s := &Server{
		handler:       h,
		name:          DefaultServerName,
		sessionCookie: DefaultSessionCookie,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Sessions returns the attached store, or nil.
func (s *Server) Sessions() *session.Store { return s.sessions }

// OnMessage parses what has arrived on c and, once a request is complete,
// answers it into the send buffer. It returns false while more bytes are
// needed.
func (s *Server) OnMessage(c *conn.Connection) bool {
	p, _ := c.Context().(*Parser)
	if p == nil {
		p = AcquireParser(s.parserOpts)
		c.SetContext(p)
	}

	switch p.Parse(c.Recv()) {
	case BadRequest:
		log.Debugf("Bad request from %v: %v", c.RemoteAddr(), p.Err())
		c.SetKeepAlive(false)
		c.Recv().RetireAll()
		c.SetContext(nil)
		ReleaseParser(p)
		if err := c.Send().AppendString(badRequestResponse); err != nil {
			log.Errorf("Unable to queue 400 for fd %d: %v", c.Fd(), err)
		}
		return true

	case ContentDone:
		req := p.Request()
		req.RemoteAddr = c.RemoteAddr()
		c.SetKeepAlive(req.KeepAlive)
		s.attachSession(req)

		resp := newResponse(c, req, s)
		s.serve(req, resp)
		if !resp.Written() {
			resp.Error(404, "Not found")
		}

		c.SetContext(nil)
		ReleaseParser(p)
		return true
	}
	return false
}

// serve runs the handler, turning a panic into a 500 when nothing was
// written yet. The panic is re-raised otherwise so the connection closes.
func (s *Server) serve(req *Request, resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			if resp.Written() {
				panic(r)
			}
			log.Errorf("Handler panic on %s %s: %v", req.Method, req.Path, r)
			resp.Close()
			resp.Error(500, "Internal server error")
		}
	}()
	if s.handler == nil {
		return
	}
	s.handler(req, resp)
}

func (s *Server) attachSession(req *Request) {
	if s.sessions == nil {
		return
	}
	id, ok := req.Cookie(s.sessionCookie)
	if !ok {
		return
	}
	if sess := s.sessions.Get(id); sess != nil {
		s.sessions.Touch(id)
		req.Session = sess
	}
}

// OnClose returns a parser left mid-request to the pool.
func (s *Server) OnClose(c *conn.Connection) {
	if p, ok := c.Context().(*Parser); ok {
		c.SetContext(nil)
		ReleaseParser(p)
	}
	log.Tracef("Closed %v after %v", c.RemoteAddr(), time.Since(c.Created()))
}
