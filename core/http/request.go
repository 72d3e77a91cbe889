package http

import (
	"net"
	"net/url"

	"github.com/searchktools/evserver/core/session"
)

// Request is a parsed HTTP/1.x request. It is owned by the parser that
// produced it and must not be retained after the handler returns.
type Request struct {
	Method string
	// Target is the raw request-target; Path is its decoded path part.
	Target     string
	Path       string
	RawQuery   string
	Proto      string
	ProtoMinor int

	Header  Header
	Query   url.Values
	Form    url.Values
	Cookies map[string]string

	Body          []byte
	ContentLength int64 // -1 when absent

	KeepAlive  bool
	AcceptGzip bool
	Auth       *Authorization
	Multipart  *Multipart

	RemoteAddr net.Addr
	Session    *session.Session
}

func newRequest() *Request {
	return &Request{
		Query:         url.Values{},
		Form:          url.Values{},
		Cookies:       make(map[string]string),
		ContentLength: -1,
	}
}

// Reset resets the request for reuse (memory not freed, just reset)
func (r *Request) Reset() {
	r.Method = ""
	r.Target = ""
	r.Path = ""
	r.RawQuery = ""
	r.Proto = ""
	r.ProtoMinor = 0
	r.Header.Reset()

	// Clear maps without freeing memory
	for k := range r.Query {
		delete(r.Query, k)
	}
	for k := range r.Form {
		delete(r.Form, k)
	}
	for k := range r.Cookies {
		delete(r.Cookies, k)
	}

	r.Body = nil
	r.ContentLength = -1
	r.KeepAlive = false
	r.AcceptGzip = false
	r.Auth = nil
	r.Multipart = nil
	r.RemoteAddr = nil
	r.Session = nil
}

// Cookie returns the named request cookie.
func (r *Request) Cookie(name string) (string, bool) {
	v, ok := r.Cookies[name]
	return v, ok
}

// FormValue looks up key in the body form, then the multipart fields,
// then the query string.
func (r *Request) FormValue(key string) string {
	if vs, ok := r.Form[key]; ok && len(vs) > 0 {
		return vs[0]
	}
	if r.Multipart != nil {
		if vs, ok := r.Multipart.Fields[key]; ok && len(vs) > 0 {
			return vs[0]
		}
	}
	return r.Query.Get(key)
}
