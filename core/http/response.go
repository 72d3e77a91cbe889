package http

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sugawarayuuta/sonnet"

	"github.com/searchktools/evserver/core/buffer"
	"github.com/searchktools/evserver/core/conn"
	"github.com/searchktools/evserver/core/session"
)

// TimeFormat is the layout of the Date header.
const TimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// Files up to this size are compressed for gzip-capable clients; larger
// ones keep the zero-copy path.
const maxGzipFile = 4 << 20

// ErrResponseWritten is returned when a second body is written.
var ErrResponseWritten = errors.New("http: response already written")

type field struct {
	key, value string
}

// Response builds one HTTP response directly into the connection's send
// buffer. Exactly one of the body methods may be called.
type Response struct {
	c      *conn.Connection
	req    *Request
	server *Server

	status  int
	header  []field
	written bool
	err     error
}

func newResponse(c *conn.Connection, req *Request, s *Server) *Response {
	return &Response{c: c, req: req, server: s, status: 200}
}

// Status sets the status code used by the next body method.
func (r *Response) Status(code int) *Response {
	r.status = code
	return r
}

// SetHeader adds a response header. Server, Date, Content-Length and
// Connection are always generated.
func (r *Response) SetHeader(key, value string) *Response {
	r.header = append(r.header, field{key, value})
	return r
}

// SetCookie adds a Set-Cookie header.
func (r *Response) SetCookie(c *Cookie) *Response {
	return r.SetHeader("Set-Cookie", c.String())
}

// Close makes this the last response on the connection.
func (r *Response) Close() *Response {
	r.c.SetKeepAlive(false)
	return r
}

// Written reports whether a body method ran.
func (r *Response) Written() bool { return r.written }

// Err returns the first error met while building the response.
func (r *Response) Err() error { return r.err }

// Session returns the request's session, starting one (and setting its
// cookie) when the server has a store and the request carried none.
func (r *Response) Session() *session.Session {
	if r.req.Session != nil || r.server == nil || r.server.sessions == nil {
		return r.req.Session
	}
	s, err := r.server.sessions.Create()
	if err != nil {
		r.err = err
		return nil
	}
	r.req.Session = s
	r.SetCookie(&Cookie{
		Name:     r.server.sessionCookie,
		Value:    s.ID(),
		Path:     "/",
		HttpOnly: true,
	})
	return s
}

// String sends a plain text response
func (r *Response) String(code int, s string) error {
	return r.Data(code, "text/plain; charset=utf-8", []byte(s))
}

// Bytes sends a raw bytes response
func (r *Response) Bytes(code int, data []byte) error {
	return r.Data(code, "application/octet-stream", data)
}

// JSON sends a JSON response
func (r *Response) JSON(code int, v any) error {
	data, err := sonnet.Marshal(v)
	if err != nil {
		r.err = err
		return r.Error(500, "Failed to marshal JSON")
	}
	return r.Data(code, "application/json", data)
}

// Error sends an error response
func (r *Response) Error(code int, message string) error {
	data, _ := sonnet.Marshal(map[string]any{
		"code":    code,
		"message": message,
	})
	return r.Data(code, "application/json", data)
}

// Redirect sends a redirect to location.
func (r *Response) Redirect(code int, location string) error {
	if code < 300 || code > 399 {
		code = 302
	}
	r.SetHeader("Location", location)
	return r.Data(code, "text/plain; charset=utf-8", []byte(statusText(code)))
}

// Unauthorized sends a 401 carrying a Basic or Digest challenge.
func (r *Response) Unauthorized(realm string, digest bool) error {
	challenge := `Basic realm="` + realm + `"`
	if digest {
		nonce, _ := session.NewID()
		opaque, _ := session.NewID()
		challenge = `Digest realm="` + realm + `", qop="auth,auth-int", nonce="` + nonce + `", opaque="` + opaque + `"`
	}
	r.SetHeader("WWW-Authenticate", challenge)
	return r.Error(401, statusText(401))
}

// Data sends a response with custom content type
func (r *Response) Data(code int, contentType string, data []byte) error {
	if r.written {
		return ErrResponseWritten
	}
	r.status = code

	encoding := ""
	if r.req.AcceptGzip && len(data) >= 1024 && compressible(contentType) {
		if z, err := gzipBytes(data); err == nil && len(z) < len(data) {
			data, encoding = z, "gzip"
		}
	}
	if err := r.writeHeader(contentType, int64(len(data)), encoding); err != nil {
		return err
	}
	if r.req.Method == "HEAD" {
		return nil
	}
	return r.append(data)
}

// File serves path. Raw connections hand it to sendfile(2), encrypted ones
// send it from a memory mapping, and compressible files are gzipped into
// the buffer for clients that accept it.
func (r *Response) File(path string) error {
	if r.written {
		return ErrResponseWritten
	}
	f, err := os.Open(path)
	if err != nil {
		return r.Error(404, "File not found")
	}
	st, err := f.Stat()
	if err != nil || st.IsDir() {
		f.Close()
		return r.Error(404, "File not found")
	}
	size := st.Size()
	ct := contentType(path)
	r.SetHeader("Last-Modified", st.ModTime().UTC().Format(TimeFormat))

	if r.req.AcceptGzip && compressible(ct) && size >= 1024 && size <= maxGzipFile {
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			r.err = err
			return r.Error(500, "Internal server error")
		}
		return r.Data(200, ct, data)
	}

	if err := r.writeHeader(ct, size, ""); err != nil {
		f.Close()
		return err
	}
	if r.req.Method == "HEAD" || size == 0 {
		f.Close()
		return nil
	}

	var att buffer.Attachment
	if r.c.Channel().SupportsSendfile() {
		att = buffer.NewFileRegion(f, 0, size)
	} else {
		m, err := buffer.MapFile(f, 0, size)
		if err != nil {
			// the encrypted channel can still copy from the file
			att = buffer.NewFileRegion(f, 0, size)
		} else {
			f.Close()
			att = m
		}
	}
	if err := r.c.Send().Attach(att); err != nil {
		att.Release()
		r.err = err
		r.c.SetKeepAlive(false)
		return err
	}
	return nil
}

func (r *Response) writeHeader(contentType string, length int64, encoding string) error {
	r.written = true
	proto := "HTTP/1.1"
	if r.req.ProtoMinor == 0 {
		proto = "HTTP/1.0"
	}

	b := make([]byte, 0, 256)
	b = append(b, proto...)
	b = append(b, ' ')
	b = strconv.AppendInt(b, int64(r.status), 10)
	b = append(b, ' ')
	b = append(b, statusText(r.status)...)
	b = append(b, "\r\nServer: "...)
	b = append(b, r.serverName()...)
	b = append(b, "\r\nDate: "...)
	b = time.Now().UTC().AppendFormat(b, TimeFormat)
	b = append(b, "\r\nContent-Type: "...)
	b = append(b, contentType...)
	b = append(b, "\r\nContent-Length: "...)
	b = strconv.AppendInt(b, length, 10)
	if encoding != "" {
		b = append(b, "\r\nContent-Encoding: "...)
		b = append(b, encoding...)
		b = append(b, "\r\nVary: Accept-Encoding"...)
	}
	if r.c.KeepAlive() {
		if r.req.ProtoMinor == 0 {
			b = append(b, "\r\nConnection: keep-alive"...)
		}
	} else {
		b = append(b, "\r\nConnection: close"...)
	}
	for _, f := range r.header {
		b = append(b, "\r\n"...)
		b = append(b, f.key...)
		b = append(b, ": "...)
		b = append(b, f.value...)
	}
	b = append(b, "\r\n\r\n"...)
	return r.append(b)
}

func (r *Response) append(p []byte) error {
	if err := r.c.Send().Append(p); err != nil {
		// resource exhaustion: give up on this connection
		r.err = err
		r.c.SetKeepAlive(false)
		return err
	}
	return nil
}

func (r *Response) serverName() string {
	if r.server != nil && r.server.name != "" {
		return r.server.name
	}
	return DefaultServerName
}

// badRequestResponse is sent verbatim when parsing fails.
const badRequestResponse = "HTTP/1.1 400 Bad Request\r\n" +
	"Server: " + DefaultServerName + "\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"Content-Length: 16\r\n" +
	"Connection: close\r\n\r\n" +
	"400 Bad Request\n"

func gzipBytes(data []byte) ([]byte, error) {
	var out bytes.Buffer
	zw := gzip.NewWriter(&out)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// compressible matches text/*, and types ending in xml, json or javascript.
func compressible(ct string) bool {
	mediaType, _, _ := strings.Cut(ct, ";")
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))
	return strings.HasPrefix(mediaType, "text/") ||
		strings.HasSuffix(mediaType, "xml") ||
		strings.HasSuffix(mediaType, "json") ||
		strings.HasSuffix(mediaType, "javascript")
}

// contentType returns MIME type based on file extension
func contentType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "application/javascript; charset=utf-8"
	case ".json":
		return "application/json; charset=utf-8"
	case ".txt":
		return "text/plain; charset=utf-8"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// statusText returns the HTTP status text for the given code
func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 202:
		return "Accepted"
	case 204:
		return "No Content"
	case 206:
		return "Partial Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 303:
		return "See Other"
	case 304:
		return "Not Modified"
	case 307:
		return "Temporary Redirect"
	case 308:
		return "Permanent Redirect"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 413:
		return "Payload Too Large"
	case 415:
		return "Unsupported Media Type"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	default:
		return "Unknown"
	}
}
