package http

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/http/httpguts"

	"github.com/searchktools/evserver/core/buffer"
)

// Phase is the parser's position in the request.
type Phase int

const (
	NoRequest Phase = iota
	RequestLineDone
	AgainHeader
	RequestHeaderDone
	AgainContent
	ContentDone
	BadRequest
)

var phaseNames = [...]string{
	NoRequest:         "NoRequest",
	RequestLineDone:   "RequestLineDone",
	AgainHeader:       "AgainHeader",
	RequestHeaderDone: "RequestHeaderDone",
	AgainContent:      "AgainContent",
	ContentDone:       "ContentDone",
	BadRequest:        "BadRequest",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "Phase(" + strconv.Itoa(int(p)) + ")"
}

// Complete reports whether a full request is available.
func (p Phase) Complete() bool { return p == ContentDone }

// Limits
const (
	DefaultMaxRequestLine = 8 << 10
	DefaultMaxHeaderBytes = 64 << 10
	DefaultMaxBodyBytes   = 8 << 20
)

var (
	ErrBadRequest = errors.New("http: bad request")

	errMethod          = fmt.Errorf("%w: unrecognized method", ErrBadRequest)
	errVersion         = fmt.Errorf("%w: unsupported version", ErrBadRequest)
	errRequestLine     = fmt.Errorf("%w: malformed request line", ErrBadRequest)
	errLineTooLong     = fmt.Errorf("%w: request line too long", ErrBadRequest)
	errHeaderLine      = fmt.Errorf("%w: malformed header line", ErrBadRequest)
	errHeadersTooLarge = fmt.Errorf("%w: header block too large", ErrBadRequest)
	errContentLength   = fmt.Errorf("%w: invalid Content-Length", ErrBadRequest)
	errTransferCoding  = fmt.Errorf("%w: unsupported Transfer-Encoding", ErrBadRequest)
	errBodyTooLarge    = fmt.Errorf("%w: body too large", ErrBadRequest)
	errBoundary        = fmt.Errorf("%w: multipart body without closing boundary", ErrBadRequest)
	errTarget          = fmt.Errorf("%w: malformed request target", ErrBadRequest)
)

var methods = [...]string{"GET", "POST", "HEAD", "PUT", "DELETE", "OPTIONS", "PATCH"}

// Options bounds what the parser accepts.
type Options struct {
	MaxRequestLine int
	MaxHeaderBytes int
	MaxBodyBytes   int64

	// BufferedBody treats every buffered byte as the body of a request
	// without Content-Length, instead of an empty body.
	BufferedBody bool
}

func (o Options) withDefaults() Options {
	if o.MaxRequestLine <= 0 {
		o.MaxRequestLine = DefaultMaxRequestLine
	}
	if o.MaxHeaderBytes <= 0 {
		o.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return o
}

// Parser is an incremental HTTP/1.x request parser. Each call to Parse
// consumes whole lines (and finally the body) from the buffer and keeps
// what it learned, so a request may arrive in any number of fragments.
type Parser struct {
	opts  Options
	phase Phase
	req   *Request
	err   error

	// scan is how far the unconsumed prefix was already searched for '\n'.
	scan        int
	headerBytes int

	multipart  bool
	boundary   string
	urlencoded bool
}

var parserPool = sync.Pool{
	New: func() any {
		return &Parser{req: newRequest()}
	},
}

// AcquireParser returns a reset parser from the pool.
func AcquireParser(opts Options) *Parser {
	p := parserPool.Get().(*Parser)
	p.opts = opts.withDefaults()
	return p
}

// ReleaseParser resets p and returns it to the pool.
func ReleaseParser(p *Parser) {
	p.Reset()
	parserPool.Put(p)
}

// NewParser creates a parser outside the pool.
func NewParser(opts Options) *Parser {
	return &Parser{opts: opts.withDefaults(), req: newRequest()}
}

// Reset prepares the parser for the next request.
func (p *Parser) Reset() {
	p.phase = NoRequest
	p.req.Reset()
	p.err = nil
	p.scan = 0
	p.headerBytes = 0
	p.multipart = false
	p.boundary = ""
	p.urlencoded = false
}

func (p *Parser) Phase() Phase { return p.phase }

// Request returns the request being built. It is complete only once
// Parse returned ContentDone.
func (p *Parser) Request() *Request { return p.req }

// Err returns why the parser reached BadRequest.
func (p *Parser) Err() error { return p.err }

func (p *Parser) fail(err error) Phase {
	p.err = err
	p.phase = BadRequest
	return p.phase
}

// Parse advances the state machine over the unread bytes of buf. It
// returns ContentDone or BadRequest when finished; any other phase means
// more bytes are needed and the unconsumed suffix is left in buf.
func (p *Parser) Parse(buf *buffer.Buffer) Phase {
	for {
		switch p.phase {
		case NoRequest:
			if p.parseRequestLine(buf) == NoRequest {
				return NoRequest
			}
		case RequestLineDone, AgainHeader:
			if p.parseHeaders(buf) != RequestHeaderDone {
				return p.phase
			}
		case RequestHeaderDone:
			p.finishHeaders()
		case AgainContent:
			if p.parseContent(buf) == AgainContent {
				return AgainContent
			}
		case ContentDone, BadRequest:
			return p.phase
		}
	}
}

// nextLine returns the next complete line of data (without CRLF) and the
// number of bytes it occupies, or ok=false when no '\n' has arrived yet.
func (p *Parser) nextLine(data []byte) (line []byte, size int, ok bool) {
	i := bytes.IndexByte(data[p.scan:], '\n')
	if i < 0 {
		p.scan = len(data)
		return nil, 0, false
	}
	i += p.scan
	p.scan = 0
	line = data[:i]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, i + 1, true
}

// methodPrefixOK reports whether an incomplete request line can still
// turn into a recognized method.
func methodPrefixOK(data []byte) bool {
	word := data
	complete := false
	if i := bytes.IndexByte(data, ' '); i >= 0 {
		word, complete = data[:i], true
	}
	for _, m := range methods {
		if complete && string(word) == m {
			return true
		}
		if !complete && len(word) <= len(m) && m[:len(word)] == string(word) {
			return true
		}
	}
	return false
}

func (p *Parser) parseRequestLine(buf *buffer.Buffer) Phase {
	// tolerate empty lines before the request line
	for {
		data := buf.Peek()
		if bytes.HasPrefix(data, []byte("\r\n")) {
			buf.Retire(2)
			p.scan = 0
		} else if bytes.HasPrefix(data, []byte("\n")) {
			buf.Retire(1)
			p.scan = 0
		} else {
			break
		}
	}

	data := buf.Peek()
	line, size, ok := p.nextLine(data)
	if !ok {
		if len(data) > p.opts.MaxRequestLine {
			return p.fail(errLineTooLong)
		}
		if len(data) > 0 && !methodPrefixOK(data) {
			return p.fail(errMethod)
		}
		return NoRequest
	}
	if len(line) > p.opts.MaxRequestLine {
		return p.fail(errLineTooLong)
	}

	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return p.fail(errRequestLine)
	}
	method := string(line[:sp1])
	if !methodPrefixOK(line[:sp1+1]) {
		return p.fail(errMethod)
	}

	rest := line[sp1+1:]
	sp2 := bytes.IndexByte(rest, ' ')
	if sp2 <= 0 {
		return p.fail(errRequestLine)
	}
	target, proto := rest[:sp2], rest[sp2+1:]

	req := p.req
	switch string(proto) {
	case "HTTP/1.1":
		req.Proto, req.ProtoMinor = "HTTP/1.1", 1
	case "HTTP/1.0":
		req.Proto, req.ProtoMinor = "HTTP/1.0", 0
	default:
		return p.fail(errVersion)
	}
	req.Method = method
	req.Target = string(target)

	buf.Retire(size)
	p.phase = RequestLineDone
	return p.phase
}

func (p *Parser) parseHeaders(buf *buffer.Buffer) Phase {
	for {
		data := buf.Peek()
		line, size, ok := p.nextLine(data)
		if !ok {
			if p.headerBytes+len(data) > p.opts.MaxHeaderBytes {
				return p.fail(errHeadersTooLarge)
			}
			p.phase = AgainHeader
			return p.phase
		}
		p.headerBytes += size
		if p.headerBytes > p.opts.MaxHeaderBytes {
			return p.fail(errHeadersTooLarge)
		}

		if len(line) == 0 {
			buf.Retire(size)
			p.phase = RequestHeaderDone
			return p.phase
		}

		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return p.fail(errHeaderLine)
		}
		name := string(line[:colon])
		value := string(bytes.Trim(line[colon+1:], " \t"))
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			return p.fail(errHeaderLine)
		}
		p.req.Header.Add(name, value)
		buf.Retire(size)
	}
}

// finishHeaders derives everything the header block implies.
func (p *Parser) finishHeaders() {
	req := p.req
	h := &req.Header

	connection := h.Values("connection")
	if req.ProtoMinor == 0 {
		req.KeepAlive = httpguts.HeaderValuesContainsToken(connection, "keep-alive")
	} else {
		req.KeepAlive = !httpguts.HeaderValuesContainsToken(connection, "close")
	}

	path, rawQuery, _ := strings.Cut(req.Target, "?")
	decoded, err := url.PathUnescape(path)
	if err != nil {
		p.fail(errTarget)
		return
	}
	req.Path, req.RawQuery = decoded, rawQuery
	parseValues(rawQuery, req.Query)

	if c := h.Get("cookie"); c != "" {
		parseCookies(c, req.Cookies)
	}
	if a := h.Get("authorization"); a != "" {
		req.Auth = parseAuthorization(a)
	}
	req.AcceptGzip = strings.Contains(strings.ToLower(h.Get("accept-encoding")), "gzip")

	if te := h.Get("transfer-encoding"); te != "" && !strings.EqualFold(te, "identity") {
		p.fail(errTransferCoding)
		return
	}
	if cl := h.Get("content-length"); cl != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			p.fail(errContentLength)
			return
		}
		if n > p.opts.MaxBodyBytes {
			p.fail(errBodyTooLarge)
			return
		}
		req.ContentLength = n
	}

	if ct := h.Get("content-type"); ct != "" {
		mediaType, params, err := mime.ParseMediaType(ct)
		switch {
		case err != nil:
			// unknown parameters do not make the request unusable
		case mediaType == "multipart/form-data":
			if params["boundary"] == "" {
				p.fail(fmt.Errorf("%w: multipart without boundary", ErrBadRequest))
				return
			}
			p.multipart, p.boundary = true, params["boundary"]
		case mediaType == "application/x-www-form-urlencoded":
			p.urlencoded = true
		}
	} else {
		p.urlencoded = true
	}

	p.phase = AgainContent
}

func (p *Parser) parseContent(buf *buffer.Buffer) Phase {
	data := buf.Peek()
	req := p.req
	var body []byte

	switch {
	case p.multipart:
		eob := "--" + p.boundary + "--\r\n"
		if req.ContentLength >= 0 {
			if int64(len(data)) < req.ContentLength {
				return AgainContent
			}
			body = data[:req.ContentLength]
			if !bytes.HasSuffix(body, []byte(eob)) {
				return p.fail(errBoundary)
			}
		} else {
			if int64(len(data)) > p.opts.MaxBodyBytes {
				return p.fail(errBodyTooLarge)
			}
			if !bytes.HasSuffix(data, []byte(eob)) {
				return AgainContent
			}
			body = data
		}
		mp, err := parseMultipart(body, p.boundary)
		if err != nil {
			return p.fail(fmt.Errorf("%w: %v", ErrBadRequest, err))
		}
		req.Multipart = mp

	case req.ContentLength >= 0:
		if int64(len(data)) < req.ContentLength {
			return AgainContent
		}
		body = data[:req.ContentLength]

	case p.opts.BufferedBody:
		if int64(len(data)) > p.opts.MaxBodyBytes {
			return p.fail(errBodyTooLarge)
		}
		body = data
	}

	if len(body) > 0 {
		req.Body = append(make([]byte, 0, len(body)), body...)
		if p.urlencoded {
			parseValues(string(body), req.Form)
		}
	}
	buf.Retire(len(body))
	p.phase = ContentDone
	return p.phase
}
