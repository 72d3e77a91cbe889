package http

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"io"
	nethttp "net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/searchktools/evserver/core/buffer"
	"github.com/searchktools/evserver/core/conn"
)

func testConn(t *testing.T) *conn.Connection {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return conn.New(conn.NewRawChannel(fds[0]), buffer.New(0), buffer.New(0), nil)
}

func testRequest(method string, minor int) *Request {
	req := newRequest()
	req.Method = method
	req.ProtoMinor = minor
	req.Proto = "HTTP/1." + string(rune('0'+minor))
	return req
}

// readResponse parses what the response put in the send buffer.
func readResponse(t *testing.T, c *conn.Connection, method string) (*nethttp.Response, []byte) {
	t.Helper()
	rd := bufio.NewReader(bytes.NewReader(c.Send().Peek()))
	resp, err := nethttp.ReadResponse(rd, &nethttp.Request{Method: method})
	if err != nil {
		t.Fatalf("ReadResponse: %v\n%s", err, c.Send().Peek())
	}
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func TestResponse_String(t *testing.T) {
	c := testConn(t)
	r := newResponse(c, testRequest("GET", 1), nil)
	r.SetHeader("X-Trace", "t1")
	if err := r.String(201, "created"); err != nil {
		t.Fatalf("String: %v", err)
	}

	head := string(c.Send().Peek())
	if !strings.HasPrefix(head, "HTTP/1.1 201 Created\r\n") {
		t.Errorf("Unexpected status line in %q", head)
	}
	resp, body := readResponse(t, c, "GET")
	if string(body) != "created" || resp.ContentLength != 7 {
		t.Errorf("Expected body created, got %q (%d)", body, resp.ContentLength)
	}
	if resp.Header.Get("Server") != DefaultServerName || resp.Header.Get("X-Trace") != "t1" {
		t.Errorf("Unexpected headers %v", resp.Header)
	}
	if _, err := time.Parse(TimeFormat, resp.Header.Get("Date")); err != nil {
		t.Errorf("Expected an HTTP date, got %q", resp.Header.Get("Date"))
	}
	if resp.Header.Get("Connection") != "" {
		t.Errorf("Expected no Connection header for HTTP/1.1 keep-alive, got %q", resp.Header.Get("Connection"))
	}
	if err := r.String(200, "again"); err != ErrResponseWritten {
		t.Errorf("Expected ErrResponseWritten, got %v", err)
	}
}

func TestResponse_ConnectionHeader(t *testing.T) {
	c := testConn(t)
	newResponse(c, testRequest("GET", 0), nil).String(200, "x")
	if !strings.HasPrefix(string(c.Send().Peek()), "HTTP/1.0 200 OK\r\n") ||
		!strings.Contains(string(c.Send().Peek()), "\r\nConnection: keep-alive\r\n") {
		t.Errorf("Expected an HTTP/1.0 keep-alive response, got %q", c.Send().Peek())
	}

	c = testConn(t)
	newResponse(c, testRequest("GET", 1), nil).Close().String(200, "x")
	if !strings.Contains(string(c.Send().Peek()), "\r\nConnection: close\r\n") || c.KeepAlive() {
		t.Errorf("Expected Connection: close, got %q", c.Send().Peek())
	}
}

func TestResponse_HeadSuppressesBody(t *testing.T) {
	c := testConn(t)
	newResponse(c, testRequest("HEAD", 1), nil).String(200, "hidden body")
	raw := string(c.Send().Peek())
	if !strings.HasSuffix(raw, "\r\n\r\n") || strings.Contains(raw, "hidden") {
		t.Errorf("Expected headers only, got %q", raw)
	}
	if !strings.Contains(raw, "Content-Length: 11\r\n") {
		t.Errorf("Expected the full Content-Length, got %q", raw)
	}
}

func TestResponse_JSONAndError(t *testing.T) {
	c := testConn(t)
	newResponse(c, testRequest("GET", 1), nil).JSON(200, map[string]any{"ok": true, "n": 3})
	resp, body := readResponse(t, c, "GET")
	if resp.Header.Get("Content-Type") != "application/json" || !bytes.Contains(body, []byte(`"ok":true`)) {
		t.Errorf("Unexpected JSON response %q: %s", resp.Header.Get("Content-Type"), body)
	}

	c = testConn(t)
	newResponse(c, testRequest("GET", 1), nil).Error(403, "nope")
	resp, body = readResponse(t, c, "GET")
	if resp.StatusCode != 403 || !bytes.Contains(body, []byte(`"message":"nope"`)) || !bytes.Contains(body, []byte(`"code":403`)) {
		t.Errorf("Unexpected error response %d: %s", resp.StatusCode, body)
	}
}

func TestResponse_Redirect(t *testing.T) {
	c := testConn(t)
	newResponse(c, testRequest("GET", 1), nil).Redirect(200, "/login")
	resp, _ := readResponse(t, c, "GET")
	if resp.StatusCode != 302 || resp.Header.Get("Location") != "/login" {
		t.Errorf("Expected 302 to /login, got %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestResponse_Unauthorized(t *testing.T) {
	c := testConn(t)
	newResponse(c, testRequest("GET", 1), nil).Unauthorized("admin", false)
	resp, _ := readResponse(t, c, "GET")
	if resp.StatusCode != 401 || resp.Header.Get("WWW-Authenticate") != `Basic realm="admin"` {
		t.Errorf("Unexpected basic challenge %d %q", resp.StatusCode, resp.Header.Get("WWW-Authenticate"))
	}

	c = testConn(t)
	newResponse(c, testRequest("GET", 1), nil).Unauthorized("admin", true)
	resp, _ = readResponse(t, c, "GET")
	ch := resp.Header.Get("WWW-Authenticate")
	if !strings.HasPrefix(ch, `Digest realm="admin"`) || !strings.Contains(ch, `nonce="`) {
		t.Errorf("Unexpected digest challenge %q", ch)
	}
}

func TestResponse_GzipData(t *testing.T) {
	c := testConn(t)
	req := testRequest("GET", 1)
	req.AcceptGzip = true
	text := strings.Repeat("compress me please ", 200)
	newResponse(c, req, nil).String(200, text)

	resp, body := readResponse(t, c, "GET")
	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Fatalf("Expected gzip encoding, got %v", resp.Header)
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	plain, _ := io.ReadAll(zr)
	if string(plain) != text {
		t.Error("Expected the decompressed body to match")
	}

	// small bodies stay plain
	c = testConn(t)
	newResponse(c, req, nil).String(200, "tiny")
	if resp, _ := readResponse(t, c, "GET"); resp.Header.Get("Content-Encoding") != "" {
		t.Error("Expected no compression below 1KB")
	}
}

func TestResponse_FileAttachesRegion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob")
	data := bytes.Repeat([]byte{1, 2, 3, 4}, 4096)
	os.WriteFile(path, data, 0o644)

	c := testConn(t)
	if err := newResponse(c, testRequest("GET", 1), nil).File(path); err != nil {
		t.Fatalf("File: %v", err)
	}
	region, ok := c.Send().Attachment().(*buffer.FileRegion)
	if !ok {
		t.Fatalf("Expected a file region for a raw channel, got %T", c.Send().Attachment())
	}
	if region.Remaining() != int64(len(data)) {
		t.Errorf("Expected %d bytes attached, got %d", len(data), region.Remaining())
	}
	if !strings.Contains(string(c.Send().Peek()), "Content-Type: application/octet-stream\r\n") {
		t.Errorf("Unexpected headers %q", c.Send().Peek())
	}
	c.Send().ReleaseAttachment()

	// HEAD attaches nothing
	c = testConn(t)
	newResponse(c, testRequest("HEAD", 1), nil).File(path)
	if c.Send().Attachment() != nil {
		t.Error("Expected no attachment for HEAD")
	}
}

func TestResponse_FileNotFound(t *testing.T) {
	for _, path := range []string{filepath.Join(t.TempDir(), "missing"), t.TempDir()} {
		c := testConn(t)
		newResponse(c, testRequest("GET", 1), nil).File(path)
		if resp, _ := readResponse(t, c, "GET"); resp.StatusCode != 404 {
			t.Errorf("%s: expected 404, got %d", path, resp.StatusCode)
		}
	}
}

func TestResponse_FileGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.html")
	html := "<html>" + strings.Repeat("<p>hello</p>", 500) + "</html>"
	os.WriteFile(path, []byte(html), 0o644)

	c := testConn(t)
	req := testRequest("GET", 1)
	req.AcceptGzip = true
	newResponse(c, req, nil).File(path)

	if c.Send().Attachment() != nil {
		t.Error("Expected the gzip path to copy into the buffer")
	}
	resp, body := readResponse(t, c, "GET")
	if resp.Header.Get("Content-Encoding") != "gzip" || resp.Header.Get("Content-Type") != "text/html; charset=utf-8" {
		t.Errorf("Unexpected headers %v", resp.Header)
	}
	zr, _ := gzip.NewReader(bytes.NewReader(body))
	if plain, _ := io.ReadAll(zr); string(plain) != html {
		t.Error("Expected the decompressed file to match")
	}
}

func TestCookie_String(t *testing.T) {
	c := &Cookie{
		Name:     "sid",
		Value:    "a b;c",
		Path:     "/",
		MaxAge:   60,
		HttpOnly: true,
		Secure:   true,
		SameSite: SameSiteLax,
	}
	want := `sid="a bc"; Path=/; Max-Age=60; HttpOnly; Secure; SameSite=Lax`
	if got := c.String(); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
	if got := (&Cookie{Name: "x", Value: "y", MaxAge: -1}).String(); got != "x=y; Max-Age=0" {
		t.Errorf("Expected deletion cookie, got %q", got)
	}
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"index.HTML": "text/html; charset=utf-8",
		"app.js":     "application/javascript; charset=utf-8",
		"data.json":  "application/json; charset=utf-8",
		"noext":      "application/octet-stream",
	}
	for name, want := range tests {
		if got := contentType(name); got != want {
			t.Errorf("%s: expected %q, got %q", name, want, got)
		}
	}
	for ct, want := range map[string]bool{
		"text/css; charset=utf-8": true,
		"application/json":        true,
		"image/svg+xml":           true,
		"image/png":               false,
	} {
		if compressible(ct) != want {
			t.Errorf("compressible(%q): expected %v", ct, want)
		}
	}
}

func TestStatusText(t *testing.T) {
	if statusText(404) != "Not Found" || statusText(599) != "Unknown" {
		t.Errorf("Unexpected status texts %q %q", statusText(404), statusText(599))
	}
}
