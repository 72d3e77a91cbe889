package http

import (
	"strconv"
	"strings"
	"time"
)

// SameSite values for Cookie.
const (
	SameSiteDefault = ""
	SameSiteLax     = "Lax"
	SameSiteStrict  = "Strict"
	SameSiteNone    = "None"
)

// Cookie is a Set-Cookie value.
type Cookie struct {
	Name  string
	Value string

	Path    string
	Domain  string
	Expires time.Time
	// MaxAge < 0 deletes the cookie; 0 omits the attribute.
	MaxAge   int
	Secure   bool
	HttpOnly bool
	SameSite string
}

// String renders the cookie as a Set-Cookie header value.
func (c *Cookie) String() string {
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteByte('=')
	b.WriteString(sanitizeCookieValue(c.Value))
	if c.Path != "" {
		b.WriteString("; Path=")
		b.WriteString(c.Path)
	}
	if c.Domain != "" {
		b.WriteString("; Domain=")
		b.WriteString(c.Domain)
	}
	if !c.Expires.IsZero() {
		b.WriteString("; Expires=")
		b.WriteString(c.Expires.UTC().Format(TimeFormat))
	}
	if c.MaxAge > 0 {
		b.WriteString("; Max-Age=")
		b.WriteString(strconv.Itoa(c.MaxAge))
	} else if c.MaxAge < 0 {
		b.WriteString("; Max-Age=0")
	}
	if c.HttpOnly {
		b.WriteString("; HttpOnly")
	}
	if c.Secure {
		b.WriteString("; Secure")
	}
	if c.SameSite != SameSiteDefault {
		b.WriteString("; SameSite=")
		b.WriteString(c.SameSite)
	}
	return b.String()
}

// sanitizeCookieValue drops bytes that cannot appear in a cookie value and
// quotes values containing a space or comma.
func sanitizeCookieValue(v string) string {
	ok := func(b byte) bool {
		return 0x20 <= b && b < 0x7f && b != '"' && b != ';' && b != '\\'
	}
	clean := true
	for i := 0; i < len(v); i++ {
		if !ok(v[i]) {
			clean = false
			break
		}
	}
	if !clean {
		buf := make([]byte, 0, len(v))
		for i := 0; i < len(v); i++ {
			if ok(v[i]) {
				buf = append(buf, v[i])
			}
		}
		v = string(buf)
	}
	if strings.ContainsAny(v, " ,") {
		return `"` + v + `"`
	}
	return v
}
