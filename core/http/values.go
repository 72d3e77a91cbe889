package http

import (
	"encoding/base64"
	"net/url"
	"strings"
)

// parseValues tokenizes a query string or urlencoded body on '&' and ';'.
// Keys and values are percent-decoded independently; a pair that fails to
// decode is kept raw.
func parseValues(s string, dst url.Values) {
	for s != "" {
		var pair string
		if i := strings.IndexAny(s, "&;"); i >= 0 {
			pair, s = s[:i], s[i+1:]
		} else {
			pair, s = s, ""
		}
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		dst.Add(unescape(key), unescape(value))
	}
}

func unescape(s string) string {
	if !strings.ContainsAny(s, "%+") {
		return s
	}
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}

// parseCookies splits a Cookie header into name/value pairs.
func parseCookies(s string, dst map[string]string) {
	for s != "" {
		var part string
		part, s, _ = strings.Cut(s, ";")
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}
		dst[name] = value
	}
}

// Authorization is a decoded Authorization header. Credentials are not
// verified here.
type Authorization struct {
	Scheme   string
	Username string
	Password string
	// Params holds Digest parameters (username, realm, nonce, uri, ...).
	Params map[string]string
}

func parseAuthorization(h string) *Authorization {
	scheme, rest, _ := strings.Cut(strings.TrimSpace(h), " ")
	if scheme == "" {
		return nil
	}
	a := &Authorization{Scheme: scheme}
	rest = strings.TrimSpace(rest)

	switch {
	case strings.EqualFold(scheme, "Basic"):
		raw, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return a
		}
		a.Username, a.Password, _ = strings.Cut(string(raw), ":")
	case strings.EqualFold(scheme, "Digest"):
		a.Params = parseDigestParams(rest)
		a.Username = a.Params["username"]
	}
	return a
}

// parseDigestParams splits `k1="v, 1", k2=v2` honoring quotes.
func parseDigestParams(s string) map[string]string {
	params := make(map[string]string, 8)
	for s != "" {
		s = strings.TrimLeft(s, " ,")
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		s = s[eq+1:]

		var value string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				value, s = s[1:], ""
			} else {
				value, s = s[1:end+1], s[end+2:]
			}
		} else {
			value, s, _ = strings.Cut(s, ",")
			value = strings.TrimSpace(value)
		}
		params[key] = value
	}
	return params
}
