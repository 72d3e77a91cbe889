package http

import "strings"

// Header is the request header table. Keys are stored lower-cased.
// Keys of the set-cookie family accumulate values; any other key keeps
// only the last value seen.
type Header struct {
	m map[string][]string
}

// Add stores a value under the lower-cased key.
func (h *Header) Add(key, value string) {
	if h.m == nil {
		h.m = make(map[string][]string, 8)
	}
	key = strings.ToLower(key)
	if strings.HasPrefix(key, "set-cookie") {
		h.m[key] = append(h.m[key], value)
		return
	}
	if vs := h.m[key]; len(vs) == 1 {
		vs[0] = value
		return
	}
	h.m[key] = []string{value}
}

// Get returns the first value for key, matched case-insensitively.
func (h *Header) Get(key string) string {
	vs := h.m[strings.ToLower(key)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Values returns every value stored for key.
func (h *Header) Values(key string) []string {
	return h.m[strings.ToLower(key)]
}

// Has reports whether key is present.
func (h *Header) Has(key string) bool {
	_, ok := h.m[strings.ToLower(key)]
	return ok
}

// Len returns the number of distinct keys.
func (h *Header) Len() int { return len(h.m) }

// Range calls fn for every key/value pair until fn returns false.
func (h *Header) Range(fn func(key, value string) bool) {
	for k, vs := range h.m {
		for _, v := range vs {
			if !fn(k, v) {
				return
			}
		}
	}
}

// Reset empties the table, keeping its storage.
func (h *Header) Reset() {
	for k := range h.m {
		delete(h.m, k)
	}
}
