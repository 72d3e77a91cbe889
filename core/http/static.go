package http

import (
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Static serves files under root for request paths starting with prefix.
// A directory is answered with its index.html when present.
func Static(prefix, root string) HandlerFunc {
	return func(req *Request, resp *Response) {
		if req.Method != "GET" && req.Method != "HEAD" {
			resp.SetHeader("Allow", "GET, HEAD")
			resp.Error(405, "Method not allowed")
			return
		}
		rel := strings.TrimPrefix(req.Path, prefix)
		// Clean against "/" so ".." cannot climb out of root
		rel = path.Clean("/" + rel)
		name := filepath.Join(root, filepath.FromSlash(rel))

		if st, err := os.Stat(name); err == nil && st.IsDir() {
			name = filepath.Join(name, "index.html")
		}
		resp.File(name)
	}
}
