// Package static serves plain files out of the dynamic directory. It runs
// only after handler resolution misses, so every path it sees has already
// passed segment validation.
package static

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// contentTypes maps file extensions (without the dot) to Content-Type
// values. Anything else falls back to application/octet-stream.
var contentTypes = map[string]string{
	"css":  "text/css; charset=utf-8",
	"html": "text/html; charset=utf-8",
	"ico":  "image/x-icon",
	"js":   "text/javascript; charset=utf-8",
	"json": "application/json; charset=utf-8",
	"map":  "application/json; charset=utf-8",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"svg":  "image/svg+xml",
	"txt":  "text/plain; charset=utf-8",
	"webp": "image/webp",
}

// Responder streams static files under one root.
type Responder struct {
	root string
}

// NewResponder returns a responder rooted at the dynamic directory.
func NewResponder(root string) *Responder {
	return &Responder{root: root}
}

// Serve attempts to answer the request from a file named by segments. It
// returns (false, nil) on a clean non-match — wrong method, empty path,
// handler-source suffix, missing file, or a path that escapes the root — and
// (true, nil) once a response has been written. Genuine I/O failures
// propagate.
//
// Only GET and HEAD are accepted; HEAD sends the same headers with no body.
func (s *Responder) Serve(w http.ResponseWriter, r *http.Request, segments []string) (bool, error) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false, nil
	}
	if len(segments) == 0 {
		return false, nil
	}
	rel := filepath.Join(segments...)
	if strings.HasSuffix(rel, ".mjs") {
		return false, nil
	}

	abs := filepath.Join(s.root, rel)
	if !containedIn(s.root, abs) {
		return false, nil
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return false, nil
		}
		return false, fmt.Errorf("static: stat %s: %w", abs, err)
	}
	if !info.Mode().IsRegular() {
		return false, nil
	}

	w.Header().Set("Content-Type", contentTypeFor(abs))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return true, nil
	}

	f, err := os.Open(abs)
	if err != nil {
		// Raced with a delete between stat and open; headers are already
		// out, so all we can do is cut the body short.
		return true, fmt.Errorf("static: open %s: %w", abs, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return true, fmt.Errorf("static: send %s: %w", abs, err)
	}
	return true, nil
}

func contentTypeFor(path string) string {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ct, ok := contentTypes[strings.ToLower(ext)]; ok {
		return ct
	}
	return "application/octet-stream"
}

func containedIn(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
