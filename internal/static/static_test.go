package static

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func serve(t *testing.T, root, method string, segments []string) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, "/ignored", nil)
	handled, err := NewResponder(root).Serve(rec, req, segments)
	require.NoError(t, err)
	return rec, handled
}

// TestServeJavaScript verifies GET /public/app.js gets the right headers.
func TestServeJavaScript(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "public/app.js", "console.log(1)")

	rec, handled := serve(t, root, http.MethodGet, []string{"public", "app.js"})
	assert.True(t, handled)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/javascript; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "14", rec.Header().Get("Content-Length"))
	assert.Equal(t, "console.log(1)", rec.Body.String())
}

// TestServeHeadOmitsBody verifies HEAD sends identical headers, no body.
func TestServeHeadOmitsBody(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "public/app.js", "console.log(1)")

	rec, handled := serve(t, root, http.MethodHead, []string{"public", "app.js"})
	assert.True(t, handled)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/javascript; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "14", rec.Header().Get("Content-Length"))
	assert.Empty(t, rec.Body.String())
}

// TestServeRejectsMethods verifies anything but GET/HEAD is a non-match.
func TestServeRejectsMethods(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "a")

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		_, handled := serve(t, root, method, []string{"a.txt"})
		assert.False(t, handled, "method %s must not match", method)
	}
}

// TestServeRejectsEmptyPath verifies there is no bare directory index.
func TestServeRejectsEmptyPath(t *testing.T) {
	_, handled := serve(t, t.TempDir(), http.MethodGet, nil)
	assert.False(t, handled)
}

// TestServeRejectsHandlerSource verifies .mjs files are never served as
// statics.
func TestServeRejectsHandlerSource(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "handler.mjs", "export default () => {}")

	_, handled := serve(t, root, http.MethodGet, []string{"handler.mjs"})
	assert.False(t, handled)
}

// TestServeMissingFile verifies ENOENT is a clean non-match.
func TestServeMissingFile(t *testing.T) {
	_, handled := serve(t, t.TempDir(), http.MethodGet, []string{"nope.txt"})
	assert.False(t, handled)
}

// TestServeDirectoryIsNotAFile verifies directories do not match.
func TestServeDirectoryIsNotAFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "docs/readme.txt", "hi")

	_, handled := serve(t, root, http.MethodGet, []string{"docs"})
	assert.False(t, handled)
}

// TestContentTypeTable spot-checks the extension table and the default.
func TestContentTypeTable(t *testing.T) {
	cases := map[string]string{
		"x.css":  "text/css; charset=utf-8",
		"x.html": "text/html; charset=utf-8",
		"x.ico":  "image/x-icon",
		"x.json": "application/json; charset=utf-8",
		"x.map":  "application/json; charset=utf-8",
		"x.png":  "image/png",
		"x.jpg":  "image/jpeg",
		"x.jpeg": "image/jpeg",
		"x.svg":  "image/svg+xml",
		"x.txt":  "text/plain; charset=utf-8",
		"x.webp": "image/webp",
		"x.bin":  "application/octet-stream",
		"x":      "application/octet-stream",
	}
	for name, want := range cases {
		assert.Equal(t, want, contentTypeFor(name), "extension of %q", name)
	}
}
