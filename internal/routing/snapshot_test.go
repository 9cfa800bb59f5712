package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWalkRoutesProjection verifies handler and static projections, index
// priority, and "_" skipping in one tree.
func TestWalkRoutesProjection(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "index.mjs", "root")
	writeFile(t, root, "api/users.mjs", "users")
	writeFile(t, root, "api/users/index.mjs", "users index")
	writeFile(t, root, "public/app.js", "js")
	writeFile(t, root, "public/style.css", "css")
	writeFile(t, root, "_lib/secret.mjs", "secret")
	writeFile(t, root, "_lib/notes.txt", "notes")

	snapshot, err := WalkRoutes(root)
	require.NoError(t, err)

	routes := make(map[string]string)
	for _, h := range snapshot.Handlers {
		routes[h.Route] = h.FilePath
	}
	assert.Equal(t, map[string]string{
		"/":          "index.mjs",
		"/api/users": "api/users/index.mjs", // index wins over sibling users.mjs
	}, routes)

	staticRoutes := make([]string, 0, len(snapshot.StaticFiles))
	for _, s := range snapshot.StaticFiles {
		staticRoutes = append(staticRoutes, s.Route)
	}
	assert.Equal(t, []string{"/public/app.js", "/public/style.css"}, staticRoutes)
}

// TestWalkRoutesSorted verifies both slices come back sorted by route.
func TestWalkRoutesSorted(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "zz.mjs", "z")
	writeFile(t, root, "aa.mjs", "a")
	writeFile(t, root, "mm/index.mjs", "m")

	snapshot, err := WalkRoutes(root)
	require.NoError(t, err)
	require.Len(t, snapshot.Handlers, 3)
	assert.Equal(t, "/aa", snapshot.Handlers[0].Route)
	assert.Equal(t, "/mm", snapshot.Handlers[1].Route)
	assert.Equal(t, "/zz", snapshot.Handlers[2].Route)
}

// TestWalkRoutesStableWhenQuiescent verifies repeated walks of an unchanged
// tree agree.
func TestWalkRoutesStableWhenQuiescent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a/index.mjs", "a")
	writeFile(t, root, "b.txt", "b")

	first, err := WalkRoutes(root)
	require.NoError(t, err)
	second, err := WalkRoutes(root)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

// TestWalkRoutesEmptyTree verifies empty (not nil) slices on an empty root.
func TestWalkRoutesEmptyTree(t *testing.T) {
	snapshot, err := WalkRoutes(t.TempDir())
	require.NoError(t, err)
	assert.NotNil(t, snapshot.Handlers)
	assert.NotNil(t, snapshot.StaticFiles)
	assert.Empty(t, snapshot.Handlers)
	assert.Empty(t, snapshot.StaticFiles)
}
