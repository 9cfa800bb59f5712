package routing

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFileVersionShape verifies the "<mtimeMs>:<size>" form.
func TestFileVersionShape(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	version, ok, err := FileVersion(path)
	require.NoError(t, err)
	assert.True(t, ok)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d:%d", info.ModTime().UnixMilli(), info.Size()), version)
}

// TestFileVersionMissing verifies ENOENT is a clean non-match.
func TestFileVersionMissing(t *testing.T) {
	version, ok, err := FileVersion(filepath.Join(t.TempDir(), "nope.txt"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, version)
}

// TestFileVersionNotDir verifies ENOTDIR (a file used as a directory) is a
// clean non-match, not an error.
func TestFileVersionNotDir(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, ok, err := FileVersion(filepath.Join(file, "child.txt"))
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestFileVersionDirectory verifies a directory is not a versioned file.
func TestFileVersionDirectory(t *testing.T) {
	_, ok, err := FileVersion(t.TempDir())
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestFileVersionChangesOnRewrite verifies a content change with a
// different size always produces a new token.
func TestFileVersionChangesOnRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))
	v1, ok, err := FileVersion(path)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("v2 longer"), 0o644))
	// Nudge mtime in case the filesystem's clock granularity is coarse.
	later := time.Now().Add(10 * time.Millisecond)
	require.NoError(t, os.Chtimes(path, later, later))

	v2, ok, err := FileVersion(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, v1, v2)
}
