package routing

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
)

// FileVersion derives the version token for the regular file at absPath,
// formed as "<mtimeMs>:<size>". A missing path, a directory, or a path whose
// parent is a file (ENOTDIR) yields ("", false, nil); any other stat failure
// is a genuine I/O error and propagates. Version equality is the only signal
// callers may use for cache validation, so this layer never caches.
func FileVersion(absPath string) (string, bool, error) {
	info, err := os.Stat(absPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("routing: stat %s: %w", absPath, err)
	}
	if !info.Mode().IsRegular() {
		return "", false, nil
	}
	return fmt.Sprintf("%d:%d", info.ModTime().UnixMilli(), info.Size()), true, nil
}
