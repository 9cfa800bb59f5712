package routing

import (
	"path/filepath"
	"strings"
)

// HandlerSuffix is the file suffix that marks a handler module.
const HandlerSuffix = ".mjs"

// Resolution describes a resolved handler file.
type Resolution struct {
	AbsPath string // absolute path of the handler file
	RelPath string // path relative to the dynamic directory root
	Version string // current version token
}

// ResolveHandler maps parsed segments onto handler candidates and returns the
// first existing one. For segments s[0..n-1] the candidates are, in order,
// s.../index.mjs and then s[0..n-2]/s[n-1].mjs; an empty segment list has the
// single candidate index.mjs at the root. A pathname that literally ends in
// ".mjs" never resolves: source files are not servable dynamic routes under
// their own names.
//
// Each candidate is re-checked to still be under root after joining, so a
// segment that slipped past parsing (or a symlinked parent) cannot escape the
// dynamic directory.
func ResolveHandler(root, rawPath string, segments []string) (*Resolution, error) {
	if strings.HasSuffix(rawPath, HandlerSuffix) {
		return nil, nil
	}

	var candidates []string
	if len(segments) == 0 {
		candidates = []string{"index" + HandlerSuffix}
	} else {
		dir := filepath.Join(segments...)
		candidates = []string{
			filepath.Join(dir, "index"+HandlerSuffix),
			dir + HandlerSuffix,
		}
	}

	for _, rel := range candidates {
		abs := filepath.Join(root, rel)
		if !containedIn(root, abs) {
			continue
		}
		version, ok, err := FileVersion(abs)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if escapesViaSymlink(root, abs) {
			continue
		}
		return &Resolution{AbsPath: abs, RelPath: filepath.ToSlash(rel), Version: version}, nil
	}
	return nil, nil
}

// escapesViaSymlink re-checks containment on the symlink-resolved path, so a
// linked parent directory cannot route files from outside the root.
func escapesViaSymlink(root, abs string) bool {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return true
	}
	realAbs, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return true
	}
	return !containedIn(realRoot, realAbs)
}

// containedIn reports whether candidate stays under root after cleaning.
func containedIn(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
