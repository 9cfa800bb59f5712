// Package routing maps request paths onto the dynamic directory: safe path
// parsing, file version derivation, handler candidate resolution, and route
// snapshot walks.
package routing

import (
	"net/url"
	"strings"
)

// ParsePath splits a raw (still percent-encoded) URL path into validated
// segments. Each segment is percent-decoded individually; a segment that
// fails to decode, is empty, is "." or "..", contains a path separator, or
// begins with "_" rejects the whole path. Rejection means "no route", never
// an error: the caller answers 404.
func ParsePath(rawPath string) ([]string, bool) {
	segments := []string{}
	for _, raw := range strings.Split(rawPath, "/") {
		if raw == "" {
			continue
		}
		seg, err := url.PathUnescape(raw)
		if err != nil {
			return nil, false
		}
		if !validSegment(seg) {
			return nil, false
		}
		segments = append(segments, seg)
	}
	return segments, true
}

// validSegment rejects traversal, encoded separators, and private trees.
func validSegment(seg string) bool {
	switch {
	case seg == "", seg == ".", seg == "..":
		return false
	case strings.ContainsAny(seg, `/\`):
		return false
	case strings.HasPrefix(seg, "_"):
		return false
	}
	return true
}
