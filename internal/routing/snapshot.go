package routing

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fluxionhq/fluxion/pkg/types"
)

// WalkRoutes walks the dynamic directory and returns the current route
// snapshot. Trees under a "_"-prefixed segment are skipped entirely. When an
// index.mjs and a sibling <name>.mjs project onto the same route, index.mjs
// wins. Both result slices are sorted by route.
func WalkRoutes(root string) (types.RouteSnapshot, error) {
	type handlerCandidate struct {
		entry    types.HandlerRoute
		priority int // 0 = index.mjs, 1 = named .mjs
	}
	handlers := make(map[string]handlerCandidate)
	var statics []types.StaticRoute

	var walk func(dir, rel string) error
	walk = func(dir, rel string) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("routing: read %s: %w", dir, err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if strings.HasPrefix(name, "_") {
				continue
			}
			childRel := name
			if rel != "" {
				childRel = rel + "/" + name
			}
			if entry.IsDir() {
				if err := walk(filepath.Join(dir, name), childRel); err != nil {
					return err
				}
				continue
			}
			if !entry.Type().IsRegular() {
				continue
			}

			if !strings.HasSuffix(name, HandlerSuffix) {
				statics = append(statics, types.StaticRoute{
					Route:    "/" + childRel,
					FilePath: childRel,
				})
				continue
			}

			version, ok, err := FileVersion(filepath.Join(dir, name))
			if err != nil {
				return err
			}
			if !ok {
				continue
			}

			route, priority := handlerRoute(childRel)
			existing, taken := handlers[route]
			if taken && existing.priority <= priority {
				continue
			}
			handlers[route] = handlerCandidate{
				entry:    types.HandlerRoute{Route: route, FilePath: childRel, Version: version},
				priority: priority,
			}
		}
		return nil
	}

	if err := walk(root, ""); err != nil {
		return types.RouteSnapshot{}, err
	}

	snapshot := types.RouteSnapshot{
		Handlers:    make([]types.HandlerRoute, 0, len(handlers)),
		StaticFiles: statics,
	}
	for _, c := range handlers {
		snapshot.Handlers = append(snapshot.Handlers, c.entry)
	}
	sort.Slice(snapshot.Handlers, func(i, j int) bool {
		return snapshot.Handlers[i].Route < snapshot.Handlers[j].Route
	})
	if snapshot.StaticFiles == nil {
		snapshot.StaticFiles = []types.StaticRoute{}
	}
	sort.Slice(snapshot.StaticFiles, func(i, j int) bool {
		return snapshot.StaticFiles[i].Route < snapshot.StaticFiles[j].Route
	})
	return snapshot, nil
}

// handlerRoute projects a handler file's relative path onto its route.
func handlerRoute(rel string) (route string, priority int) {
	trimmed := strings.TrimSuffix(rel, HandlerSuffix)
	if trimmed == "index" {
		return "/", 0
	}
	if strings.HasSuffix(trimmed, "/index") {
		return "/" + strings.TrimSuffix(trimmed, "/index"), 0
	}
	return "/" + trimmed, 1
}
