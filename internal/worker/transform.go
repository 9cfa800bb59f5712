package worker

import (
	"fmt"
	"regexp"
	"strings"
)

// Handler modules are authored as ES modules (.mjs) but the embedded engine
// evaluates CommonJS-style wrappers, so module sources go through a small
// line-based rewrite before compilation. The rewrite covers the declaration
// forms handlers actually use: default exports, named export declarations,
// and static imports. Dynamic import() and re-export forms are not
// supported.

var (
	defaultExportRe = regexp.MustCompile(`(?m)^(\s*)export\s+default\s+`)
	namedExportRe   = regexp.MustCompile(`(?m)^(\s*)export\s+(const|let|var|class|function|async\s+function)\s+`)
	importFromRe    = regexp.MustCompile(`(?m)^(\s*)import\s+(.+?)\s+from\s+(['"][^'"]+['"])\s*;?\s*$`)
	importBareRe    = regexp.MustCompile(`(?m)^(\s*)import\s+(['"][^'"]+['"])\s*;?\s*$`)
)

// transformModule rewrites ESM syntax into the CommonJS wrapper dialect. The
// default export lands on module.exports.__default__.
func transformModule(src string) string {
	out := importFromRe.ReplaceAllStringFunc(src, rewriteImport)
	out = importBareRe.ReplaceAllString(out, `${1}require(${2});`)
	out = defaultExportRe.ReplaceAllString(out, `${1}module.exports.__default__ = `)
	out = namedExportRe.ReplaceAllString(out, `${1}${2} `)
	return out
}

func rewriteImport(line string) string {
	m := importFromRe.FindStringSubmatch(line)
	indent, clause, spec := m[1], strings.TrimSpace(m[2]), m[3]
	if rest, ok := strings.CutPrefix(clause, "* as "); ok {
		clause = strings.TrimSpace(rest)
	}
	return fmt.Sprintf("%sconst %s = require(%s);", indent, clause, spec)
}
