package depgraph

import (
	"path"
	"strings"
)

var testMarkers = []string{".test.", ".spec."}

// IsTestFile reports whether p follows a test-file naming convention:
// foo.test.ts, foo.spec.js, or anything under a __tests__ directory.
func IsTestFile(p string) bool {
	p = toSlash(p)
	base := path.Base(p)
	for _, m := range testMarkers {
		if strings.Contains(base, m) {
			return true
		}
	}
	return strings.Contains("/"+p, "/__tests__/")
}

// stem strips directory and every extension: src/ui/Card.test.tsx -> Card.
func stem(p string) string {
	base := path.Base(toSlash(p))
	if i := strings.Index(base, "."); i > 0 {
		return base[:i]
	}
	return base
}

// conventionKey identifies the implementation file a path belongs to by
// directory and stem. Tests under __tests__ belong to the parent directory.
func conventionKey(p string) string {
	p = toSlash(p)
	dir := path.Dir(p)
	if path.Base(dir) == "__tests__" {
		dir = path.Dir(dir)
	}
	return path.Join(dir, stem(p))
}

// MatchesConvention reports whether testFile is a naming-convention test for
// source: foo.* pairs with foo.test.*, foo.spec.*, and __tests__/foo.test.*.
func MatchesConvention(source, testFile string) bool {
	if !IsTestFile(testFile) || IsTestFile(source) {
		return false
	}
	return conventionKey(source) == conventionKey(testFile)
}

func toSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}
