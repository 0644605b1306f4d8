package depgraph

import (
	"path"
	"regexp"
	"strings"
)

var (
	// import x from './x'; import { a } from "../a"; export * from './b'
	importFromRe = regexp.MustCompile(`(?m)^\s*(?:import|export)\s+(?:type\s+)?[^'";]*?\bfrom\s*['"]([^'"]+)['"]`)
	// import './side-effect'
	bareImportRe = regexp.MustCompile(`(?m)^\s*import\s*['"]([^'"]+)['"]`)
	// require('./x')
	requireRe = regexp.MustCompile(`\brequire\s*\(\s*['"]([^'"]+)['"]\s*\)`)

	lineCommentRe  = regexp.MustCompile(`(?m)^\s*//.*$`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

// ExtractImports returns the module specifiers a source file references via
// static import/export-from statements and require() calls, in first-seen
// order without duplicates. This is lexical scanning only.
func ExtractImports(src string) []string {
	src = blockCommentRe.ReplaceAllString(src, "")
	src = lineCommentRe.ReplaceAllString(src, "")

	seen := make(map[string]bool)
	var out []string
	for _, re := range []*regexp.Regexp{importFromRe, bareImportRe, requireRe} {
		for _, m := range re.FindAllStringSubmatch(src, -1) {
			spec := strings.TrimSpace(m[1])
			if spec == "" || seen[spec] {
				continue
			}
			seen[spec] = true
			out = append(out, spec)
		}
	}
	return out
}

// IsRelative reports whether spec refers to a project file rather than a package.
func IsRelative(spec string) bool {
	return spec == "." || spec == ".." || strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../")
}

// Resolve maps a relative specifier imported from fromFile (root-relative,
// slash-separated) onto an existing project file. Candidates are tried in a
// fixed order: the exact path, then each extension, then index files.
// Non-relative specifiers and misses return "", false.
func Resolve(fromFile, spec string, extensions []string, exists func(string) bool) (string, bool) {
	if !IsRelative(spec) {
		return "", false
	}
	base := path.Clean(path.Join(path.Dir(toSlash(fromFile)), spec))
	if strings.HasPrefix(base, "../") || base == ".." {
		return "", false
	}

	candidates := make([]string, 0, 1+2*len(extensions))
	candidates = append(candidates, base)
	for _, ext := range extensions {
		candidates = append(candidates, base+ext)
	}
	for _, ext := range extensions {
		candidates = append(candidates, path.Join(base, "index"+ext))
	}
	for _, c := range candidates {
		if exists(c) {
			return c, true
		}
	}
	return "", false
}
