package trigger

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// compileGlob translates a path glob into an anchored regular expression.
//
//	**/   any number of leading directories (including none)
//	**    anything, across separators
//	*     anything within one path segment
//	?     one character within a segment
//	{a,b} alternation
func compileGlob(glob string) (*regexp.Regexp, error) {
	if glob == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	var sb strings.Builder
	sb.WriteString("^")
	depth := 0
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch c {
		case '*':
			if i+1 < len(glob) && glob[i+1] == '*' {
				if i+2 < len(glob) && glob[i+2] == '/' {
					sb.WriteString("(?:.*/)?")
					i += 2
				} else {
					sb.WriteString(".*")
					i++
				}
			} else {
				sb.WriteString("[^/]*")
			}
		case '?':
			sb.WriteString("[^/]")
		case '{':
			depth++
			sb.WriteString("(?:")
		case '}':
			if depth == 0 {
				return nil, fmt.Errorf("unbalanced '}' in pattern %q", glob)
			}
			depth--
			sb.WriteString(")")
		case ',':
			if depth > 0 {
				sb.WriteString("|")
			} else {
				sb.WriteString(",")
			}
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced '{' in pattern %q", glob)
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}

// NormalizePath converts a changed-file path to the slash-separated,
// root-relative form that rule patterns are written against.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "./")
	return p
}
