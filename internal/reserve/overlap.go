package reserve

import (
	"path"
	"strings"
)

// Overlap decides whether two path patterns can cover a common path. It is a
// conservative approximation:
//
//   - exact string equality always overlaps;
//   - a literal pattern overlaps a glob when the glob matches it
//     (path.Match, with ** collapsed to match-anything under its prefix);
//   - otherwise two patterns overlap iff one's non-wildcard prefix is a
//     prefix of the other's.
//
// False positives (reporting overlap where no common path exists) are
// acceptable; false negatives are not.
func Overlap(a, b string) bool {
	a = normalize(a)
	b = normalize(b)
	if a == b {
		return true
	}

	aLit := literalPrefix(a)
	bLit := literalPrefix(b)

	// A fully literal path against a glob can be answered exactly.
	if aLit == a && bLit != b {
		return globMatches(b, a)
	}
	if bLit == b && aLit != a {
		return globMatches(a, b)
	}
	if aLit == a && bLit == b {
		return false // two distinct literals
	}

	return strings.HasPrefix(aLit, bLit) || strings.HasPrefix(bLit, aLit)
}

func normalize(p string) string {
	p = strings.TrimPrefix(strings.ReplaceAll(p, "\\", "/"), "./")
	return strings.TrimPrefix(p, "/")
}

// literalPrefix returns the pattern up to (not including) its first
// wildcard.
func literalPrefix(p string) string {
	if i := strings.IndexAny(p, "*?["); i >= 0 {
		return p[:i]
	}
	return p
}

// globMatches reports whether pattern matches the literal path. ** spans
// directory separators, which path.Match alone does not handle.
func globMatches(pattern, literal string) bool {
	if i := strings.Index(pattern, "**"); i >= 0 {
		prefix := literalPrefix(pattern[:i])
		return strings.HasPrefix(literal, prefix)
	}
	ok, err := path.Match(pattern, literal)
	return err == nil && ok
}
