package mailbus

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// GlobsOverlap reports whether two reservation path patterns can match a
// common path. Exact overlap of two arbitrary globs is expensive to
// decide, so this errs toward reporting a conflict:
//
//   - a concrete path against a pattern uses real glob matching,
//     with ** crossing directory separators;
//   - two patterns overlap when either matches the other, or when their
//     literal prefixes (everything before the first metacharacter) are
//     compatible.
//
// A false positive costs an agent a retry with a narrower pattern; a
// false negative costs two agents editing the same file.
func GlobsOverlap(a, b string) bool {
	a = strings.TrimPrefix(a, "./")
	b = strings.TrimPrefix(b, "./")
	if a == b {
		return true
	}

	aLit := !hasMeta(a)
	bLit := !hasMeta(b)
	switch {
	case aLit && bLit:
		return a == b
	case aLit:
		ok, err := doublestar.Match(b, a)
		return err == nil && ok
	case bLit:
		ok, err := doublestar.Match(a, b)
		return err == nil && ok
	}

	// Pattern vs pattern: either matches the other as a literal, or their
	// literal prefixes nest.
	if ok, err := doublestar.Match(a, b); err == nil && ok {
		return true
	}
	if ok, err := doublestar.Match(b, a); err == nil && ok {
		return true
	}
	pa, pb := literalPrefix(a), literalPrefix(b)
	return strings.HasPrefix(pa, pb) || strings.HasPrefix(pb, pa)
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

// literalPrefix returns the pattern up to (not including) the path
// segment containing the first metacharacter.
func literalPrefix(pattern string) string {
	segments := strings.Split(pattern, "/")
	var literal []string
	for _, seg := range segments {
		if hasMeta(seg) {
			break
		}
		literal = append(literal, seg)
	}
	if len(literal) == 0 {
		return ""
	}
	return strings.Join(literal, "/") + "/"
}
