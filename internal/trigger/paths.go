package trigger

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// PushFilter matches changed file paths against GitHub style path patterns.
// Paths patterns are evaluated in order and the last match wins, so a later
// "!pattern" excludes what an earlier one included.
type PushFilter struct {
	Paths       []string
	PathsIgnore []string

	include []pathPattern
	ignore  []pathPattern
}

type pathPattern struct {
	raw    string
	negate bool
	re     *regexp.Regexp
}

// NewPushFilter compiles the paths and paths-ignore lists of a push trigger.
func NewPushFilter(paths, ignore []string) (*PushFilter, error) {
	pf := &PushFilter{Paths: paths, PathsIgnore: ignore}
	var err error
	if pf.include, err = compilePatterns(paths); err != nil {
		return nil, err
	}
	if pf.ignore, err = compilePatterns(ignore); err != nil {
		return nil, err
	}
	return pf, nil
}

// Matches reports whether a push touching changed should fire. A filter
// without patterns accepts every push.
func (pf *PushFilter) Matches(changed []string) bool {
	if len(pf.include) == 0 && len(pf.ignore) == 0 {
		return true
	}
	for _, p := range changed {
		p = strings.TrimPrefix(path.Clean(strings.TrimSpace(p)), "./")
		if len(pf.include) > 0 {
			if matchLast(pf.include, p) {
				return true
			}
			continue
		}
		if !matchLast(pf.ignore, p) {
			return true
		}
	}
	return false
}

// WatchPaths returns the directory prefix of every positive pattern up to its
// first wildcard, or the literal path when it has none.
func (pf *PushFilter) WatchPaths() []string {
	var out []string
	for _, p := range pf.include {
		if p.negate {
			continue
		}
		lit := p.raw
		if i := strings.IndexAny(lit, "*?["); i >= 0 {
			lit = path.Dir(lit[:i] + "x")
		}
		out = append(out, lit)
	}
	return out
}

func matchLast(patterns []pathPattern, p string) bool {
	matched := false
	for _, pat := range patterns {
		if pat.re.MatchString(p) {
			matched = !pat.negate
		}
	}
	return matched
}

func compilePatterns(raw []string) ([]pathPattern, error) {
	out := make([]pathPattern, 0, len(raw))
	for _, r := range raw {
		p := strings.TrimSpace(r)
		neg := strings.HasPrefix(p, "!")
		p = strings.TrimPrefix(p, "!")
		if p == "" {
			continue
		}
		re, err := regexp.Compile(globToRegexp(p))
		if err != nil {
			return nil, fmt.Errorf("invalid path pattern %q: %w", r, err)
		}
		out = append(out, pathPattern{raw: p, negate: neg, re: re})
	}
	return out, nil
}

// globToRegexp translates "*" (within a segment), "**" (across segments) and
// "?" (one character).
func globToRegexp(glob string) string {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch {
		case c == '*' && strings.HasPrefix(glob[i:], "**/"):
			b.WriteString("(?:.*/)?")
			i += 2
		case c == '*' && strings.HasPrefix(glob[i:], "**"):
			b.WriteString(".*")
			i++
		case c == '*':
			b.WriteString("[^/]*")
		case c == '?':
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(glob[i : i+1]))
		}
	}
	b.WriteString("$")
	return b.String()
}
