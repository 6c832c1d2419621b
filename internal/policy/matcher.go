package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const regexPrefix = "re:"

type pattern struct {
	raw     string
	literal string
	re      *regexp.Regexp
}

// Matcher is a compiled, immutable pattern list. Literal patterns match as
// case-insensitive substrings; patterns prefixed with "re:" are regular
// expressions compiled case-insensitively.
type Matcher struct {
	patterns []pattern
}

func compileMatcher(field string, raw []string) (Matcher, error) {
	seen := make(map[string]struct{}, len(raw))
	out := make([]pattern, 0, len(raw))
	for i, r := range raw {
		if strings.TrimSpace(r) == "" {
			return Matcher{}, configErrorf(fmt.Sprintf("%s[%d]", field, i), "empty pattern")
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		p := pattern{raw: r}
		if strings.HasPrefix(r, regexPrefix) {
			re, err := regexp.Compile("(?i)" + strings.TrimPrefix(r, regexPrefix))
			if err != nil {
				return Matcher{}, &ConfigError{
					Field:   fmt.Sprintf("%s[%d]", field, i),
					Message: fmt.Sprintf("invalid regular expression %q", r),
					Err:     err,
				}
			}
			p.re = re
		} else {
			p.literal = strings.ToLower(r)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].raw < out[j].raw })
	return Matcher{patterns: out}, nil
}

func (p pattern) match(lower string) bool {
	if p.re != nil {
		return p.re.MatchString(lower)
	}
	return strings.Contains(lower, p.literal)
}

// Matches returns the distinct patterns found in lower, in sorted order.
// Callers pass text already folded with strings.ToLower.
func (m Matcher) Matches(lower string) []string {
	var out []string
	for _, p := range m.patterns {
		if p.match(lower) {
			out = append(out, p.raw)
		}
	}
	return out
}

// Any reports whether at least one pattern is found in lower.
func (m Matcher) Any(lower string) bool {
	for _, p := range m.patterns {
		if p.match(lower) {
			return true
		}
	}
	return false
}

func (m Matcher) Len() int {
	return len(m.patterns)
}

// Patterns returns the raw pattern strings.
func (m Matcher) Patterns() []string {
	out := make([]string, len(m.patterns))
	for i, p := range m.patterns {
		out[i] = p.raw
	}
	return out
}
