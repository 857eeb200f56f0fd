package governor

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Blacklist matches draft text against configured phrases. Matching is
// case-insensitive; a pattern containing glob metacharacters is compiled
// as a glob over the whole text, anything else is a plain substring.
type Blacklist struct {
	patterns []blacklistPattern
}

type blacklistPattern struct {
	raw      string
	compiled glob.Glob // nil for plain substring patterns
}

// NewBlacklist compiles the given phrases. Invalid glob patterns fail
// loudly rather than silently admitting content.
func NewBlacklist(phrases []string) (*Blacklist, error) {
	b := &Blacklist{}
	for _, phrase := range phrases {
		lowered := strings.ToLower(strings.TrimSpace(phrase))
		if lowered == "" {
			continue
		}

		p := blacklistPattern{raw: lowered}
		if strings.ContainsAny(lowered, "*?[{") {
			compiled, err := glob.Compile(lowered)
			if err != nil {
				return nil, fmt.Errorf("invalid blacklist pattern %q: %w", phrase, err)
			}
			p.compiled = compiled
		}
		b.patterns = append(b.patterns, p)
	}
	return b, nil
}

// Match returns the first matching pattern and true if text violates the
// blacklist.
func (b *Blacklist) Match(text string) (string, bool) {
	lowered := strings.ToLower(text)
	for _, p := range b.patterns {
		if p.compiled != nil {
			if p.compiled.Match(lowered) {
				return p.raw, true
			}
			continue
		}
		if strings.Contains(lowered, p.raw) {
			return p.raw, true
		}
	}
	return "", false
}
