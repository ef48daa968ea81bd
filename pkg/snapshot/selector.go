package snapshot

import (
	"strings"

	"github.com/gobwas/glob"

	"github.com/sidkik/savesync/pkg/errors"
)

// matchAllSelectors select the entire watch root.
var matchAllSelectors = map[string]struct{}{
	"":     {},
	"*":    {},
	"**":   {},
	"**/*": {},
}

// Matcher decides whether a path relative to the watch root is part of the
// save data.
type Matcher struct {
	all      bool
	patterns []glob.Glob
}

// NewMatcher compiles the given selectors. Selectors support `**` (any
// number of path segments), `*` and `?` (within one segment), and are
// matched case-insensitively against slash-separated relative paths.
func NewMatcher(selectors []string) (Matcher, error) {
	if len(selectors) == 0 {
		return Matcher{all: true}, nil
	}

	var m Matcher
	for _, selector := range selectors {
		selector = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(selector), "./"))
		if _, ok := matchAllSelectors[selector]; ok {
			return Matcher{all: true}, nil
		}

		g, err := glob.Compile(selector, '/')
		if err != nil {
			return Matcher{}, errors.WithContext(err, "compile selector "+selector)
		}
		m.patterns = append(m.patterns, g)

		// `**/foo` should also match `foo` at the top level.
		if rest := strings.TrimPrefix(selector, "**/"); rest != selector {
			g, err := glob.Compile(rest, '/')
			if err != nil {
				return Matcher{}, errors.WithContext(err, "compile selector "+rest)
			}
			m.patterns = append(m.patterns, g)
		}
	}
	return m, nil
}

// Match returns whether the slash-separated relative path is selected.
func (m Matcher) Match(relPath string) bool {
	if m.all {
		return true
	}

	relPath = strings.ToLower(relPath)
	for _, pattern := range m.patterns {
		if pattern.Match(relPath) {
			return true
		}
	}
	return false
}
