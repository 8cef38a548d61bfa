package nexus

import (
	"fmt"
	"path"
	"strings"
)

// Match reports whether name matches the glob pattern. Both are compared
// case-insensitively, segment by segment, with '/' or '\' as separators.
//
// Within a segment '*', '?' and '[...]' behave as in path.Match. A segment
// that is exactly "**" matches zero or more whole segments.
func Match(pattern, name string) (bool, error) {
	m, err := compilePattern(pattern)
	if err != nil {
		return false, err
	}
	return m.match(name), nil
}

type matcher struct {
	segs []string
}

func compilePattern(pattern string) (*matcher, error) {
	segs := splitPath(strings.ToLower(pattern))
	for _, s := range segs {
		if s == "**" {
			continue
		}
		if _, err := path.Match(s, ""); err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pattern, err)
		}
	}
	return &matcher{segs: segs}, nil
}

func (m *matcher) match(name string) bool {
	return matchSegments(m.segs, splitPath(strings.ToLower(name)))
}

func matchSegments(pat, name []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			// Collapse runs of "**".
			for len(pat) > 0 && pat[0] == "**" {
				pat = pat[1:]
			}
			if len(pat) == 0 {
				return true
			}
			for i := range len(name) + 1 {
				if matchSegments(pat, name[i:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		ok, _ := path.Match(pat[0], name[0]) //nolint:errcheck // validated in compilePattern
		if !ok {
			return false
		}
		pat, name = pat[1:], name[1:]
	}
	return len(name) == 0
}
