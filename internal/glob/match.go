// Package glob matches file paths against reservation patterns.
//
// Patterns use slash-separated segments. Within a segment the usual
// path.Match syntax applies (*, ?, [class]); a segment consisting of
// "**" matches zero or more whole segments.
package glob

import (
	"fmt"
	"path"
	"strings"
)

const (
	MaxSegments  = 50
	MaxWildcards = 10
)

// ValidateComplexity rejects patterns that exceed segment or wildcard
// limits before they are stored.
func ValidateComplexity(pattern string) error {
	segments := strings.Split(toSlash(pattern), "/")
	if len(segments) > MaxSegments {
		return fmt.Errorf("pattern too complex: %d segments exceeds limit of %d", len(segments), MaxSegments)
	}
	wildcards := 0
	for _, seg := range segments {
		if seg == "**" {
			wildcards++
			continue
		}
		wildcards += strings.Count(seg, "*") + strings.Count(seg, "?")
	}
	if wildcards > MaxWildcards {
		return fmt.Errorf("pattern too complex: %d wildcards exceeds limit of %d", wildcards, MaxWildcards)
	}
	return nil
}

// Match reports whether name matches pattern. An exact string match is
// checked first so plain paths never pay for glob parsing.
func Match(pattern, name string) (bool, error) {
	pattern = toSlash(pattern)
	name = toSlash(name)
	if pattern == name {
		return true, nil
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

// toSlash normalizes backslash separators regardless of host OS, so
// Windows-style input behaves the same everywhere and "\" never reaches
// path.Match as an escape character.
func toSlash(s string) string {
	return strings.ReplaceAll(s, "\\", "/")
}

func matchSegments(pat, segs []string) (bool, error) {
	for len(pat) > 0 {
		if pat[0] == "**" {
			// "**" may swallow any number of leading segments.
			rest := pat[1:]
			if len(rest) == 0 {
				return true, nil
			}
			for skip := 0; skip <= len(segs); skip++ {
				ok, err := matchSegments(rest, segs[skip:])
				if err != nil || ok {
					return ok, err
				}
			}
			return false, nil
		}
		if len(segs) == 0 {
			return false, nil
		}
		ok, err := path.Match(pat[0], segs[0])
		if err != nil {
			return false, fmt.Errorf("bad pattern segment %q: %w", pat[0], err)
		}
		if !ok {
			return false, nil
		}
		pat = pat[1:]
		segs = segs[1:]
	}
	return len(segs) == 0, nil
}
