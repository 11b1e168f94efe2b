package walker

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// ErrInvalidGlob reports an override or whitelist pattern that cannot match
// anything.
var ErrInvalidGlob = errors.New("invalid override glob")

// Match is the decision an override matcher makes for a path.
type Match int

const (
	// MatchNone means no pattern matched the path.
	MatchNone Match = iota
	// MatchInclude means the last matching pattern was a whitelist rule.
	MatchInclude
	// MatchExclude means the last matching pattern was a blacklist rule, or
	// the matcher carries whitelist rules and a file matched none of them.
	MatchExclude
)

type overrideRule struct {
	matcher *ignore.GitIgnore
	negated bool
}

// Matcher applies override globs to walked paths. Glob syntax follows ignore
// files, but the polarity is inverted: a plain pattern whitelists matching
// entries, while a "!"-prefixed pattern blacklists them. Later patterns win
// over earlier ones. When any whitelist pattern is present, files matching no
// pattern are excluded; directories still pass so traversal can descend.
type Matcher struct {
	rules        []overrideRule
	hasWhitelist bool
	fold         bool
}

// NewMatcher compiles override globs. An empty or bare "!" pattern is a
// configuration error.
func NewMatcher(patterns []string, caseInsensitive bool) (*Matcher, error) {
	m := &Matcher{fold: caseInsensitive}
	for _, raw := range patterns {
		pat := strings.TrimSpace(raw)
		negated := strings.HasPrefix(pat, "!")
		if negated {
			pat = pat[1:]
		}
		if pat == "" {
			return nil, fmt.Errorf("%w %q", ErrInvalidGlob, raw)
		}
		if caseInsensitive {
			pat = strings.ToLower(pat)
		}
		m.rules = append(m.rules, overrideRule{
			matcher: ignore.CompileIgnoreLines(pat),
			negated: negated,
		})
		if !negated {
			m.hasWhitelist = true
		}
	}
	return m, nil
}

// Empty reports whether the matcher has no rules.
func (m *Matcher) Empty() bool {
	return m == nil || len(m.rules) == 0
}

// Matches decides the fate of a root-relative path.
func (m *Matcher) Matches(rel string, isDir bool) Match {
	if m.Empty() {
		return MatchNone
	}
	rel = filepath.ToSlash(rel)
	if m.fold {
		rel = strings.ToLower(rel)
	}
	decision := MatchNone
	for _, r := range m.rules {
		if r.matcher.MatchesPath(rel) || (isDir && r.matcher.MatchesPath(rel+"/")) {
			if r.negated {
				decision = MatchExclude
			} else {
				decision = MatchInclude
			}
		}
	}
	if decision == MatchNone && m.hasWhitelist && !isDir {
		return MatchExclude
	}
	return decision
}
