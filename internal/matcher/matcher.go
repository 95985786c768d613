// Package matcher decides whether a URL matches a list of user patterns.
//
// A pattern wrapped in slashes ("/^https://news\./") is a case-insensitive
// regular expression. Anything else is a case-insensitive literal substring.
package matcher

import (
	"fmt"
	"regexp"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/goodtune/pagelimit/internal/settings"
)

// DefaultCacheSize is the number of compiled patterns kept.
const DefaultCacheSize = 512

// regexPattern recognises "/body/" with an optional flag suffix. Flags are
// not supported and are dropped.
var regexPattern = regexp.MustCompile(`^/(.+)/([dgimsuyv]*)$`)

// Matcher evaluates patterns against URLs, caching compiled expressions.
type Matcher struct {
	cache  *lru.Cache[string, *regexp.Regexp]
	logger zerolog.Logger
}

// New creates a matcher whose cache holds up to size compiled patterns.
func New(size int, logger zerolog.Logger) (*Matcher, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, *regexp.Regexp](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create pattern cache: %w", err)
	}
	return &Matcher{
		cache:  cache,
		logger: logger.With().Str("component", "matcher").Logger(),
	}, nil
}

// Match returns the first pattern that matches url.
func (m *Matcher) Match(patterns []string, url string) (string, bool) {
	if url == "" {
		return "", false
	}
	for _, p := range patterns {
		re := m.compile(p)
		if re != nil && re.MatchString(url) {
			return p, true
		}
	}
	return "", false
}

// MatchGroup returns the index of the first group with a pattern matching
// url, and that pattern. The index is -1 when nothing matches.
func (m *Matcher) MatchGroup(groups []settings.Group, url string) (int, string) {
	for i := range groups {
		if p, ok := m.Match(groups[i].Patterns, url); ok {
			return i, p
		}
	}
	return -1, ""
}

// compile returns the expression for pattern, or nil when it cannot be
// compiled. Failures are cached too, so each one is logged once.
func (m *Matcher) compile(pattern string) *regexp.Regexp {
	if pattern == "" {
		return nil
	}
	if re, ok := m.cache.Get(pattern); ok {
		return re
	}

	re, err := regexp.Compile("(?i)" + Expression(pattern))
	if err != nil {
		m.logger.Warn().Err(err).Str("pattern", pattern).Msg("Skipping invalid pattern")
		re = nil
	}
	m.cache.Add(pattern, re)
	return re
}

// Expression returns the regular expression source for a pattern, without
// the case-insensitivity flag.
func Expression(pattern string) string {
	if sub := regexPattern.FindStringSubmatch(pattern); sub != nil {
		return sub[1]
	}
	return regexp.QuoteMeta(pattern)
}
