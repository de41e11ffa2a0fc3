// Package pattern holds the three regular expression sets that decide which URLs and
// requests take part in CDN rewriting, and memoizes their answers.
package pattern

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"imuslab.com/cdnswitch/mod/cache"
)

// Set names, used as result cache names as well
const (
	ExcludeURLs     = "CDNExcludes"
	ProcessRequests = "CDNIncludes"
	ExcludeRequests = "CDNRequestExcludes"
)

// Set is an ordered, immutable list of compiled patterns
type Set struct {
	name     string
	patterns []*regexp.Regexp
}

// Compile builds a Set from pattern sources. Patterns match case-insensitively and empty
// sources are skipped.
func Compile(name string, sources []string) (*Set, error) {
	set := &Set{name: name}
	for i, src := range sources {
		src = strings.TrimSpace(src)
		if src == "" {
			continue
		}

		re, err := regexp.Compile("(?i)" + src)
		if err != nil {
			return nil, fmt.Errorf("%s pattern %d %q: %w", name, i, src, err)
		}
		set.patterns = append(set.patterns, re)
	}
	return set, nil
}

// Name returns the set name
func (s *Set) Name() string {
	return s.name
}

// Len returns the number of patterns in the set
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.patterns)
}

// Match reports whether any pattern matches str. An empty set matches nothing.
func (s *Set) Match(str string) bool {
	if s == nil {
		return false
	}
	for _, re := range s.patterns {
		if re.MatchString(str) {
			return true
		}
	}
	return false
}

// Config lists the pattern sources of the three sets
type Config struct {
	ExcludeURLs     []string
	ProcessRequests []string
	ExcludeRequests []string

	// CacheSize is the byte budget of each result cache
	CacheSize int64

	// CacheTTL is how long a match result is remembered
	CacheTTL time.Duration
}

// Matcher answers "does any pattern in set S match X" with a result cache per set
type Matcher struct {
	excludeURLs     *Set
	processRequests *Set
	excludeRequests *Set

	excludeURLCache     *cache.ResultCache[bool]
	processRequestCache *cache.ResultCache[bool]
	excludeRequestCache *cache.ResultCache[bool]
}

// NewMatcher compiles the three sets once. The returned Matcher is safe for concurrent use.
func NewMatcher(config Config) (*Matcher, error) {
	excludeURLs, err := Compile(ExcludeURLs, config.ExcludeURLs)
	if err != nil {
		return nil, err
	}
	processRequests, err := Compile(ProcessRequests, config.ProcessRequests)
	if err != nil {
		return nil, err
	}
	excludeRequests, err := Compile(ExcludeRequests, config.ExcludeRequests)
	if err != nil {
		return nil, err
	}

	newCache := func(name string) *cache.ResultCache[bool] {
		return cache.NewResultCache[bool](cache.ResultCacheConfig{
			Name:    name,
			MaxSize: config.CacheSize,
			TTL:     config.CacheTTL,
		})
	}

	return &Matcher{
		excludeURLs:         excludeURLs,
		processRequests:     processRequests,
		excludeRequests:     excludeRequests,
		excludeURLCache:     newCache(ExcludeURLs),
		processRequestCache: newCache(ProcessRequests),
		excludeRequestCache: newCache(ExcludeRequests),
	}, nil
}

// IsExcludedURL tells if url must never be rewritten (e.g. VisitorIdentification.aspx)
func (m *Matcher) IsExcludedURL(url string) bool {
	return match(m.excludeURLCache, m.excludeURLs, url)
}

// ShouldProcessRequest tells if the response to a request for url should be filtered even
// though it is not a page request
func (m *Matcher) ShouldProcessRequest(url string) bool {
	return match(m.processRequestCache, m.processRequests, url)
}

// ShouldExcludeRequest tells if the response to a request for url must not be filtered
func (m *Matcher) ShouldExcludeRequest(url string) bool {
	return match(m.excludeRequestCache, m.excludeRequests, url)
}

func match(results *cache.ResultCache[bool], set *Set, url string) bool {
	if matched, ok := results.Get(url); ok {
		return matched
	}
	matched := set.Match(url)
	results.Set(url, matched)
	return matched
}

// Caches returns the result caches of the matcher, for stats and purging
func (m *Matcher) Caches() []*cache.ResultCache[bool] {
	return []*cache.ResultCache[bool]{m.excludeURLCache, m.processRequestCache, m.excludeRequestCache}
}

// Purge drops every memoized result
func (m *Matcher) Purge() {
	for _, c := range m.Caches() {
		c.Purge()
	}
}

// Close stops the result cache scavengers
func (m *Matcher) Close() {
	for _, c := range m.Caches() {
		c.Close()
	}
}
