package proxylab

import (
	"regexp"
	"slices"
	"strings"
)

// Strategy names the rule that produced a block decision.
type Strategy int

const (
	StrategyNone Strategy = iota
	StrategyPlatformFamily
	StrategyExact
	StrategySubdomain
	StrategyRegex
)

func (s Strategy) String() string {
	switch s {
	case StrategyPlatformFamily:
		return "platform_family"
	case StrategyExact:
		return "exact"
	case StrategySubdomain:
		return "subdomain"
	case StrategyRegex:
		return "regex"
	default:
		return "none"
	}
}

// Decision is the outcome of matching a host against a Snapshot.
type Decision struct {
	Blocked  bool
	Host     string // normalized host
	Pattern  string
	Strategy Strategy
}

// platformFamily is a set of sibling domains that serve one platform's
// content. A stored pattern containing trigger blocks the whole family.
type platformFamily struct {
	trigger string
	domains []string
}

var videoPlatform = platformFamily{
	trigger: "youtube",
	domains: []string{
		"youtube.com",
		"youtu.be",
		"ytimg.com",
		"googlevideo.com",
		"ggpht.com",
		"youtube-nocookie.com",
		"youtubei.googleapis.com",
		"youtube.googleapis.com",
		"youtubekids.com",
		"yt.be",
		"youtube.co.uk",
		"youtube.de",
		"youtube.fr",
		"youtube.es",
		"youtube.it",
		"youtube.co.jp",
		"youtube.com.br",
		"youtube.co.in",
	},
}

// covers reports whether host is a member of the family or a subdomain of one.
func (f platformFamily) covers(host string) bool {
	for _, d := range f.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

type compiledPattern struct {
	pattern string
	family  bool
	re      *regexp.Regexp // nil when the pattern is not a valid expression
}

func compilePattern(p string) compiledPattern {
	cp := compiledPattern{
		pattern: p,
		family:  strings.Contains(p, videoPlatform.trigger),
	}
	if re, err := regexp.Compile("(?i)" + p); err == nil {
		cp.re = re
	}
	return cp
}

// Snapshot is an immutable view of the block list. Readers hold a pointer
// to one and never observe a partially applied mutation.
type Snapshot struct {
	patterns []compiledPattern // sorted by pattern
}

// NewSnapshot normalizes, deduplicates and compiles patterns. Empty patterns
// are dropped.
func NewSnapshot(patterns []string) *Snapshot {
	seen := make(map[string]struct{}, len(patterns))
	s := &Snapshot{patterns: make([]compiledPattern, 0, len(patterns))}
	for _, raw := range patterns {
		p := NormalizePattern(raw)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		s.patterns = append(s.patterns, compilePattern(p))
	}
	slices.SortFunc(s.patterns, func(a, b compiledPattern) int {
		return strings.Compare(a.pattern, b.pattern)
	})
	return s
}

// Len returns the number of patterns.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.patterns)
}

// Patterns returns the sorted pattern set.
func (s *Snapshot) Patterns() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.patterns))
	for i, cp := range s.patterns {
		out[i] = cp.pattern
	}
	return out
}

// Contains reports whether the normalized pattern p is present.
func (s *Snapshot) Contains(p string) bool {
	_, ok := s.find(p)
	return ok
}

func (s *Snapshot) find(p string) (int, bool) {
	if s == nil {
		return 0, false
	}
	return slices.BinarySearchFunc(s.patterns, p, func(cp compiledPattern, target string) int {
		return strings.Compare(cp.pattern, target)
	})
}

// with returns a copy of s that includes p. Compiled entries are shared.
func (s *Snapshot) with(p string) *Snapshot {
	i, ok := s.find(p)
	if ok {
		return s
	}
	var cur []compiledPattern
	if s != nil {
		cur = s.patterns
	}
	next := make([]compiledPattern, 0, len(cur)+1)
	next = append(next, cur[:i]...)
	next = append(next, compilePattern(p))
	next = append(next, cur[i:]...)
	return &Snapshot{patterns: next}
}

// without returns a copy of s that excludes p.
func (s *Snapshot) without(p string) *Snapshot {
	i, ok := s.find(p)
	if !ok {
		return s
	}
	next := make([]compiledPattern, 0, len(s.patterns)-1)
	next = append(next, s.patterns[:i]...)
	next = append(next, s.patterns[i+1:]...)
	return &Snapshot{patterns: next}
}

// Match evaluates host against every pattern. For each pattern the rules
// are tried in order: platform family, exact, subdomain, regex. The first
// hit wins. Matching looks at the host only.
func (s *Snapshot) Match(host string) Decision {
	h := NormalizeHost(host)
	d := Decision{Host: h}
	if h == "" || s == nil {
		return d
	}

	for _, cp := range s.patterns {
		var st Strategy
		switch {
		case cp.family && videoPlatform.covers(h):
			st = StrategyPlatformFamily
		case h == cp.pattern:
			st = StrategyExact
		case strings.HasSuffix(h, "."+cp.pattern):
			st = StrategySubdomain
		case cp.re != nil && cp.re.MatchString(h):
			st = StrategyRegex
		default:
			continue
		}
		d.Blocked = true
		d.Pattern = cp.pattern
		d.Strategy = st
		return d
	}
	return d
}
