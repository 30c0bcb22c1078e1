package proxylab

import (
	"net"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

// NormalizeHost canonicalizes a hostname for comparison. It trims and
// lowercases the input, converts internationalized names to their ASCII
// form, and strips leading "www." labels. Names that fail IDNA conversion
// are kept as lowercased text. The result of NormalizeHost is a fixed point:
// NormalizeHost(NormalizeHost(x)) == NormalizeHost(x).
func NormalizeHost(host string) string {
	host = stripWWW(strings.ToLower(host))
	if host == "" || isASCII(host) {
		return host
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return host
	}
	return stripWWW(strings.ToLower(ascii))
}

func stripWWW(host string) string {
	for {
		host = strings.TrimSpace(host)
		if !strings.HasPrefix(host, "www.") {
			return host
		}
		host = host[len("www."):]
	}
}

// NormalizePattern canonicalizes user input into a BlockPattern. Every
// scheme prefix is removed. Unless the input uses regular expression
// syntax, it is then reduced to its host: the path, query, fragment,
// userinfo and port are dropped, so "https://user@www.Example.com:8443/watch?v=1"
// becomes "example.com".
func NormalizePattern(raw string) string {
	p := strings.ToLower(strings.TrimSpace(raw))
	for {
		i := strings.Index(p, "://")
		if i < 0 {
			break
		}
		p = p[i+len("://"):]
	}
	if looksLikeRegex(p) {
		return NormalizeHost(p)
	}

	if i := strings.IndexAny(p, "/?#"); i >= 0 {
		p = p[:i]
	}
	if i := strings.LastIndexByte(p, '@'); i >= 0 {
		p = p[i+1:]
	}
	if host, _, err := net.SplitHostPort(p); err == nil {
		p = host
	}
	return NormalizeHost(p)
}

// looksLikeRegex reports whether p uses expression syntax beyond the
// literal dot, in which case it is kept whole.
func looksLikeRegex(p string) bool {
	return strings.ContainsAny(p, `^$*+()[]{}|\`)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
