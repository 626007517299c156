// Package outputs cleans and checks model output before it is persisted.
package outputs

import (
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	DefaultMaxChars = 50000
	TruncateMarker  = "\n[truncated]"
	LinkRemoved     = "[link removed]"

	maxRemovedText = 100
)

// DefaultTrustedDomains are hosts whose links survive sanitization.
var DefaultTrustedDomains = []string{
	"wikipedia.org",
	"github.com",
	"crunchbase.com",
	"statista.com",
	"producthunt.com",
	"ycombinator.com",
}

// Rule removes every match of Pattern. Keep, when set, can spare a match.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Keep    func(match string) bool
}

type TextResult struct {
	Safe      bool     `json:"safe"`
	Sanitized string   `json:"sanitized"`
	Removed   []string `json:"removed,omitempty"`
}

type Sanitizer struct {
	Rules          []Rule
	TrustedDomains []string
	MaxChars       int
}

// New returns a sanitizer with the default rules. A nil trusted list selects
// DefaultTrustedDomains; maxChars <= 0 selects DefaultMaxChars.
func New(trusted []string, maxChars int) *Sanitizer {
	if trusted == nil {
		trusted = DefaultTrustedDomains
	}
	return &Sanitizer{Rules: DefaultRules(), TrustedDomains: trusted, MaxChars: maxChars}
}

func DefaultRules() []Rule {
	return []Rule{
		{Name: "html-comment", Pattern: regexp.MustCompile(`(?s)<!--.*?-->`)},
		{Name: "script", Pattern: regexp.MustCompile(`(?is)<\s*script\b[^>]*>.*?<\s*/\s*script\s*>|<\s*/?\s*script\b[^>]*>`)},
		{Name: "embed", Pattern: regexp.MustCompile(`(?is)<\s*(iframe|object|embed)\b[^>]*>(.*?<\s*/\s*(iframe|object|embed)\s*>)?|<\s*/\s*(iframe|object|embed)\s*>`)},
		{Name: "event-handler", Pattern: regexp.MustCompile(`(?i)\s+on(abort|blur|change|click|dblclick|error|focus|input|key(down|press|up)|load|mouse(down|enter|leave|move|out|over|up)|reset|resize|scroll|select|submit|unload)\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`)},
		{Name: "javascript-url", Pattern: regexp.MustCompile(`(?i)javascript\s*:`)},
		{
			Name:    "data-url",
			Pattern: regexp.MustCompile(`(?i)\bdata:[^\s"'<>)]+`),
			Keep: func(m string) bool {
				return strings.HasPrefix(strings.ToLower(m), "data:image/")
			},
		},
		{Name: "css-expression", Pattern: regexp.MustCompile(`(?i)expression\s*\([^)]*\)`)},
	}
}

var externalLink = regexp.MustCompile(`(?i)https?://[^\s"'<>)\]]+`)

// Sanitize strips unsafe markup, rewrites untrusted links, and truncates.
// Safe reports that nothing was removed.
func (s *Sanitizer) Sanitize(text string) TextResult {
	out := text
	var removed []string
	for _, rule := range s.Rules {
		if rule.Pattern == nil {
			continue
		}
		out = rule.Pattern.ReplaceAllStringFunc(out, func(m string) string {
			if rule.Keep != nil && rule.Keep(m) {
				return m
			}
			removed = append(removed, clip(rule.Name+": "+strings.TrimSpace(m), maxRemovedText))
			return ""
		})
	}
	out = externalLink.ReplaceAllStringFunc(out, func(m string) string {
		if s.trusted(m) {
			return m
		}
		removed = append(removed, clip("link: "+m, maxRemovedText))
		return LinkRemoved
	})
	max := s.MaxChars
	if max <= 0 {
		max = DefaultMaxChars
	}
	if utf8.RuneCountInString(out) > max {
		out = string([]rune(out)[:max]) + TruncateMarker
		removed = append(removed, "truncated")
	}
	return TextResult{Safe: len(removed) == 0, Sanitized: out, Removed: removed}
}

// SanitizeValue walks decoded JSON and sanitizes every string leaf. Map keys
// are left alone.
func (s *Sanitizer) SanitizeValue(v any) (any, []string) {
	var removed []string
	var walk func(any) any
	walk = func(v any) any {
		switch t := v.(type) {
		case string:
			res := s.Sanitize(t)
			removed = append(removed, res.Removed...)
			return res.Sanitized
		case map[string]any:
			out := make(map[string]any, len(t))
			for k, val := range t {
				out[k] = walk(val)
			}
			return out
		case []any:
			out := make([]any, len(t))
			for i, val := range t {
				out[i] = walk(val)
			}
			return out
		default:
			return v
		}
	}
	return walk(v), removed
}

func (s *Sanitizer) trusted(link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, d := range s.TrustedDomains {
		d = strings.ToLower(strings.TrimPrefix(d, "."))
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func clip(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
