// Package threat screens free-text user input before it is embedded in a
// model prompt.
package threat

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Redaction replaces every blocked match.
const Redaction = "[BLOCKED]"

const (
	DefaultMaxChars = 10000
	maxThreatText   = 100
)

type Action int

const (
	Block Action = iota
	Warn
)

func (a Action) String() string {
	if a == Warn {
		return "warn"
	}
	return "block"
}

// Rule is one detector. Rules run in list order against the text as left by
// the previous rules, so an earlier redaction hides its match from later ones.
type Rule struct {
	Name     string
	Category string
	Pattern  *regexp.Regexp
	Action   Action
}

type Result struct {
	Safe      bool     `json:"safe"`
	Sanitized string   `json:"sanitized"`
	Threats   []string `json:"threats,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

type Filter struct {
	Rules    []Rule
	MaxChars int
}

// New returns a filter with the default rules. maxChars <= 0 selects
// DefaultMaxChars.
func New(maxChars int) *Filter {
	return &Filter{Rules: DefaultRules(), MaxChars: maxChars}
}

var whitespaceRun = regexp.MustCompile(`\s{10,}`)

// Sanitize redacts blocked phrasing, records warnings, normalizes whitespace
// and control characters, and truncates. It has no side effects.
func (f *Filter) Sanitize(text string) Result {
	out := stripControl(text)
	var threats, warnings []string
	for _, rule := range f.Rules {
		if rule.Pattern == nil {
			continue
		}
		switch rule.Action {
		case Block:
			out = rule.Pattern.ReplaceAllStringFunc(out, func(m string) string {
				threats = append(threats, describe(rule.Category, m))
				return Redaction
			})
		case Warn:
			for _, m := range rule.Pattern.FindAllString(out, -1) {
				warnings = append(warnings, describe(rule.Category, m))
			}
		}
	}
	out = whitespaceRun.ReplaceAllString(out, " ")
	out = truncateRunes(out, f.maxChars())
	return Result{
		Safe:      len(threats) == 0,
		Sanitized: out,
		Threats:   threats,
		Warnings:  warnings,
	}
}

// SanitizeAll runs Sanitize over named inputs, in name order, and merges the
// results. The threat entries are prefixed with the input name.
func (f *Filter) SanitizeAll(inputs map[string]string) (map[string]string, Result) {
	merged := Result{Safe: true}
	clean := make(map[string]string, len(inputs))
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		res := f.Sanitize(inputs[name])
		clean[name] = res.Sanitized
		if !res.Safe {
			merged.Safe = false
		}
		for _, t := range res.Threats {
			merged.Threats = append(merged.Threats, name+": "+t)
		}
		for _, w := range res.Warnings {
			merged.Warnings = append(merged.Warnings, name+": "+w)
		}
	}
	return clean, merged
}

func (f *Filter) maxChars() int {
	if f.MaxChars <= 0 {
		return DefaultMaxChars
	}
	return f.MaxChars
}

func describe(category, match string) string {
	return truncateRunes(category+": "+match, maxThreatText)
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\t', '\r':
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
