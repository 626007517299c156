package threat

import "regexp"

const (
	CategoryInstructionOverride = "instruction_override"
	CategoryPromptExtraction    = "prompt_extraction"
	CategoryRoleOverride        = "role_override"
	CategoryJailbreak           = "jailbreak"
	CategoryMarkupInjection     = "markup_injection"
	CategorySQLInjection        = "sql_injection"
	CategoryCredential          = "credential"
)

// DefaultRules returns a fresh copy of the built-in detectors. Callers may
// append their own rules to the returned slice.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "ignore-previous",
			Category: CategoryInstructionOverride,
			Pattern:  regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\s+(all\s+)?(of\s+)?(the\s+|your\s+)?(previous|prior|above|earlier|preceding)\s+(instructions|prompts|rules|directions|messages)`),
		},
		{
			Name:     "override-rules",
			Category: CategoryInstructionOverride,
			Pattern:  regexp.MustCompile(`(?i)\b(override|bypass)\s+(your|the|all)\s+(instructions|rules|guidelines|restrictions)|\bnew\s+instructions\s*:`),
		},
		{
			Name:     "reveal-system-prompt",
			Category: CategoryPromptExtraction,
			Pattern:  regexp.MustCompile(`(?i)\b(reveal|show|print|repeat|output|display|tell\s+me)\s+(me\s+)?(your|the)\s+(system\s+prompt|initial\s+prompt|hidden\s+instructions|original\s+instructions)`),
		},
		{
			Name:     "ask-system-prompt",
			Category: CategoryPromptExtraction,
			Pattern:  regexp.MustCompile(`(?i)\bwhat\s+(is|are|was|were)\s+your\s+(system\s+prompt|initial\s+instructions|original\s+instructions)`),
		},
		{
			Name:     "you-are-now",
			Category: CategoryRoleOverride,
			Pattern:  regexp.MustCompile(`(?i)\b(you\s+are\s+now|from\s+now\s+on\s+you\s+are|pretend\s+(to\s+be|you\s+are)|act\s+as\s+(an?\s+)?(unrestricted|unfiltered|uncensored))\b`),
		},
		{
			Name:     "role-tag",
			Category: CategoryRoleOverride,
			Pattern:  regexp.MustCompile(`(?i)^\s*(system|assistant)\s*:|<\|?(system|im_start)\|?>`),
		},
		{
			Name:     "jailbreak-marker",
			Category: CategoryJailbreak,
			Pattern:  regexp.MustCompile(`(?i:\b(jailbreak(ed)?|developer\s+mode|do\s+anything\s+now)\b)|\bDAN\b`),
		},
		{
			Name:     "script-tag",
			Category: CategoryMarkupInjection,
			Pattern:  regexp.MustCompile(`(?is)<\s*script\b[^>]*>.*?<\s*/\s*script\s*>|<\s*/?\s*(script|iframe|object|embed)\b[^>]*>`),
		},
		{
			Name:     "script-url",
			Category: CategoryMarkupInjection,
			Pattern:  regexp.MustCompile(`(?i)\bjavascript\s*:|\bon(load|error|click|mouseover|focus|blur|submit)\s*=`),
		},
		{
			Name:     "sql-keywords",
			Category: CategorySQLInjection,
			Pattern:  regexp.MustCompile(`(?i)\b(union\s+(all\s+)?select|drop\s+(table|database)|delete\s+from|insert\s+into|truncate\s+table)\b`),
		},
		{
			Name:     "sql-tautology",
			Category: CategorySQLInjection,
			Pattern:  regexp.MustCompile(`(?i)'\s*or\s+'?1'?\s*=\s*'?1|;\s*--`),
		},
		{
			Name:     "credential-terms",
			Category: CategoryCredential,
			Pattern:  regexp.MustCompile(`(?i)\b(api[_\s-]?key|password|passwd|secret[_\s-]?key|access[_\s-]?token|private[_\s-]?key)\b`),
			Action:   Warn,
		},
	}
}
