package defense

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/cvchat-project/cvchat/internal/core"
)

// Thresholds for the structural checks. A run of one character longer than
// maxCharRun, or a single token longer than maxTokenLen, is pathological for
// a chat message about a résumé.
const (
	maxCharRun  = 30
	maxTokenLen = 100
	snippetLen  = 100
)

// Signature is one detection pattern in the registry.
type Signature struct {
	Name     string
	Category string
	Severity core.Severity
	Regex    *regexp.Regexp
}

// Match is the result of a registry hit.
type Match struct {
	Name     string
	Category string
	Severity core.Severity
	Snippet  string
}

// PatternRegistry is a fixed, ordered catalog of input signatures. Matching
// is first-match; the order puts cheap structural checks before the regex
// scans.
type PatternRegistry struct {
	signatures []Signature
}

// NewPatternRegistry compiles the built-in signature catalog.
func NewPatternRegistry() *PatternRegistry {
	return &PatternRegistry{signatures: compileSignatures()}
}

func compileSignatures() []Signature {
	return []Signature{
		// Prompt injection / role override
		{Name: "ignore_instructions", Category: "prompt_injection", Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)(ignore|disregard|forget|override|bypass)\s+(all\s+)?(previous|prior|above|earlier|original|system)\s+(instructions?|prompts?|rules?|guidelines?|constraints?)`)},
		{Name: "new_instructions", Category: "prompt_injection", Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)(new|updated|revised|real|actual|true)\s+(instructions?|system\s+prompt|directives?|rules?)(\s*:|\s+are)`)},
		{Name: "role_switch", Category: "prompt_injection", Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)(you\s+are\s+now|act\s+as|pretend\s+(to\s+be|you\s+are)|roleplay\s+as)\s+(a\s+)?(dan|developer\s+mode|jailbroken|unrestricted|evil)`)},
		{Name: "system_prompt_extract", Category: "prompt_extraction", Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)(reveal|show|display|print|output|repeat|tell\s+me|what\s+(is|are))\s+(your\s+)?(system\s+prompt|initial\s+instructions?|hidden\s+instructions?|original\s+prompt|secret\s+instructions?)`)},
		{Name: "delimiter_injection", Category: "prompt_injection", Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)(\[/?(system|inst|assistant)\]|<\|im_(start|end)\|>|###\s*(system|instruction))`)},

		// Executable / script injection
		{Name: "script_tag", Category: "script", Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)<\s*script[^>]*>`)},
		{Name: "code_exec", Category: "script", Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)\b(eval|exec|system|popen|subprocess|os\.system|child_process)\s*\(`)},
		{Name: "shell_chain", Category: "script", Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(\|\||&&|;)\s*(cat|ls|whoami|id|wget|curl|nc|bash|sh|cmd|powershell)\b`)},

		// SQL injection idioms
		{Name: "sqli_union", Category: "sqli", Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)\bunion\b\s+(all\s+)?select\b`)},
		{Name: "sqli_or_true", Category: "sqli", Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)(\bor\b\s+[\d'"]+\s*=\s*[\d'"]+|'\s*or\s*'[^']*'\s*=\s*'[^']*')`)},
		{Name: "sqli_stacked", Category: "sqli", Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i);\s*(drop|alter|truncate|delete\s+from|insert\s+into|update\s+\w+\s+set)\b`)},

		// Markup-based XSS idioms
		{Name: "xss_event_handler", Category: "xss", Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)\bon(error|load|click|mouseover|focus|submit)\s*=`)},
		{Name: "xss_uri_scheme", Category: "xss", Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)(javascript|vbscript)\s*:`)},
		{Name: "xss_iframe", Category: "xss", Severity: core.SeverityHigh,
			Regex: regexp.MustCompile(`(?i)<\s*(iframe|embed|object|svg)\b[^>]*(src|href|data)\s*=`)},

		// Known spam / probe phrases
		{Name: "spam_phrase", Category: "spam", Severity: core.SeverityMedium,
			Regex: regexp.MustCompile(`(?i)\b(buy\s+now|click\s+here|free\s+money|limited\s+offer|crypto\s+giveaway|hot\s+singles)\b`)},
		{Name: "probe_phrase", Category: "spam", Severity: core.SeverityMedium,
			Regex: regexp.MustCompile(`(?i)^\s*(test{2,}|asdf+|qwerty|lorem\s+ipsum)\s*$`)},
	}
}

// Classify returns the first matching signature for text, or nil. Structural
// repetition checks run before the regex scans because they are a single
// linear pass.
func (r *PatternRegistry) Classify(text string) *Match {
	if m := classifyRepetition(text); m != nil {
		return m
	}
	for i := range r.signatures {
		sig := &r.signatures[i]
		if loc := sig.Regex.FindStringIndex(text); loc != nil {
			return &Match{
				Name:     sig.Name,
				Category: sig.Category,
				Severity: sig.Severity,
				Snippet:  snippet(text, loc[0]),
			}
		}
	}
	return nil
}

// Count returns the number of compiled signatures.
func (r *PatternRegistry) Count() int { return len(r.signatures) }

// classifyRepetition flags pathological repetition: one character repeated
// beyond maxCharRun, or a single unbroken token longer than maxTokenLen.
// Go's regexp has no backreferences, so these are plain scans.
func classifyRepetition(text string) *Match {
	run := 0
	runStart := 0
	tokenLen := 0
	tokenStart := 0
	var prev rune
	// i is a byte offset while run and tokenLen count runes, so the snippet
	// positions are tracked as byte offsets of their own.
	for i, ch := range text {
		if ch == prev && run > 0 {
			run++
		} else {
			run = 1
			runStart = i
			prev = ch
		}
		if run > maxCharRun {
			return &Match{Name: "char_run", Category: "repetition", Severity: core.SeverityMedium, Snippet: snippet(text, runStart)}
		}
		if unicode.IsSpace(ch) {
			tokenLen = 0
		} else {
			if tokenLen == 0 {
				tokenStart = i
			}
			tokenLen++
			if tokenLen > maxTokenLen {
				return &Match{Name: "long_token", Category: "repetition", Severity: core.SeverityMedium, Snippet: snippet(text, tokenStart)}
			}
		}
	}
	return nil
}

// snippet returns a bounded slice of text starting near pos. The security
// event records this instead of the full message so logs cannot be used to
// replay an injected payload.
func snippet(text string, pos int) string {
	if pos < 0 {
		pos = 0
	}
	end := pos + snippetLen
	if end > len(text) {
		end = len(text)
	}
	return strings.ToValidUTF8(text[pos:end], "")
}
