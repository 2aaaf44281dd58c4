// Package safety screens user input for prompt injection and model output
// for dangerous medical advice.
package safety

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"medibot/internal/models"
)

// MaxInputLength is the longest query forwarded to a model, in runes.
const MaxInputLength = 8000

// Pattern family identifiers reported in verdict issues and audit events.
const (
	FamilyInstructionOverride = "instruction_override"
	FamilyRoleReassignment    = "role_reassignment"
	FamilyPromptExtraction    = "prompt_extraction"
	FamilyJailbreak           = "jailbreak"
	FamilyDelimiterDensity    = "delimiter_density"
)

// IssueTooLong is reported when the raw input exceeds MaxInputLength.
var IssueTooLong = fmt.Sprintf("input exceeds maximum length of %d characters", MaxInputLength)

const refusal = "I can only help with health and medical questions. " +
	"Please rephrase your question without instructions aimed at the assistant itself."

type family struct {
	id       string
	patterns []*regexp.Regexp
}

var families = []family{
	{
		id: FamilyInstructionOverride,
		patterns: compile(
			`(?i)\b(ignore|disregard|forget|override)\s+(all\s+|any\s+|the\s+|your\s+)?(previous|prior|above|earlier|preceding)\s+(instructions|prompts|rules|directions|context)`,
			`(?i)\b(ignore|disregard|forget)\s+(all\s+|any\s+)?(your|the)\s+(instructions|rules|guidelines|programming)`,
			`(?i)\bnew\s+instructions\s*:`,
		),
	},
	{
		id: FamilyRoleReassignment,
		patterns: compile(
			`(?i)\byou\s+are\s+now\s+(a|an|the|in|my)?\s*\w+`,
			`(?i)\b(act|behave)\s+as\s+(if\s+you\s+(are|were)\s+)?(a|an)\s+(different|unrestricted|unfiltered|new)\b`,
			`(?i)\bpretend\s+(to\s+be|you\s+are)\b`,
			`(?i)\bfrom\s+now\s+on\s+you\s+(are|will)\b`,
		),
	},
	{
		id: FamilyPromptExtraction,
		patterns: compile(
			`(?i)\b(reveal|show|print|display|repeat|output|tell\s+me)\s+(me\s+)?(your|the)\s+(system\s+prompt|initial\s+prompt|hidden\s+instructions|instructions)`,
			`(?i)\bwhat\s+(is|are)\s+your\s+(system\s+prompt|instructions|rules)\b`,
		),
	},
	{
		id: FamilyJailbreak,
		patterns: compile(
			`(?i)\bDAN\s+mode\b`,
			`(?i)\bdo\s+anything\s+now\b`,
			`(?i)\bjailbreak(ed|ing)?\b`,
			`(?i)\b(developer|god|unrestricted)\s+mode\b`,
			`(?i)\bwithout\s+(any\s+)?(restrictions|filters|limitations|censorship)\b`,
		),
	},
}

var (
	markerPattern       = regexp.MustCompile(`(?i)\[\s*/?\s*(system|assistant|user|inst)\s*\]`)
	specialTokenPattern = regexp.MustCompile(`<\|[^|>]*\|>`)
	fencedSystemPattern = regexp.MustCompile("(?is)```\\s*(system|assistant)\\b.*?```")
	delimiterRunPattern = regexp.MustCompile(`#{4,}|={4,}|-{4,}|\*{4,}|>{4,}|_{4,}|~{4,}|` + "`{4,}")
	delimiterDense      = regexp.MustCompile(`[#=\-*>_~` + "`" + `]{3}`)
)

// delimiterRunThreshold is how many capped delimiter runs make a text suspicious.
const delimiterRunThreshold = 4

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// SanitizeInput removes role markers and special tokens, caps delimiter
// repetition and truncates the text to MaxInputLength runes.
func SanitizeInput(text string) string {
	out := fencedSystemPattern.ReplaceAllString(text, "")
	out = markerPattern.ReplaceAllString(out, "")
	out = specialTokenPattern.ReplaceAllString(out, "")
	out = delimiterRunPattern.ReplaceAllStringFunc(out, func(run string) string {
		return run[:3]
	})
	out = strings.TrimSpace(out)
	if utf8.RuneCountInString(out) > MaxInputLength {
		runes := []rune(out)
		out = string(runes[:MaxInputLength]) + "..."
	}
	return out
}

// DetectInjection matches text against the pattern catalog and returns the
// matched family ids. A family is reported once however many of its patterns match.
func DetectInjection(text string) []string {
	var matched []string
	for _, f := range families {
		for _, p := range f.patterns {
			if p.MatchString(text) {
				matched = append(matched, f.id)
				break
			}
		}
	}
	if len(delimiterDense.FindAllStringIndex(text, -1)) >= delimiterRunThreshold {
		matched = append(matched, FamilyDelimiterDensity)
	}
	return matched
}

// CheckInput sanitizes raw and classifies it. Zero matched families is safe,
// one is a warning and two or more block the request.
func CheckInput(raw string) models.SafetyVerdict {
	sanitized := SanitizeInput(raw)
	matched := DetectInjection(sanitized)

	verdict := models.SafetyVerdict{Level: models.SafetySafe, Sanitized: sanitized}
	verdict.Issues = append(verdict.Issues, matched...)
	if utf8.RuneCountInString(raw) > MaxInputLength {
		verdict.Issues = append(verdict.Issues, IssueTooLong)
	}

	switch {
	case len(matched) >= 2:
		verdict.Level = models.SafetyBlocked
		verdict.Fallback = refusal
	case len(matched) == 1 || len(verdict.Issues) > 0:
		verdict.Level = models.SafetyWarning
	}
	return verdict
}
