package safety

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"medibot/internal/models"
)

// DisclaimerThreshold is the answer length, in characters, above which a disclaimer is expected.
const DisclaimerThreshold = 500

// IssueMissingDisclaimer flags long answers without any disclaimer phrase.
const IssueMissingDisclaimer = "response is missing a medical disclaimer"

type advicePattern struct {
	issue   string
	pattern *regexp.Regexp
}

var dangerousAdvice = []advicePattern{
	{"dose escalation", regexp.MustCompile(`(?i)\b(double|triple)\s+(your|the)\s+(dose|dosage|medication)`)},
	{"dose escalation", regexp.MustCompile(`(?i)\btake\s+(more|extra)\s+than\s+(prescribed|recommended|directed)`)},
	{"overdose suggestion", regexp.MustCompile(`(?i)\b(take|swallow)\s+(the\s+)?(whole|entire)\s+(bottle|pack)`)},
	{"stopping medication", regexp.MustCompile(`(?i)\bstop\s+taking\s+(all\s+)?(of\s+)?(your|the)\s+(medications?|medicines?|prescriptions?|pills)`)},
	{"avoiding care", regexp.MustCompile(`(?i)\b(don'?t|do\s+not|never)\s+(see|visit|consult|call)\s+(a|your|the)\s+(doctor|physician|hospital|emergency)`)},
	{"avoiding care", regexp.MustCompile(`(?i)\bno\s+need\s+to\s+(see\s+a\s+doctor|seek\s+medical|go\s+to\s+(the\s+)?hospital)`)},
	{"unverifiable cure claim", regexp.MustCompile(`(?i)\b(guaranteed|miracle|100%)\s+(cure|effective|remedy)`)},
	{"unverifiable cure claim", regexp.MustCompile(`(?i)\bcures?\s+(cancer|diabetes|hiv|aids|all\s+diseases)\b`)},
}

var disclaimerPhrases = []string{
	"consult",
	"doctor",
	"healthcare",
	"health care",
	"medical attention",
	"medical professional",
	"physician",
	"emergency services",
	"not a substitute",
	"seek medical",
	"call 911",
	"call 108",
}

var leakedBlockPattern = regexp.MustCompile(`(?s)<\|(system|assistant|user)\|>.*?</\|(system|assistant|user)\|>`)

// SanitizeOutput removes leaked special-token spans from model output.
func SanitizeOutput(text string) string {
	out := leakedBlockPattern.ReplaceAllString(text, "")
	out = specialTokenPattern.ReplaceAllString(out, "")
	out = strings.ReplaceAll(out, "<|", "")
	return strings.TrimSpace(out)
}

// ValidateOutput screens an answer. Any dangerous advice blocks it and
// substitutes the safety fallback; a long answer without a disclaimer is a warning.
func ValidateOutput(answer string) models.SafetyVerdict {
	verdict := models.SafetyVerdict{Level: models.SafetySafe, Sanitized: SanitizeOutput(answer)}

	seen := make(map[string]bool)
	for _, p := range dangerousAdvice {
		if seen[p.issue] {
			continue
		}
		if p.pattern.MatchString(answer) {
			seen[p.issue] = true
			verdict.Issues = append(verdict.Issues, "dangerous advice: "+p.issue)
		}
	}
	if len(verdict.Issues) > 0 {
		verdict.Level = models.SafetyBlocked
		verdict.Fallback = Fallback(FallbackSafety)
		return verdict
	}

	if utf8.RuneCountInString(answer) > DisclaimerThreshold && !HasDisclaimer(answer) {
		verdict.Level = models.SafetyWarning
		verdict.Issues = append(verdict.Issues, IssueMissingDisclaimer)
	}
	return verdict
}

// HasDisclaimer reports whether text contains a recognized disclaimer phrase.
func HasDisclaimer(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range disclaimerPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
