package models

// SafetyLevel is the severity of a safety verdict.
type SafetyLevel string

const (
	SafetySafe    SafetyLevel = "safe"
	SafetyWarning SafetyLevel = "warning"
	SafetyBlocked SafetyLevel = "blocked"
)

// SafetyVerdict is produced fresh per screened text and only persisted through audit.
type SafetyVerdict struct {
	Level     SafetyLevel `json:"level"`
	Issues    []string    `json:"issues,omitempty"`
	Sanitized string      `json:"sanitized,omitempty"`
	Fallback  string      `json:"fallback,omitempty"`
}

func (v SafetyVerdict) Blocked() bool { return v.Level == SafetyBlocked }
