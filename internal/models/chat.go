package models

import "time"

// Identity kinds recorded on requests and metrics.
const (
	IdentityUser  = "user"
	IdentityGuest = "guest"
)

// Language display names accepted on requests.
const (
	LanguageEnglish = "English"
	LanguageTelugu  = "Telugu"
	LanguageHindi   = "Hindi"
)

// Caller identifies who submitted a request.
type Caller struct {
	Kind    string `json:"kind"`
	ID      string `json:"id"`
	Email   string `json:"email,omitempty"`
	IP      string `json:"-"`
	IsAdmin bool   `json:"-"`
}

// Authenticated reports whether the caller is a verified user.
func (c Caller) Authenticated() bool {
	return c.Kind == IdentityUser && c.ID != ""
}

// ChatRequest is built once by the transport layer and never mutated by pipeline stages.
type ChatRequest struct {
	Query          string       `json:"query"`
	Language       string       `json:"language"`
	History        []Turn       `json:"history,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	GenerateImages bool         `json:"generate_images"`
	ThinkingMode   bool         `json:"thinking_mode"`
}

// Outcome classifies how a request finished.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeDegraded  Outcome = "degraded"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFatal     Outcome = "fatal"
)

// Reason codes attached to degraded, rejected and fatal outcomes.
const (
	ReasonInputBlocked       = "input_blocked"
	ReasonQuotaExceeded      = "quota_exceeded"
	ReasonOutputBlocked      = "output_blocked"
	ReasonModelUnavailable   = "model_unavailable"
	ReasonModelFallback      = "model_fallback"
	ReasonStepsUnparsed      = "steps_unparsed"
	ReasonTranslation        = "translation_failed"
	ReasonIllustration       = "illustration_failed"
	ReasonDisclaimerMissing  = "disclaimer_missing"
	ReasonDeadline           = "deadline_exceeded"
	ReasonHistoryWriteFailed = "history_write_failed"
)

// ChatResponse is returned for every accepted request, degraded or not.
type ChatResponse struct {
	Answer           string             `json:"response"`
	OriginalQuery    string             `json:"original_query"`
	DetectedLanguage string             `json:"detected_language"`
	Language         string             `json:"language"`
	Topic            string             `json:"topic,omitempty"`
	Model            string             `json:"model,omitempty"`
	StepImages       []StepIllustration `json:"step_images"`
	StepsCount       int                `json:"steps_count"`
	Images           []string           `json:"images"`
	Outcome          Outcome            `json:"outcome"`
	Degraded         bool               `json:"degraded"`
	DegradedReasons  []string           `json:"degraded_reasons,omitempty"`
	Cached           bool               `json:"cached,omitempty"`
	ChatID           string             `json:"chat_id,omitempty"`
	Guest            *GuestStatus       `json:"guest,omitempty"`
	Timestamp        time.Time          `json:"timestamp"`
}

// Degrade marks the response degraded with reason, ignoring duplicates.
func (r *ChatResponse) Degrade(reason string) {
	if r.HasReason(reason) {
		return
	}
	r.DegradedReasons = append(r.DegradedReasons, reason)
	r.Degraded = true
	if r.Outcome == OutcomeCompleted || r.Outcome == "" {
		r.Outcome = OutcomeDegraded
	}
}

// HasReason reports whether reason was recorded on the response.
func (r *ChatResponse) HasReason(reason string) bool {
	for _, existing := range r.DegradedReasons {
		if existing == reason {
			return true
		}
	}
	return false
}
