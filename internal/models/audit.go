package models

import "time"

// AuditType groups audit events for retention and analysis.
type AuditType string

const (
	AuditAuth      AuditType = "auth"
	AuditChat      AuditType = "chat"
	AuditProfile   AuditType = "profile"
	AuditSecurity  AuditType = "security"
	AuditRateLimit AuditType = "rate_limit"
	AuditGuest     AuditType = "guest"
	AuditHistory   AuditType = "history"
	AuditAdmin     AuditType = "admin"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AuditEvent is append-only.
type AuditEvent struct {
	ID         string            `json:"id"`
	Type       AuditType         `json:"event_type"`
	Action     string            `json:"action"`
	ActorID    string            `json:"actor_id,omitempty"`
	ResourceID string            `json:"resource_id,omitempty"`
	Severity   Severity          `json:"severity"`
	Details    map[string]string `json:"details,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
}
