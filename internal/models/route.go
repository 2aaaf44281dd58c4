package models

// Tier is a model capability class.
type Tier string

const (
	TierFast Tier = "fast"
	TierPro  Tier = "pro"
)

// Route reason codes.
const (
	RouteSimple      = "simple_query"
	RouteComplex     = "complex_query"
	RouteAttachments = "attachments"
	RouteFallback    = "fallback"
)

// RouteDecision records which model served a request and why.
type RouteDecision struct {
	Model   string `json:"model"`
	Tier    Tier   `json:"tier"`
	Reason  string `json:"reason"`
	Attempt int    `json:"attempt"`
}
