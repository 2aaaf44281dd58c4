// Package router picks the model tier for a query and escalates once on failure.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"medibot/internal/metrics"
	"medibot/internal/models"
	"medibot/internal/safety"
)

// Complexity is the outcome of query classification.
type Complexity string

const (
	Simple  Complexity = "simple"
	Complex Complexity = "complex"
)

const (
	shortQueryLen        = 15
	complexSentences     = 3
	complexWords         = 40
	medicalEscalateWords = 25
)

var greetingPattern = regexp.MustCompile(`(?i)^(hi|hello|hey|good\s*(morning|afternoon|evening)|thanks|thank\s*you|bye|goodbye|ok|okay|what can you do|who are you|help me|start)[\s!?.]*$`)

var sentenceSplit = regexp.MustCompile(`[.!?]+`)

var complexKeywords = []string{
	"treatment plan", "differential diagnosis", "drug interaction",
	"contraindication", "chronic", "surgery", "anesthesia",
	"emergency", "overdose", "cardiac arrest", "stroke",
	"pregnancy complication", "pediatric", "cancer",
	"multiple symptoms", "blood test", "mri", "ct scan",
	"report", "analyze", "interpret", "prescription",
}

// Classify is a pure function of its inputs.
func Classify(query string, hasAttachments bool) Complexity {
	if hasAttachments {
		return Complex
	}
	q := strings.TrimSpace(query)
	if utf8.RuneCountInString(q) < shortQueryLen || greetingPattern.MatchString(q) {
		return Simple
	}
	lower := strings.ToLower(q)
	for _, kw := range complexKeywords {
		if strings.Contains(lower, kw) {
			return Complex
		}
	}
	words := len(strings.Fields(q))
	if len(sentenceSplit.Split(q, -1)) >= complexSentences || words >= complexWords {
		return Complex
	}
	if words >= medicalEscalateWords && safety.IsMedicalQuery(q) {
		return Complex
	}
	return Simple
}

// Router maps complexity onto the configured fast and pro models.
type Router struct {
	fastModel string
	proModel  string
	metrics   *metrics.Pipeline
	logger    *slog.Logger
}

func New(fastModel, proModel string, m *metrics.Pipeline, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		fastModel: fastModel,
		proModel:  proModel,
		metrics:   m,
		logger:    logger.With("component", "router"),
	}
}

// Route returns the first-attempt decision for query.
func (r *Router) Route(query string, hasAttachments bool) models.RouteDecision {
	if hasAttachments {
		return models.RouteDecision{Model: r.proModel, Tier: models.TierPro, Reason: models.RouteAttachments, Attempt: 1}
	}
	if Classify(query, false) == Complex {
		return models.RouteDecision{Model: r.proModel, Tier: models.TierPro, Reason: models.RouteComplex, Attempt: 1}
	}
	return models.RouteDecision{Model: r.fastModel, Tier: models.TierFast, Reason: models.RouteSimple, Attempt: 1}
}

// Alternate returns the escalation decision that follows d.
func (r *Router) Alternate(d models.RouteDecision) models.RouteDecision {
	next := models.RouteDecision{Reason: models.RouteFallback, Attempt: d.Attempt + 1}
	if d.Tier == models.TierFast {
		next.Tier, next.Model = models.TierPro, r.proModel
	} else {
		next.Tier, next.Model = models.TierFast, r.fastModel
	}
	return next
}

// Call performs one model invocation for a decision.
type Call func(ctx context.Context, d models.RouteDecision) error

// ErrBothTiersFailed wraps the last error when the escalation also fails.
var ErrBothTiersFailed = errors.New("primary and fallback models failed")

// Invoke runs call with d and, if it fails, exactly once more on the alternate
// tier. It returns the decision that produced the final result.
func (r *Router) Invoke(ctx context.Context, d models.RouteDecision, call Call) (models.RouteDecision, error) {
	err := call(ctx, d)
	r.record(d, err)
	if err == nil {
		return d, nil
	}
	if ctx.Err() != nil {
		return d, err
	}

	next := r.Alternate(d)
	r.metrics.Fallback()
	r.logger.Warn("model call failed, escalating",
		"from", d.Model,
		"to", next.Model,
		"error", err,
	)
	if ferr := call(ctx, next); ferr != nil {
		r.record(next, ferr)
		return next, fmt.Errorf("%w: %s: %v; %s: %w", ErrBothTiersFailed, d.Model, err, next.Model, ferr)
	}
	r.record(next, nil)
	return next, nil
}

func (r *Router) record(d models.RouteDecision, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	r.metrics.ModelCall(string(d.Tier), status)
}
