// Package metrics defines the Prometheus instruments for the chat pipeline.
//
// Every pipeline stage reports latency and outcome here. Instruments are
// registered against a caller supplied registerer so tests can use an
// isolated registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "medibot"

// Pipeline holds all instruments. A nil *Pipeline is valid and records nothing.
type Pipeline struct {
	// RequestsTotal labels: identity (user, guest), outcome (completed, degraded, rejected, fatal)
	RequestsTotal *prometheus.CounterVec

	// StageDuration labels: stage (input_safety, quota, route, reasoning, illustration, output_safety, persist)
	StageDuration *prometheus.HistogramVec

	// ModelCalls labels: tier (fast, pro), status (success, error)
	ModelCalls *prometheus.CounterVec

	// ModelFallbacks counts router escalations to the alternate tier.
	ModelFallbacks prometheus.Counter

	// Illustrations labels: status (success or a failure reason)
	Illustrations *prometheus.CounterVec

	// ImagesInFlight tracks concurrently running illustration calls.
	ImagesInFlight prometheus.Gauge

	// SafetyVerdicts labels: direction (input, output), level (safe, warning, blocked)
	SafetyVerdicts *prometheus.CounterVec

	// GuestLimitHits counts guest requests rejected by quota.
	GuestLimitHits prometheus.Counter

	// QuotaStoreErrors counts guest store failures that were failed open.
	QuotaStoreErrors prometheus.Counter

	// AuthFailures labels: method (jwt, token)
	AuthFailures *prometheus.CounterVec

	// RateLimited counts requests rejected by the per-IP limiter.
	RateLimited prometheus.Counter

	// CacheLookups labels: result (hit, miss, error)
	CacheLookups *prometheus.CounterVec

	// AuditDropped counts audit events lost to a full buffer or write failure.
	AuditDropped prometheus.Counter

	// HistoryWrites labels: status (success, error)
	HistoryWrites *prometheus.CounterVec

	// QueueDepth is the number of jobs waiting in the dispatcher.
	QueueDepth prometheus.Gauge

	// ProfileExtractions labels: status (saved, empty, skipped, error)
	ProfileExtractions *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the pipeline instruments with reg.
func New(reg prometheus.Registerer) *Pipeline {
	f := promauto.With(reg)
	p := &Pipeline{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "requests_total",
			Help:      "Chat requests by identity kind and outcome.",
		}, []string{"identity", "outcome"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "stage_duration_seconds",
			Help:      "Latency of each pipeline stage.",
			Buckets:   []float64{0.005, 0.05, 0.25, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		ModelCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "calls_total",
			Help:      "Reasoning model calls by tier and status.",
		}, []string{"tier", "status"}),
		ModelFallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "fallbacks_total",
			Help:      "Escalations to the alternate model tier.",
		}),
		Illustrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "image",
			Name:      "illustrations_total",
			Help:      "Step illustrations by status.",
		}, []string{"status"}),
		ImagesInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "image",
			Name:      "in_flight",
			Help:      "Illustration calls currently running.",
		}),
		SafetyVerdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "verdicts_total",
			Help:      "Safety filter verdicts by direction and level.",
		}, []string{"direction", "level"}),
		GuestLimitHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guest",
			Name:      "limit_hits_total",
			Help:      "Guest requests rejected because the trial limit was reached.",
		}),
		QuotaStoreErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guest",
			Name:      "store_errors_total",
			Help:      "Guest quota store failures (request allowed).",
		}),
		AuthFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "auth_failures_total",
			Help:      "Rejected credentials by verification method.",
		}, []string{"method"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-IP rate limiter.",
		}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Response cache lookups by result.",
		}, []string{"result"}),
		AuditDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "dropped_total",
			Help:      "Audit events that could not be persisted.",
		}),
		HistoryWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "writes_total",
			Help:      "Chat record writes by status.",
		}, []string{"status"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "queue_depth",
			Help:      "Chat jobs waiting for a worker.",
		}),
		ProfileExtractions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "profile",
			Name:      "extractions_total",
			Help:      "Background health fact extractions by status.",
		}, []string{"status"}),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		p.gatherer = g
	}
	return p
}

// NewNop returns instruments bound to a throwaway registry.
func NewNop() *Pipeline {
	return New(prometheus.NewRegistry())
}

// Handler serves the registry the instruments were registered with.
func (p *Pipeline) Handler() http.Handler {
	if p == nil || p.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}

// ObserveStage records how long a stage took since start.
func (p *Pipeline) ObserveStage(stage string, start time.Time) {
	if p == nil {
		return
	}
	p.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func (p *Pipeline) Request(identity, outcome string) {
	if p == nil {
		return
	}
	p.RequestsTotal.WithLabelValues(identity, outcome).Inc()
}

func (p *Pipeline) ModelCall(tier, status string) {
	if p == nil {
		return
	}
	p.ModelCalls.WithLabelValues(tier, status).Inc()
}

func (p *Pipeline) Fallback() {
	if p == nil {
		return
	}
	p.ModelFallbacks.Inc()
}

func (p *Pipeline) Illustration(status string) {
	if p == nil {
		return
	}
	p.Illustrations.WithLabelValues(status).Inc()
}

func (p *Pipeline) ImageStarted() {
	if p == nil {
		return
	}
	p.ImagesInFlight.Inc()
}

func (p *Pipeline) ImageFinished() {
	if p == nil {
		return
	}
	p.ImagesInFlight.Dec()
}

func (p *Pipeline) Verdict(direction, level string) {
	if p == nil {
		return
	}
	p.SafetyVerdicts.WithLabelValues(direction, level).Inc()
}

func (p *Pipeline) GuestLimitHit() {
	if p == nil {
		return
	}
	p.GuestLimitHits.Inc()
}

func (p *Pipeline) QuotaStoreError() {
	if p == nil {
		return
	}
	p.QuotaStoreErrors.Inc()
}

func (p *Pipeline) AuthFailure(method string) {
	if p == nil {
		return
	}
	p.AuthFailures.WithLabelValues(method).Inc()
}

func (p *Pipeline) RateLimitHit() {
	if p == nil {
		return
	}
	p.RateLimited.Inc()
}

func (p *Pipeline) CacheLookup(result string) {
	if p == nil {
		return
	}
	p.CacheLookups.WithLabelValues(result).Inc()
}

func (p *Pipeline) AuditDrop() {
	if p == nil {
		return
	}
	p.AuditDropped.Inc()
}

func (p *Pipeline) HistoryWrite(status string) {
	if p == nil {
		return
	}
	p.HistoryWrites.WithLabelValues(status).Inc()
}

func (p *Pipeline) SetQueueDepth(n int) {
	if p == nil {
		return
	}
	p.QueueDepth.Set(float64(n))
}

func (p *Pipeline) ProfileExtraction(status string) {
	if p == nil {
		return
	}
	p.ProfileExtractions.WithLabelValues(status).Inc()
}
