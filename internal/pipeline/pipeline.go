// Package pipeline runs one chat request through every stage: quota gate,
// input safety, translation, routing with fallback, reasoning, step
// illustration, output safety, persistence and audit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"medibot/internal/audit"
	"medibot/internal/cache"
	"medibot/internal/guest"
	"medibot/internal/metrics"
	"medibot/internal/models"
	"medibot/internal/objectstore"
	"medibot/internal/router"
	"medibot/internal/safety"
	"medibot/internal/service/ai"
	"medibot/internal/service/illustration"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTimeout = 120 * time.Second
	// cleanupTimeout bounds writes that must outlive an expired request.
	cleanupTimeout = 10 * time.Second
)

var (
	ErrQuotaExceeded    = errors.New("guest message limit reached")
	ErrEmptyQuery       = errors.New("query is empty")
	ErrModelUnavailable = errors.New("no model produced an answer")
)

var tracer = otel.Tracer("medibot.pipeline")

// Quota is the guest trial gate.
type Quota interface {
	Check(ctx context.Context, guestID string) models.GuestStatus
	Charge(ctx context.Context, guestID, query string) (models.GuestStatus, error)
	LimitHit(guestID string)
}

// Reasoner produces an answer on a named model.
type Reasoner interface {
	Answer(ctx context.Context, modelName string, p ai.Prompt) (*ai.Answer, error)
}

type Translator interface {
	ToEnglish(ctx context.Context, text string) (string, string, error)
	FromEnglish(ctx context.Context, text, target string) (string, error)
}

type Illustrator interface {
	Illustrate(ctx context.Context, query string, steps []models.Step) []models.StepIllustration
}

// History persists authenticated transcripts.
type History interface {
	Save(ctx context.Context, rec *models.ChatRecord) error
}

// Profiles renders an authenticated caller's saved health context.
type Profiles interface {
	ContextSummary(ctx context.Context, ownerID string) (string, error)
}

// FactExtractor learns health facts from a message after the reply is sent.
type FactExtractor interface {
	Schedule(ctx context.Context, ownerID, message string)
}

// Deps are the stage implementations. Illustrator, Cache, History, Objects,
// Profiles and Facts are optional.
type Deps struct {
	Guests      Quota
	Router      *router.Router
	Reasoner    Reasoner
	Translator  Translator
	Illustrator Illustrator
	Cache       *cache.ResponseCache
	History     History
	Objects     objectstore.Store
	Profiles    Profiles
	Facts       FactExtractor
	Audit       audit.Recorder
	Metrics     *metrics.Pipeline
	Logger      *slog.Logger
}

type Pipeline struct {
	deps      Deps
	timeout   time.Duration
	warmEvery time.Duration
	logger    *slog.Logger
}

func New(deps Deps, timeout time.Duration) *Pipeline {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if deps.Audit == nil {
		deps.Audit = audit.Discard{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		deps:      deps,
		timeout:   timeout,
		warmEvery: DefaultWarmInterval,
		logger:    logger.With("component", "pipeline"),
	}
}

// Submit runs req to completion. A non-nil response is returned for every
// accepted request, including policy refusals and safety fallbacks.
func (p *Pipeline) Submit(ctx context.Context, req models.ChatRequest, caller models.Caller) (*models.ChatResponse, error) {
	return p.run(ctx, req, caller, nil)
}

// SubmitStream is Submit with progress reported through emit. Emit failures
// stop further events but never abort the request.
func (p *Pipeline) SubmitStream(ctx context.Context, req models.ChatRequest, caller models.Caller, emit Emit) (*models.ChatResponse, error) {
	s := &stream{emit: emit}
	resp, err := p.run(ctx, req, caller, s)
	if err != nil {
		s.send(Event{Type: EventError, Err: err})
		return resp, err
	}
	s.send(Event{Type: EventDone, Response: resp})
	return resp, nil
}

// request is the per-call state threaded through the stages.
type request struct {
	id      string
	req     models.ChatRequest
	caller  models.Caller
	resp    *models.ChatResponse
	stream  *stream
	logger  *slog.Logger
	english string
	target  string
	health  string
	live    bool
}

func (p *Pipeline) run(ctx context.Context, req models.ChatRequest, caller models.Caller, s *stream) (*models.ChatResponse, error) {
	start := time.Now()
	r := &request{
		id:     uuid.NewString()[:12],
		req:    req,
		caller: caller,
		stream: s,
	}
	r.logger = p.logger.With("request_id", r.id, "identity", caller.Kind)

	ctx, span := tracer.Start(ctx, "pipeline.Submit",
		trace.WithAttributes(
			attribute.String("request.id", r.id),
			attribute.String("identity", caller.Kind),
			attribute.Int("attachments", len(req.Attachments)),
			attribute.Bool("images.requested", req.GenerateImages),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	r.resp = &models.ChatResponse{
		OriginalQuery: req.Query,
		StepImages:    []models.StepIllustration{},
		Images:        []string{},
		Outcome:       models.OutcomeCompleted,
		Timestamp:     time.Now().UTC(),
	}

	if !caller.Authenticated() && p.deps.Guests != nil {
		quotaStart := time.Now()
		st := p.deps.Guests.Check(ctx, caller.ID)
		p.deps.Metrics.ObserveStage("quota", quotaStart)
		if !st.Allowed {
			p.deps.Guests.LimitHit(caller.ID)
			p.deps.Metrics.Request(caller.Kind, string(models.OutcomeRejected))
			r.logger.Info("guest limit reached", "guest", shortID(caller.ID))
			span.SetStatus(codes.Error, "quota exceeded")
			return nil, ErrQuotaExceeded
		}
	}

	verdict := p.screenInput(ctx, r, query)
	if verdict.Blocked() {
		r.resp.Answer = verdict.Fallback
		r.resp.Outcome = models.OutcomeRejected
		r.resp.DegradedReasons = []string{models.ReasonInputBlocked}
		r.resp.DetectedLanguage = ai.LanguageName(ai.DetectLanguage(query))
		r.resp.Language = r.resp.DetectedLanguage
		if strings.TrimSpace(req.Language) != "" {
			r.resp.Language = ai.LanguageName(ai.LanguageCode(req.Language))
		}
		p.finish(r, start)
		return r.resp, nil
	}

	if !caller.Authenticated() && p.deps.Guests != nil {
		st, err := p.deps.Guests.Charge(ctx, caller.ID, query)
		if errors.Is(err, guest.ErrLimitReached) {
			p.deps.Metrics.Request(caller.Kind, string(models.OutcomeRejected))
			span.SetStatus(codes.Error, "quota exceeded")
			return nil, ErrQuotaExceeded
		}
		r.resp.Guest = &st
	}

	p.translateIn(ctx, r, verdict.Sanitized)
	r.resp.Topic = ai.DetectTopic(r.english)
	p.loadHealthContext(ctx, r)
	r.stream.send(Event{Type: EventAck, RequestID: r.id, Language: r.resp.Language})

	ans, err := p.answer(ctx, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model unavailable")
		r.resp.Answer = safety.Fallback(safety.FallbackError)
		r.resp.Outcome = models.OutcomeFatal
		r.resp.DegradedReasons = []string{models.ReasonModelUnavailable}
		if ctx.Err() != nil {
			r.resp.DegradedReasons = append(r.resp.DegradedReasons, models.ReasonDeadline)
		}
		p.finish(r, start)
		return r.resp, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}
	r.resp.Model = ans.Model

	answer := p.translateOut(ctx, r, ans.Text)
	steps := p.illustrate(ctx, r, ans)

	if !p.screenOutput(ctx, r, ans.Text, steps) {
		span.SetStatus(codes.Error, "output blocked")
		p.finish(r, start)
		return r.resp, nil
	}

	r.resp.Answer = safety.SanitizeOutput(answer)
	r.resp.StepImages = steps
	r.resp.StepsCount = len(steps)
	if !r.live {
		r.stream.send(Event{Type: EventAnswer, Delta: r.resp.Answer})
	}
	if len(steps) > 0 {
		r.stream.send(Event{Type: EventStepImages, Steps: steps})
	}

	if !r.resp.Cached && !r.resp.HasReason(models.ReasonStepsUnparsed) && p.cacheable(r) {
		cctx, ccancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		p.deps.Cache.Store(cctx, r.english, cache.Entry{Answer: ans.Text, Topic: r.resp.Topic, Model: ans.Model})
		ccancel()
	}

	if caller.Authenticated() {
		p.persist(ctx, r)
		if p.deps.Facts != nil {
			p.deps.Facts.Schedule(ctx, caller.ID, r.english)
		}
	}

	if ctx.Err() != nil {
		r.resp.Degrade(models.ReasonDeadline)
	}
	p.finish(r, start)
	return r.resp, nil
}

func (p *Pipeline) screenInput(ctx context.Context, r *request, query string) models.SafetyVerdict {
	_, span := tracer.Start(ctx, "pipeline.InputSafety")
	defer span.End()
	start := time.Now()
	defer p.deps.Metrics.ObserveStage("input_safety", start)

	v := safety.CheckInput(query)
	p.deps.Metrics.Verdict("input", string(v.Level))
	span.SetAttributes(attribute.String("safety.level", string(v.Level)))
	if v.Level == models.SafetySafe {
		return v
	}

	severity, action := models.SeverityWarning, "suspicious_input"
	if v.Blocked() {
		severity, action = models.SeverityCritical, "input_blocked"
	}
	r.logger.Warn("input flagged", "level", v.Level, "issues", v.Issues)
	p.deps.Audit.Record(models.AuditEvent{
		Type:       models.AuditSecurity,
		Action:     action,
		ActorID:    r.caller.ID,
		ResourceID: r.id,
		Severity:   severity,
		Details:    map[string]string{"issues": strings.Join(v.Issues, "; ")},
	})
	return v
}

// translateIn sets the English working query and the reply language.
func (p *Pipeline) translateIn(ctx context.Context, r *request, query string) {
	r.english = query
	detected := ai.DetectLanguage(query)
	if p.deps.Translator != nil {
		english, lang, err := p.deps.Translator.ToEnglish(ctx, query)
		r.english, detected = english, lang
		if err != nil {
			r.logger.Warn("query translation failed", "language", lang, "error", err)
			r.resp.Degrade(models.ReasonTranslation)
		}
	}
	r.resp.DetectedLanguage = ai.LanguageName(detected)
	r.target = detected
	if strings.TrimSpace(r.req.Language) != "" {
		r.target = ai.LanguageCode(r.req.Language)
	}
	r.resp.Language = ai.LanguageName(r.target)
}

// loadHealthContext fetches the caller's profile summary for personal
// questions: anything with attachments or history, or not classified simple.
// A failed lookup only costs personalization.
func (p *Pipeline) loadHealthContext(ctx context.Context, r *request) {
	if p.deps.Profiles == nil || !r.caller.Authenticated() {
		return
	}
	personal := len(r.req.Attachments) > 0 || len(r.req.History) > 0 ||
		router.Classify(r.english, false) != router.Simple
	if !personal {
		return
	}
	summary, err := p.deps.Profiles.ContextSummary(ctx, r.caller.ID)
	if err != nil {
		r.logger.Warn("health profile unavailable", "error", err)
		return
	}
	r.health = summary
}

// cacheable reports whether the answer depends on the query text alone.
func (p *Pipeline) cacheable(r *request) bool {
	return p.deps.Cache != nil &&
		len(r.req.Attachments) == 0 &&
		len(r.req.History) == 0 &&
		!r.req.ThinkingMode &&
		r.health == ""
}

// answer serves from cache when possible, otherwise routes and invokes with
// one fallback. A malformed answer is kept as a last resort so text-only
// degradation beats a fatal outcome.
func (p *Pipeline) answer(ctx context.Context, r *request) (*ai.Answer, error) {
	if p.cacheable(r) {
		if e, ok := p.deps.Cache.Lookup(ctx, r.english); ok {
			ans := &ai.Answer{Model: e.Model, Text: e.Answer}
			ans.Steps, _ = ai.ParseSteps(e.Answer)
			r.resp.Cached = true
			return ans, nil
		}
	}

	ctx, span := tracer.Start(ctx, "pipeline.Reasoning")
	defer span.End()
	start := time.Now()
	defer p.deps.Metrics.ObserveStage("reasoning", start)

	// fragments are only streamed when no translation follows
	live := r.stream != nil && r.target == ai.LangEnglish
	r.live = live
	prompt := ai.Prompt{
		Query:         r.english,
		History:       r.req.History,
		Attachments:   r.req.Attachments,
		ThinkingMode:  r.req.ThinkingMode,
		HealthContext: r.health,
	}
	if live {
		prompt.OnDelta = func(delta string) error {
			r.stream.send(Event{Type: EventAnswer, Delta: delta})
			return nil
		}
	}

	var got, partial *ai.Answer
	first := p.deps.Router.Route(r.english, len(r.req.Attachments) > 0)
	used, err := p.deps.Router.Invoke(ai.WithToolCaller(ctx, r.caller.ID), first, func(ctx context.Context, d models.RouteDecision) error {
		if d.Attempt > 1 {
			dec := d
			r.stream.send(Event{Type: EventAck, RequestID: r.id, Language: r.resp.Language, Decision: &dec})
		}
		ans, err := p.deps.Reasoner.Answer(ctx, d.Model, prompt)
		if err != nil {
			if ans != nil && partial == nil {
				partial = ans
			}
			return err
		}
		got = ans
		return nil
	})
	span.SetAttributes(
		attribute.String("model", used.Model),
		attribute.String("route.reason", used.Reason),
		attribute.Int("route.attempt", used.Attempt),
	)
	r.logger.Info("model routed", "model", used.Model, "tier", used.Tier, "reason", used.Reason, "attempt", used.Attempt)

	switch {
	case err == nil:
		if used.Attempt > 1 {
			r.resp.Degrade(models.ReasonModelFallback)
		}
	case partial != nil:
		r.logger.Warn("steps unparsed on both tiers, returning text only", "error", err)
		r.resp.Degrade(models.ReasonStepsUnparsed)
		partial.Steps = nil
		got = partial
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "both tiers failed")
		r.logger.Error("model invocation failed", "error", err)
		return nil, err
	}
	return got, nil
}

func (p *Pipeline) translateOut(ctx context.Context, r *request, english string) string {
	if r.target == ai.LangEnglish || p.deps.Translator == nil {
		return english
	}
	out, err := p.deps.Translator.FromEnglish(ctx, english, r.target)
	if err != nil {
		r.logger.Warn("answer translation failed", "language", r.target, "error", err)
		r.resp.Degrade(models.ReasonTranslation)
	}
	return out
}

func (p *Pipeline) illustrate(ctx context.Context, r *request, ans *ai.Answer) []models.StepIllustration {
	if !r.req.GenerateImages || p.deps.Illustrator == nil || len(ans.Steps) == 0 {
		return []models.StepIllustration{}
	}
	if !ai.ShouldIllustrate(r.english, ans.Text) {
		return []models.StepIllustration{}
	}
	ctx, span := tracer.Start(ctx, "pipeline.Illustrate", trace.WithAttributes(attribute.Int("steps", len(ans.Steps))))
	defer span.End()

	steps := p.deps.Illustrator.Illustrate(ctx, r.english, ans.Steps)
	failed := 0
	for _, s := range steps {
		if s.ImageFailed {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("steps.failed", failed))
	if failed > 0 {
		r.resp.Degrade(models.ReasonIllustration)
		r.logger.Warn("some illustrations failed", "failed", failed, "steps", len(steps))
	}
	return steps
}

// screenOutput validates the English answer. It reports false when the answer
// was replaced by the safety fallback.
func (p *Pipeline) screenOutput(ctx context.Context, r *request, english string, steps []models.StepIllustration) bool {
	_, span := tracer.Start(ctx, "pipeline.OutputSafety")
	defer span.End()
	start := time.Now()
	defer p.deps.Metrics.ObserveStage("output_safety", start)

	v := safety.ValidateOutput(english)
	p.deps.Metrics.Verdict("output", string(v.Level))
	span.SetAttributes(attribute.String("safety.level", string(v.Level)))

	switch v.Level {
	case models.SafetyBlocked:
		r.logger.Warn("answer blocked by output filter", "issues", v.Issues)
		p.deps.Audit.Record(models.AuditEvent{
			Type:       models.AuditSecurity,
			Action:     "output_blocked",
			ActorID:    r.caller.ID,
			ResourceID: r.id,
			Severity:   models.SeverityCritical,
			Details:    map[string]string{"issues": strings.Join(v.Issues, "; "), "model": r.resp.Model},
		})
		if keys := illustration.Keys(steps); len(keys) > 0 && p.deps.Objects != nil {
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
			if err := objectstore.DeleteAll(dctx, p.deps.Objects, keys); err != nil {
				r.logger.Warn("delete discarded illustrations", "error", err)
			}
			cancel()
		}
		fallback := v.Fallback
		if r.target != ai.LangEnglish && p.deps.Translator != nil {
			fallback, _ = p.deps.Translator.FromEnglish(ctx, fallback, r.target)
		}
		r.resp.Answer = fallback
		r.resp.StepImages = []models.StepIllustration{}
		r.resp.StepsCount = 0
		r.resp.Outcome = models.OutcomeFatal
		r.resp.Degraded = false
		r.resp.DegradedReasons = []string{models.ReasonOutputBlocked}
		return false
	case models.SafetyWarning:
		p.deps.Audit.Record(models.AuditEvent{
			Type:       models.AuditSecurity,
			Action:     "output_warning",
			ActorID:    r.caller.ID,
			ResourceID: r.id,
			Severity:   models.SeverityWarning,
			Details:    map[string]string{"issues": strings.Join(v.Issues, "; ")},
		})
		r.resp.Degrade(models.ReasonDisclaimerMissing)
	}
	return true
}

func (p *Pipeline) persist(ctx context.Context, r *request) {
	if p.deps.History == nil {
		return
	}
	// the record is written even when the request deadline has passed
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "pipeline.Persist")
	defer span.End()
	start := time.Now()
	defer p.deps.Metrics.ObserveStage("persist", start)

	attachments := make([]models.AttachmentMeta, 0, len(r.req.Attachments))
	for _, a := range r.req.Attachments {
		attachments = append(attachments, a.Meta())
	}
	rec := &models.ChatRecord{
		OwnerID:     r.caller.ID,
		Query:       r.req.Query,
		Answer:      r.resp.Answer,
		Topic:       r.resp.Topic,
		Language:    r.resp.Language,
		Steps:       r.resp.StepImages,
		Attachments: attachments,
	}
	if err := p.deps.History.Save(ctx, rec); err != nil {
		span.RecordError(err)
		r.logger.Error("persist chat record", "error", err)
		p.deps.Audit.Record(models.AuditEvent{
			Type:       models.AuditHistory,
			Action:     "write_failed",
			ActorID:    r.caller.ID,
			ResourceID: r.id,
			Severity:   models.SeverityWarning,
			Details:    map[string]string{"error": err.Error()},
		})
		r.resp.Degrade(models.ReasonHistoryWriteFailed)
		return
	}
	r.resp.ChatID = rec.ChatID
}

func (p *Pipeline) finish(r *request, start time.Time) {
	resp := r.resp
	p.deps.Metrics.Request(r.caller.Kind, string(resp.Outcome))

	severity := models.SeverityInfo
	switch resp.Outcome {
	case models.OutcomeFatal, models.OutcomeRejected:
		severity = models.SeverityWarning
	}
	details := map[string]string{
		"outcome":  string(resp.Outcome),
		"model":    resp.Model,
		"language": resp.Language,
		"steps":    strconv.Itoa(resp.StepsCount),
	}
	if len(resp.DegradedReasons) > 0 {
		details["reasons"] = strings.Join(resp.DegradedReasons, ",")
	}
	p.deps.Audit.Record(models.AuditEvent{
		Type:       models.AuditChat,
		Action:     "chat_" + string(resp.Outcome),
		ActorID:    r.caller.ID,
		ResourceID: r.id,
		Severity:   severity,
		Details:    details,
	})
	r.logger.Info("chat finished",
		"outcome", resp.Outcome,
		"reasons", resp.DegradedReasons,
		"model", resp.Model,
		"cached", resp.Cached,
		"steps", resp.StepsCount,
		"elapsed", time.Since(start),
	)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
