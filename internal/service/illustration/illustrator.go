// Package illustration renders one image per instructional step. Steps fan
// out over a bounded pool, each under its own timeout, and results are always
// returned in step order with a text fallback for any step without an image.
package illustration

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"medibot/internal/config"
	"medibot/internal/metrics"
	"medibot/internal/models"
	"medibot/internal/objectstore"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Failure reasons recorded on steps without an image.
const (
	FailBudget   = "budget"
	FailDeadline = "deadline"
	FailProvider = "provider_error"
	FailEmpty    = "empty_image"
	FailUpload   = "upload_error"
	FailTimeout  = "timeout"
)

type stepState int

const (
	statePending stepState = iota
	stateDispatched
	stateCompleted
	stateFailed
)

type Options struct {
	MaxSteps        int
	Concurrency     int
	StepTimeout     time.Duration
	BatchTimeout    time.Duration
	SecondsPerImage time.Duration
	DeadlineBuffer  time.Duration
	URLTTL          time.Duration
}

func OptionsFromConfig(cfg config.ImageConfig) Options {
	return Options{
		MaxSteps:        cfg.MaxSteps,
		Concurrency:     cfg.Concurrency,
		StepTimeout:     cfg.StepTimeout(),
		BatchTimeout:    cfg.BatchTimeout(),
		SecondsPerImage: time.Duration(cfg.SecondsPerImage) * time.Second,
		DeadlineBuffer:  time.Duration(cfg.DeadlineBufferSeconds) * time.Second,
		URLTTL:          cfg.URLTTL(),
	}
}

type Illustrator struct {
	provider Provider
	store    objectstore.Store
	opts     Options
	metrics  *metrics.Pipeline
	logger   *slog.Logger
	newID    func() string
}

func New(provider Provider, store objectstore.Store, opts Options, m *metrics.Pipeline, logger *slog.Logger) *Illustrator {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 10
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 45 * time.Second
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 2 * time.Minute
	}
	if opts.SecondsPerImage <= 0 {
		opts.SecondsPerImage = 3 * time.Second
	}
	if opts.URLTTL <= 0 {
		opts.URLTTL = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Illustrator{
		provider: provider,
		store:    store,
		opts:     opts,
		metrics:  m,
		logger:   logger.With("component", "illustration"),
		newID:    func() string { return uuid.NewString() },
	}
}

// Budget is the number of images that fit before the deadline of ctx.
func (il *Illustrator) Budget(ctx context.Context) int {
	budget := il.opts.MaxSteps
	deadline, ok := ctx.Deadline()
	if !ok {
		return budget
	}
	remaining := time.Until(deadline) - il.opts.DeadlineBuffer
	if remaining <= 0 {
		return 0
	}
	if affordable := int(remaining / il.opts.SecondsPerImage); affordable < budget {
		budget = affordable
	}
	return budget
}

// batch tracks one fan-out. Once a slot is terminal it is never rewritten.
type batch struct {
	mu      sync.Mutex
	states  []stepState
	results []models.StepIllustration
}

func (b *batch) settle(i int, ill models.StepIllustration, ok bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.states[i] == stateCompleted || b.states[i] == stateFailed {
		return false
	}
	b.results[i] = ill
	if ok {
		b.states[i] = stateCompleted
	} else {
		b.states[i] = stateFailed
	}
	return true
}

// Illustrate returns exactly one entry per step, in step order.
func (il *Illustrator) Illustrate(ctx context.Context, query string, steps []models.Step) []models.StepIllustration {
	if len(steps) == 0 {
		return []models.StepIllustration{}
	}
	start := time.Now()
	defer il.metrics.ObserveStage("illustration", start)

	b := &batch{
		states:  make([]stepState, len(steps)),
		results: make([]models.StepIllustration, len(steps)),
	}
	selected := Prioritize(steps, il.Budget(ctx))
	chosen := make(map[int]bool, len(selected))
	for _, i := range selected {
		chosen[i] = true
	}
	for i, s := range steps {
		if !chosen[i] {
			b.settle(i, il.failed(s, "", FailBudget), false)
		}
	}

	batchCtx, cancel := context.WithTimeout(ctx, il.opts.BatchTimeout)
	defer cancel()

	hash := QueryHash(query)
	sem := semaphore.NewWeighted(int64(il.opts.Concurrency))
	var wg sync.WaitGroup
	for _, i := range selected {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			il.renderStep(batchCtx, sem, b, i, steps[i], hash)
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-batchCtx.Done():
		il.logger.Warn("illustration batch deadline reached", "steps", len(selected))
	}

	for i, s := range steps {
		if b.settle(i, il.failed(s, "", FailDeadline), false) {
			il.metrics.Illustration("deadline")
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.StepIllustration, len(b.results))
	copy(out, b.results)
	return out
}

func (il *Illustrator) renderStep(ctx context.Context, sem *semaphore.Weighted, b *batch, i int, step models.Step, hash string) {
	if err := sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer sem.Release(1)

	b.mu.Lock()
	b.states[i] = stateDispatched
	b.mu.Unlock()

	il.metrics.ImageStarted()
	defer il.metrics.ImageFinished()

	prompt := Prompt(step)
	stepCtx, cancel := context.WithTimeout(ctx, il.opts.StepTimeout)
	defer cancel()

	data, err := il.provider.Generate(stepCtx, prompt)
	switch {
	case err != nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		il.fail(b, i, step, prompt, FailTimeout, err)
		return
	case err != nil && ctx.Err() != nil:
		// batch deadline; the slot is settled by Illustrate
		return
	case err != nil:
		il.fail(b, i, step, prompt, FailProvider, err)
		return
	case len(data) == 0:
		il.fail(b, i, step, prompt, FailEmpty, ErrNoImage)
		return
	}

	key := ObjectKey(hash, step.Number, il.newID())
	if err := il.store.Put(stepCtx, key, data, "image/png"); err != nil {
		il.fail(b, i, step, prompt, FailUpload, err)
		return
	}
	url, err := il.store.SignedURL(stepCtx, key, il.opts.URLTTL)
	if err != nil {
		il.logger.Warn("sign step image url", "step", step.Number, "error", err)
	}

	ill := models.NewStepIllustration(step, prompt, models.Rendered{Key: key, URL: url})
	if !b.settle(i, ill, true) {
		// the batch gave up on this step; the object would be orphaned
		if err := il.store.Delete(context.Background(), key); err != nil {
			il.logger.Warn("delete late step image", "key", key, "error", err)
		}
		return
	}
	il.metrics.Illustration("success")
}

func (il *Illustrator) fail(b *batch, i int, step models.Step, prompt, reason string, err error) {
	il.logger.Warn("step illustration failed", "step", step.Number, "reason", reason, "error", err)
	if b.settle(i, il.failed(step, prompt, reason), false) {
		il.metrics.Illustration(reason)
	}
}

func (il *Illustrator) failed(step models.Step, prompt, reason string) models.StepIllustration {
	return models.NewStepIllustration(step, prompt, models.Failed{Reason: reason, Fallback: FallbackFor(step)})
}

// Keys lists the object keys of rendered steps.
func Keys(steps []models.StepIllustration) []string {
	var keys []string
	for _, s := range steps {
		if r, ok := s.Outcome().(models.Rendered); ok {
			keys = append(keys, r.Key)
		}
	}
	return keys
}
