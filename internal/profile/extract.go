package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"medibot/internal/metrics"
	"medibot/internal/models"

	"github.com/cloudwego/eino/schema"
	"golang.org/x/sync/semaphore"
)

const (
	// MinExtractLength skips greetings and one-word replies.
	MinExtractLength = 10

	DefaultExtractTimeout    = 30 * time.Second
	DefaultExtractConcurrent = 4
)

const extractPrompt = `Extract personal health information that the user explicitly states about themselves in the message below.

Return ONLY a JSON object with these fields:
{"conditions": [], "medications": [{"name": "", "dosage": ""}], "allergies": [], "key_facts": [], "age": null, "gender": null}

Rules:
- Include only facts the user states about themselves. Do not infer or guess.
- Ignore questions about other people and general questions.
- Use empty lists and null when nothing applies.`

// Generator is the slice of the model registry the extractor needs.
type Generator interface {
	Generate(ctx context.Context, modelName string, msgs []*schema.Message) (string, error)
}

// Extractor pulls health facts out of chat messages after the answer is sent.
// At most DefaultExtractConcurrent extractions run at once; extra ones are
// dropped rather than queued.
type Extractor struct {
	gen      Generator
	model    string
	profiles *Service
	sem      *semaphore.Weighted
	timeout  time.Duration
	metrics  *metrics.Pipeline
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func NewExtractor(gen Generator, model string, profiles *Service, m *metrics.Pipeline, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		gen:      gen,
		model:    model,
		profiles: profiles,
		sem:      semaphore.NewWeighted(DefaultExtractConcurrent),
		timeout:  DefaultExtractTimeout,
		metrics:  m,
		logger:   logger.With("component", "profile_extractor"),
	}
}

// Extract runs one extraction and returns how many profile entries changed.
func (e *Extractor) Extract(ctx context.Context, ownerID, message string) (int, error) {
	message = strings.TrimSpace(message)
	if utf8.RuneCountInString(message) < MinExtractLength {
		return 0, nil
	}
	raw, err := e.gen.Generate(ctx, e.model, []*schema.Message{
		schema.SystemMessage(extractPrompt),
		schema.UserMessage(message),
	})
	if err != nil {
		return 0, fmt.Errorf("extract health facts: %w", err)
	}
	facts, err := parseFacts(raw)
	if err != nil {
		return 0, err
	}
	return e.profiles.Apply(ctx, ownerID, facts, models.SourceChat)
}

// Schedule starts Extract in the background, detached from ctx's cancellation.
func (e *Extractor) Schedule(ctx context.Context, ownerID, message string) {
	if utf8.RuneCountInString(strings.TrimSpace(message)) < MinExtractLength {
		return
	}
	if !e.sem.TryAcquire(1) {
		e.metrics.ProfileExtraction("skipped")
		e.logger.Debug("extraction dropped, all slots busy")
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.sem.Release(1)
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
		defer cancel()

		n, err := e.Extract(ctx, ownerID, message)
		switch {
		case err != nil:
			e.metrics.ProfileExtraction("error")
			e.logger.Warn("health fact extraction failed", "error", err)
		case n == 0:
			e.metrics.ProfileExtraction("empty")
		default:
			e.metrics.ProfileExtraction("saved")
			e.logger.Debug("health facts saved", "count", n)
		}
	}()
}

// Wait blocks until scheduled extractions finish.
func (e *Extractor) Wait() {
	e.wg.Wait()
}

// parseFacts accepts a bare JSON object or one wrapped in a markdown fence.
func parseFacts(raw string) (models.ExtractedFacts, error) {
	var facts models.ExtractedFacts
	text := strings.TrimSpace(raw)
	if i := strings.Index(text, "```"); i >= 0 {
		text = text[i+3:]
		text = strings.TrimPrefix(text, "json")
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
	}
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return facts, fmt.Errorf("extract health facts: no JSON object in reply")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &facts); err != nil {
		return facts, fmt.Errorf("extract health facts: %w", err)
	}
	return facts, nil
}
