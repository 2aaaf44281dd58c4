package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"medibot/internal/cache"
	"medibot/internal/models"
	"medibot/internal/safety"
	"medibot/internal/service/ai"

	"golang.org/x/time/rate"
)

// DefaultWarmInterval spaces warm-up calls so they do not trip provider quotas.
const DefaultWarmInterval = time.Second

var (
	ErrCacheDisabled = errors.New("response cache is disabled")
	errWarmBlocked   = errors.New("answer failed output safety")
)

// WarmResult counts what one warm-up run did.
type WarmResult struct {
	Warmed  int `json:"warmed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

// Warm answers queries ahead of time and stores them in the response cache.
// An empty list warms cache.CommonQueries. With skipExisting, queries that
// already have an entry are left alone.
func (p *Pipeline) Warm(ctx context.Context, queries []string, skipExisting bool) (WarmResult, error) {
	if p.deps.Cache == nil {
		return WarmResult{}, ErrCacheDisabled
	}
	if len(queries) == 0 {
		queries = cache.CommonQueries
	}
	res := WarmResult{Total: len(queries)}

	every := rate.Inf
	if p.warmEvery > 0 {
		every = rate.Every(p.warmEvery)
	}
	pace := rate.NewLimiter(every, 1)

	for _, q := range queries {
		q = strings.TrimSpace(q)
		if q == "" {
			res.Skipped++
			continue
		}
		if skipExisting {
			if _, ok := p.deps.Cache.Lookup(ctx, q); ok {
				res.Skipped++
				continue
			}
		}
		if err := pace.Wait(ctx); err != nil {
			return res, err
		}
		if err := p.warmOne(ctx, q); err != nil {
			res.Failed++
			p.logger.Warn("cache warm failed", "query", q, "error", err)
			continue
		}
		res.Warmed++
	}
	p.logger.Info("cache warmed", "warmed", res.Warmed, "skipped", res.Skipped, "failed", res.Failed)
	return res, nil
}

func (p *Pipeline) warmOne(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var got *ai.Answer
	first := p.deps.Router.Route(query, false)
	_, err := p.deps.Router.Invoke(ctx, first, func(ctx context.Context, d models.RouteDecision) error {
		ans, err := p.deps.Reasoner.Answer(ctx, d.Model, ai.Prompt{Query: query})
		if err != nil {
			return err
		}
		got = ans
		return nil
	})
	if err != nil {
		return err
	}
	if safety.ValidateOutput(got.Text).Blocked() {
		return errWarmBlocked
	}
	p.deps.Cache.Store(ctx, query, cache.Entry{Answer: got.Text, Topic: ai.DetectTopic(query), Model: got.Model})
	return nil
}
