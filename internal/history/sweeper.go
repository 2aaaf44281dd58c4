package history

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

const DefaultSweepInterval = time.Hour

// Purger deletes rows whose retention has passed.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper runs every registered Purger on a ticker.
type Sweeper struct {
	purgers map[string]Purger
	logger  *slog.Logger
	now     func() time.Time
}

func NewSweeper(purgers map[string]Purger, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		purgers: purgers,
		logger:  logger.With("component", "sweeper"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start sweeps in the background until ctx is done.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go s.loop(ctx, interval)
}

func (s *Sweeper) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs every purger once and returns the rows removed per name.
// A failing purger does not stop the others.
func (s *Sweeper) Sweep(ctx context.Context) map[string]int64 {
	names := make([]string, 0, len(s.purgers))
	for name := range s.purgers {
		names = append(names, name)
	}
	sort.Strings(names)

	now := s.now()
	removed := make(map[string]int64, len(names))
	for _, name := range names {
		n, err := s.purgers[name].PurgeExpired(ctx, now)
		if err != nil {
			s.logger.Error("purge expired rows", "table", name, "error", err)
			continue
		}
		removed[name] = n
		if n > 0 {
			s.logger.Info("purged expired rows", "table", name, "count", n)
		}
	}
	return removed
}
