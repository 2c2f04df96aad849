// Package recovery reconciles persistent state after a restart.
//
// Consensus documents and history entries carry TTLs, but a crashed process
// can leave expired rows behind. The sweeper removes them at startup and then
// on a fixed interval while the service runs.
package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/DataWeave/TaskPipe/internal/store"
)

// DefaultSweepInterval is how often the background sweep runs.
const DefaultSweepInterval = 5 * time.Minute

// Sweeper periodically clears expired state from the store.
type Sweeper struct {
	store    store.Store
	interval time.Duration
}

// NewSweeper creates a sweeper over the given store. A non-positive interval
// falls back to DefaultSweepInterval.
func NewSweeper(st store.Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{store: st, interval: interval}
}

// SweepOnce runs a single sweep and reports how many consensus documents were removed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	removed, err := s.store.SweepExpired(ctx)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		slog.Info("Sweeper.SweepOnce: expired consensus documents removed", "count", removed)
	}
	return removed, nil
}

// Run sweeps immediately and then on the configured interval until the
// context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	if _, err := s.SweepOnce(ctx); err != nil {
		slog.Error("Sweeper.Run: startup sweep failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Sweeper.Run: stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				slog.Error("Sweeper.Run: sweep failed", "error", err)
			}
		}
	}
}
