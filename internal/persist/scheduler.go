package persist

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"brokersync/internal/cache"
	"brokersync/internal/repository"
)

// Scheduler applies the two durability tiers: critical writes go through
// Immediate with a bounded timeout and retries, while position PnL ticks
// accumulate in the cache's dirty set and drain through FlushPositions. A
// failed write never blocks serving; the cache stays authoritative and the
// scheduler reports degraded until a write succeeds again.
type Scheduler struct {
	Repo         repository.Storage
	Cache        *cache.Store
	Logger       *zap.Logger
	WriteTimeout time.Duration
	Retries      int

	degraded atomic.Bool
}

func (s *Scheduler) timeout() time.Duration {
	if s.WriteTimeout <= 0 {
		return 5 * time.Second
	}
	return s.WriteTimeout
}

func (s *Scheduler) retries() int {
	if s.Retries <= 0 {
		return 3
	}
	return s.Retries
}

func (s *Scheduler) Degraded() bool {
	return s.degraded.Load()
}

// Immediate runs fn with a bounded timeout, retrying on failure. The final
// error is returned after marking the scheduler degraded; callers already
// applied the change to the cache and must not roll it back.
func (s *Scheduler) Immediate(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= s.retries(); attempt++ {
		writeCtx, cancel := context.WithTimeout(ctx, s.timeout())
		err = fn(writeCtx)
		cancel()
		if err == nil {
			s.degraded.Store(false)
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		if s.Logger != nil {
			s.Logger.Warn("immediate write failed",
				zap.String("write", label),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
	}
	s.degraded.Store(true)
	if s.Logger != nil {
		s.Logger.Warn("persistence degraded, serving from cache",
			zap.String("write", label),
			zap.Error(err))
	}
	return err
}

// FlushPositions drains the dirty PnL set in one batch. On failure the dirty
// entries stay put and the next flush retries them.
func (s *Scheduler) FlushPositions(ctx context.Context) error {
	batch := s.Cache.CollectDirtyPnL()
	if len(batch) == 0 {
		return nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	if err := s.Repo.FlushPositionsBatch(writeCtx, batch); err != nil {
		s.degraded.Store(true)
		if s.Logger != nil {
			s.Logger.Warn("position pnl flush failed", zap.Int("batch", len(batch)), zap.Error(err))
		}
		return err
	}
	s.degraded.Store(false)
	s.Cache.ClearDirtyPnL(batch)
	if s.Logger != nil {
		s.Logger.Debug("position pnl flushed", zap.Int("batch", len(batch)))
	}
	return nil
}
