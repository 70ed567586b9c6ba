package persist

import (
	"context"
	"time"

	"go.uber.org/zap"

	"brokersync/internal/models"
)

// SnapshotPortfolio records an hourly point of the portfolio's aggregate
// state. The row is keyed on the truncated hour, so a rerun within the same
// hour is a no-op.
func (s *Scheduler) SnapshotPortfolio(ctx context.Context) error {
	if !s.Cache.Initialized() {
		return nil
	}
	pnl := s.Cache.PnLSummary()
	if pnl.AccountID == 0 {
		return nil
	}
	snap := &models.PortfolioSnapshot{
		AccountID:      pnl.AccountID,
		SnapshotAt:     time.Now().UTC(),
		TotalPositions: len(s.Cache.Positions()),
		RealizedPnL:    pnl.RealizedPnL,
		UnrealizedPnL:  pnl.UnrealizedPnL,
		DailyPnL:       pnl.DailyPnL,
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	if err := s.Repo.InsertPortfolioSnapshot(writeCtx, snap); err != nil {
		if s.Logger != nil {
			s.Logger.Warn("portfolio snapshot failed", zap.Error(err))
		}
		return err
	}
	return nil
}
