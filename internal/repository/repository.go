package repository

import (
	"context"

	"github.com/shopspring/decimal"

	"brokersync/internal/models"
)

// Snapshot is everything the cache needs to seed itself on startup.
type Snapshot struct {
	Positions []models.Position
	History   []models.HistoricalPosition
	Summary   *models.AccountSummary
	Daily     []models.DailyPnL
}

// PositionPnLUpdate is one dirty entry in a batched flush of the
// deferred-persistence fields (unrealized and daily PnL).
type PositionPnLUpdate struct {
	PositionID uint64
	Unrealized decimal.Decimal
	Daily      decimal.Decimal
}

// Storage is the durable-store collaborator. Every call is idempotent on its
// primary key so the persistence layer can retry freely.
type Storage interface {
	UpsertAccount(ctx context.Context, gatewayAccount, baseCurrency string) (uint64, error)

	SaveTrade(ctx context.Context, item *models.Trade) error
	UpdateTradeCommission(ctx context.Context, execID string, commission, realized decimal.Decimal) error
	ListTradesByPositionID(ctx context.Context, positionID uint64) ([]models.Trade, error)

	UpsertPosition(ctx context.Context, item *models.Position) error
	ClosePosition(ctx context.Context, positionID uint64, closed *models.HistoricalPosition) error
	FlushPositionsBatch(ctx context.Context, updates []PositionPnLUpdate) error

	SaveAccountSummary(ctx context.Context, item *models.AccountSummary) error
	SaveDailyPnL(ctx context.Context, item *models.DailyPnL) error

	InsertPortfolioSnapshot(ctx context.Context, item *models.PortfolioSnapshot) error
	InsertRawGatewayEvent(ctx context.Context, item *models.RawGatewayEvent) error

	LoadSnapshot(ctx context.Context, accountID uint64) (*Snapshot, error)
}
