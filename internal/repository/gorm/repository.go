package gormrepository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"brokersync/internal/models"
	"brokersync/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) UpsertAccount(ctx context.Context, gatewayAccount, baseCurrency string) (uint64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	item := models.Account{
		GatewayAccount: gatewayAccount,
		BaseCurrency:   baseCurrency,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "gateway_account"}},
		DoUpdates: clause.AssignmentColumns([]string{"base_currency", "updated_at"}),
	}).Create(&item).Error
	if err != nil {
		return 0, err
	}
	if item.ID != 0 {
		return item.ID, nil
	}
	// Conflict path on some drivers leaves ID unset; read it back.
	var existing models.Account
	if err := s.db.WithContext(ctx).
		Where("gateway_account = ?", gatewayAccount).
		First(&existing).Error; err != nil {
		return 0, err
	}
	return existing.ID, nil
}

func (s *Store) SaveTrade(ctx context.Context, item *models.Trade) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	// Re-delivered executions carry the same exec id; keep the first row.
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "exec_id"}},
		DoNothing: true,
	}).Create(item).Error
}

func (s *Store) UpdateTradeCommission(ctx context.Context, execID string, commission, realized decimal.Decimal) error {
	if s == nil || s.db == nil || execID == "" {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.Trade{}).
		Where("exec_id = ?", execID).
		Updates(map[string]any{
			"commission":         commission,
			"realized_pnl":       realized,
			"commission_pending": false,
		}).Error
}

func (s *Store) ListTradesByPositionID(ctx context.Context, positionID uint64) ([]models.Trade, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Trade
	if err := s.db.WithContext(ctx).
		Where("position_id = ?", positionID).
		Order("trade_time asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) UpsertPosition(ctx context.Context, item *models.Position) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}, {Name: "symbol"}, {Name: "currency"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"exchange",
			"contract_id",
			"quantity",
			"avg_cost",
			"realized_pnl",
			"unrealized_pnl",
			"daily_pnl",
			"updated_at",
		}),
	}).Create(item).Error
	if err != nil {
		return err
	}
	if item.ID != 0 {
		return nil
	}
	var existing models.Position
	if err := s.db.WithContext(ctx).
		Where("account_id = ? AND symbol = ? AND currency = ?", item.AccountID, item.Symbol, item.Currency).
		First(&existing).Error; err != nil {
		return err
	}
	item.ID = existing.ID
	item.OpenedAt = existing.OpenedAt
	return nil
}

// ClosePosition archives the live row and deletes it in one transaction.
// Replaying the same close is a no-op: the archive insert ignores the
// duplicate key and the delete finds nothing.
func (s *Store) ClosePosition(ctx context.Context, positionID uint64, closed *models.HistoricalPosition) error {
	if s == nil || s.db == nil || closed == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).Create(closed).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", positionID).Delete(&models.Position{}).Error
	})
}

func (s *Store) FlushPositionsBatch(ctx context.Context, updates []repository.PositionPnLUpdate) error {
	if s == nil || s.db == nil || len(updates) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, u := range updates {
			if err := tx.Model(&models.Position{}).
				Where("id = ?", u.PositionID).
				Updates(map[string]any{
					"unrealized_pnl": u.Unrealized,
					"daily_pnl":      u.Daily,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) SaveAccountSummary(ctx context.Context, item *models.AccountSummary) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"net_liquidation",
			"total_cash_value",
			"available_funds",
			"excess_liquidity",
			"init_margin_req",
			"maint_margin_req",
			"gross_position_value",
			"short_market_value",
			"as_of",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) SaveDailyPnL(ctx context.Context, item *models.DailyPnL) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}, {Name: "trade_date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"daily_pnl",
			"cumulative_pnl",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) InsertPortfolioSnapshot(ctx context.Context, item *models.PortfolioSnapshot) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	item.SnapshotAt = item.SnapshotAt.Truncate(time.Hour)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "snapshot_at"}},
		DoNothing: true,
	}).Create(item).Error
}

func (s *Store) InsertRawGatewayEvent(ctx context.Context, item *models.RawGatewayEvent) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) LoadSnapshot(ctx context.Context, accountID uint64) (*repository.Snapshot, error) {
	if s == nil || s.db == nil {
		return &repository.Snapshot{}, nil
	}
	out := &repository.Snapshot{}

	if err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("symbol asc").
		Find(&out.Positions).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("closed_at desc").
		Find(&out.History).Error; err != nil {
		return nil, err
	}
	var summary models.AccountSummary
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		First(&summary).Error
	switch {
	case err == nil:
		out.Summary = &summary
	case errors.Is(err, gorm.ErrRecordNotFound):
		// No summary yet; fine.
	default:
		return nil, err
	}
	if err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("trade_date asc").
		Find(&out.Daily).Error; err != nil {
		return nil, err
	}
	return out, nil
}
