package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DailyPnL is one row per trade date. The current date's row is rewritten on
// day rollover; prior dates are never touched again.
type DailyPnL struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	AccountID uint64 `gorm:"not null;uniqueIndex:uq_daily_pnl_date,priority:1"`
	TradeDate string `gorm:"type:varchar(10);not null;uniqueIndex:uq_daily_pnl_date,priority:2"`

	DailyPnL      decimal.Decimal `gorm:"column:daily_pnl;type:numeric(30,10);not null;default:0"`
	CumulativePnL decimal.Decimal `gorm:"column:cumulative_pnl;type:numeric(30,10);not null;default:0"`

	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (DailyPnL) TableName() string {
	return "account_daily_pnl"
}
