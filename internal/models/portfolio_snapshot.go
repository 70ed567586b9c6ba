package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PortfolioSnapshot struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	AccountID  uint64    `gorm:"not null;uniqueIndex:uq_portfolio_snapshot,priority:1"`
	SnapshotAt time.Time `gorm:"type:timestamptz;not null;uniqueIndex:uq_portfolio_snapshot,priority:2"`

	TotalPositions int `gorm:"not null"`

	RealizedPnL   decimal.Decimal `gorm:"column:realized_pnl;type:numeric(30,10);not null"`
	UnrealizedPnL decimal.Decimal `gorm:"column:unrealized_pnl;type:numeric(30,10);not null"`
	DailyPnL      decimal.Decimal `gorm:"column:daily_pnl;type:numeric(30,10);not null"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
}

func (PortfolioSnapshot) TableName() string {
	return "portfolio_snapshots"
}
