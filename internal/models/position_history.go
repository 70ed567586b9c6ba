package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// HistoricalPosition is the immutable archive row created when a live
// position's quantity reaches zero. The ID carries over from the closed
// position so trades keep a stable reference.
type HistoricalPosition struct {
	ID        uint64 `gorm:"primaryKey"`
	AccountID uint64 `gorm:"not null;index"`
	Symbol    string `gorm:"type:varchar(50);not null;index"`
	Currency  string `gorm:"type:varchar(10);not null"`
	Exchange  string `gorm:"type:varchar(20)"`

	Quantity    decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	AvgCost     decimal.Decimal `gorm:"type:numeric(20,10);not null"`
	RealizedPnL decimal.Decimal `gorm:"column:realized_pnl;type:numeric(30,10);not null;default:0"`

	OpenedAt  time.Time `gorm:"type:timestamptz;not null"`
	ClosedAt  time.Time `gorm:"type:timestamptz;not null;index"`
	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
}

func (HistoricalPosition) TableName() string {
	return "positions_history"
}
