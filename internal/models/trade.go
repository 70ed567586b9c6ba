package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Trade struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	AccountID  uint64 `gorm:"not null;index"`
	PositionID uint64 `gorm:"index"`
	Symbol     string `gorm:"type:varchar(50);not null;index"`
	Currency   string `gorm:"type:varchar(10);not null"`
	Exchange   string `gorm:"type:varchar(20)"`

	Side     string          `gorm:"type:varchar(10);not null"`
	Quantity decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	Price    decimal.Decimal `gorm:"type:numeric(20,10);not null"`

	Commission  decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	RealizedPnL decimal.Decimal `gorm:"column:realized_pnl;type:numeric(30,10);not null;default:0"`
	// CommissionPending marks a trade whose commission report has not
	// arrived yet; backfilled by the report carrying the same ExecID.
	CommissionPending bool `gorm:"not null;default:false"`

	ExecID string  `gorm:"type:varchar(100);uniqueIndex"`
	PermID *string `gorm:"type:varchar(100)"`

	TradeTime time.Time `gorm:"type:timestamptz;not null;index"`
	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
}

func (Trade) TableName() string {
	return "trades"
}
