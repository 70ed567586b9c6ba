package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Position struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	AccountID  uint64 `gorm:"not null;index;uniqueIndex:uq_positions_key,priority:1"`
	Symbol     string `gorm:"type:varchar(50);not null;uniqueIndex:uq_positions_key,priority:2"`
	Currency   string `gorm:"type:varchar(10);not null;uniqueIndex:uq_positions_key,priority:3"`
	Exchange   string `gorm:"type:varchar(20)"`
	ContractID int64  `gorm:"index"`

	Quantity      decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	AvgCost       decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0"`
	RealizedPnL   decimal.Decimal `gorm:"column:realized_pnl;type:numeric(30,10);not null;default:0"`
	UnrealizedPnL decimal.Decimal `gorm:"column:unrealized_pnl;type:numeric(30,10);not null;default:0"`
	DailyPnL      decimal.Decimal `gorm:"column:daily_pnl;type:numeric(30,10);not null;default:0"`

	OpenedAt  time.Time `gorm:"type:timestamptz;not null"`
	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Position) TableName() string {
	return "positions"
}
