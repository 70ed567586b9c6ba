package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountSummary is a single row per account, replaced wholesale on every
// gateway account-summary push.
type AccountSummary struct {
	AccountID uint64 `gorm:"primaryKey"`

	NetLiquidation     *decimal.Decimal `gorm:"type:numeric(30,10)"`
	TotalCashValue     *decimal.Decimal `gorm:"type:numeric(30,10)"`
	AvailableFunds     *decimal.Decimal `gorm:"type:numeric(30,10)"`
	ExcessLiquidity    *decimal.Decimal `gorm:"type:numeric(30,10)"`
	InitMarginReq      *decimal.Decimal `gorm:"type:numeric(30,10)"`
	MaintMarginReq     *decimal.Decimal `gorm:"type:numeric(30,10)"`
	GrossPositionValue *decimal.Decimal `gorm:"type:numeric(30,10)"`
	ShortMarketValue   *decimal.Decimal `gorm:"type:numeric(30,10)"`

	AsOf      time.Time `gorm:"type:timestamptz;not null"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (AccountSummary) TableName() string {
	return "account_summary"
}
