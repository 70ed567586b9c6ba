package models

import "time"

type Account struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	GatewayAccount string `gorm:"type:varchar(50);not null;uniqueIndex"`
	BaseCurrency   string `gorm:"type:varchar(10);not null"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Account) TableName() string {
	return "accounts"
}
