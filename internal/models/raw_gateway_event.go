package models

import (
	"time"

	"gorm.io/datatypes"
)

// RawGatewayEvent keeps the unparsed gateway frames for audit and replay.
type RawGatewayEvent struct {
	ID         uint64         `gorm:"primaryKey;autoIncrement"`
	EventType  string         `gorm:"type:varchar(50);not null;index"`
	ReceivedAt time.Time      `gorm:"type:timestamptz;not null;index"`
	Payload    datatypes.JSON `gorm:"type:jsonb"`
}

func (RawGatewayEvent) TableName() string {
	return "raw_gateway_events"
}
