package db

import (
	"brokersync/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.Account{},
		&models.Position{},
		&models.HistoricalPosition{},
		&models.Trade{},
		&models.AccountSummary{},
		&models.DailyPnL{},
		&models.PortfolioSnapshot{},
		&models.RawGatewayEvent{},
	)
}
