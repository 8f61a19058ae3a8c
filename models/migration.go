package models

import (
	"gorm.io/gorm"
)

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&Product{},
		&StockBatch{},
		&Sale{}, &SaleItem{},
		&BatchAllocation{},
		&PriceHistory{},
	)
}
