package models

import (
	"context"

	"gorm.io/gorm"
)

// StockDrift is a product whose aggregate disagrees with its batches.
type StockDrift struct {
	ProductId    int    `json:"product_id"`
	ProductName  string `json:"product_name"`
	CurrentStock int    `json:"current_stock"`
	BatchStock   int    `json:"batch_stock"`
	BatchCount   int    `json:"batch_count"`
}

func (d StockDrift) Difference() int {
	return d.CurrentStock - d.BatchStock
}

// IsLegacyOnly reports stock that was never turned into batches. It is not a
// drift; the first batch operation on the product backfills it.
func (d StockDrift) IsLegacyOnly() bool {
	return d.BatchCount == 0 && d.CurrentStock > 0
}

// FindStockDrift compares products.current_stock with the sum of active and
// depleted batch quantities. productIds narrows the check; empty means all.
func FindStockDrift(tx *gorm.DB, ctx context.Context, productIds ...int) ([]StockDrift, error) {
	var rows []StockDrift
	query := tx.WithContext(ctx).Table("products AS p").
		Select(`p.id AS product_id, p.name AS product_name, p.current_stock AS current_stock,
			COALESCE(SUM(CASE WHEN b.status IN (?, ?) THEN b.quantity ELSE 0 END), 0) AS batch_stock,
			COUNT(b.id) AS batch_count`, string(BatchStatusActive), string(BatchStatusDepleted)).
		Joins("LEFT JOIN stock_batches AS b ON b.product_id = p.id").
		Group("p.id, p.name, p.current_stock").
		Order("p.id")
	if len(productIds) > 0 {
		query = query.Where("p.id IN ?", productIds)
	}
	if err := query.Scan(&rows).Error; err != nil {
		return nil, err
	}

	drifts := make([]StockDrift, 0)
	for _, row := range rows {
		if row.CurrentStock == row.BatchStock || row.IsLegacyOnly() {
			continue
		}
		drifts = append(drifts, row)
	}
	return drifts, nil
}
