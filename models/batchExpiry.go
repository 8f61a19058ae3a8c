package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// ProductsWithExpiredBatches lists products that still have active batches
// whose expiry is at or before asOf.
func ProductsWithExpiredBatches(tx *gorm.DB, ctx context.Context, asOf time.Time) ([]int, error) {
	var ids []int
	if err := tx.WithContext(ctx).Model(&StockBatch{}).
		Where("status = ? AND expiry_date IS NOT NULL AND expiry_date <= ?", string(BatchStatusActive), asOf.UTC()).
		Distinct("product_id").Order("product_id").
		Pluck("product_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// ExpireProductBatches marks the locked product's expired active batches as
// expired and takes their remaining quantity out of the aggregate.
// It returns the batches that were flipped.
func ExpireProductBatches(tx *gorm.DB, ctx context.Context, product *Product, asOf time.Time) ([]*StockBatch, error) {
	var candidates []*StockBatch
	if err := tx.WithContext(ctx).
		Where("product_id = ? AND status = ? AND expiry_date IS NOT NULL AND expiry_date <= ?",
			product.ID, string(BatchStatusActive), asOf.UTC()).
		Order(canonicalBatchOrder).
		Find(&candidates).Error; err != nil {
		return nil, err
	}

	expired := make([]*StockBatch, 0, len(candidates))
	removed := 0
	for _, batch := range candidates {
		result := tx.WithContext(ctx).Model(&StockBatch{}).
			Where("id = ? AND status = ? AND quantity = ?", batch.ID, string(BatchStatusActive), batch.Quantity).
			Updates(map[string]interface{}{"status": string(BatchStatusExpired), "updated_at": time.Now().UTC()})
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 0 {
			return nil, &ConcurrencyConflictError{ProductId: product.ID, BatchId: batch.ID}
		}
		batch.Status = BatchStatusExpired
		removed += batch.Quantity
		expired = append(expired, batch)
	}

	if err := adjustProductStock(tx, product.ID, -removed); err != nil {
		return nil, err
	}
	product.CurrentStock -= removed
	return expired, nil
}
