package models

import (
	"context"

	"github.com/mmdatafocus/stock_batches/config"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EnsureLegacyBatch turns stock that predates batch tracking into batch 001.
// It runs only when the locked product has positive aggregate stock and no
// batches at all. The synthetic batch has no expiry and is dated at the
// product's creation, so it sorts ahead of later receipts without expiry.
// The aggregate stays as it is.
// Returns nil when nothing had to be backfilled.
func EnsureLegacyBatch(tx *gorm.DB, ctx context.Context, product *Product) (*StockBatch, error) {
	if product.CurrentStock <= 0 {
		return nil, nil
	}
	count, err := countProductBatches(tx, ctx, product.ID)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, nil
	}

	createdAt := product.CreatedAt.UTC()
	seq := 1
	batch := StockBatch{
		ProductId:        product.ID,
		BatchNumber:      FormatBatchNumber(product.ID, createdAt, seq),
		Quantity:         product.CurrentStock,
		OriginalQuantity: product.CurrentStock,
		PurchasePrice:    product.PurchasePrice,
		SellingPrice:     product.SalesPrice,
		Status:           BatchStatusActive,
		Notes:            "stock carried over from before batch tracking",
		IsLegacyBackfill: true,
		CreatedAt:        createdAt,
	}
	if err := insertBatch(tx, ctx, &batch); err != nil {
		return nil, err
	}
	if product.BatchSequence < seq {
		if err := claimBatchSequence(tx, product, seq); err != nil {
			return nil, err
		}
	}

	config.GetLogger().WithFields(logrus.Fields{
		"product_id":   product.ID,
		"batch_id":     batch.ID,
		"batch_number": batch.BatchNumber,
		"quantity":     batch.Quantity,
	}).Info("legacy stock backfilled into batch")
	return &batch, nil
}

// ProductsNeedingLegacyBatch lists products holding stock but no batches.
func ProductsNeedingLegacyBatch(tx *gorm.DB, ctx context.Context) ([]*Product, error) {
	var products []*Product
	if err := tx.WithContext(ctx).
		Where("current_stock > 0").
		Where("NOT EXISTS (SELECT 1 FROM stock_batches b WHERE b.product_id = products.id)").
		Order("id").
		Find(&products).Error; err != nil {
		return nil, err
	}
	return products, nil
}
