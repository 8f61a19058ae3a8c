package models

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
)

const batchNumberPrefix = "BT"

// FormatBatchNumber renders BT-{productId}-{MMDDYY}-{HHMMSS}-{seq:03d}.
func FormatBatchNumber(productId int, at time.Time, seq int) string {
	return fmt.Sprintf("%s-%d-%s-%s-%03d",
		batchNumberPrefix, productId, at.Format("010206"), at.Format("150405"), seq)
}

// ParseBatchSequence extracts the trailing sequence of a batch number.
func ParseBatchSequence(batchNumber string) (int, bool) {
	parts := strings.Split(batchNumber, "-")
	if len(parts) != 5 || parts[0] != batchNumberPrefix {
		return 0, false
	}
	seq, err := strconv.Atoi(parts[4])
	if err != nil || seq <= 0 {
		return 0, false
	}
	return seq, true
}

// nextBatchSequence picks the product's next sequence. The product row must
// be locked by the caller. The sequence never goes below the number of
// batches already stored, and skips numbers that are already taken.
func nextBatchSequence(tx *gorm.DB, ctx context.Context, product *Product, at time.Time) (int, error) {
	count, err := countProductBatches(tx, ctx, product.ID)
	if err != nil {
		return 0, err
	}
	seq := max(product.BatchSequence, count) + 1
	for {
		var taken int64
		if err := tx.WithContext(ctx).Model(&StockBatch{}).
			Where("product_id = ? AND batch_number = ?", product.ID, FormatBatchNumber(product.ID, at, seq)).
			Count(&taken).Error; err != nil {
			return 0, err
		}
		if taken == 0 {
			return seq, nil
		}
		seq++
	}
}

func claimBatchSequence(tx *gorm.DB, product *Product, seq int) error {
	if err := tx.Model(&Product{}).Where("id = ?", product.ID).
		Update("batch_sequence", seq).Error; err != nil {
		return err
	}
	product.BatchSequence = seq
	return nil
}
