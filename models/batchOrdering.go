package models

import "sort"

// canonicalBatchOrder is the consumption order of a product's batches:
// earliest expiry first, batches without expiry last, then oldest receipt.
// SortBatches must agree with it.
const canonicalBatchOrder = "expiry_date IS NULL, expiry_date, created_at, id"

func batchLess(a, b *StockBatch) bool {
	switch {
	case a.ExpiryDate == nil && b.ExpiryDate != nil:
		return false
	case a.ExpiryDate != nil && b.ExpiryDate == nil:
		return true
	case a.ExpiryDate != nil && b.ExpiryDate != nil && !a.ExpiryDate.Equal(*b.ExpiryDate):
		return a.ExpiryDate.Before(*b.ExpiryDate)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortBatches orders batches in place by consumption order.
func SortBatches(batches []*StockBatch) {
	sort.SliceStable(batches, func(i, j int) bool {
		return batchLess(batches[i], batches[j])
	})
}
