package workflow

import (
	"github.com/mmdatafocus/stock_batches/models"
)

// Allocation is the quantity to take from one batch.
type Allocation struct {
	Batch    *models.StockBatch
	Quantity int
}

// AllocateBatches splits qty over batches in consumption order, taking as
// much as possible from each batch before moving on. Only active batches with
// stock are used. When they cannot cover qty nothing is allocated and an
// InsufficientStockError reports the shortfall.
// The input slice is not modified.
func AllocateBatches(batches []*models.StockBatch, qty int) ([]Allocation, error) {
	if qty <= 0 {
		return nil, models.NewValidationError("quantity", "must be greater than zero")
	}

	candidates := make([]*models.StockBatch, 0, len(batches))
	available := 0
	for _, batch := range batches {
		if batch == nil || batch.Status != models.BatchStatusActive || batch.Quantity <= 0 {
			continue
		}
		candidates = append(candidates, batch)
		available += batch.Quantity
	}

	if available < qty {
		productId := 0
		if len(candidates) > 0 {
			productId = candidates[0].ProductId
		}
		return nil, &models.InsufficientStockError{
			ProductId: productId,
			Requested: qty,
			Available: available,
			Shortfall: qty - available,
		}
	}

	models.SortBatches(candidates)

	allocations := make([]Allocation, 0)
	remaining := qty
	for _, batch := range candidates {
		if remaining == 0 {
			break
		}
		take := min(remaining, batch.Quantity)
		allocations = append(allocations, Allocation{Batch: batch, Quantity: take})
		remaining -= take
	}
	return allocations, nil
}

// AvailableQuantity is what AllocateBatches could hand out from batches.
func AvailableQuantity(batches []*models.StockBatch) int {
	total := 0
	for _, batch := range batches {
		if batch != nil && batch.Status == models.BatchStatusActive && batch.Quantity > 0 {
			total += batch.Quantity
		}
	}
	return total
}
