package workflow

import (
	"testing"
	"time"

	"github.com/mmdatafocus/stock_batches/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func day(n int) *time.Time {
	t := baseTime.AddDate(0, 0, n)
	return &t
}

func batch(id int, qty int, cost int64, expiry *time.Time, createdOffset time.Duration) *models.StockBatch {
	return &models.StockBatch{
		ID:            id,
		ProductId:     7,
		BatchNumber:   models.FormatBatchNumber(7, baseTime, id),
		Quantity:      qty,
		PurchasePrice: decimal.NewFromInt(cost),
		SellingPrice:  decimal.NewFromInt(cost * 2),
		ExpiryDate:    expiry,
		Status:        models.BatchStatusActive,
		CreatedAt:     baseTime.Add(createdOffset),
	}
}

func TestAllocateBatches_SplitsAcrossBatchesInExpiryOrder(t *testing.T) {
	a := batch(1, 10, 5, day(10), 0)
	b := batch(2, 10, 6, day(20), 0)

	allocations, err := AllocateBatches([]*models.StockBatch{b, a}, 15)
	require.NoError(t, err)
	require.Len(t, allocations, 2)

	assert.Equal(t, 1, allocations[0].Batch.ID)
	assert.Equal(t, 10, allocations[0].Quantity)
	assert.Equal(t, 2, allocations[1].Batch.ID)
	assert.Equal(t, 5, allocations[1].Quantity)

	cogs := decimal.Zero
	for _, alloc := range allocations {
		record := models.NewBatchAllocation(alloc.Batch, alloc.Quantity, decimal.NewFromInt(20))
		cogs = cogs.Add(record.ItemCogs)
	}
	assert.True(t, cogs.Equal(decimal.NewFromInt(80)), "cogs = %s", cogs)
}

func TestAllocateBatches_Shortfall(t *testing.T) {
	a := batch(1, 10, 5, day(10), 0)
	b := batch(2, 5, 6, day(20), 0)

	allocations, err := AllocateBatches([]*models.StockBatch{a, b}, 20)
	assert.Nil(t, allocations)

	var stockErr *models.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 20, stockErr.Requested)
	assert.Equal(t, 15, stockErr.Available)
	assert.Equal(t, 5, stockErr.Shortfall)
	assert.Equal(t, 7, stockErr.ProductId)

	// nothing was taken from the inputs
	assert.Equal(t, 10, a.Quantity)
	assert.Equal(t, 5, b.Quantity)
}

func TestAllocateBatches_Ordering(t *testing.T) {
	testCases := []struct {
		name     string
		batches  []*models.StockBatch
		qty      int
		expected []int
	}{
		{
			name: "earliest expiry first regardless of receipt time",
			batches: []*models.StockBatch{
				batch(1, 2, 1, day(30), 0),
				batch(2, 2, 1, day(5), time.Hour),
			},
			qty:      4,
			expected: []int{2, 1},
		},
		{
			name: "batches without expiry go last",
			batches: []*models.StockBatch{
				batch(1, 2, 1, nil, 0),
				batch(2, 2, 1, day(90), time.Hour),
			},
			qty:      4,
			expected: []int{2, 1},
		},
		{
			name: "same expiry falls back to receipt time",
			batches: []*models.StockBatch{
				batch(1, 2, 1, day(10), 2*time.Hour),
				batch(2, 2, 1, day(10), time.Hour),
			},
			qty:      4,
			expected: []int{2, 1},
		},
		{
			name: "no expiry at all is plain receipt order",
			batches: []*models.StockBatch{
				batch(3, 2, 1, nil, 3*time.Hour),
				batch(1, 2, 1, nil, time.Hour),
				batch(2, 2, 1, nil, 2*time.Hour),
			},
			qty:      6,
			expected: []int{1, 2, 3},
		},
		{
			name: "identical keys are ordered by id",
			batches: []*models.StockBatch{
				batch(9, 1, 1, day(1), 0),
				batch(4, 1, 1, day(1), 0),
			},
			qty:      2,
			expected: []int{4, 9},
		},
		{
			name: "stops once satisfied",
			batches: []*models.StockBatch{
				batch(1, 5, 1, day(1), 0),
				batch(2, 5, 1, day(2), 0),
			},
			qty:      5,
			expected: []int{1},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			allocations, err := AllocateBatches(tc.batches, tc.qty)
			require.NoError(t, err)

			ids := make([]int, 0, len(allocations))
			total := 0
			for _, alloc := range allocations {
				ids = append(ids, alloc.Batch.ID)
				total += alloc.Quantity
			}
			assert.Equal(t, tc.expected, ids)
			assert.Equal(t, tc.qty, total)
		})
	}
}

func TestAllocateBatches_SkipsUnusableBatches(t *testing.T) {
	depleted := batch(1, 0, 1, day(1), 0)
	depleted.Status = models.BatchStatusDepleted
	expired := batch(2, 4, 1, day(2), 0)
	expired.Status = models.BatchStatusExpired
	empty := batch(3, 0, 1, day(3), 0)
	usable := batch(4, 4, 1, day(4), 0)

	allocations, err := AllocateBatches([]*models.StockBatch{depleted, expired, empty, nil, usable}, 3)
	require.NoError(t, err)
	require.Len(t, allocations, 1)
	assert.Equal(t, 4, allocations[0].Batch.ID)

	assert.Equal(t, 4, AvailableQuantity([]*models.StockBatch{depleted, expired, empty, usable}))

	_, err = AllocateBatches([]*models.StockBatch{depleted, expired, usable}, 5)
	var stockErr *models.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 1, stockErr.Shortfall)
}

func TestAllocateBatches_RejectsNonPositiveQuantity(t *testing.T) {
	for _, qty := range []int{0, -3} {
		_, err := AllocateBatches([]*models.StockBatch{batch(1, 5, 1, nil, 0)}, qty)
		assert.True(t, models.IsValidationError(err), "qty %d", qty)
	}
}

func TestAllocateBatches_EmptyLedger(t *testing.T) {
	_, err := AllocateBatches(nil, 1)
	var stockErr *models.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 0, stockErr.Available)
	assert.Equal(t, 1, stockErr.Shortfall)
}

func TestAllocateBatches_DoesNotReorderInput(t *testing.T) {
	late := batch(1, 1, 1, day(9), 0)
	early := batch(2, 1, 1, day(1), 0)
	input := []*models.StockBatch{late, early}

	_, err := AllocateBatches(input, 2)
	require.NoError(t, err)
	assert.Same(t, late, input[0])
	assert.Same(t, early, input[1])
}

func TestTakeAllocations(t *testing.T) {
	a := batch(1, 4, 1, day(1), 0)
	b := batch(2, 6, 1, day(2), 0)
	pending := []Allocation{{Batch: a, Quantity: 4}, {Batch: b, Quantity: 6}}

	first, rest := takeAllocations(pending, 5)
	require.Len(t, first, 2)
	assert.Equal(t, Allocation{Batch: a, Quantity: 4}, first[0])
	assert.Equal(t, Allocation{Batch: b, Quantity: 1}, first[1])

	second, rest := takeAllocations(rest, 5)
	require.Len(t, second, 1)
	assert.Equal(t, Allocation{Batch: b, Quantity: 5}, second[0])
	assert.Empty(t, rest)

	// the original slice is left intact
	assert.Equal(t, 6, pending[1].Quantity)
}
