package workflow_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmdatafocus/stock_batches/models"
	"github.com/mmdatafocus/stock_batches/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestSettleSale_DrawsOldestBatchFirst(t *testing.T) {
	e := newTestEngine(t, workflow.ManualPricing{})
	ctx := context.Background()

	p := createProduct(t, e, "20.00", 0)
	b1 := receive(t, e, p.ID, 5, "10.00", "15.00", nil)
	b2 := receive(t, e, p.ID, 10, "12.00", "18.00", nil)

	result, err := e.SettleSale(ctx, sellOne(p.ID, 7))
	require.NoError(t, err)
	assert.True(t, result.TotalCogs.Equal(money("74")), "cogs %s", result.TotalCogs)
	assert.True(t, result.TotalRevenue.Equal(money("140")), "revenue %s", result.TotalRevenue)
	assert.True(t, result.GrossProfit.Equal(money("66")), "profit %s", result.GrossProfit)
	assert.True(t, result.MarginDisplay().Equal(money("47.14")), "margin %s", result.MarginDisplay())
	assert.Empty(t, result.RepricedProductIds)

	allocations, err := e.ListBatchAllocations(ctx, result.SaleId)
	require.NoError(t, err)
	require.Len(t, allocations, 2)
	assert.Equal(t, b1.BatchId, allocations[0].BatchId)
	assert.Equal(t, 5, allocations[0].QuantitySold)
	assert.True(t, allocations[0].ItemCogs.Equal(money("50")))
	assert.Equal(t, b2.BatchId, allocations[1].BatchId)
	assert.Equal(t, 2, allocations[1].QuantitySold)
	assert.True(t, allocations[1].ItemCogs.Equal(money("24")))

	batches := batchesOf(t, p.ID)
	require.Len(t, batches, 2)
	assert.Equal(t, 0, batches[0].Quantity)
	assert.Equal(t, models.BatchStatusDepleted, batches[0].Status)
	assert.Equal(t, 8, batches[1].Quantity)
	assert.Equal(t, models.BatchStatusActive, batches[1].Status)

	assert.Equal(t, 8, reloadProduct(t, p.ID).CurrentStock)
	requireNoDrift(t, e, p.ID)

	sale, err := models.GetSale(testDB, ctx, result.SaleId)
	require.NoError(t, err)
	require.Len(t, sale.Items, 1)
	assert.Equal(t, 7, sale.Items[0].Quantity)
	assert.True(t, sale.Items[0].Cogs.Equal(money("74")))
}

func TestSettleSale_ShortfallWritesNothing(t *testing.T) {
	e := newTestEngine(t, workflow.ManualPricing{})
	ctx := context.Background()

	p := createProduct(t, e, "20.00", 0)
	receive(t, e, p.ID, 5, "10.00", "15.00", nil)
	receive(t, e, p.ID, 10, "12.00", "18.00", nil)

	sales := countRows(t, &models.Sale{})
	allocations := countRows(t, &models.BatchAllocation{})

	_, err := e.SettleSale(ctx, sellOne(p.ID, 20))
	var stockErr *models.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, p.ID, stockErr.ProductId)
	assert.Equal(t, p.Name, stockErr.ProductName)
	assert.Equal(t, 20, stockErr.Requested)
	assert.Equal(t, 15, stockErr.Available)
	assert.Equal(t, 5, stockErr.Shortfall)

	assert.Equal(t, sales, countRows(t, &models.Sale{}))
	assert.Equal(t, allocations, countRows(t, &models.BatchAllocation{}))
	assert.Equal(t, 15, reloadProduct(t, p.ID).CurrentStock)
	batches := batchesOf(t, p.ID)
	assert.Equal(t, 5, batches[0].Quantity)
	assert.Equal(t, 10, batches[1].Quantity)
}

func TestSettleSale_MultiItemIsAtomic(t *testing.T) {
	e := newTestEngine(t, workflow.ManualPricing{})
	ctx := context.Background()

	first := createProduct(t, e, "5.00", 0)
	short := createProduct(t, e, "5.00", 0)
	third := createProduct(t, e, "5.00", 0)
	receive(t, e, first.ID, 10, "2.00", "5.00", nil)
	receive(t, e, short.ID, 1, "2.00", "5.00", nil)
	receive(t, e, third.ID, 10, "2.00", "5.00", nil)

	sales := countRows(t, &models.Sale{})
	items := countRows(t, &models.SaleItem{})
	allocations := countRows(t, &models.BatchAllocation{})

	_, err := e.SettleSale(ctx, &models.NewSale{Items: []models.NewSaleItem{
		{ProductId: first.ID, Quantity: 3},
		{ProductId: short.ID, Quantity: 2},
		{ProductId: third.ID, Quantity: 3},
	}})
	var stockErr *models.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, short.ID, stockErr.ProductId)
	assert.Equal(t, 1, stockErr.Shortfall)

	assert.Equal(t, sales, countRows(t, &models.Sale{}))
	assert.Equal(t, items, countRows(t, &models.SaleItem{}))
	assert.Equal(t, allocations, countRows(t, &models.BatchAllocation{}))
	for _, p := range []*models.Product{first, short, third} {
		total := 0
		for _, b := range batchesOf(t, p.ID) {
			total += b.Quantity
		}
		assert.Equal(t, reloadProduct(t, p.ID).CurrentStock, total)
	}
	assert.Equal(t, 10, reloadProduct(t, first.ID).CurrentStock)
	requireNoDrift(t, e, first.ID, short.ID, third.ID)
}

func TestSettleSale_SameProductOnTwoLines(t *testing.T) {
	e := newTestEngine(t, workflow.ManualPricing{})
	ctx := context.Background()

	p := createProduct(t, e, "10.00", 0)
	receive(t, e, p.ID, 4, "3.00", "10.00", nil)
	receive(t, e, p.ID, 6, "4.00", "10.00", nil)

	result, err := e.SettleSale(ctx, &models.NewSale{Items: []models.NewSaleItem{
		{ProductId: p.ID, Quantity: 5},
		{ProductId: p.ID, Quantity: 3, UnitPrice: moneyPtr("12.00")},
	}})
	require.NoError(t, err)
	// 4*3 + 1*4 for the first line, 3*4 for the second
	assert.True(t, result.TotalCogs.Equal(money("28")), "cogs %s", result.TotalCogs)
	assert.True(t, result.TotalRevenue.Equal(money("86")), "revenue %s", result.TotalRevenue)

	sale, err := models.GetSale(testDB, ctx, result.SaleId)
	require.NoError(t, err)
	require.Len(t, sale.Items, 2)

	allocations, err := e.ListBatchAllocations(ctx, result.SaleId)
	require.NoError(t, err)
	soldPerItem := map[int]int{}
	for _, a := range allocations {
		soldPerItem[a.SaleItemId] += a.QuantitySold
	}
	for _, item := range sale.Items {
		assert.Equal(t, item.Quantity, soldPerItem[item.ID], "item %d", item.ID)
	}

	assert.Equal(t, 2, reloadProduct(t, p.ID).CurrentStock)
	requireNoDrift(t, e, p.ID)
}

func TestSettleSale_DiscountAndTender(t *testing.T) {
	e := newTestEngine(t, workflow.ManualPricing{})
	ctx := context.Background()

	p := createProduct(t, e, "50.00", 0)
	receive(t, e, p.ID, 10, "30.00", "50.00", nil)

	result, err := e.SettleSale(ctx, &models.NewSale{
		Items:          []models.NewSaleItem{{ProductId: p.ID, Quantity: 2}},
		DiscountType:   "P",
		Discount:       money("10"),
		AmountTendered: moneyPtr("100"),
		Customer:       &models.CustomerInfo{Name: "Walk-in"},
	})
	require.NoError(t, err)
	assert.True(t, result.Subtotal.Equal(money("100")))
	assert.True(t, result.DiscountAmount.Equal(money("10")))
	assert.True(t, result.TotalAmount.Equal(money("90")))
	assert.True(t, result.ChangeDue.Equal(money("10")))
	assert.True(t, result.GrossProfit.Equal(money("40")))

	_, err = e.SettleSale(ctx, &models.NewSale{
		Items:          []models.NewSaleItem{{ProductId: p.ID, Quantity: 1}},
		AmountTendered: moneyPtr("10"),
	})
	assert.True(t, models.IsValidationError(err))
	assert.Equal(t, 8, reloadProduct(t, p.ID).CurrentStock)
}

func TestSettleSale_UnknownProduct(t *testing.T) {
	e := newTestEngine(t, workflow.ManualPricing{})
	_, err := e.SettleSale(context.Background(), sellOne(987654321, 1))
	assert.ErrorIs(t, err, models.ErrProductNotFound)

	_, err = e.ListBatchAllocations(context.Background(), 987654321)
	assert.ErrorIs(t, err, models.ErrSaleNotFound)
}

func TestSettleSale_TwoTerminalsRaceForLastUnits(t *testing.T) {
	e := newTestEngine(t, workflow.ManualPricing{})
	ctx := context.Background()

	p := createProduct(t, e, "10.00", 0)
	receive(t, e, p.ID, 2, "4.00", "10.00", nil)
	receive(t, e, p.ID, 3, "5.00", "10.00", nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.SettleSale(ctx, sellOne(p.ID, 3))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var stockErr *models.InsufficientStockError
		require.ErrorAs(t, err, &stockErr)
		assert.Equal(t, 1, stockErr.Shortfall)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 2, reloadProduct(t, p.ID).CurrentStock)
	requireNoDrift(t, e, p.ID)
}

func TestSettleSale_ConcurrentSingleUnitSales(t *testing.T) {
	e := newTestEngine(t, workflow.ManualPricing{})
	ctx := context.Background()

	const n = 12
	p := createProduct(t, e, "10.00", 0)
	receive(t, e, p.ID, 5, "4.00", "10.00", nil)
	receive(t, e, p.ID, 4, "5.00", "10.00", nil)
	receive(t, e, p.ID, 3, "6.00", "10.00", nil)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.SettleSale(ctx, sellOne(p.ID, 1))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 0, reloadProduct(t, p.ID).CurrentStock)
	for _, b := range batchesOf(t, p.ID) {
		assert.Equal(t, 0, b.Quantity)
		assert.Equal(t, models.BatchStatusDepleted, b.Status)
	}
	requireNoDrift(t, e, p.ID)

	_, err := e.SettleSale(ctx, sellOne(p.ID, 1))
	var stockErr *models.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 1, stockErr.Shortfall)
}

func TestSettleSale_EarliestExpiryFirst(t *testing.T) {
	e := newTestEngine(t, workflow.ManualPricing{})
	ctx := context.Background()

	soon := time.Now().UTC().AddDate(0, 0, 10)
	later := time.Now().UTC().AddDate(0, 0, 40)

	p := createProduct(t, e, "9.00", 0)
	noExpiry := receive(t, e, p.ID, 5, "1.00", "9.00", nil)
	lateBatch := receive(t, e, p.ID, 5, "2.00", "9.00", &later)
	soonBatch := receive(t, e, p.ID, 5, "3.00", "9.00", &soon)

	result, err := e.SettleSale(ctx, sellOne(p.ID, 12))
	require.NoError(t, err)

	allocations, err := e.ListBatchAllocations(ctx, result.SaleId)
	require.NoError(t, err)
	require.Len(t, allocations, 3)
	assert.Equal(t, soonBatch.BatchId, allocations[0].BatchId)
	assert.Equal(t, lateBatch.BatchId, allocations[1].BatchId)
	assert.Equal(t, noExpiry.BatchId, allocations[2].BatchId)
	assert.Equal(t, 2, allocations[2].QuantitySold)
}

func TestAllocationsAreAppendOnly(t *testing.T) {
	e := newTestEngine(t, workflow.ManualPricing{})
	ctx := context.Background()

	p := createProduct(t, e, "10.00", 0)
	receive(t, e, p.ID, 3, "4.00", "10.00", nil)
	result, err := e.SettleSale(ctx, sellOne(p.ID, 1))
	require.NoError(t, err)

	allocations, err := e.ListBatchAllocations(ctx, result.SaleId)
	require.NoError(t, err)
	require.Len(t, allocations, 1)

	row := allocations[0]
	assert.ErrorIs(t, testDB.Model(row).Update("quantity_sold", 3).Error, models.ErrAllocationImmutable)
	assert.ErrorIs(t, testDB.Delete(row).Error, models.ErrAllocationImmutable)
}

// drainBeforeDecrement empties a batch from outside the settlement transaction
// right before the transaction's conditional decrement runs, as a writer that
// ignored the product lock would. drain decides per call; it returns the
// number of decrements seen for the given batches.
func drainBeforeDecrement(t *testing.T, batchIds []int, drain func(call int64) bool) *atomic.Int64 {
	t.Helper()
	watched := make(map[int]bool, len(batchIds))
	for _, id := range batchIds {
		watched[id] = true
	}
	calls := &atomic.Int64{}
	name := "test:drain_batch_" + t.Name()
	err := testDB.Callback().Raw().Before("gorm:raw").Register(name, func(db *gorm.DB) {
		if !strings.HasPrefix(strings.TrimSpace(db.Statement.SQL.String()), "UPDATE stock_batches") {
			return
		}
		if len(db.Statement.Vars) < 5 {
			return
		}
		batchId, ok := db.Statement.Vars[4].(int)
		if !ok || !watched[batchId] {
			return
		}
		if !drain(calls.Add(1)) {
			return
		}
		require.NoError(t, testDB.Model(&models.StockBatch{}).Where("id = ?", batchId).
			UpdateColumns(map[string]interface{}{
				"quantity": 0,
				"status":   string(models.BatchStatusDepleted),
			}).Error)
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = testDB.Callback().Raw().Remove(name)
	})
	return calls
}

func TestSettleSale_ConflictRetriesThenReportsFreshShortfall(t *testing.T) {
	e := newTestEngine(t, workflow.ManualPricing{}, workflow.WithSettlementRetries(3))
	ctx := context.Background()

	p := createProduct(t, e, "10.00", 0)
	b1 := receive(t, e, p.ID, 4, "4.00", "10.00", nil)
	b2 := receive(t, e, p.ID, 4, "4.00", "10.00", nil)
	b3 := receive(t, e, p.ID, 4, "4.00", "10.00", nil)
	receive(t, e, p.ID, 1, "4.00", "10.00", nil)

	calls := drainBeforeDecrement(t, []int{b1.BatchId, b2.BatchId, b3.BatchId}, func(int64) bool { return true })

	salesBefore := countRows(t, &models.Sale{})
	allocationsBefore := countRows(t, &models.BatchAllocation{})

	_, err := e.SettleSale(ctx, sellOne(p.ID, 4))
	var stockErr *models.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.False(t, models.IsConcurrencyConflictError(err))
	assert.Equal(t, p.ID, stockErr.ProductId)
	assert.Equal(t, 4, stockErr.Requested)
	assert.Equal(t, 1, stockErr.Available)
	assert.Equal(t, 3, stockErr.Shortfall)

	// one conflicting decrement per attempt
	assert.Equal(t, int64(3), calls.Load())

	assert.Equal(t, salesBefore, countRows(t, &models.Sale{}))
	assert.Equal(t, allocationsBefore, countRows(t, &models.BatchAllocation{}))
	// the drained units left outside the engine; the aggregate was not touched
	assert.Equal(t, 13, reloadProduct(t, p.ID).CurrentStock)
}

func TestSettleSale_ConflictRetrySucceedsOnFreshBatches(t *testing.T) {
	e := newTestEngine(t, workflow.ManualPricing{}, workflow.WithSettlementRetries(3))
	ctx := context.Background()

	p := createProduct(t, e, "10.00", 0)
	b1 := receive(t, e, p.ID, 4, "4.00", "10.00", nil)
	b2 := receive(t, e, p.ID, 4, "6.00", "10.00", nil)

	calls := drainBeforeDecrement(t, []int{b1.BatchId, b2.BatchId}, func(call int64) bool { return call == 1 })

	result, err := e.SettleSale(ctx, sellOne(p.ID, 4))
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
	assert.True(t, result.TotalCogs.Equal(money("24")), "cogs %s", result.TotalCogs)

	allocations, err := e.ListBatchAllocations(ctx, result.SaleId)
	require.NoError(t, err)
	require.Len(t, allocations, 1)
	assert.Equal(t, b2.BatchId, allocations[0].BatchId)
	assert.Equal(t, 4, reloadProduct(t, p.ID).CurrentStock)
}
