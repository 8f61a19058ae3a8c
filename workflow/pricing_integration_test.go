package workflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/mmdatafocus/stock_batches/models"
	"github.com/mmdatafocus/stock_batches/utils"
	"github.com/mmdatafocus/stock_batches/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func historyCount(t *testing.T, productId int) int64 {
	t.Helper()
	count, err := models.CountPriceHistory(testDB, context.Background(), productId)
	require.NoError(t, err)
	return count
}

func TestFifoDerived_DepletionMovesPriceToNextBatch(t *testing.T) {
	e := newTestEngine(t, workflow.FifoDerivedPricing{})
	ctx := context.Background()

	p := createProduct(t, e, "20.00", 0)
	receive(t, e, p.ID, 5, "10.00", "15.00", nil)
	receive(t, e, p.ID, 10, "12.00", "18.00", nil)

	price, err := e.GetEffectivePrice(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, price.Equal(money("15")), "price %s", price)

	before := historyCount(t, p.ID)
	result, err := e.SettleSale(ctx, sellOne(p.ID, 7))
	require.NoError(t, err)
	assert.Equal(t, []int{p.ID}, result.RepricedProductIds)
	assert.True(t, result.TotalRevenue.Equal(money("111")), "revenue %s", result.TotalRevenue)
	assert.True(t, result.TotalCogs.Equal(money("74")), "cogs %s", result.TotalCogs)

	product := reloadProduct(t, p.ID)
	assert.True(t, product.SalesPrice.Equal(money("18")))
	assert.True(t, product.PurchasePrice.Equal(money("12")))
	assert.True(t, product.MarkupPercentage.Equal(money("50")))
	assert.Equal(t, before+1, historyCount(t, p.ID))

	rows, err := e.ListPriceHistory(ctx, p.ID)
	require.NoError(t, err)
	last := rows[len(rows)-1]
	assert.Equal(t, models.PriceChangeReasonBatchDepletion, last.Reason)
	assert.True(t, last.OldPrice.Equal(money("20")))
	assert.True(t, last.NewPrice.Equal(money("18")))

	// nothing changed since, so a refresh writes nothing
	refresh, err := e.RefreshPrices(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, refresh.Repriced)
	assert.Equal(t, before+1, historyCount(t, p.ID))
}

func TestFifoDerived_SamePriceNextBatchIsNotRepriced(t *testing.T) {
	e := newTestEngine(t, workflow.FifoDerivedPricing{})
	ctx := context.Background()

	p := createProduct(t, e, "15.00", 0)
	receive(t, e, p.ID, 5, "10.00", "15.00", nil)
	receive(t, e, p.ID, 10, "12.00", "15.00", nil)
	costBefore := reloadProduct(t, p.ID).PurchasePrice
	before := historyCount(t, p.ID)

	result, err := e.SettleSale(ctx, sellOne(p.ID, 5))
	require.NoError(t, err)
	assert.Empty(t, result.RepricedProductIds)
	assert.True(t, result.TotalCogs.Equal(money("50")), "cogs %s", result.TotalCogs)

	product := reloadProduct(t, p.ID)
	assert.True(t, product.SalesPrice.Equal(money("15")))
	assert.True(t, product.PurchasePrice.Equal(costBefore), "cost %s", product.PurchasePrice)
	assert.Equal(t, before, historyCount(t, p.ID))
}

func TestManualPricing_DepletionKeepsPrice(t *testing.T) {
	e := newTestEngine(t, workflow.ManualPricing{})
	ctx := context.Background()

	p := createProduct(t, e, "20.00", 0)
	receive(t, e, p.ID, 5, "10.00", "15.00", nil)
	receive(t, e, p.ID, 10, "12.00", "18.00", nil)
	before := historyCount(t, p.ID)

	result, err := e.SettleSale(ctx, sellOne(p.ID, 7))
	require.NoError(t, err)
	assert.Empty(t, result.RepricedProductIds)
	assert.True(t, reloadProduct(t, p.ID).SalesPrice.Equal(money("20")))
	assert.Equal(t, before, historyCount(t, p.ID))

	price, err := e.GetEffectivePrice(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, price.Equal(money("20")))
}

func TestRefreshPrices_IsIdempotent(t *testing.T) {
	e := newTestEngine(t, workflow.FifoDerivedPricing{})
	ctx := context.Background()

	p := createProduct(t, e, "20.00", 0)
	receive(t, e, p.ID, 4, "7.00", "25.00", nil)
	before := historyCount(t, p.ID)

	first, err := e.RefreshPrices(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Checked)
	assert.Equal(t, []int{p.ID}, first.Repriced)
	assert.Equal(t, before+1, historyCount(t, p.ID))
	assert.True(t, reloadProduct(t, p.ID).SalesPrice.Equal(money("25")))

	second, err := e.RefreshPrices(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, second.Repriced)
	assert.Empty(t, second.Failed)
	assert.Equal(t, before+1, historyCount(t, p.ID))
}

func TestRefreshPrices_ManualModeWritesNothing(t *testing.T) {
	e := newTestEngine(t, workflow.ManualPricing{})
	ctx := context.Background()

	p := createProduct(t, e, "20.00", 0)
	receive(t, e, p.ID, 4, "7.00", "25.00", nil)
	before := historyCount(t, p.ID)

	result, err := e.RefreshPrices(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, result.Repriced)
	assert.Equal(t, before, historyCount(t, p.ID))
}

func TestUpdateProductPricing(t *testing.T) {
	e := newTestEngine(t, workflow.ManualPricing{})
	ctx := utils.SetUserNameInContext(context.Background(), "mya")

	p := createProduct(t, e, "20.00", 0)
	before := historyCount(t, p.ID)

	input := &models.ProductPricingInput{SalesPrice: moneyPtr("25"), PurchasePrice: moneyPtr("20"), Reason: "supplier increase"}
	product, err := e.UpdateProductPricing(ctx, p.ID, input)
	require.NoError(t, err)
	assert.True(t, product.SalesPrice.Equal(money("25")))
	assert.True(t, product.MarkupPercentage.Equal(money("25")))
	assert.Equal(t, before+1, historyCount(t, p.ID))

	rows, err := e.ListPriceHistory(ctx, p.ID)
	require.NoError(t, err)
	last := rows[len(rows)-1]
	assert.Equal(t, "mya", last.ChangedBy)
	assert.Equal(t, "supplier increase", last.Reason)
	assert.True(t, last.OldPrice.Equal(money("20")))
	assert.True(t, last.NewCost.Equal(money("20")))

	// same values again: no history row
	_, err = e.UpdateProductPricing(ctx, p.ID, input)
	require.NoError(t, err)
	assert.Equal(t, before+1, historyCount(t, p.ID))

	_, err = e.UpdateProductPricing(ctx, p.ID, &models.ProductPricingInput{})
	assert.True(t, models.IsValidationError(err))
	_, err = e.UpdateProductPricing(ctx, 987654321, input)
	assert.ErrorIs(t, err, models.ErrProductNotFound)
}

func TestPriceHistoryIsAppendOnly(t *testing.T) {
	e := newTestEngine(t, workflow.ManualPricing{})
	ctx := context.Background()

	p := createProduct(t, e, "20.00", 0)
	rows, err := e.ListPriceHistory(ctx, p.ID)
	require.NoError(t, err)
	require.NotEmpty(t, rows)

	row := rows[0]
	assert.ErrorIs(t, testDB.Model(row).Update("reason", "rewritten").Error, models.ErrPriceHistoryImmutable)
	assert.ErrorIs(t, testDB.Delete(row).Error, models.ErrPriceHistoryImmutable)
}

func TestReceiveBatch_BackfillsLegacyStock(t *testing.T) {
	e := newTestEngine(t, workflow.ManualPricing{})

	p := createProduct(t, e, "20.00", 30)
	drifts, err := e.CheckStockConsistency(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Empty(t, drifts, "legacy-only stock is not drift")

	receipt := receive(t, e, p.ID, 50, "15.00", "22.00", nil)
	assert.NotZero(t, receipt.BackfilledBatchId)
	assert.Equal(t, 80, receipt.NewStockLevel)
	assert.Equal(t, 80, reloadProduct(t, p.ID).CurrentStock)

	batches := batchesOf(t, p.ID)
	require.Len(t, batches, 2)
	var legacy, received *models.StockBatch
	for _, b := range batches {
		if b.IsLegacyBackfill {
			legacy = b
		} else {
			received = b
		}
	}
	require.NotNil(t, legacy)
	require.NotNil(t, received)

	assert.Equal(t, receipt.BackfilledBatchId, legacy.ID)
	assert.Equal(t, 30, legacy.Quantity)
	assert.Nil(t, legacy.ExpiryDate)
	assert.WithinDuration(t, reloadProduct(t, p.ID).CreatedAt, legacy.CreatedAt, time.Second)
	seq, ok := models.ParseBatchSequence(legacy.BatchNumber)
	require.True(t, ok)
	assert.Equal(t, 1, seq)

	assert.Equal(t, receipt.BatchId, received.ID)
	seq, ok = models.ParseBatchSequence(received.BatchNumber)
	require.True(t, ok)
	assert.Equal(t, 2, seq)

	requireNoDrift(t, e, p.ID)
}

func TestSettleSale_BackfillsLegacyStock(t *testing.T) {
	e := newTestEngine(t, workflow.ManualPricing{})
	ctx := context.Background()

	p := createProduct(t, e, "20.00", 8)
	result, err := e.SettleSale(ctx, sellOne(p.ID, 3))
	require.NoError(t, err)
	assert.True(t, result.TotalRevenue.Equal(money("60")))

	batches := batchesOf(t, p.ID)
	require.Len(t, batches, 1)
	assert.True(t, batches[0].IsLegacyBackfill)
	assert.Equal(t, 5, batches[0].Quantity)
	assert.Equal(t, 5, reloadProduct(t, p.ID).CurrentStock)
	requireNoDrift(t, e, p.ID)
}

func TestBackfillLegacyBatches(t *testing.T) {
	e := newTestEngine(t, workflow.ManualPricing{})
	ctx := context.Background()

	p := createProduct(t, e, "20.00", 12)

	dry, err := e.BackfillLegacyBatches(ctx, true)
	require.NoError(t, err)
	assert.Contains(t, dry.Candidates, p.ID)
	assert.Empty(t, dry.Backfilled)
	assert.Empty(t, batchesOf(t, p.ID))

	run, err := e.BackfillLegacyBatches(ctx, false)
	require.NoError(t, err)
	assert.Contains(t, run.Backfilled, p.ID)
	require.Len(t, batchesOf(t, p.ID), 1)

	again, err := e.BackfillLegacyBatches(ctx, true)
	require.NoError(t, err)
	assert.NotContains(t, again.Candidates, p.ID)
	requireNoDrift(t, e, p.ID)
}

func TestReceiveBatch_NumbersAreSequential(t *testing.T) {
	e := newTestEngine(t, workflow.ManualPricing{})

	p := createProduct(t, e, "5.00", 0)
	for want := 1; want <= 3; want++ {
		receipt := receive(t, e, p.ID, 1, "1.00", "5.00", nil)
		seq, ok := models.ParseBatchSequence(receipt.BatchNumber)
		require.True(t, ok, receipt.BatchNumber)
		assert.Equal(t, want, seq)
		assert.Equal(t, want, receipt.NewStockLevel)
	}
	assert.Equal(t, 3, reloadProduct(t, p.ID).BatchSequence)
}

func TestReceiveBatch_Rejects(t *testing.T) {
	e := newTestEngine(t, workflow.ManualPricing{})
	ctx := context.Background()

	_, err := e.ReceiveBatch(ctx, &models.NewStockBatch{ProductId: 987654321, Quantity: 1})
	assert.ErrorIs(t, err, models.ErrProductNotFound)

	p := createProduct(t, e, "5.00", 0)
	_, err = e.ReceiveBatch(ctx, &models.NewStockBatch{ProductId: p.ID, Quantity: 0})
	assert.True(t, models.IsValidationError(err))
	assert.Empty(t, batchesOf(t, p.ID))
}

func TestReceiveBatch_DefaultsToProductPrices(t *testing.T) {
	e := newTestEngine(t, workflow.ManualPricing{})
	ctx := context.Background()

	p := createProduct(t, e, "9.50", 0)
	receipt, err := e.ReceiveBatch(ctx, &models.NewStockBatch{ProductId: p.ID, Quantity: 2})
	require.NoError(t, err)

	batches := batchesOf(t, p.ID)
	require.Len(t, batches, 1)
	assert.Equal(t, receipt.BatchId, batches[0].ID)
	assert.True(t, batches[0].SellingPrice.Equal(money("9.5")))
	assert.Equal(t, 2, batches[0].OriginalQuantity)
}

func TestExpireBatches(t *testing.T) {
	e := newTestEngine(t, workflow.FifoDerivedPricing{})
	ctx := context.Background()

	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	p := createProduct(t, e, "20.00", 0)
	stale := receive(t, e, p.ID, 4, "10.00", "15.00", &yesterday)
	receive(t, e, p.ID, 6, "12.00", "18.00", nil)

	// still sellable until swept
	price, err := e.GetEffectivePrice(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, price.Equal(money("15")))

	result, err := e.ExpireBatches(ctx, time.Time{})
	require.NoError(t, err)
	assert.Contains(t, result.ExpiredBatchIds, stale.BatchId)
	assert.Contains(t, result.Products, p.ID)
	assert.Contains(t, result.Repriced, p.ID)

	product := reloadProduct(t, p.ID)
	assert.Equal(t, 6, product.CurrentStock)
	assert.True(t, product.SalesPrice.Equal(money("18")))
	for _, b := range batchesOf(t, p.ID) {
		if b.ID == stale.BatchId {
			assert.Equal(t, models.BatchStatusExpired, b.Status)
		}
	}
	requireNoDrift(t, e, p.ID)

	_, err = e.SettleSale(ctx, sellOne(p.ID, 7))
	var stockErr *models.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 1, stockErr.Shortfall)

	again, err := e.ExpireBatches(ctx, time.Time{})
	require.NoError(t, err)
	assert.NotContains(t, again.ExpiredBatchIds, stale.BatchId)
}

func TestStockVersionMovesWithEveryPriceInput(t *testing.T) {
	e := newTestEngine(t, workflow.FifoDerivedPricing{})
	ctx := context.Background()

	version := func(productId int) int64 {
		t.Helper()
		v, err := models.GetProductStockVersion(testDB, ctx, productId)
		require.NoError(t, err)
		return v
	}

	p := createProduct(t, e, "20.00", 0)
	v0 := version(p.ID)

	receive(t, e, p.ID, 2, "10.00", "15.00", nil)
	v1 := version(p.ID)
	assert.Greater(t, v1, v0)

	_, err := e.SettleSale(ctx, sellOne(p.ID, 1))
	require.NoError(t, err)
	v2 := version(p.ID)
	assert.Greater(t, v2, v1)

	_, err = e.UpdateProductPricing(ctx, p.ID, &models.ProductPricingInput{SalesPrice: moneyPtr("16.00")})
	require.NoError(t, err)
	v3 := version(p.ID)
	assert.Greater(t, v3, v2)

	// reads leave it alone
	_, err = e.GetEffectivePrice(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, v3, version(p.ID))

	_, err = models.GetProductStockVersion(testDB, ctx, 987654321)
	assert.ErrorIs(t, err, models.ErrProductNotFound)
}
