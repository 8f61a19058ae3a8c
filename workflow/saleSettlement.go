package workflow

import (
	"context"
	"errors"
	"sort"

	"github.com/mmdatafocus/stock_batches/config"
	"github.com/mmdatafocus/stock_batches/metrics"
	"github.com/mmdatafocus/stock_batches/models"
	"github.com/mmdatafocus/stock_batches/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

type SettlementResult struct {
	SaleId                 int             `json:"sale_id"`
	SaleNumber             string          `json:"sale_number"`
	Subtotal               decimal.Decimal `json:"subtotal"`
	DiscountAmount         decimal.Decimal `json:"discount_amount"`
	TotalAmount            decimal.Decimal `json:"total_amount"`
	ChangeDue              decimal.Decimal `json:"change_due"`
	TotalCogs              decimal.Decimal `json:"total_cogs"`
	TotalRevenue           decimal.Decimal `json:"total_revenue"`
	GrossProfit            decimal.Decimal `json:"gross_profit"`
	ProfitMarginPercentage decimal.Decimal `json:"profit_margin_percentage"`
	// products whose price moved because a batch ran out
	RepricedProductIds []int `json:"repriced_product_ids,omitempty"`
}

// MarginDisplay is the margin rounded for presentation.
func (r SettlementResult) MarginDisplay() decimal.Decimal {
	return utils.RoundPercentage(r.ProfitMarginPercentage)
}

// SettleSale allocates every item of the sale to batches, decrements them and
// writes the sale with its allocation rows, all in one transaction. Nothing is
// written when any item cannot be covered. A batch that changed under the
// attempt restarts it against fresh data; when attempts run out the caller
// gets the shortfall computed from current stock.
func (e *Engine) SettleSale(ctx context.Context, input *models.NewSale) (result *SettlementResult, err error) {
	ctx, span := startSpan(ctx, "Engine.SettleSale")
	defer func() { endSpan(span, err) }()

	done := metrics.TrackSettlement()

	if err = input.Validate(); err != nil {
		done("rejected")
		return nil, err
	}
	span.SetAttributes(attribute.Int("sale.items", len(input.Items)))

	var conflict *models.ConcurrencyConflictError
	for attempt := 1; attempt <= e.settlementRetries; attempt++ {
		err = e.transaction(ctx, func(tx *gorm.DB) error {
			var txErr error
			result, txErr = e.settleOnce(tx, ctx, input)
			return txErr
		})
		if err == nil {
			break
		}
		if !errors.As(err, &conflict) {
			break
		}
		metrics.SettlementRetriesCounter.Inc()
		e.logFields(ctx, logrus.Fields{
			"product_id": conflict.ProductId,
			"batch_id":   conflict.BatchId,
			"attempt":    attempt,
		}).Warn("batch changed during settlement; retrying")
	}

	if err != nil {
		if conflict != nil && errors.As(err, &conflict) {
			err = e.shortfallAfterConflict(ctx, input, conflict)
		}
		switch {
		case models.IsInsufficientStockError(err):
			done("insufficient_stock")
		case models.IsValidationError(err):
			done("rejected")
		default:
			done("failed")
			config.LogError(e.logger, "saleSettlement.go", "SettleSale", "settleOnce", input, err)
		}
		return nil, err
	}

	done("settled")
	metrics.RecordUnitsSold(totalUnits(input))
	for range result.RepricedProductIds {
		metrics.RecordPriceChange(models.PriceChangeReasonBatchDepletion)
	}
	e.invalidatePrices(ctx, input.ProductIds()...)

	e.logFields(ctx, logrus.Fields{
		"sale_id":    result.SaleId,
		"total_cogs": result.TotalCogs.String(),
		"revenue":    result.TotalRevenue.String(),
		"margin":     result.MarginDisplay().String(),
	}).Info("sale settled")
	return result, nil
}

// shortfallAfterConflict turns an exhausted retry into the stock error the
// caller can act on. If stock now covers the sale the conflict itself is
// returned; it is never reported as success.
func (e *Engine) shortfallAfterConflict(ctx context.Context, input *models.NewSale, conflict *models.ConcurrencyConflictError) error {
	requested := input.QuantityByProduct()[conflict.ProductId]
	db := e.db.WithContext(ctx)
	batches, err := models.GetAllocatableBatches(db, ctx, conflict.ProductId)
	if err != nil {
		return err
	}
	available := AvailableQuantity(batches)
	if available >= requested {
		return conflict
	}
	stockErr := &models.InsufficientStockError{
		ProductId: conflict.ProductId,
		Requested: requested,
		Available: available,
		Shortfall: requested - available,
	}
	if product, err := models.GetProduct(db, ctx, conflict.ProductId); err == nil {
		stockErr.ProductName = product.Name
	}
	return stockErr
}

func (e *Engine) settleOnce(tx *gorm.DB, ctx context.Context, input *models.NewSale) (*SettlementResult, error) {
	productIds := input.ProductIds()
	sort.Ints(productIds)

	products, err := models.LockProducts(tx, ctx, productIds)
	if err != nil {
		return nil, err
	}

	// one snapshot per product, split over its lines afterwards
	pending := make(map[int][]Allocation, len(productIds))
	quantities := input.QuantityByProduct()
	for _, productId := range productIds {
		product := products[productId]
		if _, err := models.EnsureLegacyBatch(tx, ctx, product); err != nil {
			return nil, err
		}
		batches, err := models.GetAllocatableBatches(tx, ctx, productId)
		if err != nil {
			return nil, err
		}
		allocations, err := AllocateBatches(batches, quantities[productId])
		if err != nil {
			var stockErr *models.InsufficientStockError
			if errors.As(err, &stockErr) {
				stockErr.ProductId = product.ID
				stockErr.ProductName = product.Name
			}
			return nil, err
		}
		pending[productId] = allocations
	}

	sale, err := models.CreateSaleHeader(tx, ctx, input)
	if err != nil {
		return nil, err
	}

	depleted := make(map[int]bool)
	for _, line := range input.Items {
		product := products[line.ProductId]
		var lineAllocations []Allocation
		lineAllocations, pending[line.ProductId] = takeAllocations(pending[line.ProductId], line.Quantity)

		records := make([]models.BatchAllocation, 0, len(lineAllocations))
		item := models.SaleItem{
			SaleId:    sale.ID,
			ProductId: product.ID,
			Quantity:  line.Quantity,
		}
		for _, allocation := range lineAllocations {
			price := e.sellingPrice(product, allocation.Batch, line.UnitPrice)
			record := models.NewBatchAllocation(allocation.Batch, allocation.Quantity, price)
			item.LineTotal = item.LineTotal.Add(record.ItemRevenue)
			item.Cogs = item.Cogs.Add(record.ItemCogs)
			records = append(records, record)
		}
		item.UnitPrice = lineUnitPrice(item.LineTotal, line.Quantity, line.UnitPrice)
		if err := models.CreateSaleItem(tx, ctx, &item); err != nil {
			return nil, err
		}

		for i := range records {
			record := &records[i]
			batchDepleted, err := models.DecrementBatch(tx, ctx, record.BatchId, record.QuantitySold)
			if err != nil {
				var batchErr *models.InsufficientBatchStockError
				if errors.As(err, &batchErr) {
					return nil, &models.ConcurrencyConflictError{ProductId: product.ID, BatchId: record.BatchId}
				}
				return nil, err
			}
			if batchDepleted {
				depleted[product.ID] = true
			}
			record.SaleId = sale.ID
			record.SaleItemId = item.ID
			if err := models.CreateBatchAllocation(tx, ctx, record); err != nil {
				return nil, err
			}
		}

		sale.TotalRevenue = sale.TotalRevenue.Add(item.LineTotal)
		sale.TotalCogs = sale.TotalCogs.Add(item.Cogs)
	}

	for _, productId := range productIds {
		if err := models.DecrementProductStock(tx, productId, quantities[productId]); err != nil {
			return nil, err
		}
	}

	if err := applySaleTotals(sale, input); err != nil {
		return nil, err
	}

	result := &SettlementResult{}
	for _, productId := range productIds {
		if !depleted[productId] {
			continue
		}
		changed, err := e.pricing.Reevaluate(tx, ctx, products[productId], models.PriceChangeReasonBatchDepletion)
		if err != nil {
			return nil, err
		}
		if changed {
			result.RepricedProductIds = append(result.RepricedProductIds, productId)
		}
	}

	if err := models.FinalizeSale(tx, ctx, sale); err != nil {
		return nil, err
	}

	result.SaleId = sale.ID
	result.SaleNumber = sale.SaleNumber
	result.Subtotal = sale.Subtotal
	result.DiscountAmount = sale.DiscountAmount
	result.TotalAmount = sale.TotalAmount
	result.ChangeDue = sale.ChangeDue
	result.TotalCogs = sale.TotalCogs
	result.TotalRevenue = sale.TotalRevenue
	result.GrossProfit = sale.GrossProfit
	result.ProfitMarginPercentage = sale.ProfitMarginPercentage
	return result, nil
}

// sellingPrice is the explicit line price when positive, else the policy's.
func (e *Engine) sellingPrice(product *models.Product, batch *models.StockBatch, explicit *decimal.Decimal) decimal.Decimal {
	if explicit != nil && explicit.IsPositive() {
		return *explicit
	}
	return e.pricing.EffectiveSellingPrice(product, batch)
}

// takeAllocations removes qty units from the front of allocations, splitting
// one allocation when a line ends inside it.
func takeAllocations(allocations []Allocation, qty int) (taken []Allocation, rest []Allocation) {
	rest = allocations
	for qty > 0 && len(rest) > 0 {
		head := rest[0]
		if head.Quantity <= qty {
			taken = append(taken, head)
			qty -= head.Quantity
			rest = rest[1:]
			continue
		}
		taken = append(taken, Allocation{Batch: head.Batch, Quantity: qty})
		rest = append([]Allocation{{Batch: head.Batch, Quantity: head.Quantity - qty}}, rest[1:]...)
		qty = 0
	}
	return taken, rest
}

func lineUnitPrice(lineTotal decimal.Decimal, qty int, explicit *decimal.Decimal) decimal.Decimal {
	if explicit != nil && explicit.IsPositive() {
		return *explicit
	}
	return lineTotal.DivRound(decimal.NewFromInt(int64(qty)), 4)
}

// applySaleTotals derives discount, payable amount, change, profit and margin
// from the accumulated revenue and COGS. Profit is measured before discount.
func applySaleTotals(sale *models.Sale, input *models.NewSale) error {
	sale.Subtotal = sale.TotalRevenue
	sale.DiscountAmount = utils.CalculateDiscountAmount(sale.Subtotal, input.Discount, string(sale.DiscountType))
	if sale.DiscountAmount.GreaterThan(sale.Subtotal) {
		return models.NewValidationError("discount", "exceeds the sale subtotal")
	}
	sale.TotalAmount = sale.Subtotal.Sub(sale.DiscountAmount)

	sale.AmountTendered = sale.TotalAmount
	if input.AmountTendered != nil {
		if input.AmountTendered.LessThan(sale.TotalAmount) {
			return models.NewValidationError("amount_tendered", "is less than the amount due")
		}
		sale.AmountTendered = *input.AmountTendered
	}
	sale.ChangeDue = sale.AmountTendered.Sub(sale.TotalAmount)

	sale.GrossProfit = sale.TotalRevenue.Sub(sale.TotalCogs)
	sale.ProfitMarginPercentage = utils.CalculateMarginPercentage(sale.GrossProfit, sale.TotalRevenue)
	return nil
}

func totalUnits(input *models.NewSale) int {
	total := 0
	for _, item := range input.Items {
		total += item.Quantity
	}
	return total
}
