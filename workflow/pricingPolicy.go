package workflow

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/stock_batches/config"
	"github.com/mmdatafocus/stock_batches/models"
	"github.com/mmdatafocus/stock_batches/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PricingPolicy decides the selling price used for revenue and whether a
// product's price follows its batches.
type PricingPolicy interface {
	Mode() string
	// EffectiveSellingPrice is the unit price for stock taken from batch.
	// batch may be nil.
	EffectiveSellingPrice(product *models.Product, batch *models.StockBatch) decimal.Decimal
	// Reevaluate brings the locked product's price in line with the policy and
	// records the change. It reports whether anything was written.
	Reevaluate(tx *gorm.DB, ctx context.Context, product *models.Product, reason string) (bool, error)
}

func NewPricingPolicy(mode string) (PricingPolicy, error) {
	switch mode {
	case config.PricingModeManual, "":
		return ManualPricing{}, nil
	case config.PricingModeFifoDerived:
		return FifoDerivedPricing{}, nil
	default:
		return nil, fmt.Errorf("unknown pricing mode %q", mode)
	}
}

// ManualPricing sells at the product price. Batch selling prices are kept as
// history only.
type ManualPricing struct{}

func (ManualPricing) Mode() string {
	return config.PricingModeManual
}

func (ManualPricing) EffectiveSellingPrice(product *models.Product, batch *models.StockBatch) decimal.Decimal {
	return product.SalesPrice
}

func (ManualPricing) Reevaluate(tx *gorm.DB, ctx context.Context, product *models.Product, reason string) (bool, error) {
	return false, nil
}

// FifoDerivedPricing sells each batch at its own price and moves the product
// price to the batch at the head of the consumption order.
type FifoDerivedPricing struct{}

func (FifoDerivedPricing) Mode() string {
	return config.PricingModeFifoDerived
}

func (FifoDerivedPricing) EffectiveSellingPrice(product *models.Product, batch *models.StockBatch) decimal.Decimal {
	if batch != nil && batch.SellingPrice.IsPositive() {
		return batch.SellingPrice
	}
	return product.SalesPrice
}

func (p FifoDerivedPricing) Reevaluate(tx *gorm.DB, ctx context.Context, product *models.Product, reason string) (bool, error) {
	head, err := models.GetOldestActiveBatch(tx, ctx, product.ID)
	if err != nil {
		return false, err
	}
	price, cost, markup, ok := derivePricing(product, head)
	if !ok {
		return false, nil
	}
	if reason == "" {
		reason = models.PriceChangeReasonBatchDepletion
	}
	return models.SetProductPricing(tx, ctx, product, price, cost, markup, reason)
}

// derivePricing is the price, cost and markup the product should carry when
// head leads the consumption order. ok is false when head gives nothing to
// follow or its selling price is already the product's price; cost and markup
// only move together with the price.
func derivePricing(product *models.Product, head *models.StockBatch) (price, cost, markup decimal.Decimal, ok bool) {
	if head == nil || !head.SellingPrice.IsPositive() {
		return decimal.Zero, decimal.Zero, decimal.Zero, false
	}
	if head.SellingPrice.Equal(product.SalesPrice) {
		return decimal.Zero, decimal.Zero, decimal.Zero, false
	}
	price = head.SellingPrice
	cost = head.PurchasePrice
	markup = utils.CalculateMarkupPercentage(price, cost)
	return price, cost, markup, true
}
