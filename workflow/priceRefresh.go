package workflow

import (
	"context"

	"github.com/mmdatafocus/stock_batches/config"
	"github.com/mmdatafocus/stock_batches/metrics"
	"github.com/mmdatafocus/stock_batches/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

type PriceRefreshResult struct {
	Checked   int   `json:"checked"`
	Repriced  []int `json:"repriced"`
	Failed    []int `json:"failed,omitempty"`
	LastError error `json:"-"`
}

// RefreshPrices re-evaluates the price of each product under the pricing
// policy, one short transaction per product so live sales are only blocked
// briefly. Empty productIds refreshes every product. Running it twice with no
// batch change in between writes nothing the second time.
func (e *Engine) RefreshPrices(ctx context.Context, productIds ...int) (result *PriceRefreshResult, err error) {
	ctx, span := startSpan(ctx, "Engine.RefreshPrices", attribute.String("pricing.mode", e.pricing.Mode()))
	defer func() { endSpan(span, err) }()

	if len(productIds) == 0 {
		if err = e.db.WithContext(ctx).Model(&models.Product{}).Order("id").Pluck("id", &productIds).Error; err != nil {
			config.LogError(e.logger, "priceRefresh.go", "RefreshPrices", "Pluck product ids", nil, err)
			return nil, err
		}
	}

	result = &PriceRefreshResult{}
	for _, productId := range productIds {
		if err = ctx.Err(); err != nil {
			return result, err
		}
		result.Checked++
		var changed bool
		refreshErr := e.transaction(ctx, func(tx *gorm.DB) error {
			product, txErr := models.LockProduct(tx, ctx, productId)
			if txErr != nil {
				return txErr
			}
			changed, txErr = e.pricing.Reevaluate(tx, ctx, product, models.PriceChangeReasonRefresh)
			return txErr
		})
		if refreshErr != nil {
			config.LogError(e.logger, "priceRefresh.go", "RefreshPrices", "Reevaluate", productId, refreshErr)
			result.Failed = append(result.Failed, productId)
			result.LastError = refreshErr
			continue
		}
		if changed {
			result.Repriced = append(result.Repriced, productId)
			metrics.RecordPriceChange(models.PriceChangeReasonRefresh)
		}
	}

	e.invalidatePrices(ctx, result.Repriced...)
	e.logFields(ctx, logrus.Fields{
		"checked":  result.Checked,
		"repriced": len(result.Repriced),
		"failed":   len(result.Failed),
	}).Info("price refresh finished")
	return result, nil
}
