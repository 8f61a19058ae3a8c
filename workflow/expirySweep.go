package workflow

import (
	"context"
	"time"

	"github.com/mmdatafocus/stock_batches/config"
	"github.com/mmdatafocus/stock_batches/metrics"
	"github.com/mmdatafocus/stock_batches/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

type ExpirySweepResult struct {
	ExpiredBatchIds []int `json:"expired_batch_ids"`
	UnitsRemoved    int   `json:"units_removed"`
	Products        []int `json:"products"`
	Repriced        []int `json:"repriced,omitempty"`
}

// ExpireBatches retires every active batch whose expiry is at or before asOf
// (now when zero). Each product is handled in its own transaction under the
// same product lock sales take, so the sweep can run next to live sales.
func (e *Engine) ExpireBatches(ctx context.Context, asOf time.Time) (result *ExpirySweepResult, err error) {
	if asOf.IsZero() {
		asOf = e.now()
	}
	ctx, span := startSpan(ctx, "Engine.ExpireBatches", attribute.String("as_of", asOf.UTC().Format(time.RFC3339)))
	defer func() { endSpan(span, err) }()

	productIds, err := models.ProductsWithExpiredBatches(e.db.WithContext(ctx), ctx, asOf)
	if err != nil {
		config.LogError(e.logger, "expirySweep.go", "ExpireBatches", "ProductsWithExpiredBatches", asOf, err)
		return nil, err
	}

	result = &ExpirySweepResult{ExpiredBatchIds: []int{}, Products: []int{}}
	for _, productId := range productIds {
		if err = ctx.Err(); err != nil {
			return result, err
		}
		var expired []*models.StockBatch
		var repriced bool
		err = e.transaction(ctx, func(tx *gorm.DB) error {
			product, txErr := models.LockProduct(tx, ctx, productId)
			if txErr != nil {
				return txErr
			}
			expired, txErr = models.ExpireProductBatches(tx, ctx, product, asOf)
			if txErr != nil || len(expired) == 0 {
				return txErr
			}
			repriced, txErr = e.pricing.Reevaluate(tx, ctx, product, models.PriceChangeReasonBatchExpiry)
			return txErr
		})
		if err != nil {
			config.LogError(e.logger, "expirySweep.go", "ExpireBatches", "ExpireProductBatches", productId, err)
			return result, err
		}
		if len(expired) == 0 {
			continue
		}
		result.Products = append(result.Products, productId)
		for _, batch := range expired {
			result.ExpiredBatchIds = append(result.ExpiredBatchIds, batch.ID)
			result.UnitsRemoved += batch.Quantity
		}
		if repriced {
			result.Repriced = append(result.Repriced, productId)
			metrics.RecordPriceChange(models.PriceChangeReasonBatchExpiry)
		}
		metrics.BatchesExpiredCounter.Add(float64(len(expired)))
	}

	e.invalidatePrices(ctx, result.Products...)
	e.logFields(ctx, logrus.Fields{
		"as_of":         asOf.UTC(),
		"batches":       len(result.ExpiredBatchIds),
		"units_removed": result.UnitsRemoved,
	}).Info("expiry sweep finished")
	return result, nil
}
