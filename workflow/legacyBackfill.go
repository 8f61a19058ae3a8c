package workflow

import (
	"context"

	"github.com/mmdatafocus/stock_batches/config"
	"github.com/mmdatafocus/stock_batches/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

type LegacyBackfillResult struct {
	Candidates []int `json:"candidates"`
	Backfilled []int `json:"backfilled"`
}

// BackfillLegacyBatches creates batch 001 for every product still holding
// stock without batches, instead of waiting for its first batch operation.
// With dryRun only the candidates are reported.
func (e *Engine) BackfillLegacyBatches(ctx context.Context, dryRun bool) (result *LegacyBackfillResult, err error) {
	ctx, span := startSpan(ctx, "Engine.BackfillLegacyBatches", attribute.Bool("dry_run", dryRun))
	defer func() { endSpan(span, err) }()

	products, err := models.ProductsNeedingLegacyBatch(e.db.WithContext(ctx), ctx)
	if err != nil {
		config.LogError(e.logger, "legacyBackfill.go", "BackfillLegacyBatches", "ProductsNeedingLegacyBatch", nil, err)
		return nil, err
	}

	result = &LegacyBackfillResult{Candidates: []int{}, Backfilled: []int{}}
	for _, p := range products {
		result.Candidates = append(result.Candidates, p.ID)
	}
	if dryRun {
		return result, nil
	}

	for _, candidate := range products {
		if err = ctx.Err(); err != nil {
			return result, err
		}
		var batch *models.StockBatch
		err = e.transaction(ctx, func(tx *gorm.DB) error {
			product, txErr := models.LockProduct(tx, ctx, candidate.ID)
			if txErr != nil {
				return txErr
			}
			batch, txErr = models.EnsureLegacyBatch(tx, ctx, product)
			return txErr
		})
		if err != nil {
			config.LogError(e.logger, "legacyBackfill.go", "BackfillLegacyBatches", "EnsureLegacyBatch", candidate.ID, err)
			return result, err
		}
		if batch != nil {
			result.Backfilled = append(result.Backfilled, candidate.ID)
		}
	}

	e.logFields(ctx, logrus.Fields{
		"candidates": len(result.Candidates),
		"backfilled": len(result.Backfilled),
	}).Info("legacy backfill finished")
	return result, nil
}
