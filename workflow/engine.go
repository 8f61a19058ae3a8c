package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/stock_batches/config"
	"github.com/mmdatafocus/stock_batches/metrics"
	"github.com/mmdatafocus/stock_batches/models"
	"github.com/mmdatafocus/stock_batches/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("stock_batches/workflow")

// Engine is the entry point for receiving stock, settling sales and reading
// prices. It is safe for concurrent use.
type Engine struct {
	db                 *gorm.DB
	logger             *logrus.Logger
	pricing            PricingPolicy
	settlementRetries  int
	batchNumberRetries int
	priceCacheTTL      time.Duration
	now                func() time.Time
}

type EngineOption func(*Engine)

func WithPricingPolicy(policy PricingPolicy) EngineOption {
	return func(e *Engine) {
		e.pricing = policy
	}
}

func WithSettlementRetries(n int) EngineOption {
	return func(e *Engine) {
		e.settlementRetries = max(n, 1)
	}
}

func WithBatchNumberRetries(n int) EngineOption {
	return func(e *Engine) {
		e.batchNumberRetries = max(n, 1)
	}
}

func WithPriceCacheTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) {
		e.priceCacheTTL = ttl
	}
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine builds an engine over db. Defaults come from the environment
// (PRICING_MODE, SETTLEMENT_MAX_RETRIES, BATCH_NUMBER_MAX_RETRIES,
// PRICE_CACHE_TTL_SECONDS).
func NewEngine(db *gorm.DB, logger *logrus.Logger, opts ...EngineOption) (*Engine, error) {
	if db == nil {
		return nil, errors.New("engine requires a database")
	}
	if logger == nil {
		logger = config.GetLogger()
	}
	e := &Engine{
		db:                 db,
		logger:             logger,
		settlementRetries:  config.SettlementMaxRetries(),
		batchNumberRetries: config.BatchNumberMaxRetries(),
		priceCacheTTL:      config.PriceCacheLifespan(),
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.pricing == nil {
		pricing, err := NewPricingPolicy(config.PricingMode())
		if err != nil {
			return nil, fmt.Errorf("PRICING_MODE: %w", err)
		}
		e.pricing = pricing
	}
	return e, nil
}

func (e *Engine) PricingMode() string {
	return e.pricing.Mode()
}

// transaction runs fn in one READ COMMITTED transaction; each statement sees
// the latest committed rows once the product locks are held.
func (e *Engine) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return e.db.WithContext(ctx).Transaction(fn, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
}

func (e *Engine) logFields(ctx context.Context, fields logrus.Fields) *logrus.Entry {
	if correlationId, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		fields["correlation_id"] = correlationId
	}
	return e.logger.WithFields(fields)
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (e *Engine) CreateProduct(ctx context.Context, input *models.NewProduct) (product *models.Product, err error) {
	ctx, span := startSpan(ctx, "Engine.CreateProduct")
	defer func() { endSpan(span, err) }()

	err = e.transaction(ctx, func(tx *gorm.DB) error {
		var txErr error
		product, txErr = models.CreateProduct(tx, ctx, input)
		return txErr
	})
	if err != nil {
		if !models.IsValidationError(err) {
			config.LogError(e.logger, "engine.go", "CreateProduct", "CreateProduct", input, err)
		}
		return nil, err
	}
	return product, nil
}

// ReceiveBatch records an inbound batch and raises the product's stock.
// A batch number collision restarts the whole transaction with a fresh
// sequence, up to the configured number of attempts.
func (e *Engine) ReceiveBatch(ctx context.Context, input *models.NewStockBatch) (receipt *models.BatchReceipt, err error) {
	if input == nil {
		return nil, models.ErrMissingInput
	}
	ctx, span := startSpan(ctx, "Engine.ReceiveBatch",
		attribute.Int("product.id", input.ProductId),
		attribute.Int("batch.quantity", input.Quantity))
	defer func() { endSpan(span, err) }()

	for attempt := 1; ; attempt++ {
		err = e.transaction(ctx, func(tx *gorm.DB) error {
			var txErr error
			receipt, txErr = models.CreateBatch(tx, ctx, input)
			return txErr
		})
		if err == nil {
			break
		}
		if models.IsNumberingCollisionError(err) && attempt < e.batchNumberRetries {
			metrics.BatchNumberCollisionsCounter.Inc()
			e.logFields(ctx, logrus.Fields{
				"product_id": input.ProductId,
				"attempt":    attempt,
			}).Warn("batch number collision; retrying: " + err.Error())
			continue
		}
		if !models.IsValidationError(err) && !errors.Is(err, models.ErrProductNotFound) {
			config.LogError(e.logger, "engine.go", "ReceiveBatch", "CreateBatch", input, err)
		}
		return nil, err
	}

	metrics.BatchesReceivedCounter.Inc()
	e.invalidatePrices(ctx, input.ProductId)
	e.logFields(ctx, logrus.Fields{
		"product_id":      input.ProductId,
		"batch_id":        receipt.BatchId,
		"batch_number":    receipt.BatchNumber,
		"new_stock_level": receipt.NewStockLevel,
	}).Info("batch received")
	return receipt, nil
}

// EffectivePrice is the cached answer of GetEffectivePrice.
type EffectivePrice struct {
	ProductId int             `json:"product_id"`
	Price     decimal.Decimal `json:"price"`
	Mode      string          `json:"mode"`
	// batch whose price applies, 0 when the product price applies
	BatchId int `json:"batch_id,omitempty"`
	// product stock version the price was read at
	Version int64 `json:"version"`
}

// usable reports whether a cached price still answers for the product at
// version under mode. An entry stored by a reader that raced a write carries
// an older version and is never served.
func (p *EffectivePrice) usable(mode string, version int64) bool {
	return p != nil && p.Mode == mode && p.Version == version
}

// GetEffectivePrice is the unit price a sale without an explicit price would
// use for the next unit of the product. It does not write.
func (e *Engine) GetEffectivePrice(ctx context.Context, productId int) (price decimal.Decimal, err error) {
	ctx, span := startSpan(ctx, "Engine.GetEffectivePrice", attribute.Int("product.id", productId))
	defer func() { endSpan(span, err) }()

	if e.priceCacheTTL > 0 {
		cached, cacheErr := utils.RetrieveRedis[EffectivePrice](ctx, productId)
		if cacheErr != nil {
			config.LogError(e.logger, "engine.go", "GetEffectivePrice", "RetrieveRedis", productId, cacheErr)
		} else if cached != nil {
			version, versionErr := models.GetProductStockVersion(e.db.WithContext(ctx), ctx, productId)
			if versionErr == nil && cached.usable(e.pricing.Mode(), version) {
				metrics.RecordPriceCacheLookup(true)
				return cached.Price, nil
			}
		}
		metrics.RecordPriceCacheLookup(false)
	}

	effective, err := e.lookupEffectivePrice(ctx, productId)
	if err != nil {
		return decimal.Zero, err
	}
	if e.priceCacheTTL > 0 {
		if cacheErr := utils.StoreRedis(ctx, effective, productId, e.priceCacheTTL); cacheErr != nil {
			config.LogError(e.logger, "engine.go", "GetEffectivePrice", "StoreRedis", productId, cacheErr)
		}
	}
	return effective.Price, nil
}

func (e *Engine) lookupEffectivePrice(ctx context.Context, productId int) (*EffectivePrice, error) {
	db := e.db.WithContext(ctx)
	product, err := models.GetProduct(db, ctx, productId)
	if err != nil {
		return nil, err
	}
	effective := EffectivePrice{ProductId: productId, Mode: e.pricing.Mode(), Version: product.StockVersion}
	var head *models.StockBatch
	if e.pricing.Mode() == config.PricingModeFifoDerived {
		head, err = models.GetOldestActiveBatch(db, ctx, productId)
		if err != nil {
			return nil, err
		}
	}
	effective.Price = e.pricing.EffectiveSellingPrice(product, head)
	if head != nil && head.SellingPrice.IsPositive() {
		effective.BatchId = head.ID
	}
	return &effective, nil
}

func (e *Engine) invalidatePrices(ctx context.Context, productIds ...int) {
	if len(productIds) == 0 {
		return
	}
	if err := utils.RemoveRedisItem[EffectivePrice](ctx, productIds...); err != nil {
		config.LogError(e.logger, "engine.go", "invalidatePrices", "RemoveRedisItem", productIds, err)
	}
}

func (e *Engine) ListBatchAllocations(ctx context.Context, saleId int) (allocations []*models.BatchAllocation, err error) {
	ctx, span := startSpan(ctx, "Engine.ListBatchAllocations", attribute.Int("sale.id", saleId))
	defer func() { endSpan(span, err) }()

	return models.ListBatchAllocations(e.db.WithContext(ctx), ctx, saleId)
}

func (e *Engine) UpdateProductPricing(ctx context.Context, productId int, input *models.ProductPricingInput) (product *models.Product, err error) {
	ctx, span := startSpan(ctx, "Engine.UpdateProductPricing", attribute.Int("product.id", productId))
	defer func() { endSpan(span, err) }()

	var changed bool
	err = e.transaction(ctx, func(tx *gorm.DB) error {
		var txErr error
		product, changed, txErr = models.UpdateProductPricing(tx, ctx, productId, input)
		return txErr
	})
	if err != nil {
		if !models.IsValidationError(err) && !errors.Is(err, models.ErrProductNotFound) {
			config.LogError(e.logger, "engine.go", "UpdateProductPricing", "UpdateProductPricing", input, err)
		}
		return nil, err
	}
	if changed {
		metrics.RecordPriceChange(models.PriceChangeReasonManual)
		e.invalidatePrices(ctx, productId)
	}
	return product, nil
}

func (e *Engine) ListPriceHistory(ctx context.Context, productId int) (rows []*models.PriceHistory, err error) {
	ctx, span := startSpan(ctx, "Engine.ListPriceHistory", attribute.Int("product.id", productId))
	defer func() { endSpan(span, err) }()

	return models.ListPriceHistory(e.db.WithContext(ctx), ctx, productId)
}

// CheckStockConsistency reports products whose aggregate stock disagrees
// with their batches. Empty productIds checks every product.
func (e *Engine) CheckStockConsistency(ctx context.Context, productIds ...int) (drifts []models.StockDrift, err error) {
	ctx, span := startSpan(ctx, "Engine.CheckStockConsistency")
	defer func() { endSpan(span, err) }()

	drifts, err = models.FindStockDrift(e.db.WithContext(ctx), ctx, productIds...)
	if err != nil {
		config.LogError(e.logger, "engine.go", "CheckStockConsistency", "FindStockDrift", productIds, err)
		return nil, err
	}
	if len(productIds) == 0 {
		metrics.StockDriftGauge.Set(float64(len(drifts)))
	}
	for _, drift := range drifts {
		e.logFields(ctx, logrus.Fields{
			"product_id":    drift.ProductId,
			"current_stock": drift.CurrentStock,
			"batch_stock":   drift.BatchStock,
		}).Warn("product stock drifted from its batches")
	}
	return drifts, nil
}
