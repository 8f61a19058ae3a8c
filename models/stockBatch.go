package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mmdatafocus/stock_batches/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type StockBatch struct {
	ID               int             `gorm:"primary_key" json:"id"`
	ProductId        int             `gorm:"not null;uniqueIndex:idx_batch_product_number,priority:1;index:idx_batch_product_status,priority:1" json:"product_id"`
	BatchNumber      string          `gorm:"size:40;not null;uniqueIndex:idx_batch_product_number,priority:2" json:"batch_number"`
	Quantity         int             `gorm:"not null;default:0" json:"quantity"`
	OriginalQuantity int             `gorm:"not null;default:0" json:"original_quantity"`
	PurchasePrice    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"purchase_price"`
	SellingPrice     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"selling_price"`
	ExpiryDate       *time.Time      `json:"expiry_date"`
	Status           BatchStatus     `gorm:"size:20;not null;default:active;index:idx_batch_product_status,priority:2" json:"status"`
	SupplierName     string          `gorm:"size:100" json:"supplier_name"`
	Notes            string          `gorm:"size:255" json:"notes"`
	IsLegacyBackfill bool            `gorm:"not null;default:false" json:"is_legacy_backfill"`
	CreatedAt        time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewStockBatch struct {
	ProductId     int              `json:"product_id" validate:"required,gt=0"`
	Quantity      int              `json:"quantity" validate:"gt=0"`
	ExpiryDate    *time.Time       `json:"expiry_date"`
	PurchasePrice *decimal.Decimal `json:"purchase_price"`
	SellingPrice  *decimal.Decimal `json:"selling_price"`
	SupplierName  string           `json:"supplier_name" validate:"max=100"`
	Notes         string           `json:"notes" validate:"max=255"`
}

type BatchReceipt struct {
	BatchId       int    `json:"batch_id"`
	BatchNumber   string `json:"batch_number"`
	NewStockLevel int    `json:"new_stock_level"`
	// legacy batch created before this one, if any
	BackfilledBatchId int `json:"backfilled_batch_id,omitempty"`
}

func (input *NewStockBatch) validate() error {
	if input == nil {
		return ErrMissingInput
	}
	if input.Quantity <= 0 {
		return NewValidationError("quantity", "must be greater than zero")
	}
	input.SupplierName = strings.TrimSpace(input.SupplierName)
	input.Notes = strings.TrimSpace(input.Notes)
	fields, err := utils.ValidateStruct(input)
	if err != nil {
		return err
	}
	if verr := validationErrorFromTags(fields); verr != nil {
		return verr
	}
	if input.PurchasePrice != nil && input.PurchasePrice.IsNegative() {
		return NewValidationError("purchase_price", "must not be negative")
	}
	if input.SellingPrice != nil && input.SellingPrice.IsNegative() {
		return NewValidationError("selling_price", "must not be negative")
	}
	return nil
}

// CreateBatch receives stock for one product inside the caller's tx.
// The product row is locked first; any legacy stock becomes batch 001 before
// the new batch is numbered. A duplicate batch number is reported as
// NumberingCollisionError and leaves the tx unusable, so callers retry with a
// new transaction.
func CreateBatch(tx *gorm.DB, ctx context.Context, input *NewStockBatch) (*BatchReceipt, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}

	product, err := LockProduct(tx, ctx, input.ProductId)
	if err != nil {
		return nil, err
	}

	receipt := BatchReceipt{}
	legacy, err := EnsureLegacyBatch(tx, ctx, product)
	if err != nil {
		return nil, err
	}
	if legacy != nil {
		receipt.BackfilledBatchId = legacy.ID
	}

	now := time.Now().UTC()
	seq, err := nextBatchSequence(tx, ctx, product, now)
	if err != nil {
		return nil, err
	}

	batch := StockBatch{
		ProductId:        product.ID,
		BatchNumber:      FormatBatchNumber(product.ID, now, seq),
		Quantity:         input.Quantity,
		OriginalQuantity: input.Quantity,
		PurchasePrice:    product.PurchasePrice,
		SellingPrice:     product.SalesPrice,
		ExpiryDate:       normalizeExpiry(input.ExpiryDate),
		Status:           BatchStatusActive,
		SupplierName:     input.SupplierName,
		Notes:            input.Notes,
		CreatedAt:        now,
	}
	if input.PurchasePrice != nil {
		batch.PurchasePrice = *input.PurchasePrice
	}
	if input.SellingPrice != nil {
		batch.SellingPrice = *input.SellingPrice
	}

	if err := insertBatch(tx, ctx, &batch); err != nil {
		return nil, err
	}
	if err := claimBatchSequence(tx, product, seq); err != nil {
		return nil, err
	}
	if err := adjustProductStock(tx, product.ID, batch.Quantity); err != nil {
		return nil, err
	}

	receipt.BatchId = batch.ID
	receipt.BatchNumber = batch.BatchNumber
	receipt.NewStockLevel = product.CurrentStock + batch.Quantity
	return &receipt, nil
}

func insertBatch(tx *gorm.DB, ctx context.Context, batch *StockBatch) error {
	if err := tx.WithContext(ctx).Create(batch).Error; err != nil {
		if utils.IsDuplicateKeyErr(err) {
			return &NumberingCollisionError{ProductId: batch.ProductId, BatchNumber: batch.BatchNumber, Err: err}
		}
		return err
	}
	return nil
}

func normalizeExpiry(expiry *time.Time) *time.Time {
	if expiry == nil || expiry.IsZero() {
		return nil
	}
	utc := expiry.UTC()
	return &utc
}

// DecrementBatch takes qty from an active batch with a conditional update and
// marks it depleted when it reaches zero. Zero rows affected means the batch
// no longer holds qty; the returned error carries what it holds now.
// Status is assigned before quantity so both dialects compare the old value.
func DecrementBatch(tx *gorm.DB, ctx context.Context, batchId int, qty int) (depleted bool, err error) {
	if qty <= 0 {
		return false, NewValidationError("quantity", "must be greater than zero")
	}
	result := tx.WithContext(ctx).Exec(
		`UPDATE stock_batches
		SET status = CASE WHEN quantity = ? THEN ? ELSE status END,
			quantity = quantity - ?,
			updated_at = ?
		WHERE id = ? AND status = ? AND quantity >= ?`,
		qty, string(BatchStatusDepleted), qty, time.Now().UTC(), batchId, string(BatchStatusActive), qty,
	)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		remaining, err := batchRemaining(tx, ctx, batchId)
		if err != nil {
			return false, err
		}
		return false, &InsufficientBatchStockError{BatchId: batchId, Requested: qty, Remaining: remaining}
	}

	var batch StockBatch
	if err := tx.WithContext(ctx).Select("id", "status").
		Where("id = ?", batchId).Take(&batch).Error; err != nil {
		return false, err
	}
	return batch.Status == BatchStatusDepleted, nil
}

// batchRemaining is the quantity still allocatable from a batch; 0 when it is
// not active.
func batchRemaining(tx *gorm.DB, ctx context.Context, batchId int) (int, error) {
	var batch StockBatch
	if err := tx.WithContext(ctx).Select("id", "quantity", "status").
		Where("id = ?", batchId).Take(&batch).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrBatchNotFound
		}
		return 0, err
	}
	if batch.Status != BatchStatusActive {
		return 0, nil
	}
	return batch.Quantity, nil
}

// GetAllocatableBatches returns the product's active batches with stock, in
// consumption order.
func GetAllocatableBatches(tx *gorm.DB, ctx context.Context, productId int) ([]*StockBatch, error) {
	var batches []*StockBatch
	if err := tx.WithContext(ctx).
		Where("product_id = ? AND status = ? AND quantity > 0", productId, BatchStatusActive).
		Order(canonicalBatchOrder).
		Find(&batches).Error; err != nil {
		return nil, err
	}
	SortBatches(batches)
	return batches, nil
}

// GetOldestActiveBatch is the head of the consumption order, or nil.
func GetOldestActiveBatch(tx *gorm.DB, ctx context.Context, productId int) (*StockBatch, error) {
	batches, err := GetAllocatableBatches(tx, ctx, productId)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, nil
	}
	return batches[0], nil
}

func GetProductBatches(tx *gorm.DB, ctx context.Context, productId int) ([]*StockBatch, error) {
	var batches []*StockBatch
	if err := tx.WithContext(ctx).Where("product_id = ?", productId).
		Order(canonicalBatchOrder).Find(&batches).Error; err != nil {
		return nil, err
	}
	SortBatches(batches)
	return batches, nil
}

func countProductBatches(tx *gorm.DB, ctx context.Context, productId int) (int, error) {
	var count int64
	if err := tx.WithContext(ctx).Model(&StockBatch{}).
		Where("product_id = ?", productId).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}
