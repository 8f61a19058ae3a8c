package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BatchAllocation records how much of one batch a sale item consumed and at
// what cost and price. Rows are written once, with the sale.
type BatchAllocation struct {
	ID            int             `gorm:"primary_key" json:"id"`
	SaleId        int             `gorm:"index;not null" json:"sale_id"`
	SaleItemId    int             `gorm:"index;not null" json:"sale_item_id"`
	BatchId       int             `gorm:"index;not null" json:"batch_id"`
	Batch         *StockBatch     `gorm:"foreignKey:BatchId;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT" json:"-"`
	BatchNumber   string          `gorm:"size:40;not null" json:"batch_number"`
	ProductId     int             `gorm:"index;not null" json:"product_id"`
	QuantitySold  int             `gorm:"not null" json:"quantity_sold"`
	PurchasePrice decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"purchase_price"`
	SellingPrice  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"selling_price"`
	ItemCogs      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"item_cogs"`
	ItemRevenue   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"item_revenue"`
	ItemProfit    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"item_profit"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (BatchAllocation) BeforeUpdate(tx *gorm.DB) error {
	return ErrAllocationImmutable
}

func (BatchAllocation) BeforeDelete(tx *gorm.DB) error {
	return ErrAllocationImmutable
}

// NewBatchAllocation prices qty units of batch: cost at the batch's purchase
// price, revenue at sellingPrice.
func NewBatchAllocation(batch *StockBatch, qty int, sellingPrice decimal.Decimal) BatchAllocation {
	q := decimal.NewFromInt(int64(qty))
	cogs := q.Mul(batch.PurchasePrice)
	revenue := q.Mul(sellingPrice)
	return BatchAllocation{
		BatchId:       batch.ID,
		BatchNumber:   batch.BatchNumber,
		ProductId:     batch.ProductId,
		QuantitySold:  qty,
		PurchasePrice: batch.PurchasePrice,
		SellingPrice:  sellingPrice,
		ItemCogs:      cogs,
		ItemRevenue:   revenue,
		ItemProfit:    revenue.Sub(cogs),
	}
}

func CreateBatchAllocation(tx *gorm.DB, ctx context.Context, allocation *BatchAllocation) error {
	return tx.WithContext(ctx).Create(allocation).Error
}

func ListBatchAllocations(tx *gorm.DB, ctx context.Context, saleId int) ([]*BatchAllocation, error) {
	var count int64
	if err := tx.WithContext(ctx).Model(&Sale{}).Where("id = ?", saleId).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrSaleNotFound
	}
	var allocations []*BatchAllocation
	if err := tx.WithContext(ctx).Where("sale_id = ?", saleId).
		Order("sale_item_id, id").Find(&allocations).Error; err != nil {
		return nil, err
	}
	return allocations, nil
}
