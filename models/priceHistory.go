package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/stock_batches/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PriceHistory is append-only.
type PriceHistory struct {
	ID        int             `gorm:"primary_key" json:"id"`
	ProductId int             `gorm:"index;not null" json:"product_id"`
	OldPrice  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"old_price"`
	NewPrice  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"new_price"`
	OldCost   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"old_cost"`
	NewCost   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"new_cost"`
	OldMarkup decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"old_markup"`
	NewMarkup decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"new_markup"`
	ChangedBy string          `gorm:"size:100;not null" json:"changed_by"`
	Reason    string          `gorm:"size:255" json:"reason"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (PriceHistory) BeforeUpdate(tx *gorm.DB) error {
	return ErrPriceHistoryImmutable
}

func (PriceHistory) BeforeDelete(tx *gorm.DB) error {
	return ErrPriceHistoryImmutable
}

// RecordPriceChange appends one row when price, cost or markup moved between
// before and after. The actor is the user name in ctx, else "system".
func RecordPriceChange(tx *gorm.DB, ctx context.Context, before Product, after Product, reason string) (*PriceHistory, error) {
	if !pricingDiffers(before, after.SalesPrice, after.PurchasePrice, after.MarkupPercentage) {
		return nil, nil
	}
	row := PriceHistory{
		ProductId: after.ID,
		OldPrice:  before.SalesPrice,
		NewPrice:  after.SalesPrice,
		OldCost:   before.PurchasePrice,
		NewCost:   after.PurchasePrice,
		OldMarkup: before.MarkupPercentage,
		NewMarkup: after.MarkupPercentage,
		ChangedBy: utils.GetActorFromContext(ctx),
		Reason:    reason,
	}
	if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func ListPriceHistory(tx *gorm.DB, ctx context.Context, productId int) ([]*PriceHistory, error) {
	if _, err := GetProduct(tx, ctx, productId); err != nil {
		return nil, err
	}
	var rows []*PriceHistory
	if err := tx.WithContext(ctx).Where("product_id = ?", productId).
		Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func CountPriceHistory(tx *gorm.DB, ctx context.Context, productId int) (int64, error) {
	var count int64
	err := tx.WithContext(ctx).Model(&PriceHistory{}).Where("product_id = ?", productId).Count(&count).Error
	return count, err
}
