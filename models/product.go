package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mmdatafocus/stock_batches/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Product struct {
	ID               int             `gorm:"primary_key" json:"id"`
	Name             string          `gorm:"size:100;not null" json:"name"`
	SalesPrice       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"sales_price"`
	PurchasePrice    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"purchase_price"`
	MarkupPercentage decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"markup_percentage"`
	// denormalized SUM(quantity) of active + depleted batches
	CurrentStock int `gorm:"not null;default:0" json:"current_stock"`
	// last batch sequence handed out; never reset
	BatchSequence int `gorm:"not null;default:0" json:"-"`
	// bumped by every write to stock or pricing; cached prices carry it
	StockVersion int64          `gorm:"not null;default:0" json:"-"`
	Batches      []StockBatch   `gorm:"foreignKey:ProductId;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT" json:"-"`
	PriceHistory []PriceHistory `gorm:"foreignKey:ProductId;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT" json:"-"`
	CreatedAt    time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProduct struct {
	Name          string          `json:"name" validate:"required,max=100"`
	SalesPrice    decimal.Decimal `json:"sales_price"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	// Markup defaults to the one implied by the two prices.
	MarkupPercentage *decimal.Decimal `json:"markup_percentage"`
	// InitialStock is stock carried over from before batch tracking. It is
	// turned into a batch lazily, on the product's first batch operation.
	InitialStock int `json:"initial_stock" validate:"gte=0"`
}

func (input *NewProduct) validate() error {
	if input == nil {
		return ErrMissingInput
	}
	input.Name = strings.TrimSpace(input.Name)
	fields, err := utils.ValidateStruct(input)
	if err != nil {
		return err
	}
	if verr := validationErrorFromTags(fields); verr != nil {
		return verr
	}
	if input.SalesPrice.IsNegative() {
		return NewValidationError("sales_price", "must not be negative")
	}
	if input.PurchasePrice.IsNegative() {
		return NewValidationError("purchase_price", "must not be negative")
	}
	return nil
}

func CreateProduct(tx *gorm.DB, ctx context.Context, input *NewProduct) (*Product, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}

	markup := utils.CalculateMarkupPercentage(input.SalesPrice, input.PurchasePrice)
	if input.MarkupPercentage != nil {
		markup = *input.MarkupPercentage
	}

	product := Product{
		Name:             input.Name,
		SalesPrice:       input.SalesPrice,
		PurchasePrice:    input.PurchasePrice,
		MarkupPercentage: markup,
		CurrentStock:     input.InitialStock,
		CreatedAt:        time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(&product).Error; err != nil {
		return nil, err
	}

	// opening price row so every later change has a predecessor
	if _, err := RecordPriceChange(tx, ctx, Product{ID: product.ID}, product, "initial price"); err != nil {
		return nil, err
	}
	return &product, nil
}

func GetProduct(tx *gorm.DB, ctx context.Context, id int) (*Product, error) {
	var product Product
	if err := tx.WithContext(ctx).Where("id = ?", id).Take(&product).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProductNotFound
		}
		return nil, err
	}
	return &product, nil
}

// GetProductStockVersion reads only the product's stock version.
func GetProductStockVersion(tx *gorm.DB, ctx context.Context, id int) (int64, error) {
	var product Product
	if err := tx.WithContext(ctx).Select("id", "stock_version").
		Where("id = ?", id).Take(&product).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrProductNotFound
		}
		return 0, err
	}
	return product.StockVersion, nil
}

// LockProducts takes row locks on the given products in ascending id order
// and returns them keyed by id. Every writer that touches batches locks the
// owning product first, so concurrent settlements of one product serialize.
func LockProducts(tx *gorm.DB, ctx context.Context, ids []int) (map[int]*Product, error) {
	unqIds := utils.UniqueSlice(ids)
	if len(unqIds) == 0 {
		return map[int]*Product{}, nil
	}
	var products []*Product
	if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", unqIds).
		Order("id").
		Find(&products).Error; err != nil {
		return nil, err
	}
	if len(products) != len(unqIds) {
		return nil, ErrProductNotFound
	}
	result := make(map[int]*Product, len(products))
	for _, p := range products {
		result[p.ID] = p
	}
	return result, nil
}

func LockProduct(tx *gorm.DB, ctx context.Context, id int) (*Product, error) {
	products, err := LockProducts(tx, ctx, []int{id})
	if err != nil {
		return nil, err
	}
	return products[id], nil
}

// adjustProductStock applies delta to current_stock. Decrements are
// conditional so the aggregate can never go negative.
func adjustProductStock(tx *gorm.DB, productId int, delta int) error {
	if delta == 0 {
		return nil
	}
	query := tx.Model(&Product{}).Where("id = ?", productId)
	if delta < 0 {
		query = query.Where("current_stock >= ?", -delta)
	}
	result := query.Updates(map[string]interface{}{
		"current_stock": gorm.Expr("current_stock + ?", delta),
		"stock_version": gorm.Expr("stock_version + 1"),
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAggregateStockDrift
	}
	return nil
}

// DecrementProductStock lowers the aggregate by qty inside the caller's tx.
func DecrementProductStock(tx *gorm.DB, productId int, qty int) error {
	return adjustProductStock(tx, productId, -qty)
}

type ProductPricingInput struct {
	SalesPrice       *decimal.Decimal `json:"sales_price"`
	PurchasePrice    *decimal.Decimal `json:"purchase_price"`
	MarkupPercentage *decimal.Decimal `json:"markup_percentage"`
	Reason           string           `json:"reason" validate:"max=255"`
}

func (input *ProductPricingInput) validate() error {
	if input == nil {
		return ErrMissingInput
	}
	if input.SalesPrice == nil && input.PurchasePrice == nil && input.MarkupPercentage == nil {
		return NewValidationError("", "one of sales_price, purchase_price, markup_percentage is required")
	}
	if input.SalesPrice != nil && input.SalesPrice.IsNegative() {
		return NewValidationError("sales_price", "must not be negative")
	}
	if input.PurchasePrice != nil && input.PurchasePrice.IsNegative() {
		return NewValidationError("purchase_price", "must not be negative")
	}
	fields, err := utils.ValidateStruct(input)
	if err != nil {
		return err
	}
	if verr := validationErrorFromTags(fields); verr != nil {
		return verr
	}
	return nil
}

// UpdateProductPricing is the manual edit path. The product row is locked,
// updated and its history row appended in the caller's tx. Markup follows
// the prices unless it is given explicitly.
func UpdateProductPricing(tx *gorm.DB, ctx context.Context, productId int, input *ProductPricingInput) (*Product, bool, error) {
	if err := input.validate(); err != nil {
		return nil, false, err
	}
	product, err := LockProduct(tx, ctx, productId)
	if err != nil {
		return nil, false, err
	}

	next := *product
	if input.SalesPrice != nil {
		next.SalesPrice = *input.SalesPrice
	}
	if input.PurchasePrice != nil {
		next.PurchasePrice = *input.PurchasePrice
	}
	if input.MarkupPercentage != nil {
		next.MarkupPercentage = *input.MarkupPercentage
	} else {
		next.MarkupPercentage = utils.CalculateMarkupPercentage(next.SalesPrice, next.PurchasePrice)
	}

	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		reason = PriceChangeReasonManual
	}
	changed, err := SetProductPricing(tx, ctx, product, next.SalesPrice, next.PurchasePrice, next.MarkupPercentage, reason)
	if err != nil {
		return nil, false, err
	}
	return product, changed, nil
}

// SetProductPricing writes price, cost and markup onto a locked product and
// appends one history row. Nothing is written when all three are unchanged.
// product is updated in place.
func SetProductPricing(tx *gorm.DB, ctx context.Context, product *Product, price, cost, markup decimal.Decimal, reason string) (bool, error) {
	if !pricingDiffers(*product, price, cost, markup) {
		return false, nil
	}
	before := *product
	if err := tx.WithContext(ctx).Model(&Product{}).Where("id = ?", product.ID).
		Updates(map[string]interface{}{
			"sales_price":       price,
			"purchase_price":    cost,
			"markup_percentage": markup,
			"stock_version":     gorm.Expr("stock_version + 1"),
		}).Error; err != nil {
		return false, err
	}
	product.SalesPrice = price
	product.PurchasePrice = cost
	product.MarkupPercentage = markup
	product.StockVersion++

	if _, err := RecordPriceChange(tx, ctx, before, *product, reason); err != nil {
		return false, err
	}
	return true, nil
}

func pricingDiffers(p Product, price, cost, markup decimal.Decimal) bool {
	return !p.SalesPrice.Equal(price) || !p.PurchasePrice.Equal(cost) || !p.MarkupPercentage.Equal(markup)
}
