package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/stock_batches/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Sale struct {
	ID                     int             `gorm:"primary_key" json:"id"`
	SaleNumber             string          `gorm:"size:36;uniqueIndex;not null" json:"sale_number"`
	Subtotal               decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"subtotal"`
	DiscountType           DiscountType    `gorm:"size:1;default:A" json:"discount_type"`
	Discount               decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"discount"`
	DiscountAmount         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"discount_amount"`
	TotalAmount            decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_amount"`
	PaymentMethod          PaymentMethod   `gorm:"size:20;not null;default:cash" json:"payment_method"`
	AmountTendered         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount_tendered"`
	ChangeDue              decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"change_due"`
	CustomerName           string          `gorm:"size:100" json:"customer_name"`
	CustomerPhone          string          `gorm:"size:20" json:"customer_phone"`
	TotalCogs              decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_cogs"`
	TotalRevenue           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_revenue"`
	GrossProfit            decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"gross_profit"`
	ProfitMarginPercentage decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"profit_margin_percentage"`
	CashierName            string          `gorm:"size:100" json:"cashier_name"`
	CorrelationId          string          `gorm:"size:64;index" json:"correlation_id"`
	Items                  []SaleItem      `gorm:"foreignKey:SaleId;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT" json:"items,omitempty"`
	CreatedAt              time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type SaleItem struct {
	ID          int               `gorm:"primary_key" json:"id"`
	SaleId      int               `gorm:"index;not null" json:"sale_id"`
	ProductId   int               `gorm:"index;not null" json:"product_id"`
	Product     *Product          `gorm:"foreignKey:ProductId;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT" json:"-"`
	Quantity    int               `gorm:"not null" json:"quantity"`
	UnitPrice   decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	LineTotal   decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"line_total"`
	Cogs        decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"cogs"`
	Allocations []BatchAllocation `gorm:"foreignKey:SaleItemId;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT" json:"allocations,omitempty"`
}

type NewSaleItem struct {
	ProductId int `json:"product_id" validate:"required,gt=0"`
	Quantity  int `json:"quantity" validate:"gt=0"`
	// overrides the pricing policy when set and positive
	UnitPrice *decimal.Decimal `json:"unit_price"`
}

type CustomerInfo struct {
	Name  string `json:"name" validate:"max=100"`
	Phone string `json:"phone" validate:"max=20"`
}

type NewSale struct {
	Items          []NewSaleItem    `json:"items" validate:"required,min=1,dive"`
	Customer       *CustomerInfo    `json:"customer"`
	DiscountType   string           `json:"discount_type"`
	Discount       decimal.Decimal  `json:"discount"`
	PaymentMethod  PaymentMethod    `json:"payment_method"`
	AmountTendered *decimal.Decimal `json:"amount_tendered"`
}

// Validate checks the sale request and normalizes customer and payment
// fields. Nothing has been written when it fails.
func (input *NewSale) Validate() error {
	if input == nil || len(input.Items) == 0 {
		return NewValidationError("items", "at least one item is required")
	}
	for _, item := range input.Items {
		if item.Quantity <= 0 {
			return NewValidationError("quantity", "must be greater than zero")
		}
		if item.UnitPrice != nil && item.UnitPrice.IsNegative() {
			return NewValidationError("unit_price", "must not be negative")
		}
	}
	fields, err := utils.ValidateStruct(input)
	if err != nil {
		return err
	}
	if verr := validationErrorFromTags(fields); verr != nil {
		return verr
	}

	discountType, err := ParseDiscountType(input.DiscountType)
	if err != nil {
		return NewValidationError("discount_type", err.Error())
	}
	input.DiscountType = string(discountType)
	if input.Discount.IsNegative() {
		return NewValidationError("discount", "must not be negative")
	}
	if discountType == DiscountTypePercent && input.Discount.GreaterThan(decimal.NewFromInt(100)) {
		return NewValidationError("discount", "percentage must not exceed 100")
	}

	if input.PaymentMethod == "" {
		input.PaymentMethod = PaymentMethodCash
	}
	if !input.PaymentMethod.IsValid() {
		return NewValidationError("payment_method", "unknown payment method")
	}
	if input.AmountTendered != nil && input.AmountTendered.IsNegative() {
		return NewValidationError("amount_tendered", "must not be negative")
	}

	if input.Customer != nil {
		input.Customer.Name = strings.TrimSpace(input.Customer.Name)
		input.Customer.Phone = strings.TrimSpace(input.Customer.Phone)
		if input.Customer.Phone != "" {
			formatted, err := utils.FormatPhoneNumber(input.Customer.Phone, "")
			if err != nil || utils.ValidatePhoneNumber(input.Customer.Phone, "") != nil {
				return NewValidationError("customer.phone", "invalid phone number")
			}
			input.Customer.Phone = formatted
		}
	}
	return nil
}

// QuantityByProduct sums requested quantities per product, so two lines of
// one product are allocated against the same snapshot.
func (input *NewSale) QuantityByProduct() map[int]int {
	result := make(map[int]int)
	for _, item := range input.Items {
		result[item.ProductId] += item.Quantity
	}
	return result
}

func (input *NewSale) ProductIds() []int {
	ids := make([]int, 0, len(input.Items))
	for _, item := range input.Items {
		ids = append(ids, item.ProductId)
	}
	return utils.UniqueSlice(ids)
}

// CreateSaleHeader inserts the sale with zero totals; FinalizeSale fills them.
func CreateSaleHeader(tx *gorm.DB, ctx context.Context, input *NewSale) (*Sale, error) {
	sale := Sale{
		SaleNumber:    uuid.NewString(),
		DiscountType:  DiscountType(input.DiscountType),
		Discount:      input.Discount,
		PaymentMethod: input.PaymentMethod,
		CashierName:   utils.GetActorFromContext(ctx),
		CreatedAt:     time.Now().UTC(),
	}
	if input.Customer != nil {
		sale.CustomerName = input.Customer.Name
		sale.CustomerPhone = input.Customer.Phone
	}
	if correlationId, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		sale.CorrelationId = correlationId
	}
	if err := tx.WithContext(ctx).Create(&sale).Error; err != nil {
		return nil, err
	}
	return &sale, nil
}

func CreateSaleItem(tx *gorm.DB, ctx context.Context, item *SaleItem) error {
	return tx.WithContext(ctx).Create(item).Error
}

// FinalizeSale writes the sale's money totals.
func FinalizeSale(tx *gorm.DB, ctx context.Context, sale *Sale) error {
	return tx.WithContext(ctx).Model(&Sale{}).Where("id = ?", sale.ID).
		Updates(map[string]interface{}{
			"subtotal":                 sale.Subtotal,
			"discount_amount":          sale.DiscountAmount,
			"total_amount":             sale.TotalAmount,
			"amount_tendered":          sale.AmountTendered,
			"change_due":               sale.ChangeDue,
			"total_cogs":               sale.TotalCogs,
			"total_revenue":            sale.TotalRevenue,
			"gross_profit":             sale.GrossProfit,
			"profit_margin_percentage": sale.ProfitMarginPercentage,
		}).Error
}

func GetSale(tx *gorm.DB, ctx context.Context, id int) (*Sale, error) {
	var sale Sale
	if err := tx.WithContext(ctx).Preload("Items").Where("id = ?", id).Take(&sale).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSaleNotFound
		}
		return nil, err
	}
	return &sale, nil
}
