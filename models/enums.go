package models

import (
	"errors"
	"strings"
)

type BatchStatus string

const (
	BatchStatusActive   BatchStatus = "active"
	BatchStatusDepleted BatchStatus = "depleted"
	BatchStatusExpired  BatchStatus = "expired"
)

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusActive, BatchStatusDepleted, BatchStatusExpired:
		return true
	}
	return false
}

// CountsTowardStock reports whether the batch quantity is part of the
// product aggregate (active and depleted batches, not expired ones).
func (s BatchStatus) CountsTowardStock() bool {
	return s == BatchStatusActive || s == BatchStatusDepleted
}

type DiscountType string

const (
	DiscountTypePercent DiscountType = "P"
	DiscountTypeAmount  DiscountType = "A"
)

func ParseDiscountType(s string) (DiscountType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "P":
		return DiscountTypePercent, nil
	case "A", "":
		return DiscountTypeAmount, nil
	default:
		return "", errors.New("invalid discount type")
	}
}

type PaymentMethod string

const (
	PaymentMethodCash   PaymentMethod = "cash"
	PaymentMethodCard   PaymentMethod = "card"
	PaymentMethodMobile PaymentMethod = "mobile"
	PaymentMethodCredit PaymentMethod = "credit"
)

func (m PaymentMethod) IsValid() bool {
	switch m {
	case PaymentMethodCash, PaymentMethodCard, PaymentMethodMobile, PaymentMethodCredit:
		return true
	}
	return false
}

// price history reasons
const (
	PriceChangeReasonBatchDepletion = "batch depletion"
	PriceChangeReasonManual         = "manual edit"
	PriceChangeReasonRefresh        = "price refresh"
	PriceChangeReasonBatchExpiry    = "batch expiry"
)
