package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrProductNotFound       = errors.New("product not found")
	ErrSaleNotFound          = errors.New("sale not found")
	ErrBatchNotFound         = errors.New("batch not found")
	ErrPriceHistoryImmutable = errors.New("price history rows are append-only")
	ErrAllocationImmutable   = errors.New("batch allocations are append-only")
	// product.current_stock no longer covers what its batches hold
	ErrAggregateStockDrift = errors.New("product aggregate stock is out of sync with its batches")
)

// ValidationError rejects malformed input before anything is written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Message)
}

func NewValidationError(field string, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// ErrMissingInput rejects a call made without its input struct.
var ErrMissingInput = NewValidationError("", "input is required")

// validationErrorFromTags folds validator output (field => tag) into one error.
func validationErrorFromTags(fields map[string]string) *ValidationError {
	if len(fields) == 0 {
		return nil
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s(%s)", name, fields[name]))
	}
	return &ValidationError{Field: names[0], Message: "failed rules: " + strings.Join(parts, ", ")}
}

// InsufficientStockError means active batches cannot cover the request.
type InsufficientStockError struct {
	ProductId   int
	ProductName string
	Requested   int
	Available   int
	Shortfall   int
}

func (e *InsufficientStockError) Error() string {
	name := e.ProductName
	if name == "" {
		name = fmt.Sprintf("product %d", e.ProductId)
	}
	return fmt.Sprintf("insufficient stock for %s: requested=%d available=%d shortfall=%d",
		name, e.Requested, e.Available, e.Shortfall)
}

// InsufficientBatchStockError is an invariant breach: a batch was asked for
// more than it holds. Allocation never builds such a request.
type InsufficientBatchStockError struct {
	BatchId   int
	Requested int
	Remaining int
}

func (e *InsufficientBatchStockError) Error() string {
	return fmt.Sprintf("batch %d holds %d, cannot take %d", e.BatchId, e.Remaining, e.Requested)
}

// ConcurrencyConflictError means a conditional batch update matched no row
// because another writer got there first.
type ConcurrencyConflictError struct {
	ProductId int
	BatchId   int
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("batch %d of product %d changed concurrently", e.BatchId, e.ProductId)
}

// NumberingCollisionError is a duplicate (product_id, batch_number).
type NumberingCollisionError struct {
	ProductId   int
	BatchNumber string
	Err         error
}

func (e *NumberingCollisionError) Error() string {
	return fmt.Sprintf("batch number %s already exists for product %d", e.BatchNumber, e.ProductId)
}

func (e *NumberingCollisionError) Unwrap() error {
	return e.Err
}

func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsInsufficientStockError(err error) bool {
	var target *InsufficientStockError
	return errors.As(err, &target)
}

func IsConcurrencyConflictError(err error) bool {
	var target *ConcurrencyConflictError
	return errors.As(err, &target)
}

func IsNumberingCollisionError(err error) bool {
	var target *NumberingCollisionError
	return errors.As(err, &target)
}
