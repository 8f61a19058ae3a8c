package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/stock_batches/config"
	"github.com/mmdatafocus/stock_batches/models"
	"github.com/mmdatafocus/stock_batches/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// StockEngine is the part of workflow.Engine the HTTP layer calls.
type StockEngine interface {
	CreateProduct(ctx context.Context, input *models.NewProduct) (*models.Product, error)
	ReceiveBatch(ctx context.Context, input *models.NewStockBatch) (*models.BatchReceipt, error)
	SettleSale(ctx context.Context, input *models.NewSale) (*workflow.SettlementResult, error)
	GetEffectivePrice(ctx context.Context, productId int) (decimal.Decimal, error)
	ListBatchAllocations(ctx context.Context, saleId int) ([]*models.BatchAllocation, error)
	UpdateProductPricing(ctx context.Context, productId int, input *models.ProductPricingInput) (*models.Product, error)
	ListPriceHistory(ctx context.Context, productId int) ([]*models.PriceHistory, error)
	PricingMode() string
}

type stockHandler struct {
	engine StockEngine
	logger *logrus.Logger
}

func newStockHandler(engine StockEngine, logger *logrus.Logger) *stockHandler {
	return &stockHandler{engine: engine, logger: logger}
}

func (h *stockHandler) register(r gin.IRouter) {
	r.POST("/products", h.createProduct)
	r.POST("/products/:id/batches", h.receiveBatch)
	r.GET("/products/:id/price", h.getEffectivePrice)
	r.PUT("/products/:id/pricing", h.updatePricing)
	r.GET("/products/:id/price-history", h.listPriceHistory)
	r.POST("/sales", h.settleSale)
	r.GET("/sales/:id/allocations", h.listAllocations)
}

func (h *stockHandler) createProduct(c *gin.Context) {
	var input models.NewProduct
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	product, err := h.engine.CreateProduct(c.Request.Context(), &input)
	if err != nil {
		h.writeError(c, "createProduct", err)
		return
	}
	c.JSON(http.StatusCreated, product)
}

type receiveBatchRequest struct {
	Quantity      int              `json:"quantity"`
	ExpiryDate    string           `json:"expiry_date"`
	PurchasePrice *decimal.Decimal `json:"purchase_price"`
	SellingPrice  *decimal.Decimal `json:"selling_price"`
	SupplierName  string           `json:"supplier_name"`
	Notes         string           `json:"notes"`
}

// parseExpiryDate accepts a plain date or an RFC 3339 timestamp.
func parseExpiryDate(value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			utc := t.UTC()
			return &utc, nil
		}
	}
	return nil, models.NewValidationError("expiry_date", "must be YYYY-MM-DD or RFC 3339")
}

func (h *stockHandler) receiveBatch(c *gin.Context) {
	productId, ok := pathId(c)
	if !ok {
		return
	}
	var req receiveBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	expiry, err := parseExpiryDate(req.ExpiryDate)
	if err != nil {
		h.writeError(c, "receiveBatch", err)
		return
	}
	receipt, err := h.engine.ReceiveBatch(c.Request.Context(), &models.NewStockBatch{
		ProductId:     productId,
		Quantity:      req.Quantity,
		ExpiryDate:    expiry,
		PurchasePrice: req.PurchasePrice,
		SellingPrice:  req.SellingPrice,
		SupplierName:  req.SupplierName,
		Notes:         req.Notes,
	})
	if err != nil {
		h.writeError(c, "receiveBatch", err)
		return
	}
	c.JSON(http.StatusCreated, receipt)
}

func (h *stockHandler) getEffectivePrice(c *gin.Context) {
	productId, ok := pathId(c)
	if !ok {
		return
	}
	price, err := h.engine.GetEffectivePrice(c.Request.Context(), productId)
	if err != nil {
		h.writeError(c, "getEffectivePrice", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"product_id": productId,
		"price":      price,
		"mode":       h.engine.PricingMode(),
	})
}

func (h *stockHandler) updatePricing(c *gin.Context) {
	productId, ok := pathId(c)
	if !ok {
		return
	}
	var input models.ProductPricingInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	product, err := h.engine.UpdateProductPricing(c.Request.Context(), productId, &input)
	if err != nil {
		h.writeError(c, "updatePricing", err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (h *stockHandler) listPriceHistory(c *gin.Context) {
	productId, ok := pathId(c)
	if !ok {
		return
	}
	rows, err := h.engine.ListPriceHistory(c.Request.Context(), productId)
	if err != nil {
		h.writeError(c, "listPriceHistory", err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

type settlementResponse struct {
	*workflow.SettlementResult
	ProfitMarginDisplay decimal.Decimal `json:"profit_margin_display"`
}

func (h *stockHandler) settleSale(c *gin.Context) {
	var input models.NewSale
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	result, err := h.engine.SettleSale(c.Request.Context(), &input)
	if err != nil {
		h.writeError(c, "settleSale", err)
		return
	}
	c.JSON(http.StatusCreated, settlementResponse{
		SettlementResult:    result,
		ProfitMarginDisplay: result.MarginDisplay(),
	})
}

func (h *stockHandler) listAllocations(c *gin.Context) {
	saleId, ok := pathId(c)
	if !ok {
		return
	}
	allocations, err := h.engine.ListBatchAllocations(c.Request.Context(), saleId)
	if err != nil {
		h.writeError(c, "listAllocations", err)
		return
	}
	c.JSON(http.StatusOK, allocations)
}

func pathId(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// writeError maps domain errors to status codes. Anything unrecognised is
// logged and reported as 500 without its message.
func (h *stockHandler) writeError(c *gin.Context, funcName string, err error) {
	var (
		validationErr *models.ValidationError
		stockErr      *models.InsufficientStockError
		conflictErr   *models.ConcurrencyConflictError
		collisionErr  *models.NumberingCollisionError
	)
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Error(), "field": validationErr.Field})
	case errors.Is(err, models.ErrProductNotFound), errors.Is(err, models.ErrSaleNotFound), errors.Is(err, models.ErrBatchNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &stockErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":        stockErr.Error(),
			"product_id":   stockErr.ProductId,
			"product_name": stockErr.ProductName,
			"requested":    stockErr.Requested,
			"available":    stockErr.Available,
			"shortfall":    stockErr.Shortfall,
		})
	case errors.As(err, &conflictErr), errors.As(err, &collisionErr):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		config.LogError(h.logger, "handlers.go", funcName, "engine call", c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
