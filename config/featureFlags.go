package config

import (
	"os"
	"strings"
	"time"
)

// PricingModeName values accepted in PRICING_MODE.
const (
	PricingModeManual      = "manual"
	PricingModeFifoDerived = "fifo-derived"
)

// PricingMode selects how a product's visible price is decided.
//
// Set via env:
// - PRICING_MODE=manual (default) | fifo-derived
//
// "fifo" and "fifo_derived" are accepted as aliases of fifo-derived. Any other
// value is returned as given so the engine refuses to start on it.
func PricingMode() string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("PRICING_MODE")))
	switch v {
	case "", PricingModeManual:
		return PricingModeManual
	case PricingModeFifoDerived, "fifo_derived", "fifo":
		return PricingModeFifoDerived
	default:
		return v
	}
}

// SettlementMaxRetries bounds how often a sale is re-attempted after a
// concurrent writer changed a batch under it. Env: SETTLEMENT_MAX_RETRIES (default 3).
func SettlementMaxRetries() int {
	n := intFromEnv("SETTLEMENT_MAX_RETRIES", 3)
	if n < 1 {
		return 1
	}
	return n
}

// BatchNumberMaxRetries bounds re-numbering after a unique-key collision.
// Env: BATCH_NUMBER_MAX_RETRIES (default 3).
func BatchNumberMaxRetries() int {
	n := intFromEnv("BATCH_NUMBER_MAX_RETRIES", 3)
	if n < 1 {
		return 1
	}
	return n
}

// PriceCacheLifespan is the TTL of cached effective prices.
// Env: PRICE_CACHE_TTL_SECONDS (default 300, 0 disables caching).
func PriceCacheLifespan() time.Duration {
	return time.Duration(intFromEnv("PRICE_CACHE_TTL_SECONDS", 300)) * time.Second
}
