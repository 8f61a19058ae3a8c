package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const prefix = "stock_batches"

var (
	// HTTP request metrics
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HttpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    prefix + "_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// Settlement metrics
	SalesSettledCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_sales_settled_total",
			Help: "Sale settlements by outcome",
		},
		[]string{"outcome"},
	)

	SettlementDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    prefix + "_settlement_duration_seconds",
			Help:    "Duration of sale settlements in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SettlementRetriesCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "_settlement_retries_total",
			Help: "Settlement attempts retried after a concurrent batch change",
		},
	)

	UnitsSoldCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "_units_sold_total",
			Help: "Units allocated to settled sales",
		},
	)

	// Batch ledger metrics
	BatchesReceivedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "_batches_received_total",
			Help: "Stock batches received",
		},
	)

	BatchNumberCollisionsCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "_batch_number_collisions_total",
			Help: "Batch number collisions that forced a retry",
		},
	)

	BatchesExpiredCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "_batches_expired_total",
			Help: "Batches moved to expired by the expiry sweep",
		},
	)

	// Pricing metrics
	PriceChangesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_price_changes_total",
			Help: "Price history rows written, by reason",
		},
		[]string{"reason"},
	)

	PriceCacheCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_price_cache_lookups_total",
			Help: "Effective price cache lookups by result",
		},
		[]string{"result"},
	)

	StockDriftGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: prefix + "_stock_drift_products",
			Help: "Products whose aggregate stock disagrees with their batches at the last check",
		},
	)
)

// TrackSettlement returns a function that records the duration of a settlement
func TrackSettlement() func(outcome string) {
	start := time.Now()
	return func(outcome string) {
		SettlementDuration.Observe(time.Since(start).Seconds())
		SalesSettledCounter.WithLabelValues(outcome).Inc()
	}
}

func RecordUnitsSold(units int) {
	UnitsSoldCounter.Add(float64(units))
}

func RecordPriceChange(reason string) {
	PriceChangesCounter.WithLabelValues(reason).Inc()
}

func RecordPriceCacheLookup(hit bool) {
	if hit {
		PriceCacheCounter.WithLabelValues("hit").Inc()
		return
	}
	PriceCacheCounter.WithLabelValues("miss").Inc()
}
