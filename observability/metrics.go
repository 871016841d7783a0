package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "irs"

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	venueMetricsOnce sync.Once
	venueRegistry    *VenueMetrics

	feederMetricsOnce sync.Once
	feederRegistry    *FeederMetrics
)

// ModuleMetrics returns the lazily-initialised registry for API handlers.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and outcome.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by rate limits or venue quotas.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. status is the HTTP status written
// to the client.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle counts a rejected request. Reasons should be stable strings
// such as "rate_limit" or "quota_exceeded".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// VenueMetrics tracks the rate index, funding accrual and liquidations.
type VenueMetrics struct {
	indexRate       prometheus.Gauge
	indexCumulative prometheus.Gauge
	liveSources     prometheus.Gauge
	indexUpdates    prometheus.Counter
	accruals        *prometheus.CounterVec
	matured         prometheus.Counter
	collateral      *prometheus.CounterVec
	liquidations    prometheus.Counter
	repaid          prometheus.Counter
	seized          *prometheus.CounterVec
	badDebt         prometheus.Counter
	rejections      *prometheus.CounterVec
}

// Venue returns the singleton venue metrics registry.
func Venue() *VenueMetrics {
	venueMetricsOnce.Do(func() {
		venueRegistry = &VenueMetrics{
			indexRate: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "index",
				Name:      "rate_per_second",
				Help:      "Smoothed floating rate per second, scaled by 1e18.",
			}),
			indexCumulative: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "index",
				Name:      "cumulative",
				Help:      "Cumulative rate integral at the last index update, scaled by 1e18.",
			}),
			liveSources: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "index",
				Name:      "live_sources",
				Help:      "Number of fresh sources used by the last index update.",
			}),
			indexUpdates: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "index",
				Name:      "updates_total",
				Help:      "Count of committed index updates.",
			}),
			accruals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "funding",
				Name:      "accruals_total",
				Help:      "Count of committed funding accruals by pool.",
			}, []string{"pool"}),
			matured: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "funding",
				Name:      "pools_matured_total",
				Help:      "Count of pools latched frozen at maturity.",
			}),
			collateral: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "risk",
				Name:      "collateral_moves_total",
				Help:      "Collateral deposits and withdrawals by asset.",
			}, []string{"collateral", "direction"}),
			liquidations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "risk",
				Name:      "liquidations_total",
				Help:      "Count of committed liquidations.",
			}),
			repaid: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "risk",
				Name:      "liquidation_repaid_total",
				Help:      "Funding debt repaid through liquidations, in funding-token units.",
			}),
			seized: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "risk",
				Name:      "liquidation_seized_total",
				Help:      "Collateral seized through liquidations by asset and recipient kind.",
			}, []string{"collateral", "recipient"}),
			badDebt: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "risk",
				Name:      "bad_debt_total",
				Help:      "Count of accounts flagged with bad debt.",
			}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "venue",
				Name:      "rejections_total",
				Help:      "Venue calls rejected by gating, segmented by operation and reason.",
			}, []string{"operation", "reason"}),
		}
		prometheus.MustRegister(
			venueRegistry.indexRate,
			venueRegistry.indexCumulative,
			venueRegistry.liveSources,
			venueRegistry.indexUpdates,
			venueRegistry.accruals,
			venueRegistry.matured,
			venueRegistry.collateral,
			venueRegistry.liquidations,
			venueRegistry.repaid,
			venueRegistry.seized,
			venueRegistry.badDebt,
			venueRegistry.rejections,
		)
	})
	return venueRegistry
}

// RecordIndex updates the index gauges after a committed update.
func (m *VenueMetrics) RecordIndex(rate, cumulative *big.Int, live int) {
	if m == nil {
		return
	}
	m.indexRate.Set(bigToFloat(rate))
	m.indexCumulative.Set(bigToFloat(cumulative))
	m.liveSources.Set(float64(live))
	m.indexUpdates.Inc()
}

func (m *VenueMetrics) RecordAccrual(pool string) {
	if m == nil {
		return
	}
	m.accruals.WithLabelValues(pool).Inc()
}

func (m *VenueMetrics) RecordMatured() {
	if m == nil {
		return
	}
	m.matured.Inc()
}

// RecordCollateral counts a deposit or withdrawal.
func (m *VenueMetrics) RecordCollateral(collateral string, withdrawal bool) {
	if m == nil {
		return
	}
	direction := "deposit"
	if withdrawal {
		direction = "withdraw"
	}
	m.collateral.WithLabelValues(normalizeAsset(collateral), direction).Inc()
}

// RecordLiquidation counts one liquidation and the repaid debt.
func (m *VenueMetrics) RecordLiquidation(repaid *big.Int) {
	if m == nil {
		return
	}
	m.liquidations.Inc()
	m.repaid.Add(bigToFloat(repaid))
}

// RecordSeizure adds seized collateral for a recipient kind ("insurance" or
// "liquidator").
func (m *VenueMetrics) RecordSeizure(collateral, recipient string, amount *big.Int) {
	if m == nil {
		return
	}
	m.seized.WithLabelValues(normalizeAsset(collateral), recipient).Add(bigToFloat(amount))
}

func (m *VenueMetrics) RecordBadDebt() {
	if m == nil {
		return
	}
	m.badDebt.Inc()
}

// RecordRejection counts a venue call refused by a gate.
func (m *VenueMetrics) RecordRejection(operation, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.rejections.WithLabelValues(strings.TrimSpace(operation), reason).Inc()
}

// FeederMetrics tracks rate source polling in the daemon.
type FeederMetrics struct {
	fetches *prometheus.CounterVec
	latency *prometheus.HistogramVec
	pokes   *prometheus.CounterVec
}

// Feeder returns the singleton feeder metrics registry.
func Feeder() *FeederMetrics {
	feederMetricsOnce.Do(func() {
		feederRegistry = &FeederMetrics{
			fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "feeder",
				Name:      "fetches_total",
				Help:      "Rate source fetches segmented by source and outcome.",
			}, []string{"source", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "feeder",
				Name:      "fetch_duration_seconds",
				Help:      "Latency distribution for rate source fetches.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"source"}),
			pokes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "feeder",
				Name:      "pokes_total",
				Help:      "Index pokes issued by the feeder segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(feederRegistry.fetches, feederRegistry.latency, feederRegistry.pokes)
	})
	return feederRegistry
}

// ObserveFetch records one source fetch.
func (m *FeederMetrics) ObserveFetch(source string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.fetches.WithLabelValues(source, outcome).Inc()
	m.latency.WithLabelValues(source).Observe(duration.Seconds())
}

// ObservePoke records the outcome of an index poke.
func (m *FeederMetrics) ObservePoke(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.pokes.WithLabelValues(outcome).Inc()
}

func normalizeAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
