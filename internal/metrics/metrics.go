package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// RelayerMetrics groups the relayer's Prometheus collectors.
type RelayerMetrics struct {
	relays        *prometheus.CounterVec
	oracleFetches *prometheus.CounterVec
	swapAttempts  *prometheus.CounterVec
	fallbackUsed  prometheus.Counter
	compensations prometheus.Counter
	dailyNative   prometheus.Gauge
	dailyStable   prometheus.Gauge
	sponsoredSun  prometheus.Counter
}

var (
	relayerOnce     sync.Once
	relayerRegistry *RelayerMetrics
)

// Relayer returns the process-wide metrics, registering them on first use.
func Relayer() *RelayerMetrics {
	relayerOnce.Do(func() {
		relayerRegistry = &RelayerMetrics{
			relays: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "relayer_requests_total",
				Help: "Relay requests by outcome and failing stage.",
			}, []string{"outcome", "stage"}),
			oracleFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "relayer_oracle_fetches_total",
				Help: "Upstream price feed fetches by result.",
			}, []string{"result"}),
			swapAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "relayer_swap_attempts_total",
				Help: "Swap venue attempts by result.",
			}, []string{"result"}),
			fallbackUsed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "relayer_fallback_reserve_used_total",
				Help: "Relays funded from the standing native reserve after swap failure.",
			}),
			compensations: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "relayer_pending_compensations_total",
				Help: "Swaps executed for transactions the network then rejected.",
			}),
			dailyNative: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "relayer_daily_native_sun",
				Help: "Native token consumed today in sun.",
			}),
			dailyStable: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "relayer_daily_stable_units",
				Help: "Stable token charged today in smallest units.",
			}),
			sponsoredSun: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "relayer_sponsored_sun_total",
				Help: "Native token spent on sponsored transactions.",
			}),
		}
		prometheus.MustRegister(
			relayerRegistry.relays,
			relayerRegistry.oracleFetches,
			relayerRegistry.swapAttempts,
			relayerRegistry.fallbackUsed,
			relayerRegistry.compensations,
			relayerRegistry.dailyNative,
			relayerRegistry.dailyStable,
			relayerRegistry.sponsoredSun,
		)
	})
	return relayerRegistry
}

// RecordRelay counts a finished relay. stage is empty on success.
func (m *RelayerMetrics) RecordRelay(outcome, stage string) {
	if m == nil {
		return
	}
	m.relays.WithLabelValues(outcome, stage).Inc()
}

// RecordOracleFetch counts an upstream price fetch.
func (m *RelayerMetrics) RecordOracleFetch(ok bool) {
	if m == nil {
		return
	}
	m.oracleFetches.WithLabelValues(result(ok)).Inc()
}

// RecordSwapAttempt counts a swap venue attempt.
func (m *RelayerMetrics) RecordSwapAttempt(ok bool) {
	if m == nil {
		return
	}
	m.swapAttempts.WithLabelValues(result(ok)).Inc()
}

// RecordFallback counts a relay funded from the reserve.
func (m *RelayerMetrics) RecordFallback() {
	if m == nil {
		return
	}
	m.fallbackUsed.Inc()
}

// RecordCompensation counts a persisted compensation record.
func (m *RelayerMetrics) RecordCompensation() {
	if m == nil {
		return
	}
	m.compensations.Inc()
}

// RecordSponsored adds broadcast cost to the running total.
func (m *RelayerMetrics) RecordSponsored(sun int64) {
	if m == nil || sun <= 0 {
		return
	}
	m.sponsoredSun.Add(float64(sun))
}

// SetDailyTotals publishes the ledger's current day totals.
func (m *RelayerMetrics) SetDailyTotals(nativeSun, stable int64) {
	if m == nil {
		return
	}
	m.dailyNative.Set(float64(nativeSun))
	m.dailyStable.Set(float64(stable))
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
