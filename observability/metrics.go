package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MarketMetrics tracks the order lifecycle of the marketplace engine.
type MarketMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	active     prometheus.Gauge
	volume     *prometheus.CounterVec
	paused     prometheus.Gauge
}

var (
	marketMetricsOnce sync.Once
	marketRegistry    *MarketMetrics
)

// Market returns the lazily-initialised marketplace metrics registry.
func Market() *MarketMetrics {
	marketMetricsOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftmarket",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Lifecycle operations segmented by operation and outcome kind.",
			}, []string{"op", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nftmarket",
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution of lifecycle operations.",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			}, []string{"op"}),
			active: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nftmarket",
				Subsystem: "engine",
				Name:      "active_listings",
				Help:      "Number of committed active listings.",
			}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftmarket",
				Subsystem: "engine",
				Name:      "settled_volume",
				Help:      "Settled purchase volume in whole payment token units.",
			}, []string{"token"}),
			paused: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nftmarket",
				Subsystem: "engine",
				Name:      "paused",
				Help:      "Indicates whether lifecycle mutations are paused (1) or enabled (0).",
			}),
		}
		prometheus.MustRegister(
			marketRegistry.operations,
			marketRegistry.latency,
			marketRegistry.active,
			marketRegistry.volume,
			marketRegistry.paused,
		)
	})
	return marketRegistry
}

// ObserveOperation records the outcome kind and latency of one operation.
func (m *MarketMetrics) ObserveOperation(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	op = strings.TrimSpace(op)
	if op == "" {
		op = "unknown"
	}
	if outcome == "" {
		outcome = "ok"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// SetActiveListings publishes the committed listing count.
func (m *MarketMetrics) SetActiveListings(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}

// RecordSale adds a settled price, scaled down by the token decimals, to the
// volume counter.
func (m *MarketMetrics) RecordSale(token string, price *big.Int, decimals uint8) {
	if m == nil || price == nil || price.Sign() <= 0 {
		return
	}
	m.volume.WithLabelValues(labelAsset(token)).Add(scaleAmount(price, decimals))
}

// SetPause toggles the pause gauge.
func (m *MarketMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.paused.Set(1)
		return
	}
	m.paused.Set(0)
}

func labelAsset(asset string) string {
	normalized := strings.TrimSpace(strings.ToUpper(asset))
	if normalized == "" {
		return "UNKNOWN"
	}
	return normalized
}

func scaleAmount(value *big.Int, decimals uint8) float64 {
	if value == nil {
		return 0
	}
	f := new(big.Float).SetInt(value)
	if decimals > 0 {
		f.Quo(f, new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)))
	}
	out, _ := f.Float64()
	if math.IsInf(out, 0) || math.IsNaN(out) {
		return 0
	}
	return out
}
