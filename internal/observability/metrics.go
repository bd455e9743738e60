package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	busTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "calcheck",
			Subsystem: "bus",
			Name:      "transactions_total",
			Help:      "Instrument bus transactions by classified outcome.",
		},
		[]string{"instrument", "outcome"},
	)
	busDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "calcheck",
			Subsystem: "bus",
			Name:      "transaction_duration_seconds",
			Help:      "Instrument bus transaction duration in seconds.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"instrument"},
	)
	lastReading = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "calcheck",
			Subsystem: "measure",
			Name:      "last_reading",
			Help:      "Most recent valid reading per instrument channel.",
		},
		[]string{"instrument", "channel"},
	)
	deviationPPM = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "calcheck",
			Subsystem: "measure",
			Name:      "deviation_ppm",
			Help:      "Deviation of the latest measurement from reference in ppm.",
		},
		[]string{"instrument"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "calcheck",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total monitor HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "calcheck",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Monitor HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(busTransactions, busDuration, lastReading, deviationPPM, httpRequests, httpDuration)
	})
}

func RecordTransaction(instrument, outcome string, duration time.Duration) {
	RegisterMetrics()
	busTransactions.WithLabelValues(instrument, outcome).Inc()
	busDuration.WithLabelValues(instrument).Observe(duration.Seconds())
}

func RecordReading(instrument, channel string, value float64) {
	RegisterMetrics()
	lastReading.WithLabelValues(instrument, channel).Set(value)
}

func RecordDeviation(instrument string, ppm float64) {
	RegisterMetrics()
	deviationPPM.WithLabelValues(instrument).Set(ppm)
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
