// monitor/monitor.go
package monitor

import (
	"expvar"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Marcinkowski-D/dma-vtt/models"
)

type Metrics struct {
	SessionsConnected  prometheus.Gauge
	ScenesResident     prometheus.Gauge
	MutationsApplied   prometheus.Counter
	MutationsRejected  *prometheus.CounterVec
	ApplyLatency       prometheus.Histogram
	BroadcastDrops     prometheus.Counter
	PersistenceRetries prometheus.Counter
	PersistenceDrops   prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		SessionsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_connected",
			Help:      "Number of connected sessions",
		}),
		ScenesResident: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scenes_resident",
			Help:      "Number of scene stores currently resident in memory",
		}),
		MutationsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_applied_total",
			Help:      "Total number of mutations applied",
		}),
		MutationsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_rejected_total",
			Help:      "Total number of mutations rejected, by reason",
		}, []string{"reason"}),
		ApplyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mutation_apply_latency_seconds",
			Help:      "Latency from receipt to applied, per mutation",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		BroadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_drops_total",
			Help:      "Sessions disconnected because their outbound queue overflowed",
		}),
		PersistenceRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_retries_total",
			Help:      "Write-through attempts that were retried",
		}),
		PersistenceDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_drops_total",
			Help:      "Mutations dropped from the write-through after exhausting retries",
		}),
	}

	prometheus.MustRegister(
		m.SessionsConnected,
		m.ScenesResident,
		m.MutationsApplied,
		m.MutationsRejected,
		m.ApplyLatency,
		m.BroadcastDrops,
		m.PersistenceRetries,
		m.PersistenceDrops,
	)

	return m
}

// Monitor exposes engine metrics. All methods are nil-receiver safe so
// components can be wired without one in tests.
type Monitor struct {
	metrics   *Metrics
	startTime time.Time
}

func NewMonitor(namespace string) *Monitor {
	return &Monitor{
		metrics:   NewMetrics(namespace),
		startTime: time.Now(),
	}
}

func (m *Monitor) StartServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	expvar.Publish("uptime", expvar.Func(func() interface{} {
		return time.Since(m.startTime).Seconds()
	}))
	mux.Handle("/debug/vars", expvar.Handler())

	go http.ListenAndServe(addr, mux)
}

func (m *Monitor) IncSessions() {
	if m == nil {
		return
	}
	m.metrics.SessionsConnected.Inc()
}

func (m *Monitor) DecSessions() {
	if m == nil {
		return
	}
	m.metrics.SessionsConnected.Dec()
}

func (m *Monitor) SetScenesResident(count int) {
	if m == nil {
		return
	}
	m.metrics.ScenesResident.Set(float64(count))
}

func (m *Monitor) IncApplied() {
	if m == nil {
		return
	}
	m.metrics.MutationsApplied.Inc()
}

func (m *Monitor) IncRejected(reason models.Reason) {
	if m == nil {
		return
	}
	m.metrics.MutationsRejected.WithLabelValues(string(reason)).Inc()
}

func (m *Monitor) ObserveApplyLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.metrics.ApplyLatency.Observe(d.Seconds())
}

func (m *Monitor) IncBroadcastDrop() {
	if m == nil {
		return
	}
	m.metrics.BroadcastDrops.Inc()
}

func (m *Monitor) IncPersistenceRetry() {
	if m == nil {
		return
	}
	m.metrics.PersistenceRetries.Inc()
}

func (m *Monitor) IncPersistenceDrop() {
	if m == nil {
		return
	}
	m.metrics.PersistenceDrops.Inc()
}
