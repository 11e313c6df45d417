package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Escrow groups the collectors exported by the escrow service.
type Escrow struct {
	transitions   *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	notifications *prometheus.CounterVec
	pending       prometheus.Gauge
	deliveries    *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
}

var (
	escrowOnce     sync.Once
	escrowRegistry *Escrow
)

// Registry returns the lazily-initialised collectors, registering them with the
// default Prometheus registry on first use.
func Registry() *Escrow {
	escrowOnce.Do(func() {
		escrowRegistry = &Escrow{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "transaction",
				Name:      "transitions_total",
				Help:      "Applied state transitions segmented by operation and resulting status.",
			}, []string{"operation", "status"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "transaction",
				Name:      "rejections_total",
				Help:      "Operations rejected before persistence, segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "notification",
				Name:      "events_total",
				Help:      "Critical notification lifecycle events segmented by type and event.",
			}, []string{"type", "event"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrow",
				Subsystem: "notification",
				Name:      "pending",
				Help:      "Critical notifications awaiting confirmation.",
			}),
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "dispatch",
				Name:      "deliveries_total",
				Help:      "Notification deliveries segmented by channel and outcome.",
			}, []string{"channel", "outcome"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "dispatch",
				Name:      "dropped_total",
				Help:      "Notification deliveries dropped before reaching a sender.",
			}, []string{"reason"}),
			httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method", "status"}),
		}
		prometheus.MustRegister(
			escrowRegistry.transitions,
			escrowRegistry.rejections,
			escrowRegistry.notifications,
			escrowRegistry.pending,
			escrowRegistry.deliveries,
			escrowRegistry.dropped,
			escrowRegistry.httpLatency,
		)
	})
	return escrowRegistry
}

// RecordTransition counts an applied operation.
func (m *Escrow) RecordTransition(op, status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(op, status).Inc()
}

// RecordRejection counts an operation refused by validation, authorization or compliance.
func (m *Escrow) RecordRejection(op, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(op, reason).Inc()
}

// RecordNotification counts a ledger event (created, confirmed, rejected, expired).
func (m *Escrow) RecordNotification(kind, event string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind, event).Inc()
}

// SetPending publishes the size of the pending notification set.
func (m *Escrow) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// RecordDelivery counts a delivery attempt outcome for a channel.
func (m *Escrow) RecordDelivery(channel, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(channel, outcome).Inc()
}

// RecordDrop counts a delivery that never reached a sender.
func (m *Escrow) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// ObserveHTTP records handler latency.
func (m *Escrow) ObserveHTTP(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpLatency.WithLabelValues(route, method, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
