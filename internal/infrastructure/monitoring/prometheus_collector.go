package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Gauges
	connectionsActive prometheus.Gauge
	roomsActive       prometheus.Gauge

	// Counters
	connectionsTotal     prometheus.Counter
	signalsRoutedTotal   prometheus.Counter
	signalsDroppedTotal  prometheus.Counter
	chatMessagesTotal    prometheus.Counter
	messagesDroppedTotal *prometheus.CounterVec

	// Histograms
	connectionDuration prometheus.Histogram
	joinDuration       prometheus.Histogram
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		connectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "callify_connections_active",
			Help: "Number of currently connected signaling clients",
		}),

		roomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "callify_rooms_active",
			Help: "Number of rooms with at least one member",
		}),

		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "callify_connections_total",
			Help: "Total number of signaling connections accepted",
		}),

		signalsRoutedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "callify_signals_routed_total",
			Help: "Total number of connection-setup messages routed between peers",
		}),

		signalsDroppedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "callify_signals_dropped_total",
			Help: "Total number of stale connection-setup messages dropped",
		}),

		chatMessagesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "callify_chat_messages_total",
			Help: "Total number of chat messages fanned out",
		}),

		messagesDroppedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "callify_messages_dropped_total",
			Help: "Outbound messages dropped because a recipient's send buffer was full",
		}, []string{"kind"}),

		connectionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "callify_connection_duration_seconds",
			Help:    "Lifetime of signaling connections",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),

		joinDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "callify_join_duration_seconds",
			Help:    "Time spent completing a room join",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}
}

func (p *PrometheusCollector) RecordConnectionOpened() {
	p.connectionsActive.Inc()
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) RecordConnectionClosed() {
	p.connectionsActive.Dec()
}

func (p *PrometheusCollector) RecordRoomCount(n int) {
	p.roomsActive.Set(float64(n))
}

func (p *PrometheusCollector) RecordSignalRouted() {
	p.signalsRoutedTotal.Inc()
}

func (p *PrometheusCollector) RecordSignalDropped() {
	p.signalsDroppedTotal.Inc()
}

func (p *PrometheusCollector) RecordChatMessage() {
	p.chatMessagesTotal.Inc()
}

func (p *PrometheusCollector) RecordMessageDropped(kind string) {
	p.messagesDroppedTotal.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) RecordConnectionDuration(d time.Duration) {
	p.connectionDuration.Observe(d.Seconds())
}

func (p *PrometheusCollector) RecordJoinDuration(d time.Duration) {
	p.joinDuration.Observe(d.Seconds())
}
