package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.Collector on the default
// prometheus registry, exposed through the HTTP API's /metrics.
type PrometheusCollector struct {
	connectionsActive prometheus.Gauge
	roomsActive       prometheus.Gauge
	producersActive   prometheus.Gauge
	consumersActive   prometheus.Gauge
	recordingsActive  prometheus.Gauge

	connectionsTotal prometheus.Counter
	recordingsTotal  prometheus.Counter

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		connectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_connections_active",
			Help: "Number of open signaling connections",
		}),

		roomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_rooms_active",
			Help: "Number of rooms with a live router",
		}),

		producersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_producers_active",
			Help: "Number of registered producers",
		}),

		consumersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_consumers_active",
			Help: "Number of registered consumers",
		}),

		recordingsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_recordings_active",
			Help: "Number of running recording processes",
		}),

		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_connections_total",
			Help: "Total signaling connections accepted",
		}),

		recordingsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_recordings_total",
			Help: "Total recordings started",
		}),

		requestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_signal_requests_total",
			Help: "Signaling requests by type and outcome",
		}, []string{"type", "status"}),

		requestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roomcast_signal_request_duration_seconds",
			Help:    "Signaling request handling duration",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"type"}),
	}
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.connectionsActive.Inc()
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.connectionsActive.Dec()
}

func (p *PrometheusCollector) RoomCreated() {
	p.roomsActive.Inc()
}

func (p *PrometheusCollector) RoomClosed() {
	p.roomsActive.Dec()
}

func (p *PrometheusCollector) ProducerAdded() {
	p.producersActive.Inc()
}

func (p *PrometheusCollector) ProducerRemoved() {
	p.producersActive.Dec()
}

func (p *PrometheusCollector) ConsumerAdded() {
	p.consumersActive.Inc()
}

func (p *PrometheusCollector) ConsumerRemoved() {
	p.consumersActive.Dec()
}

func (p *PrometheusCollector) RecordingStarted() {
	p.recordingsActive.Inc()
	p.recordingsTotal.Inc()
}

func (p *PrometheusCollector) RecordingStopped() {
	p.recordingsActive.Dec()
}

func (p *PrometheusCollector) RequestHandled(requestType string, err error, seconds float64) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.requestsTotal.WithLabelValues(requestType, status).Inc()
	p.requestDuration.WithLabelValues(requestType).Observe(seconds)
}
