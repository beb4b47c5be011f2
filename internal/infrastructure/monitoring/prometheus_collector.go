package monitoring

import (
	"time"

	"framerelay/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records relay metrics. It implements ports.Metrics.
type PrometheusCollector struct {
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	roomsActive       prometheus.Gauge

	messagesRelayed  *prometheus.CounterVec
	recipientsPerMsg *prometheus.HistogramVec
	eventsDropped    *prometheus.CounterVec

	analysisInFlight prometheus.Gauge
	analysisTotal    *prometheus.CounterVec
	analysisDuration prometheus.Histogram
}

// NewPrometheusCollector registers the relay metrics with reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "framerelay_connections_active",
			Help: "Number of open client connections",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "framerelay_connections_total",
			Help: "Total number of client connections accepted",
		}),

		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "framerelay_rooms_active",
			Help: "Number of rooms with at least one member",
		}),

		messagesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "framerelay_messages_relayed_total",
			Help: "Room messages relayed, by event",
		}, []string{"event"}),

		recipientsPerMsg: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "framerelay_message_recipients",
			Help:    "Number of recipients per relayed message",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"event"}),

		eventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "framerelay_events_dropped_total",
			Help: "Outbound events that could not be queued, by reason",
		}, []string{"reason"}),

		analysisInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "framerelay_analysis_in_flight",
			Help: "Frames currently awaiting the analysis service",
		}),

		analysisTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "framerelay_analysis_requests_total",
			Help: "Frame analysis outcomes",
		}, []string{"outcome"}),

		analysisDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "framerelay_analysis_duration_seconds",
			Help:    "Latency of calls to the analysis service",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
	}
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.connectionsActive.Inc()
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.connectionsActive.Dec()
}

func (p *PrometheusCollector) RoomOpened() {
	p.roomsActive.Inc()
}

func (p *PrometheusCollector) RoomClosed() {
	p.roomsActive.Dec()
}

func (p *PrometheusCollector) MessageRelayed(kind domain.EventKind, recipients int) {
	p.messagesRelayed.WithLabelValues(string(kind)).Inc()
	p.recipientsPerMsg.WithLabelValues(string(kind)).Observe(float64(recipients))
}

func (p *PrometheusCollector) EventDropped(reason string) {
	p.eventsDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) AnalysisStarted() {
	p.analysisInFlight.Inc()
}

// AnalysisFinished records the outcome of a frame. Frames rejected before a
// call was made report a zero duration and were never counted as started.
func (p *PrometheusCollector) AnalysisFinished(outcome string, duration time.Duration) {
	p.analysisTotal.WithLabelValues(outcome).Inc()
	if duration <= 0 {
		return
	}
	p.analysisInFlight.Dec()
	p.analysisDuration.Observe(duration.Seconds())
}
