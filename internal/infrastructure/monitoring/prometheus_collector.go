package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector holds the server's metrics. A nil collector is valid
// and records nothing.
type PrometheusCollector struct {
	roomsActive           prometheus.Gauge
	participantsConnected *prometheus.GaugeVec
	connectionsTotal      prometheus.Counter
	credentialsIssued     *prometheus.CounterVec
	signalMessages        *prometheus.CounterVec
	dataPacketsRelayed    prometheus.Counter
	dataBytesRelayed      prometheus.Counter
	dataPacketsDropped    *prometheus.CounterVec
	tracksPublished       *prometheus.CounterVec

	connectionDuration prometheus.Histogram
}

// NewPrometheusCollector registers on reg. With a nil registerer the metrics
// are created but not exported, which keeps tests independent.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flashlive_rooms_active",
			Help: "Number of rooms with at least one connected participant",
		}),

		participantsConnected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flashlive_participants_connected",
			Help: "Connected participants by role",
		}, []string{"role"}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "flashlive_signal_connections_total",
			Help: "Total number of signaling connections accepted",
		}),

		credentialsIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flashlive_credentials_issued_total",
			Help: "Credentials issued by role",
		}, []string{"role"}),

		signalMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flashlive_signal_messages_total",
			Help: "Signaling messages received by type",
		}, []string{"type"}),

		dataPacketsRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "flashlive_data_packets_relayed_total",
			Help: "Data channel packets relayed to room members",
		}),

		dataBytesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "flashlive_data_bytes_relayed_total",
			Help: "Data channel payload bytes relayed to room members",
		}),

		dataPacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flashlive_data_packets_dropped_total",
			Help: "Data channel packets rejected by the server",
		}, []string{"reason"}),

		tracksPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flashlive_tracks_published_total",
			Help: "Tracks published by kind",
		}, []string{"kind"}),

		connectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "flashlive_signal_connection_duration_seconds",
			Help:    "Lifetime of signaling connections",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
	}
}

func (p *PrometheusCollector) RecordRoomOpened() {
	if p == nil {
		return
	}
	p.roomsActive.Inc()
}

func (p *PrometheusCollector) RecordRoomClosed() {
	if p == nil {
		return
	}
	p.roomsActive.Dec()
}

func (p *PrometheusCollector) RecordParticipantConnected(role string) {
	if p == nil {
		return
	}
	p.participantsConnected.WithLabelValues(role).Inc()
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) RecordParticipantDisconnected(role string, lifetime time.Duration) {
	if p == nil {
		return
	}
	p.participantsConnected.WithLabelValues(role).Dec()
	p.connectionDuration.Observe(lifetime.Seconds())
}

func (p *PrometheusCollector) RecordCredentialIssued(role string) {
	if p == nil {
		return
	}
	p.credentialsIssued.WithLabelValues(role).Inc()
}

func (p *PrometheusCollector) RecordSignalMessage(messageType string) {
	if p == nil {
		return
	}
	p.signalMessages.WithLabelValues(messageType).Inc()
}

func (p *PrometheusCollector) RecordDataRelayed(bytes, recipients int) {
	if p == nil {
		return
	}
	p.dataPacketsRelayed.Add(float64(recipients))
	p.dataBytesRelayed.Add(float64(bytes * recipients))
}

func (p *PrometheusCollector) RecordDataDropped(reason string) {
	if p == nil {
		return
	}
	p.dataPacketsDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RecordTrackPublished(kind string) {
	if p == nil {
		return
	}
	p.tracksPublished.WithLabelValues(kind).Inc()
}
