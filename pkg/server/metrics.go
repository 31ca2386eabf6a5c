package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aeolun/pairchat/pkg/protocol"
)

// Metrics holds all Prometheus metrics for the server
type Metrics struct {
	// Session metrics
	activeSessions       prometheus.Gauge
	sessionsCreated      *prometheus.CounterVec // by transport
	sessionsDisconnected prometheus.Counter
	sessionsRejected     prometheus.Counter

	// Packet metrics
	packetsReceived *prometheus.CounterVec // by packet type
	packetsSent     *prometheus.CounterVec // by packet type
	responseErrors  *prometheus.CounterVec // by error code

	// Delivery metrics
	messagesStored  prometheus.Counter
	liveDeliveries  prometheus.Counter
	storageFailures *prometheus.CounterVec // by request type

	// Performance metrics
	requestDuration *prometheus.HistogramVec
}

// NewMetrics registers the server metrics with reg.
// A nil reg uses the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pairchat_active_sessions",
				Help: "Current number of occupied connection table slots",
			},
		),
		sessionsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairchat_sessions_created_total",
				Help: "Total number of sessions created",
			},
			[]string{"transport"},
		),
		sessionsDisconnected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pairchat_sessions_disconnected_total",
				Help: "Total number of sessions disconnected",
			},
		),
		sessionsRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pairchat_sessions_rejected_total",
				Help: "Connections closed because the connection table was full",
			},
		),
		packetsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairchat_packets_received_total",
				Help: "Total number of packets received from clients by type",
			},
			[]string{"type"},
		),
		packetsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairchat_packets_sent_total",
				Help: "Total number of packets sent to clients by type",
			},
			[]string{"type"},
		),
		responseErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairchat_response_errors_total",
				Help: "Responses carrying a non-success error code",
			},
			[]string{"code"},
		),
		messagesStored: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pairchat_messages_stored_total",
				Help: "Total number of messages persisted",
			},
		),
		liveDeliveries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pairchat_live_deliveries_total",
				Help: "Messages pushed to a receiver viewing the conversation",
			},
		),
		storageFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairchat_storage_failures_total",
				Help: "Requests answered with STORAGE_ERROR",
			},
			[]string{"type"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pairchat_request_duration_seconds",
				Help:    "Time taken to handle a request, including responses",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
	}
}

// RecordActiveSessions updates the active session count
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordSessionCreated increments the session creation counter
func (m *Metrics) RecordSessionCreated(transport string) {
	m.sessionsCreated.WithLabelValues(transport).Inc()
}

// RecordSessionDisconnected increments the session disconnection counter
func (m *Metrics) RecordSessionDisconnected() {
	m.sessionsDisconnected.Inc()
}

// RecordSessionRejected counts a connection turned away by a full table
func (m *Metrics) RecordSessionRejected() {
	m.sessionsRejected.Inc()
}

// RecordPacketReceived increments the received counter for a type
func (m *Metrics) RecordPacketReceived(t protocol.PacketType) {
	m.packetsReceived.WithLabelValues(t.String()).Inc()
}

// RecordPacketSent increments the sent counter for a type, and the error counter
// when the packet carries a failure code
func (m *Metrics) RecordPacketSent(p *protocol.Packet) {
	m.packetsSent.WithLabelValues(p.Type.String()).Inc()
	if p.Error != protocol.ErrNone {
		m.responseErrors.WithLabelValues(p.Error.String()).Inc()
	}
}

// RecordMessageStored increments the persisted message counter
func (m *Metrics) RecordMessageStored() {
	m.messagesStored.Inc()
}

// RecordLiveDelivery increments the live push counter
func (m *Metrics) RecordLiveDelivery() {
	m.liveDeliveries.Inc()
}

// RecordStorageFailure counts a request that failed in the persistence layer
func (m *Metrics) RecordStorageFailure(t protocol.PacketType) {
	m.storageFailures.WithLabelValues(t.String()).Inc()
}

// RecordRequestDuration observes how long a request took
func (m *Metrics) RecordRequestDuration(t protocol.PacketType, d time.Duration) {
	m.requestDuration.WithLabelValues(t.String()).Observe(d.Seconds())
}
