package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a server or peer process.
type Metrics struct {
	// Transport metrics
	DatagramsSentTotal     *prometheus.CounterVec
	DatagramsReceivedTotal *prometheus.CounterVec
	ChunksRetransmitted    prometheus.Counter
	MessageBytesTotal      *prometheus.CounterVec
	MessageSendDuration    prometheus.Histogram

	// Dispatcher metrics
	RequestsTotal      *prometheus.CounterVec
	RequestsDropped    *prometheus.CounterVec
	UploadsActive      prometheus.Gauge
	UploadDuration     prometheus.Histogram
	CarrierCacheHits   prometheus.Counter
	CarrierCacheMisses prometheus.Counter

	// Coordination metrics
	ElectionsTotal          *prometheus.CounterVec
	HeartbeatsReceivedTotal prometheus.Counter
	HeartbeatsSentTotal     prometheus.Counter
	PeersAlive              prometheus.Gauge

	// Directory metrics
	DirectoryOperationsTotal *prometheus.CounterVec

	// Rights metrics
	RightsGrantedTotal   prometheus.Counter
	RightsForwardedTotal prometheus.Counter
	ViewsConsumedTotal   prometheus.Counter

	activeUploads int64
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		DatagramsSentTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stegoshare_datagrams_sent_total",
				Help: "Datagrams sent by kind",
			},
			[]string{"kind"},
		),

		DatagramsReceivedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stegoshare_datagrams_received_total",
				Help: "Datagrams received by kind",
			},
			[]string{"kind"},
		),

		ChunksRetransmitted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stegoshare_chunks_retransmitted_total",
				Help: "Chunks retransmitted after ack timeout",
			},
		),

		MessageBytesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stegoshare_message_bytes_total",
				Help: "Reliable-transport message bytes by direction",
			},
			[]string{"direction"},
		),

		MessageSendDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stegoshare_message_send_duration_seconds",
				Help:    "Reliable-transport send completion time",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
		),

		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stegoshare_requests_total",
				Help: "Client requests dispatched by type and result",
			},
			[]string{"type", "result"},
		),

		RequestsDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stegoshare_requests_dropped_total",
				Help: "Requests dropped before handling",
			},
			[]string{"reason"},
		),

		UploadsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "stegoshare_uploads_active",
				Help: "Upload sessions currently in flight",
			},
		),

		UploadDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stegoshare_upload_duration_seconds",
				Help:    "Image upload session duration",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
		),

		CarrierCacheHits: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stegoshare_carrier_cache_hits_total",
				Help: "Encoded carriers served from the cache",
			},
		),

		CarrierCacheMisses: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stegoshare_carrier_cache_misses_total",
				Help: "Encoded carriers built fresh",
			},
		),

		ElectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stegoshare_elections_total",
				Help: "Per-request elections by outcome",
			},
			[]string{"outcome"},
		),

		HeartbeatsReceivedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stegoshare_heartbeats_received_total",
				Help: "Heartbeats received from peers",
			},
		),

		HeartbeatsSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stegoshare_heartbeats_sent_total",
				Help: "Heartbeats broadcast to peers",
			},
		),

		PeersAlive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "stegoshare_peers_alive",
				Help: "Peers currently in the effective priority set",
			},
		),

		DirectoryOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stegoshare_directory_operations_total",
				Help: "Directory service operation count",
			},
			[]string{"operation", "result"},
		),

		RightsGrantedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stegoshare_rights_granted_total",
				Help: "View rights granted to peers",
			},
		),

		RightsForwardedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stegoshare_rights_forwarded_total",
				Help: "Grants forwarded to servers after ack timeout",
			},
		),

		ViewsConsumedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stegoshare_views_consumed_total",
				Help: "Local views consumed",
			},
		),
	}

	return m
}

// RecordUploadStart increments the active upload gauge.
func (m *Metrics) RecordUploadStart() {
	atomic.AddInt64(&m.activeUploads, 1)
	m.UploadsActive.Set(float64(atomic.LoadInt64(&m.activeUploads)))
}

// RecordUploadComplete records an upload session completion.
func (m *Metrics) RecordUploadComplete(durationSeconds float64) {
	atomic.AddInt64(&m.activeUploads, -1)
	m.UploadsActive.Set(float64(atomic.LoadInt64(&m.activeUploads)))
	m.UploadDuration.Observe(durationSeconds)
}

// RecordRequest records a dispatched request outcome.
func (m *Metrics) RecordRequest(msgType string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.RequestsTotal.WithLabelValues(msgType, result).Inc()
}

// RecordDirectoryOperation records a directory backend call.
func (m *Metrics) RecordDirectoryOperation(operation string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.DirectoryOperationsTotal.WithLabelValues(operation, result).Inc()
}

// RecordElection records an election outcome for this server.
func (m *Metrics) RecordElection(won bool) {
	outcome := "lost"
	if won {
		outcome = "won"
	}
	m.ElectionsTotal.WithLabelValues(outcome).Inc()
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
