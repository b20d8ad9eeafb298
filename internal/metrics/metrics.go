package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the service-specific Prometheus collectors.
type Metrics struct {
	PushConnections *prometheus.GaugeVec     // live push connections per topic
	FramesSent      *prometheus.CounterVec   // frames pushed, by frame type
	Broadcasts      *prometheus.CounterVec   // broadcast attempts, by outcome
	BroadcastLag    *prometheus.HistogramVec // broadcast duration by topic

	// Kafka ingest metrics (unused when the bridge is disabled)
	KafkaMessages *prometheus.CounterVec
	KafkaDuration *prometheus.HistogramVec
	KafkaLag      *prometheus.GaugeVec
}
