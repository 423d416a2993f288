// Package metrics exposes the Prometheus counters and gauges for polls,
// reconnects, the connection pool and the MQTT queue. The orchestrator in
// pkg/core updates them as it runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters

	PollCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batteryhawk_polls_total",
		Help: "The total number of device polling cycles attempted",
	}, []string{"address", "status"})

	ReconnectCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batteryhawk_reconnects_total",
		Help: "The total number of reconnect attempts per device",
	}, []string{"address", "outcome"})

	MQTTPublishCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batteryhawk_mqtt_publishes_total",
		Help: "The total number of MQTT publish attempts",
	}, []string{"topic_kind", "status"})

	// Gauges

	ConnectedDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batteryhawk_connected_devices",
		Help: "The number of devices currently holding a live BLE connection",
	})

	PoolQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batteryhawk_pool_queue_depth",
		Help: "The number of connection requests waiting on an admission slot",
	})

	MQTTQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batteryhawk_mqtt_queue_depth",
		Help: "The number of messages buffered in the MQTT outbound queue",
	})
)

// Poll outcome labels.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Reconnect outcome labels.
const (
	OutcomeConnected = "connected"
	OutcomeExhausted = "exhausted"
	OutcomeCancelled = "cancelled"
)

// IncPoll increments the poll counter for one device/status pair.
func IncPoll(address, status string) {
	PollCount.WithLabelValues(address, status).Inc()
}

// IncReconnect increments the reconnect counter for one device/outcome
// pair.
func IncReconnect(address, outcome string) {
	ReconnectCount.WithLabelValues(address, outcome).Inc()
}

// IncMQTTPublish increments the MQTT publish counter for one topic
// kind/status pair.
func IncMQTTPublish(topicKind, status string) {
	MQTTPublishCount.WithLabelValues(topicKind, status).Inc()
}

// SetConnectedDevices sets the live connection gauge.
func SetConnectedDevices(count int) {
	ConnectedDevices.Set(float64(count))
}

// SetPoolQueueDepth sets the admission-queue depth gauge.
func SetPoolQueueDepth(depth int) {
	PoolQueueDepth.Set(float64(depth))
}

// SetMQTTQueueDepth sets the MQTT outbound queue depth gauge.
func SetMQTTQueueDepth(depth int) {
	MQTTQueueDepth.Set(float64(depth))
}
