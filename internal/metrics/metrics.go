// Package metrics provides Prometheus metrics for the collaboration server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// operationsTotal counts edits handled by the controller.
	// Labels:
	//   - result: "ok", "invalid_revision", "transform", "apply", "encode"
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabtext_operations_total",
			Help: "Total number of edits received, by result",
		},
		[]string{"result"},
	)

	// transformWindow records how many historical operations an edit was
	// transformed against.
	transformWindow = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "collabtext_transform_window",
			Help:    "Number of concurrent operations an incoming edit was transformed against",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
		},
	)

	// receiveDuration records the time spent inside the document critical section.
	receiveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "collabtext_receive_duration_seconds",
			Help:    "Duration of successful ReceiveOperation calls in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
	)

	documents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "collabtext_documents",
			Help: "Number of documents held in memory",
		},
	)

	// journalWritesTotal counts journal appends.
	// Labels:
	//   - status: "ok", "failed"
	journalWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabtext_journal_writes_total",
			Help: "Total number of journal appends, by status",
		},
		[]string{"status"},
	)

	journalBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "collabtext_journal_backlog",
			Help: "Number of committed operations waiting to be journaled",
		},
	)

	// connections tracks open websocket connections.
	connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "collabtext_websocket_connections",
			Help: "Number of open websocket connections",
		},
	)

	// relayPublishTotal counts messages handed to the relay.
	// Labels:
	//   - kind: "operation", "ack"
	//   - status: "ok", "failed"
	relayPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabtext_relay_publish_total",
			Help: "Total number of messages published to the relay",
		},
		[]string{"kind", "status"},
	)
)

func init() {
	prometheus.MustRegister(operationsTotal)
	prometheus.MustRegister(transformWindow)
	prometheus.MustRegister(receiveDuration)
	prometheus.MustRegister(documents)
	prometheus.MustRegister(journalWritesTotal)
	prometheus.MustRegister(journalBacklog)
	prometheus.MustRegister(connections)
	prometheus.MustRegister(relayPublishTotal)
}

// RecordOperation counts an edit with the given result.
func RecordOperation(result string) {
	operationsTotal.WithLabelValues(result).Inc()
}

func ObserveTransformWindow(n int) {
	transformWindow.Observe(float64(n))
}

func ObserveReceiveDuration(d time.Duration) {
	receiveDuration.Observe(d.Seconds())
}

func SetDocuments(n int) {
	documents.Set(float64(n))
}

// RecordJournalWrite counts a journal append with the given status.
func RecordJournalWrite(status string) {
	journalWritesTotal.WithLabelValues(status).Inc()
}

func SetJournalBacklog(n int) {
	journalBacklog.Set(float64(n))
}

// ConnectionOpened and ConnectionClosed track open websocket connections.
func ConnectionOpened() { connections.Inc() }
func ConnectionClosed() { connections.Dec() }

// RecordRelayPublish counts a relay publish of the given kind and status.
func RecordRelayPublish(kind, status string) {
	relayPublishTotal.WithLabelValues(kind, status).Inc()
}
