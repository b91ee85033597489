// Package metrics exposes prometheus collectors for the archive writer.
//
// # Basic Usage
//
//	metrics.RecordsAppended.Inc()
//	metrics.EncodedBytes.Add(float64(size))
//
//	timer := metrics.NewTimer()
//	err := writer.Store()
//	metrics.SegmentStoreLatency.Observe(timer.Stop().Seconds())
//
// All collectors are registered with the default registry on package load.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clps"

var (
	// RecordsAppended counts records routed into a schema writer.
	RecordsAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_appended_total",
			Help:      "Total number of records appended to schema writers",
		},
	)

	// EncodedBytes counts uncompressed bytes encoded into column writers.
	EncodedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encoded_bytes_total",
			Help:      "Total uncompressed bytes encoded into columns",
		},
	)

	// SchemaWritersCreated counts lazily created schema writers.
	SchemaWritersCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schema_writers_created_total",
			Help:      "Number of schema writers created on first sight of a schema",
		},
	)

	// SchemaEvolutions counts update_schema calls by outcome (applied, noop, failed).
	SchemaEvolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schema_evolutions_total",
			Help:      "Schema evolution calls by outcome",
		},
		[]string{"outcome"},
	)

	// ColumnsTruncated counts typed columns folded into truncated-object columns.
	ColumnsTruncated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "columns_truncated_total",
			Help:      "Typed columns merged into truncated-object columns",
		},
	)

	// SchemaWritersCombined counts positional schema writer merges.
	SchemaWritersCombined = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schema_writers_combined_total",
			Help:      "Schema writers folded into another writer of the same schema",
		},
	)

	// SegmentStoreLatency tracks how long a schema segment takes to store.
	SegmentStoreLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_store_seconds",
			Help:      "Time spent serializing and compressing one schema segment",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		},
	)

	// SegmentBytes tracks the on-disk size of stored segments.
	SegmentBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segment_bytes",
			Help:      "Compressed size of stored schema segments",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
		},
	)
)

// Evolution outcome labels
const (
	OutcomeApplied = "applied"
	OutcomeNoop    = "noop"
	OutcomeFailed  = "failed"
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed time
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
