// Package metrics exposes Prometheus instruments for sync activity.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Write sources
const (
	SourceDebounce = "debounce"
	SourceFlush    = "flush"
	SourceRetry    = "retry"
	SourceMerge    = "merge"
)

var (
	checkpointsSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lessonsync_checkpoints_saved_total",
		Help: "Checkpoints written to the local mirror",
	})

	remoteWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lessonsync_remote_writes_total",
		Help: "Remote upsert attempts by source and status",
	}, []string{"source", "status"})

	entriesAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lessonsync_queue_abandoned_total",
		Help: "Queue entries dropped after exhausting their retries",
	})

	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lessonsync_pending_checkpoints",
		Help: "Checkpoints not yet confirmed by the remote service",
	})

	syncDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lessonsync_sync_duration_seconds",
		Help:    "Duration of retry passes and merges",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"operation"})
)

// CheckpointSaved counts one local save
func CheckpointSaved() {
	checkpointsSaved.Inc()
}

// RemoteWrite counts one remote upsert attempt
func RemoteWrite(source string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	remoteWritesTotal.WithLabelValues(source, status).Inc()
}

// EntryAbandoned counts one queue entry given up on
func EntryAbandoned() {
	entriesAbandoned.Inc()
}

// SetPending records the current pending count
func SetPending(n int) {
	pendingGauge.Set(float64(n))
}

// ObserveSync records how long an operation took
func ObserveSync(operation string, started time.Time) {
	syncDurationHistogram.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
