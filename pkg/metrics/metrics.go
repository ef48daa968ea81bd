// Package metrics exposes Prometheus counters for the capture, upload,
// restore and retention paths.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result label values.
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultSkipped  = "skipped"
	ResultDeferred = "deferred"
)

// Trigger label values.
const (
	TriggerAutomatic = "automatic"
	TriggerManual    = "manual"
)

// Registry holds every savesync metric. A dedicated registry keeps the Go
// runtime collectors out of the exported set.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	Captures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "savesync",
		Name:      "captures_total",
		Help:      "Capture attempts by trigger and result.",
	}, []string{"trigger", "result"})

	CaptureDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "savesync",
		Name:      "capture_duration_seconds",
		Help:      "Time spent scanning and archiving a save directory.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	Uploads = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "savesync",
		Name:      "uploads_total",
		Help:      "Snapshot uploads by backend and result.",
	}, []string{"backend", "result"})

	Restores = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "savesync",
		Name:      "restores_total",
		Help:      "Restore attempts by result.",
	}, []string{"result"})

	RetentionRemoved = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "savesync",
		Name:      "retention_removed_total",
		Help:      "Restore scratch workspaces deleted by the retention sweep.",
	})
)

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
