// Package metrics exposes Prometheus collectors for graph surgery and
// bundle I/O.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LayersInjected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lora_layers_injected_total",
		Help: "Layers replaced by an augmented variant",
	}, []string{"kind"})

	LayersRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lora_layers_removed_total",
		Help: "Augmented layers reverted to their base transform",
	}, []string{"kind"})

	LayersCollapsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lora_layers_collapsed_total",
		Help: "Corrections folded into base weights",
	}, []string{"kind"})

	BundleTensors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lora_bundle_tensors_total",
		Help: "Tensors written to or read from bundles",
	}, []string{"direction"})

	BundleBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lora_bundle_bytes_total",
		Help: "Tensor payload bytes written to or read from bundles",
	}, []string{"direction"})

	SurgeryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lora_surgery_duration_seconds",
		Help:    "Duration of graph surgery operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	SurgeryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lora_surgery_errors_total",
		Help: "Failed surgery or bundle operations by error class",
	}, []string{"operation", "error_type"})
)

// Bundle I/O directions.
const (
	DirectionRead  = "read"
	DirectionWrite = "write"
)

// RecordInjected counts one injected layer of the given kind.
func RecordInjected(kind string) {
	LayersInjected.WithLabelValues(kind).Inc()
}

// RecordRemoved counts one removed augmentation.
func RecordRemoved(kind string) {
	LayersRemoved.WithLabelValues(kind).Inc()
}

// RecordCollapsed counts one collapsed correction.
func RecordCollapsed(kind string) {
	LayersCollapsed.WithLabelValues(kind).Inc()
}

// RecordBundleIO counts tensors and payload bytes moved in one direction.
func RecordBundleIO(direction string, tensors int, bytes int64) {
	BundleTensors.WithLabelValues(direction).Add(float64(tensors))
	BundleBytes.WithLabelValues(direction).Add(float64(bytes))
}

// RecordSurgery observes the duration of an operation started at start.
func RecordSurgery(operation string, start time.Time) {
	SurgeryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// RecordError counts a failed operation.
func RecordError(operation, errorType string) {
	SurgeryErrors.WithLabelValues(operation, errorType).Inc()
}
