// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ModelLoadSeconds is a histogram of model load latencies, labelled by outcome
	ModelLoadSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "model_load_seconds",
			Help:    "Histogram of model load latency (seconds), including resolution and compilation.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"result"},
	)

	// InferenceBatchSize is a histogram for tracking inference batch sizes
	InferenceBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inference_batch_size",
			Help:    "Histogram of row counts for batch predictions.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		},
	)

	// InferenceLatencySeconds is a histogram for inference-only latency
	InferenceLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inference_latency_seconds",
			Help:    "Histogram of executor latency (seconds) for single and batch predictions.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"mode"},
	)

	// PredictErrorsTotal counts failed predictions by error kind
	PredictErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "predict_errors_total",
			Help: "Total number of failed predictions by error kind.",
		},
		[]string{"kind"},
	)

	// ResolverRequestsTotal counts model resolutions by how they were served
	ResolverRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_requests_total",
			Help: "Total number of model source resolutions (path, memory, hit, extracted, error).",
		},
		[]string{"result"},
	)

	// LoadedModels is a gauge of currently loaded model handles
	LoadedModels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loaded_models",
			Help: "Number of model handles currently in the loaded state.",
		},
	)
)

// RecordModelLoad records the latency and outcome of a model load
func RecordModelLoad(result string, seconds float64) {
	ModelLoadSeconds.WithLabelValues(result).Observe(seconds)
}

// RecordInferenceBatch records the row count of a batch prediction
func RecordInferenceBatch(size int) {
	InferenceBatchSize.Observe(float64(size))
}

// RecordInferenceLatency records the latency of an executor call
func RecordInferenceLatency(mode string, seconds float64) {
	InferenceLatencySeconds.WithLabelValues(mode).Observe(seconds)
}

// RecordPredictError counts a failed prediction
func RecordPredictError(kind string) {
	PredictErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordResolve counts a resolution outcome
func RecordResolve(result string) {
	ResolverRequestsTotal.WithLabelValues(result).Inc()
}

// ModelLoaded increments the loaded model gauge
func ModelLoaded() {
	LoadedModels.Inc()
}

// ModelUnloaded decrements the loaded model gauge
func ModelUnloaded() {
	LoadedModels.Dec()
}
