package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "classifier"

var (
	// inferenceLatency measures a single Predict call, decode to postprocess.
	// Labels: outcome (ok, decode_error, inference_error, timeout)
	inferenceLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "inference",
		Name:      "duration_seconds",
		Help:      "Predict latency in seconds",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"outcome"})

	predictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "inference",
		Name:      "predictions_total",
		Help:      "Predictions by top label",
	}, []string{"label"})

	artifactFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "artifact",
		Name:      "fetches_total",
		Help:      "Artifact provisioning attempts by result (cached, downloaded, error)",
	}, []string{"result"})

	artifactBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "artifact",
		Name:      "downloaded_bytes_total",
		Help:      "Bytes written by artifact downloads",
	})

	readinessState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "readiness_state",
		Help:      "Startup state: 0 not_ready, 1 provisioning, 2 loading, 3 ready, 4 failed",
	})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route, method and status",
	}, []string{"route", "method", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})
)

func ObserveInference(outcome string, seconds float64) {
	inferenceLatency.WithLabelValues(outcome).Observe(seconds)
}

func RecordPrediction(label string) {
	predictions.WithLabelValues(label).Inc()
}

func RecordArtifactFetch(result string) {
	artifactFetches.WithLabelValues(result).Inc()
}

func AddArtifactBytes(n int64) {
	artifactBytes.Add(float64(n))
}

func SetReadiness(state int) {
	readinessState.Set(float64(state))
}

func ObserveRequest(route, method, status string, seconds float64) {
	httpRequests.WithLabelValues(route, method, status).Inc()
	httpDuration.WithLabelValues(route).Observe(seconds)
}
