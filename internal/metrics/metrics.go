// Package metrics exposes Prometheus metrics for the server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "whisperd"

// Metrics holds all Prometheus collectors. Each server instance owns
// its registry, so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal         *prometheus.CounterVec
	RequestsInFlight      prometheus.Gauge
	AdmissionRejected     prometheus.Counter
	TranscriptionDuration prometheus.Histogram
	TranscriptionFailures *prometheus.CounterVec
	AudioBytesIn          prometheus.Counter
	ModelDownloadBytes    prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total HTTP requests by route and status code",
		}, []string{"route", "status"}),
		RequestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Number of admitted transcription requests currently running",
		}),
		AdmissionRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejected_total",
			Help:      "Total requests rejected by the concurrency gate",
		}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcription_duration_seconds",
			Help:      "End-to-end duration of the normalize+transcribe phase",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		TranscriptionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcription_failures_total",
			Help:      "Total failed transcriptions by failure kind",
		}, []string{"kind"}),
		AudioBytesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_in_total",
			Help:      "Total audio bytes accepted from clients",
		}),
		ModelDownloadBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_download_bytes_total",
			Help:      "Total bytes downloaded for model installs",
		}),
	}
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
