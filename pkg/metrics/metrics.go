package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry metrics
	ImagesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "registry_images_total",
			Help: "Total number of images by status",
		},
		[]string{"status"},
	)

	ImageCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "registry_image_create_duration_seconds",
			Help:    "Time taken to create an image record in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ImageUpdateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "registry_image_update_duration_seconds",
			Help:    "Time taken to update an image record in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ImageDeleteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "registry_image_delete_duration_seconds",
			Help:    "Time taken to delete an image record in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "registry_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Catalog metrics
	CatalogRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_catalog_retries_total",
			Help: "Total number of catalog operations retried after a transient error",
		},
		[]string{"op"},
	)

	// Object-store dispatcher metrics
	DispatcherBytesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_bytes_written_total",
			Help: "Total bytes written to backing stores, by scheme",
		},
		[]string{"scheme"},
	)

	DispatcherBytesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_bytes_read_total",
			Help: "Total bytes streamed out of backing stores, by scheme",
		},
		[]string{"scheme"},
	)

	DispatcherPutDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatcher_put_duration_seconds",
			Help:    "Time taken to stream an image body into a store, by scheme",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"scheme"},
	)

	// Scrubber metrics
	ScrubCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_scrub_cycles_total",
			Help: "Total number of scrub cycles completed",
		},
	)

	ScrubCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "registry_scrub_cycle_duration_seconds",
			Help:    "Time taken for a scrub cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ScrubbedImagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_scrubbed_images_total",
			Help: "Total number of images fully transitioned to deleted by the scrubber",
		},
	)

	ScrubFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_scrub_failures_total",
			Help: "Total number of per-image scrub attempts that failed",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(ImagesTotal)
	prometheus.MustRegister(ImageCreateDuration)
	prometheus.MustRegister(ImageUpdateDuration)
	prometheus.MustRegister(ImageDeleteDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(CatalogRetriesTotal)
	prometheus.MustRegister(DispatcherBytesWrittenTotal)
	prometheus.MustRegister(DispatcherBytesReadTotal)
	prometheus.MustRegister(DispatcherPutDuration)
	prometheus.MustRegister(ScrubCyclesTotal)
	prometheus.MustRegister(ScrubCycleDuration)
	prometheus.MustRegister(ScrubbedImagesTotal)
	prometheus.MustRegister(ScrubFailuresTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
