package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes upload metrics
type Collector struct {
	filesTotal *prometheus.CounterVec
	bytesTotal prometheus.Counter
	duration   prometheus.Histogram
}

// New creates a new metrics collector
func New() *Collector {
	c := &Collector{
		filesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upload_files_total",
				Help: "Total number of files processed",
			},
			[]string{"status"},
		),
		bytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "upload_bytes_total",
				Help: "Total bytes uploaded",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "upload_file_duration_seconds",
				Help:    "Time taken to upload a file",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	prometheus.MustRegister(c.filesTotal)
	prometheus.MustRegister(c.bytesTotal)
	prometheus.MustRegister(c.duration)

	return c
}

// IncUploaded increments the uploaded file counter and byte total
func (c *Collector) IncUploaded(bytes int64) {
	c.filesTotal.WithLabelValues("uploaded").Inc()
	c.bytesTotal.Add(float64(bytes))
}

// IncSkipped increments the skipped file counter
func (c *Collector) IncSkipped() {
	c.filesTotal.WithLabelValues("skipped").Inc()
}

// IncFailed increments the failed file counter
func (c *Collector) IncFailed() {
	c.filesTotal.WithLabelValues("failed").Inc()
}

// ObserveDuration observes a per-file upload duration
func (c *Collector) ObserveDuration(duration time.Duration) {
	c.duration.Observe(duration.Seconds())
}

// StartServer starts the metrics HTTP server
func (c *Collector) StartServer(addr string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, nil)
}
