// Package metrics holds the Prometheus collectors for crawls and downloads.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "subfeed"

// Download outcome label values
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// DownloadBuckets are histogram buckets for whole-item download time (in seconds)
var DownloadBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800}

// Metrics groups every collector the service exposes
type Metrics struct {
	CrawlIterations  prometheus.Counter
	VideosDiscovered prometheus.Counter
	CrawlStops       *prometheus.CounterVec

	Downloads        *prometheus.CounterVec
	DownloadsActive  prometheus.Gauge
	DownloadDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg.
// A nil reg leaves them unregistered, which suits tests and library callers
// that do not export metrics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CrawlIterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crawl_iterations_total",
			Help:      "Feed snapshots extracted.",
		}),
		VideosDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crawl_videos_discovered_total",
			Help:      "Distinct videos added to a crawl result.",
		}),
		CrawlStops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crawl_stops_total",
			Help:      "Finished crawls by stop reason.",
		}, []string{"reason"}),
		Downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Download submissions by outcome.",
		}, []string{"outcome"}),
		DownloadsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "downloads_in_flight",
			Help:      "Downloads currently running.",
		}),
		DownloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "download_duration_seconds",
			Help:      "Time spent fetching and transcoding one video.",
			Buckets:   DownloadBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.CrawlIterations,
			m.VideosDiscovered,
			m.CrawlStops,
			m.Downloads,
			m.DownloadsActive,
			m.DownloadDuration,
		)
	}
	return m
}

// Handler serves the metrics gathered by g in the text exposition format
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
