package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Downloads by final outcome (completed, failed, cached, timeout)
	DownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comicshelf_downloads_total",
			Help: "Total number of download requests by outcome",
		},
		[]string{"outcome"},
	)

	DownloadBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comicshelf_download_bytes_total",
			Help: "Bytes received per transfer strategy",
		},
		[]string{"strategy"},
	)

	DownloadRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comicshelf_download_retries_total",
			Help: "Retried attempts per transfer strategy",
		},
		[]string{"strategy"},
	)

	DownloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "comicshelf_download_duration_seconds",
			Help:    "Duration of downloads that reached the network",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	CacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "comicshelf_cache_evictions_total",
			Help: "Completed downloads evicted by the cache capacity policy",
		},
	)

	LivePageResources = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "comicshelf_page_resources_live",
			Help: "Extracted page images currently held for display",
		},
	)

	SyncsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comicshelf_syncs_total",
			Help: "Remote content syncs by source",
		},
		[]string{"source"},
	)
)

func init() {
	prometheus.MustRegister(
		DownloadsTotal,
		DownloadBytes,
		DownloadRetries,
		DownloadDuration,
		CacheEvictions,
		LivePageResources,
		SyncsTotal,
	)
}
