package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_transitions_total",
			Help: "Status transitions written by pipeline components.",
		},
		[]string{"from", "to"},
	)

	StaleClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_stale_claims_total",
			Help: "Transitions lost to another worker.",
		},
		[]string{"component"},
	)

	ListingFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_listing_fetches_total",
			Help: "Listing page fetches by outcome.",
		},
		[]string{"category", "outcome"}, // outcome: ok, unchanged, error
	)

	DiscoveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_discovered_total",
			Help: "Links seen by discovery by effect on the store.",
		},
		[]string{"category", "effect"}, // inserted, refreshed, change_signal, repaired
	)

	DownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_downloads_total",
			Help: "Download attempts by outcome.",
		},
		[]string{"outcome", "error_type"}, // outcome: success, unchanged, moved, retry, failed, skipped
	)

	DownloadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_download_duration_seconds",
			Help:    "Duration of file downloads.",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120},
		},
		[]string{"file_type"},
	)

	DownloadedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_downloaded_bytes_total",
			Help: "Bytes written to the content store.",
		},
	)

	ImportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_imports_total",
			Help: "Import attempts by category and outcome.",
		},
		[]string{"category", "outcome"}, // completed, import_error, schema_mismatch
	)

	RecordsImported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_records_imported_total",
			Help: "Entities upserted into the sink.",
		},
		[]string{"category"},
	)

	FilesByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_files",
			Help: "Tracked files by category and status.",
		},
		[]string{"category", "status"},
	)
)
