package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync cycles, labelled by the decision that was reached
	SyncCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signpost_sync_cycles_total",
			Help: "Total number of sync cycles by outcome reason",
		},
		[]string{"reason"},
	)

	SyncFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signpost_sync_failures_total",
			Help: "Total number of sync cycles that failed",
		},
		[]string{"stage"}, // "fetch", "validate", "lock", "disk_check", "diff", "persist", "reconcile", "release"
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "signpost_sync_duration_seconds",
			Help:    "Duration of sync cycles that held the lock",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	// Media pipeline
	MediaDownloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signpost_media_downloads_total",
			Help: "Total number of media download attempts by result",
		},
		[]string{"result"}, // "downloaded", "error"
	)

	MediaBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signpost_media_bytes_total",
			Help: "Total bytes of media promoted into the cache",
		},
	)

	MediaRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signpost_media_removed_total",
			Help: "Total number of media records removed from the cache",
		},
		[]string{"cause"}, // "orphan", "missing"
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "signpost_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Playlist
	PlaylistWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signpost_playlist_writes_total",
			Help: "Total number of times the playlist artifact changed on disk",
		},
	)

	PlaylistEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "signpost_playlist_entries",
			Help: "Number of entries in the current playlist",
		},
		[]string{"period"}, // "am", "pm"
	)

	// Health reporting
	HealthReports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signpost_health_reports_total",
			Help: "Total number of health reports sent to the CMS by result",
		},
		[]string{"result"},
	)
)
