package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Config import metrics
	ImportItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keaport_import_items_total",
			Help: "Import plan items processed by outcome",
		},
		[]string{"outcome"},
	)

	DestinationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keaport_destination_failures_total",
			Help: "Failed writes to an import destination",
		},
		[]string{"destination"},
	)

	ImportDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keaport_import_duration_seconds",
			Help:    "Duration of one import execution",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Lease metrics
	LeaseRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keaport_lease_rows_total",
			Help: "Lease rows processed by outcome",
		},
		[]string{"outcome"},
	)

	// Backup metrics
	BackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keaport_backups_total",
			Help: "Backups taken by operation",
		},
		[]string{"operation"},
	)

	BackupsPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keaport_backups_pruned_total",
			Help: "Backups removed by retention",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keaport_api_requests_total",
			Help: "HTTP API requests by route and status",
		},
		[]string{"route", "status"},
	)
)

func init() {
	prometheus.MustRegister(ImportItemsTotal)
	prometheus.MustRegister(DestinationFailuresTotal)
	prometheus.MustRegister(ImportDuration)
	prometheus.MustRegister(LeaseRowsTotal)
	prometheus.MustRegister(BackupsTotal)
	prometheus.MustRegister(BackupsPrunedTotal)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
