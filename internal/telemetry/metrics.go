// Package telemetry holds the Prometheus metrics and slog setup shared by the
// catalog server and the companion.
//
// Metrics register against the default registry and are served on the side
// port started by cmd/server (telemetry.metrics.prometheus_port, default 9090):
//
//	GET http://<host>:9090/metrics
//
// The gin router never serves /metrics.
//
// HTTP metrics are labelled with the route template (c.FullPath(), for example
// /api/v1/plugins/:id) rather than the raw URL, so plugin ids do not blow up
// label cardinality.
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template and status code.
//
//   - Error rate: sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m]))
//   - p99 latency per route: histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Catalog metrics.
//
// PluginUploadsTotal is labelled by result: "ready", "rejected" (validation or
// signature), "storage_error" or "db_error".
//
// OrphanedArchivesTotal counts archives left in the object store because a
// delete removed the row but could not remove the binary. Any increase is
// worth an alert: increase(wpdepot_orphaned_archives_total[1h]) > 0
var (
	PluginUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpdepot_plugin_uploads_total",
			Help: "Total number of plugin uploads, by result.",
		},
		[]string{"result"},
	)

	PluginDeletesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wpdepot_plugin_deletes_total",
			Help: "Total number of plugin records deleted.",
		},
	)

	PluginDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpdepot_plugin_downloads_total",
			Help: "Total number of plugin archive downloads served, by slug.",
		},
		[]string{"slug"},
	)

	OrphanedArchivesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wpdepot_orphaned_archives_total",
			Help: "Archives left in object storage after their catalog row was deleted.",
		},
	)
)

// Pending upload sweeper metrics, recorded once per sweep run.
var (
	PendingSweepRemovedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wpdepot_pending_sweep_removed_total",
			Help: "Total number of stale pending uploads removed by the sweeper.",
		},
	)

	PendingSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wpdepot_pending_sweep_duration_seconds",
			Help:    "Duration of a single pending upload sweep.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// InstallProxyTotal counts calls the catalog proxies to registered WordPress
// servers, by operation ("check", "install", "list") and result ("ok",
// "already_installed", "failed", "unreachable").
var InstallProxyTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wpdepot_install_proxy_total",
		Help: "Install bridge calls proxied to registered servers, by operation and result.",
	},
	[]string{"operation", "result"},
)

// CompanionInstallsTotal counts install requests handled by the companion, by
// status ("installed", "already_installed", "failed").
var CompanionInstallsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wpdepot_companion_installs_total",
		Help: "Plugin install requests handled by the companion, by status.",
	},
	[]string{"status"},
)

// DBOpenConnections tracks open connections in the sql.DB pool. It is sampled
// by StartDBStatsCollector rather than per request.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples pool statistics every interval until ctx is
// cancelled or the database stops answering pings.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := db.PingContext(ctx); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
