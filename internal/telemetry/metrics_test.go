package telemetry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// ---------------------------------------------------------------------------
// Registration: checked through Describe() because Gather() omits *Vec
// metrics that have no observed label combinations yet.
// ---------------------------------------------------------------------------

func TestMetrics_AllRegistered(t *testing.T) {
	type describer interface {
		Describe(chan<- *prometheus.Desc)
	}

	cases := []struct {
		name string
		c    describer
	}{
		{"http_requests_total", HTTPRequestsTotal},
		{"http_request_duration_seconds", HTTPRequestDuration},
		{"wpdepot_plugin_uploads_total", PluginUploadsTotal},
		{"wpdepot_plugin_deletes_total", PluginDeletesTotal},
		{"wpdepot_plugin_downloads_total", PluginDownloadsTotal},
		{"wpdepot_orphaned_archives_total", OrphanedArchivesTotal},
		{"wpdepot_pending_sweep_removed_total", PendingSweepRemovedTotal},
		{"wpdepot_pending_sweep_duration_seconds", PendingSweepDuration},
		{"wpdepot_install_proxy_total", InstallProxyTotal},
		{"wpdepot_companion_installs_total", CompanionInstallsTotal},
		{"db_open_connections", DBOpenConnections},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ch := make(chan *prometheus.Desc, 10)
			tc.c.Describe(ch)
			close(ch)
			for desc := range ch {
				if strings.Contains(desc.String(), `"`+tc.name+`"`) {
					return
				}
			}
			t.Errorf("metric %q: Describe() returned no descriptor with this fqName", tc.name)
		})
	}
}

func TestMetrics_CountersIncrement(t *testing.T) {
	before := CounterValue(PluginUploadsTotal.WithLabelValues("ready"))
	PluginUploadsTotal.WithLabelValues("ready").Inc()
	if got := CounterValue(PluginUploadsTotal.WithLabelValues("ready")); got-before != 1 {
		t.Errorf("PluginUploadsTotal delta = %v, want 1", got-before)
	}

	before = CounterValue(OrphanedArchivesTotal)
	OrphanedArchivesTotal.Inc()
	if got := CounterValue(OrphanedArchivesTotal); got-before != 1 {
		t.Errorf("OrphanedArchivesTotal delta = %v, want 1", got-before)
	}
}

func TestCounterValue_NonCounter(t *testing.T) {
	if v := CounterValue(DBOpenConnections); v != 0 {
		t.Errorf("CounterValue(gauge) = %v, want 0", v)
	}
}

func TestStartDBStatsCollector_StopsOnCancel(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	mock.ExpectPing()

	ctx, cancel := context.WithCancel(context.Background())
	StartDBStatsCollector(ctx, db, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	cancel()
}

// gaugeValue is used by tests that need to read a plain gauge.
func gaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func TestDBOpenConnections_Set(t *testing.T) {
	DBOpenConnections.Set(5)
	if v := gaugeValue(DBOpenConnections); v != 5 {
		t.Errorf("gauge = %v, want 5", v)
	}
	DBOpenConnections.Set(0)
}
