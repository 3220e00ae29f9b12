package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Version is reported by every binary and by /version. Release builds
// override it with -ldflags "-X github.com/wpdepot/wpdepot/internal/telemetry.Version=...".
var Version = "0.1.0"

// BuildInfo is a constant 1 labelled with the running version and component
var BuildInfo = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "wpdepot_build_info",
		Help: "Always 1; labelled with the version and component of the running binary.",
	},
	[]string{"version", "component"},
)

// RecordBuildInfo publishes BuildInfo for component
func RecordBuildInfo(component string) {
	BuildInfo.WithLabelValues(Version, component).Set(1)
}
