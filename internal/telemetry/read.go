package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// CounterValue reads the current value of a single counter series. It
// returns 0 for anything that is not a counter. Used by tests across packages
// to assert metric deltas.
func CounterValue(m prometheus.Metric) float64 {
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		return 0
	}
	return out.GetCounter().GetValue()
}
