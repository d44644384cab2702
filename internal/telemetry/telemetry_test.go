package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetricsRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	if m.DevicesProcessed == nil || m.RolloutTargets == nil || m.PipelineDuration == nil {
		t.Fatal("expected all metrics to be constructed")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one registered metric family before any observation")
	}
}

func TestCollectorCurrentNilBeforeFirstTick(t *testing.T) {
	c := NewCollector(nil, NewMetrics(prometheus.NewRegistry()), nil, 0)
	if c.Current() != nil {
		t.Fatal("expected nil snapshot before Run has ticked")
	}
}
