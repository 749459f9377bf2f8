package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/Rohde-Schwarz/libtracy/metrics"
)

func TestCountersAreRegisteredAndIncrementable(t *testing.T) {
	metrics.EventsSubmittedTotal.Inc()
	metrics.EventsDroppedTotal.WithLabelValues("buffer_full").Inc()
	metrics.SessionsResetTotal.WithLabelValues("protocol_error").Inc()
	metrics.RegistrySize.Set(3)
	metrics.ConnectedGauge.Set(1)

	var m dto.Metric
	if err := metrics.RegistrySize.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := m.GetGauge().GetValue(); got != 3 {
		t.Errorf("RegistrySize = %v, want 3", got)
	}
}

func TestMetricsAreValidPrometheusNames(t *testing.T) {
	reg := prometheus.NewRegistry()
	collectors := []prometheus.Collector{
		metrics.EventsSubmittedTotal,
		metrics.EventsDroppedTotal,
		metrics.PushFramesSentTotal,
		metrics.FlushBytesTotal,
		metrics.BufferHighWaterTrips,
		metrics.SessionsAcceptedTotal,
		metrics.SessionsResetTotal,
		metrics.AnnouncesSentTotal,
		metrics.RegistrySize,
		metrics.ConnectedGauge,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			t.Errorf("collector failed to register in a fresh registry: %v", err)
		}
	}
}
