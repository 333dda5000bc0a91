package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestNew_registersWithoutPanicking(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Devices.Set(3)
	if got := gaugeValue(t, m.Devices); got != 3 {
		t.Errorf("Devices = %v, want 3", got)
	}
}

func TestMetrics_ObservePoll_recordsSample(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObservePoll("dev-1", 10*time.Millisecond)

	var metric dto.Metric
	if err := m.PollLatency.WithLabelValues("dev-1").(prometheus.Histogram).Write(&metric); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if metric.GetHistogram().GetSampleCount() != 1 {
		t.Errorf("sample count = %d, want 1", metric.GetHistogram().GetSampleCount())
	}
}

func TestMetrics_DeviceRemoved_clearsPerDeviceSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.DeviceErrors.WithLabelValues("dev-1").Inc()
	if got := counterValue(t, m.DeviceErrors.WithLabelValues("dev-1")); got != 1 {
		t.Fatalf("expected the counter to be 1 before removal, got %v", got)
	}

	m.DeviceRemoved("dev-1")

	if got := counterValue(t, m.DeviceErrors.WithLabelValues("dev-1")); got != 0 {
		t.Errorf("expected the series to reset to 0 after DeviceRemoved, got %v", got)
	}
}
