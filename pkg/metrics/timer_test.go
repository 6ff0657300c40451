package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func histogramOf(t *testing.T, o prometheus.Observer) *dto.Histogram {
	t.Helper()
	m, ok := o.(prometheus.Metric)
	if !ok {
		t.Fatalf("%T is not a prometheus.Metric", o)
	}
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return out.GetHistogram()
}

func TestTimer_Duration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	first := timer.Duration()
	if first < 20*time.Millisecond {
		t.Errorf("Duration() = %v, want >= 20ms", first)
	}
	if second := timer.Duration(); second < first {
		t.Errorf("Duration() went backwards: %v after %v", second, first)
	}
}

func TestTimer_ObserveDuration(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_backup_duration_seconds",
		Help:    "test",
		Buckets: []float64{0.001, 0.01, 0.1, 1},
	})

	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	timer.ObserveDuration(h)

	hist := histogramOf(t, h)
	if hist.GetSampleCount() != 1 {
		t.Fatalf("sample count = %d, want 1", hist.GetSampleCount())
	}
	if hist.GetSampleSum() < 0.005 {
		t.Errorf("sample sum = %v, want >= 0.005", hist.GetSampleSum())
	}
}

func TestTimer_ObserveDurationVec(t *testing.T) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_replay_duration_seconds",
		Help: "test",
	}, []string{"result"})

	for _, result := range []string{"replayed", "replayed", "deferred"} {
		NewTimer().ObserveDurationVec(vec, result)
	}

	if n := testutil.CollectAndCount(vec); n != 2 {
		t.Errorf("series = %d, want 2", n)
	}
	if c := histogramOf(t, vec.WithLabelValues("replayed")).GetSampleCount(); c != 2 {
		t.Errorf("replayed samples = %d, want 2", c)
	}
}

func TestRegisteredCollectors(t *testing.T) {
	// Every collector registered in init must be gatherable without error
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	seen := make(map[string]bool)
	for _, f := range families {
		seen[f.GetName()] = true
	}
	for _, name := range []string{
		"bastion_connection_state",
		"bastion_schema_version",
		"bastion_degraded_queue_depth",
		"bastion_nations_total",
	} {
		if !seen[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}
