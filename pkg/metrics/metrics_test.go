package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("failed to read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestNewRegistersAllMetrics(t *testing.T) {
	reg := New()
	if reg == nil {
		t.Fatal("expected a non-nil registry")
	}

	reg.DHTAnnouncements.Inc()
	if got := counterValue(t, reg.DHTAnnouncements); got != 1 {
		t.Fatalf("DHTAnnouncements = %v, want 1", got)
	}
}

func TestBucketOccupancyLabels(t *testing.T) {
	reg := New()
	reg.DHTBucketOccupancy.WithLabelValues("42").Set(7)

	gathered, err := reg.reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	found := false
	for _, mf := range gathered {
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "bucket" && lp.GetValue() == "42" && m.GetGauge().GetValue() == 7 {
					found = true
				}
			}
		}
	}
	if !found {
		t.Fatal("expected a bucket=\"42\" occupancy gauge with value 7")
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := New()
	reg.DHTAnnouncements.Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if len(body) == 0 {
		t.Fatal("expected non-empty metrics output")
	}
}

func TestIndependentRegistriesDoNotCollide(t *testing.T) {
	a := New()
	b := New()
	a.DHTAnnouncements.Inc()
	if got := counterValue(t, b.DHTAnnouncements); got != 0 {
		t.Fatalf("expected independent registries, got %v", got)
	}
}
