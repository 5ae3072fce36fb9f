package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveExecution(t *testing.T) {
	m := New()

	m.ObserveExecution("python", false, "", 0, 100*time.Millisecond, 5000)
	m.ObserveExecution("python", true, "out_of_fuel", 0, time.Second, 10000)
	m.ObserveExecution("javascript", false, "", 1, 50*time.Millisecond, 200)

	if got := testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("python", "ok")); got != 1 {
		t.Errorf("expected 1 ok python execution, got %v", got)
	}
	if got := testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("python", "trap")); got != 1 {
		t.Errorf("expected 1 trapped python execution, got %v", got)
	}
	if got := testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("javascript", "error")); got != 1 {
		t.Errorf("expected 1 errored javascript execution, got %v", got)
	}
	if got := testutil.ToFloat64(m.TrapsTotal.WithLabelValues("out_of_fuel")); got != 1 {
		t.Errorf("expected 1 out_of_fuel trap, got %v", got)
	}
}

func TestGauges(t *testing.T) {
	m := New()

	m.ActiveSessions.Inc()
	m.ActiveSessions.Inc()
	m.ActiveSessions.Dec()
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("expected 1 active session, got %v", got)
	}

	m.SessionsEvicted.Inc()
	if got := testutil.ToFloat64(m.SessionsEvicted); got != 1 {
		t.Errorf("expected 1 eviction, got %v", got)
	}
}

func TestRegistryGathers(t *testing.T) {
	m := New()
	m.ObserveExecution("python", false, "", 0, time.Millisecond, 1)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected at least one metric family")
	}
}
