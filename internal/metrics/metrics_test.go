package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.TickResult("ok")
	m.Charged(0.5)
	m.ObserveHypervisor("start", time.Now(), nil)
	m.Register(NewStatusCollector(func(ctx context.Context) (map[string]int, error) {
		return map[string]int{"online": 2, "stopped": 1}, nil
	}))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`compute_billing_ticks_total{result="ok"} 1`,
		`compute_points_charged_total 0.5`,
		`compute_instances{status="online"} 2`,
		`compute_hypervisor_call_seconds_count{op="start",result="ok"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.TickResult("ok")
	m.AutoStopped()
	m.ShellOpened()
	m.HTTPRequest("/x", "200")
}
