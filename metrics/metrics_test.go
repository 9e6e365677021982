package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.AttemptOpened("listing.create")
	m.Unpin("json", false)
	m.FanoutDropped()
	if m.Registry() != nil {
		t.Fatalf("nil metrics has no registry")
	}
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.Unpin("json", true)
	m.Unpin("json", true)
	m.Unpin("image", false)

	if got := testutil.ToFloat64(m.unpins.WithLabelValues("json", "cleaned")); got != 2 {
		t.Fatalf("expected 2 cleaned json unpins, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `leaseflow_compensation_unpins_total{kind="image",result="failed"} 1`) {
		t.Fatalf("exposition missing unpin counter:\n%s", body)
	}
}
