package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAreRegistered(t *testing.T) {
	m := New(false)
	m.OrdersSubmitted.WithLabelValues("RITC", "market", "buy").Inc()
	m.OrdersSubmitted.WithLabelValues("RITC", "market", "buy").Inc()
	m.AdmissionDenied.Inc()

	if got := testutil.ToFloat64(m.OrdersSubmitted.WithLabelValues("RITC", "market", "buy")); got != 2 {
		t.Fatalf("orders submitted=%v want 2", got)
	}
	if got := testutil.ToFloat64(m.AdmissionDenied); got != 1 {
		t.Fatalf("admission denied=%v want 1", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New(false)
	m.Position.WithLabelValues("BULL").Set(-300)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `etfarb_position{ticker="BULL"} -300`) {
		t.Fatalf("position gauge missing from output:\n%s", body)
	}
}
