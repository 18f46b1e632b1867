package observability_test

import (
	"FlashLever/internal/observability"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestReadiness_RequiresFlagAndChecks(t *testing.T) {
	h := observability.NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d before ready, want 503", rec.Code)
	}

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d when ready, want 200", rec.Code)
	}

	h.AddCheck("postgres", func(context.Context) error { return errors.New("down") })
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d with failing check, want 503", rec.Code)
	}
	if failed := h.Check(context.Background()); failed["postgres"] != "down" {
		t.Errorf("failed = %v", failed)
	}
}

func TestLiveness_AlwaysOK(t *testing.T) {
	h := observability.NewHealthChecker()
	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rec.Code)
	}
}

func TestMetrics_ObserveOp(t *testing.T) {
	m := observability.NewMetricsWithRegistry(prometheus.NewRegistry())
	m.ObserveOp("leverage", time.Now(), "")
	m.ObserveOp("leverage", time.Now(), "slippage")
	m.PositionOpened("WSTETH/WETH")
	m.PositionClosed("WSTETH/WETH", "WETH", 12)

	if got := testutil.ToFloat64(m.OpsRejected.WithLabelValues("leverage", "slippage")); got != 1 {
		t.Errorf("rejected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.OpenPositions); got != 0 {
		t.Errorf("open positions = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.FeesCollected.WithLabelValues("WETH")); got != 12 {
		t.Errorf("fees = %v, want 12", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *observability.Metrics
	m.ObserveOp("leverage", time.Now(), "x")
	m.SetRecoveryMode(true)
	m.SetChannelMetrics("events", 1, 2)
}
