package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/discreetgg/discreet-upgraded-sub001/internal/billing"
	"github.com/discreetgg/discreet-upgraded-sub001/internal/config"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
	if obs.Registry() != nil || obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil || obs.AnomalyOrNil() != nil {
		t.Error("nil Observability accessors should return nil")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNew_MetricsEnabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{Metrics: &config.MetricsConfig{Enabled: true}}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Registry() == nil {
		t.Fatal("expected a registry when metrics are enabled")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	var obs *Observability
	obs.Shutdown(context.Background())
}

func TestTracerSetup_NilStartIsNoop(t *testing.T) {
	var ts *TracerSetup
	ctx, span := ts.Start(context.Background(), "noop")
	if ctx == nil || span == nil {
		t.Fatal("expected non-nil context and span")
	}
	EndSpan(span, errors.New("ignored"))
	if ts.Tracer() == nil {
		t.Error("nil TracerSetup should return a noop tracer")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Registered(t *testing.T) {
	m := NewMetricsCollector()
	m.BillingOpsTotal.WithLabelValues("charge", "success").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/healthz", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"discreet_billing_operations_total",
		"discreet_http_requests_total",
		"discreet_active_requests",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckReady(context.Background()); status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("database", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("registry", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if got := status.Checks["database"]; got.Status != "fail" || got.Message != "connection refused" {
		t.Errorf("database check = %+v", got)
	}
	if status.Checks["registry"].Status != "ok" {
		t.Errorf("registry check = %q, want ok", status.Checks["registry"].Status)
	}
}

func TestHealthChecker_TimeoutApplies(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	status := h.CheckReady(ctx)
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	if status := NewHealthChecker(nil).CheckHealth(); status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
	if a.Flagged("test") {
		t.Error("nil detector should never flag")
	}
}

func TestAnomalyDetector_FlagsAboveThreshold(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		a.RecordSuccess("billing_charge")
	}
	for i := 0; i < 4; i++ {
		a.RecordError("billing_charge")
	}
	if a.Flagged("billing_charge") {
		t.Fatal("50% should not exceed a 0.5 threshold")
	}
	a.RecordError("billing_charge")
	if !a.Flagged("billing_charge") {
		t.Fatal("expected billing_charge to be flagged at 5/9 errors")
	}
	rate, total := a.ErrorRate("billing_charge")
	if total != 9 || rate < 0.55 || rate > 0.56 {
		t.Errorf("rate=%v total=%v", rate, total)
	}

	// Samples age out of the window.
	now = now.Add(2 * time.Minute)
	if _, total := a.ErrorRate("billing_charge"); total != 0 {
		t.Errorf("total after window = %v, want 0", total)
	}
	if a.Flagged("billing_charge") {
		t.Error("flag should expire with the window")
	}
}

// --- InstrumentedBilling ---

type stubAdapter struct {
	err      error
	released []string
}

func (s *stubAdapter) ReserveFunds(_ context.Context, payerID string, amount billing.Money, meta billing.Meta) (*billing.Reservation, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &billing.Reservation{ID: "res_1", CallID: meta.CallID, PayerID: payerID, Amount: amount}, nil
}

func (s *stubAdapter) ChargeMinute(_ context.Context, req billing.ChargeRequest) (*billing.Charge, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &billing.Charge{ID: "chg_1", CallID: req.CallID, Minute: req.Minute, Amount: req.Amount}, nil
}

func (s *stubAdapter) SettleFinal(_ context.Context, callID string, amount billing.Money) (*billing.Settlement, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &billing.Settlement{ID: "stl_1", CallID: callID, Amount: amount}, nil
}

func (s *stubAdapter) ReleaseReservation(_ context.Context, id string) error {
	s.released = append(s.released, id)
	return nil
}

func TestInstrumentedBilling_RecordsResults(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &stubAdapter{}
	b := NewInstrumentedBilling(inner, metrics, nil, nil)
	ctx := context.Background()
	usd := billing.NewMoney(100, "USD")

	if _, err := b.ChargeMinute(ctx, billing.ChargeRequest{CallID: "call_1", Minute: 1, Amount: usd}); err != nil {
		t.Fatalf("ChargeMinute: %v", err)
	}
	inner.err = billing.ErrInsufficientFunds
	if _, err := b.ChargeMinute(ctx, billing.ChargeRequest{CallID: "call_1", Minute: 2, Amount: usd}); !errors.Is(err, billing.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	inner.err = billing.ErrAdapterFailure
	if _, err := b.SettleFinal(ctx, "call_1", usd); !errors.Is(err, billing.ErrAdapterFailure) {
		t.Fatalf("expected ErrAdapterFailure, got %v", err)
	}

	for _, tc := range []struct {
		op, result string
		want       float64
	}{
		{"charge", "success", 1},
		{"charge", "insufficient_funds", 1},
		{"settle", "error", 1},
		{"reserve", "success", 0},
	} {
		got := counterValue(t, metrics.Registry, "discreet_billing_operations_total", prometheus.Labels{"op": tc.op, "result": tc.result})
		if got != tc.want {
			t.Errorf("%s/%s = %v, want %v", tc.op, tc.result, got, tc.want)
		}
	}
}

func TestInstrumentedBilling_ForwardsRelease(t *testing.T) {
	inner := &stubAdapter{}
	b := NewInstrumentedBilling(inner, nil, nil, nil)
	if err := b.ReleaseReservation(context.Background(), "res_1"); err != nil {
		t.Fatalf("ReleaseReservation: %v", err)
	}
	if len(inner.released) != 1 || inner.released[0] != "res_1" {
		t.Errorf("released = %v", inner.released)
	}
}

func TestInstrumentedBilling_FeedsAnomalyDetector(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.1}, nil)
	inner := &stubAdapter{err: errors.New("upstream down")}
	b := NewInstrumentedBilling(inner, nil, nil, a)
	for i := 0; i < 5; i++ {
		_, _ = b.SettleFinal(context.Background(), "call_1", billing.NewMoney(0, "USD"))
	}
	if !a.Flagged("billing_settle") {
		t.Error("expected billing_settle to be flagged")
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest("GET", "/v1/calls/call_abc", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	val := counterValue(t, metrics.Registry, "discreet_http_requests_total", prometheus.Labels{"method": "GET", "path": "/v1/calls/:id", "status_code": "404"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestMetricPath(t *testing.T) {
	tests := map[string]string{
		"/v1/calls/call_1":     "/v1/calls/:id",
		"/v1/calls/call_1/end": "/v1/calls/:id/end",
		"/v1/wallets/alice":    "/v1/wallets/:id",
		"/v1/presence":         "/v1/presence",
		"/ws":                  "/ws",
	}
	for in, want := range tests {
		if got := metricPath(in); got != want {
			t.Errorf("metricPath(%q) = %q, want %q", in, got, want)
		}
	}
}

// --- Helpers ---

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
