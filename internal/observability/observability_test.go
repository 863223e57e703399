package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/isolab/internal/config"
	"github.com/jkaninda/isolab/internal/netmode"
	"github.com/jkaninda/isolab/internal/sandbox"
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
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
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

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
}

func TestTracerOrNil_Nil(t *testing.T) {
	var obs *Observability
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	if m == nil {
		t.Fatal("expected non-nil MetricsCollector")
	}
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	// Initialize some metrics so they appear in Gather (CounterVec only appears after first use).
	m.EngineOperationsTotal.WithLabelValues("create", "success").Inc()
	m.NetRulesTotal.WithLabelValues("apply", "success").Inc()
	m.LoginAttemptsTotal.WithLabelValues("success").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"isolab_engine_operations_total",
		"isolab_netpolicy_operations_total",
		"isolab_auth_login_attempts_total",
		"isolab_http_requests_total",
		"isolab_labs_running",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsCollector_RecordAndGather(t *testing.T) {
	m := NewMetricsCollector()

	// Increment a counter.
	m.EngineOperationsTotal.WithLabelValues("create", "success").Inc()
	m.EngineOperationsTotal.WithLabelValues("create", "success").Inc()
	m.EngineOperationsTotal.WithLabelValues("create", "error").Inc()

	// Gather and verify.
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	var found bool
	for _, f := range families {
		if f.GetName() == "isolab_engine_operations_total" {
			found = true
			for _, metric := range f.GetMetric() {
				labels := labelMap(metric.GetLabel())
				if labels["status"] == "success" {
					if got := metric.GetCounter().GetValue(); got != 2 {
						t.Errorf("success count = %v, want 2", got)
					}
				}
				if labels["status"] == "error" {
					if got := metric.GetCounter().GetValue(); got != 1 {
						t.Errorf("error count = %v, want 1", got)
					}
				}
			}
		}
	}
	if !found {
		t.Error("isolab_engine_operations_total not found")
	}
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_AllPass(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("engine", func(ctx context.Context) error { return nil })
	h.AddCheck("audit", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if status.Checks["engine"].Status != "ok" {
		t.Errorf("engine check = %q, want ok", status.Checks["engine"].Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("engine", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("audit", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["engine"].Status != "fail" {
		t.Errorf("engine check = %q, want fail", status.Checks["engine"].Status)
	}
	if status.Checks["engine"].Message != "connection refused" {
		t.Errorf("engine message = %q, want connection refused", status.Checks["engine"].Message)
	}
	if status.Checks["audit"].Status != "ok" {
		t.Errorf("audit check = %q, want ok", status.Checks["audit"].Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckHealth()
	if status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	// All methods should be no-ops on nil receiver.
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
	a.RecordLoginFailure("198.51.100.1")
}

func TestAnomalyDetector_ErrorRateThreshold(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, nil)

	// Record enough data to trigger: 6 errors, 4 successes = 60% error rate > 50%
	for i := 0; i < 4; i++ {
		a.RecordSuccess("engine_create")
	}
	for i := 0; i < 6; i++ {
		a.RecordError("engine_create")
	}

	// Verify internal counts (not threshold alert, which just logs).
	a.mu.Lock()
	errCount := a.errorCounts["engine_create"].sum()
	successes := a.successCounts["engine_create"].sum()
	a.mu.Unlock()

	if errCount != 6 {
		t.Errorf("errors = %v, want 6", errCount)
	}
	if successes != 4 {
		t.Errorf("successes = %v, want 4", successes)
	}
}

func TestAnomalyDetector_LoginFailuresPerClient(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:               true,
		LoginFailureThreshold: 5,
		WindowSeconds:         60,
	}, nil)

	for i := 0; i < 3; i++ {
		a.RecordLoginFailure("203.0.113.7")
	}
	a.RecordLoginFailure("203.0.113.9")

	a.mu.Lock()
	first := a.loginFailures["203.0.113.7"].sum()
	second := a.loginFailures["203.0.113.9"].sum()
	a.mu.Unlock()

	if first != 3 {
		t.Errorf("failures for first client = %v, want 3", first)
	}
	if second != 1 {
		t.Errorf("failures for second client = %v, want 1", second)
	}
}

// --- InstrumentedEngine (wrapper) ---

type stubEngine struct {
	summaries []container.Summary
	err       error
	calls     int
}

func (s *stubEngine) List(ctx context.Context) ([]container.Summary, error) {
	s.calls++
	return s.summaries, s.err
}

func (s *stubEngine) Inspect(ctx context.Context, nameOrID string) (container.InspectResponse, error) {
	s.calls++
	return container.InspectResponse{}, s.err
}

func (s *stubEngine) Create(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error) {
	s.calls++
	return "cid", s.err
}

func (s *stubEngine) Start(ctx context.Context, nameOrID string) error {
	s.calls++
	return s.err
}

func (s *stubEngine) Stop(ctx context.Context, nameOrID string, timeoutSeconds int) error {
	s.calls++
	return s.err
}

func (s *stubEngine) Restart(ctx context.Context, nameOrID string, timeoutSeconds int) error {
	s.calls++
	return s.err
}

func (s *stubEngine) Remove(ctx context.Context, nameOrID string) error {
	s.calls++
	return s.err
}

func (s *stubEngine) Stats(ctx context.Context, nameOrID string) (*container.StatsResponse, error) {
	s.calls++
	return &container.StatsResponse{}, s.err
}

func (s *stubEngine) Ping(ctx context.Context) error {
	s.calls++
	return s.err
}

func TestInstrumentedEngine_Success(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &stubEngine{}

	e := NewInstrumentedEngine(inner, metrics, nil, nil)
	if err := e.Start(context.Background(), "iso-alpha"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("inner called %d times, want 1", inner.calls)
	}

	val := counterValue(t, metrics.Registry, "isolab_engine_operations_total", prometheus.Labels{"operation": "start", "status": "success"})
	if val != 1 {
		t.Errorf("operations_total = %v, want 1", val)
	}
}

func TestInstrumentedEngine_Error(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &stubEngine{err: errors.New("daemon unreachable")}

	e := NewInstrumentedEngine(inner, metrics, nil, nil)
	if err := e.Remove(context.Background(), "iso-alpha"); err == nil {
		t.Fatal("expected error")
	}

	val := counterValue(t, metrics.Registry, "isolab_engine_operations_total", prometheus.Labels{"operation": "remove", "status": "error"})
	if val != 1 {
		t.Errorf("error operations_total = %v, want 1", val)
	}
}

func TestInstrumentedEngine_NotFound(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &stubEngine{err: fmt.Errorf("inspecting container iso-gone: %w", sandbox.ErrNotFound)}

	e := NewInstrumentedEngine(inner, metrics, nil, nil)
	if _, err := e.Inspect(context.Background(), "iso-gone"); !errors.Is(err, sandbox.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}

	notFound := counterValue(t, metrics.Registry, "isolab_engine_operations_total", prometheus.Labels{"operation": "inspect", "status": "not_found"})
	if notFound != 1 {
		t.Errorf("not_found operations_total = %v, want 1", notFound)
	}
	errored := counterValue(t, metrics.Registry, "isolab_engine_operations_total", prometheus.Labels{"operation": "inspect", "status": "error"})
	if errored != 0 {
		t.Errorf("error operations_total = %v, want 0", errored)
	}
}

func TestInstrumentedEngine_ListUpdatesGauge(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &stubEngine{summaries: []container.Summary{
		{ID: "a", State: "running"},
		{ID: "b", State: "exited"},
		{ID: "c", State: "running"},
	}}

	e := NewInstrumentedEngine(inner, metrics, nil, nil)
	if _, err := e.List(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	val := gaugeValue(t, metrics.Registry, "isolab_labs_running")
	if val != 2 {
		t.Errorf("labs_running = %v, want 2", val)
	}
}

func TestInstrumentedEngine_NilMetrics(t *testing.T) {
	inner := &stubEngine{}

	// nil metrics should not panic.
	e := NewInstrumentedEngine(inner, nil, nil, nil)
	if err := e.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("inner called %d times, want 1", inner.calls)
	}
}

// --- InstrumentedApplier (wrapper) ---

type stubApplier struct {
	applyErr error
	clearErr error
}

func (s *stubApplier) Apply(ctx context.Context, name string, mode netmode.Mode) error {
	return s.applyErr
}

func (s *stubApplier) Clear(ctx context.Context, name string) error {
	return s.clearErr
}

func TestInstrumentedApplier_RecordsOutcomes(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &stubApplier{clearErr: errors.New("helper exited 1")}

	a := NewInstrumentedApplier(inner, metrics, nil)
	if err := a.Apply(context.Background(), "alpha", netmode.ModeWeb); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.Clear(context.Background(), "alpha"); err == nil {
		t.Fatal("expected error")
	}

	applied := counterValue(t, metrics.Registry, "isolab_netpolicy_operations_total", prometheus.Labels{"operation": "apply", "status": "success"})
	if applied != 1 {
		t.Errorf("apply success = %v, want 1", applied)
	}
	cleared := counterValue(t, metrics.Registry, "isolab_netpolicy_operations_total", prometheus.Labels{"operation": "clear", "status": "error"})
	if cleared != 1 {
		t.Errorf("clear error = %v, want 1", cleared)
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	val := counterValue(t, metrics.Registry, "isolab_http_requests_total", prometheus.Labels{"method": "GET", "path": "/test", "status_code": "200"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_CapturesStatus(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such lab", http.StatusNotFound)
	}))

	req := httptest.NewRequest("POST", "/api/lab/ghost/start", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := counterValue(t, metrics.Registry, "isolab_http_requests_total", prometheus.Labels{"method": "POST", "path": "/api/lab/ghost/start", "status_code": "404"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	// Should not panic with nil metrics.
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

// --- Helpers ---

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

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name && len(f.GetMetric()) > 0 {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return 0
}
