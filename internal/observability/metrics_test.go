package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 0, 100)
	m.RecordEventPublished("workflow:execution:started")
	m.RecordEventHandlerFailure("workflow:execution:started")
	m.SetActiveSubscriptions(2)
	m.RecordWorkflowStart("scan")
	m.RecordWorkflowCompletion("scan", "completed", time.Second)
	m.RecordWorkflowCancelRequest("scan")
	m.RecordApprovalRequest("deploy", "high")
	m.RecordApprovalDecision("deploy", "approved")
	m.RecordBulkItem("tag", "succeeded")
	m.RecordBulkCompensation("tag", true)
	m.RecordBulkOperation("tag", "completed", time.Second)
	m.RecordLockAttempt("acquired")
	m.RecordLocksExpired(1)
	m.SetActiveSessions(1)
	m.RecordStateWrite("catalog", "written")
	m.RecordConflictResolved("manual")
	m.RecordCorrelations(3)
	m.RecordInsight("high")
	m.RecordPrediction("linear")
	m.RecordDefinitionReload("success")
	m.SetDefinitionsLoaded(5)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"core_http_requests_total",
		"core_http_request_duration_seconds",
		"core_http_request_size_bytes",
		"core_http_response_size_bytes",
		"core_eventbus_published_total",
		"core_eventbus_handler_failures_total",
		"core_eventbus_active_subscriptions",
		"core_workflow_starts_total",
		"core_workflow_completions_total",
		"core_workflow_active_executions",
		"core_workflow_duration_seconds",
		"core_workflow_cancel_requests_total",
		"core_approval_requests_total",
		"core_approval_decisions_total",
		"core_bulk_operations_total",
		"core_bulk_items_total",
		"core_bulk_compensations_total",
		"core_bulk_operation_duration_seconds",
		"core_collaboration_lock_attempts_total",
		"core_collaboration_locks_expired_total",
		"core_collaboration_active_sessions",
		"core_state_writes_total",
		"core_state_conflicts_resolved_total",
		"core_analytics_correlations_total",
		"core_analytics_insights_total",
		"core_analytics_predictions_total",
		"core_definition_reload_total",
		"core_definitions_loaded",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestMetrics_nilReceiver(t *testing.T) {
	var m *Metrics
	// None of these may panic.
	m.RecordWorkflowStart("scan")
	m.RecordWorkflowCompletion("scan", "failed", time.Second)
	m.RecordEventHandlerFailure("x")
	m.RecordBulkCompensation("tag", false)
	m.RecordLocksExpired(3)
	m.SetDefinitionsLoaded(1)
}

func TestRecordWorkflowLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordWorkflowStart("classification")
	if active := testutil.ToFloat64(m.WorkflowActiveExecutions.WithLabelValues("classification")); active != 1 {
		t.Errorf("active executions = %v, want 1", active)
	}

	m.RecordWorkflowCompletion("classification", "completed", 500*time.Millisecond)
	if active := testutil.ToFloat64(m.WorkflowActiveExecutions.WithLabelValues("classification")); active != 0 {
		t.Errorf("active executions after completion = %v, want 0", active)
	}
	if completions := testutil.ToFloat64(m.WorkflowCompletionsTotal.WithLabelValues("classification", "completed")); completions != 1 {
		t.Errorf("completions = %v, want 1", completions)
	}
	if count := testutil.CollectAndCount(m.WorkflowDuration); count == 0 {
		t.Error("expected workflow duration histogram to have observations")
	}
}

func TestRecordBulkCompensation(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordBulkCompensation("tag", true)
	m.RecordBulkCompensation("tag", false)
	m.RecordBulkCompensation("tag", false)

	if v := testutil.ToFloat64(m.BulkCompensationsTotal.WithLabelValues("tag", "success")); v != 1 {
		t.Errorf("successful compensations = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.BulkCompensationsTotal.WithLabelValues("tag", "failure")); v != 2 {
		t.Errorf("failed compensations = %v, want 2", v)
	}
}

func TestRecordLocksExpired_ignoresZero(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordLocksExpired(0)
	m.RecordLocksExpired(2)

	if v := testutil.ToFloat64(m.LocksExpiredTotal); v != 2 {
		t.Errorf("locks expired = %v, want 2", v)
	}
}

func TestRecordStateWrite(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordStateWrite("catalog", "written")
	m.RecordStateWrite("catalog", "conflict")
	m.RecordStateWrite("catalog", "conflict")

	if v := testutil.ToFloat64(m.StateWritesTotal.WithLabelValues("catalog", "conflict")); v != 2 {
		t.Errorf("conflicts = %v, want 2", v)
	}
}

func TestMetricsMiddleware_recordsRoutePattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/api/v1/executions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions/abc", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/executions/{id}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/api/v1/approvals", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/approvals", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/v1/approvals", "400"))
	if val != 1 {
		t.Errorf("400 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesRegistry(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordPrediction("naive")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "core_analytics_predictions_total") {
		t.Error("metrics response should contain core_analytics_predictions_total")
	}
}

func TestHistogramBuckets(t *testing.T) {
	for i := 1; i < len(executionDurationBuckets); i++ {
		if executionDurationBuckets[i] <= executionDurationBuckets[i-1] {
			t.Errorf("executionDurationBuckets not sorted at index %d", i)
		}
	}
}
