package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets      = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	executionDurationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900}
	bodySizeBuckets          = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the orchestration core.
// Every Record helper is safe to call on a nil *Metrics, so components can be
// constructed without instrumentation in tests.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Event bus metrics
	EventsPublishedTotal        *prometheus.CounterVec
	EventHandlerFailuresTotal   *prometheus.CounterVec
	EventBusActiveSubscriptions prometheus.Gauge

	// Workflow metrics
	WorkflowStartsTotal      *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowActiveExecutions *prometheus.GaugeVec
	WorkflowDuration         *prometheus.HistogramVec
	WorkflowCancelRequests   *prometheus.CounterVec

	// Approval metrics
	ApprovalRequestsTotal  *prometheus.CounterVec
	ApprovalDecisionsTotal *prometheus.CounterVec

	// Bulk metrics
	BulkOperationsTotal    *prometheus.CounterVec
	BulkItemsTotal         *prometheus.CounterVec
	BulkCompensationsTotal *prometheus.CounterVec
	BulkOperationDuration  *prometheus.HistogramVec

	// Collaboration metrics
	LockAttemptsTotal *prometheus.CounterVec
	LocksExpiredTotal prometheus.Counter
	ActiveSessions    prometheus.Gauge

	// State metrics
	StateWritesTotal       *prometheus.CounterVec
	StateConflictsResolved *prometheus.CounterVec

	// Analytics metrics
	CorrelationsComputedTotal prometheus.Counter
	InsightsGeneratedTotal    *prometheus.CounterVec
	PredictionsTotal          *prometheus.CounterVec

	// System metrics
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "core_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "core_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "core_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "core_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Event bus
		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "core_eventbus_published_total",
			Help: "Total number of events published.",
		}, []string{"topic"}),
		EventHandlerFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "core_eventbus_handler_failures_total",
			Help: "Total number of subscriber handler panics.",
		}, []string{"topic"}),
		EventBusActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "core_eventbus_active_subscriptions",
			Help: "Number of active event bus subscriptions.",
		}),

		// Workflows
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "core_workflow_starts_total",
			Help: "Total number of workflow executions started.",
		}, []string{"workflow_type"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "core_workflow_completions_total",
			Help: "Total number of workflow executions reaching a terminal status.",
		}, []string{"workflow_type", "final_status"}),
		WorkflowActiveExecutions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "core_workflow_active_executions",
			Help: "Number of running workflow executions.",
		}, []string{"workflow_type"}),
		WorkflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "core_workflow_duration_seconds",
			Help:    "Workflow execution duration in seconds.",
			Buckets: executionDurationBuckets,
		}, []string{"workflow_type"}),
		WorkflowCancelRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "core_workflow_cancel_requests_total",
			Help: "Total number of accepted cancellation requests.",
		}, []string{"workflow_type"}),

		// Approvals
		ApprovalRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "core_approval_requests_total",
			Help: "Total number of approval requests created.",
		}, []string{"type", "priority"}),
		ApprovalDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "core_approval_decisions_total",
			Help: "Total number of approval requests finalized.",
		}, []string{"type", "decision"}),

		// Bulk
		BulkOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "core_bulk_operations_total",
			Help: "Total number of bulk operations finished.",
		}, []string{"type", "final_status"}),
		BulkItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "core_bulk_items_total",
			Help: "Total number of bulk items processed.",
		}, []string{"type", "outcome"}),
		BulkCompensationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "core_bulk_compensations_total",
			Help: "Total number of compensation attempts.",
		}, []string{"type", "outcome"}),
		BulkOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "core_bulk_operation_duration_seconds",
			Help:    "Bulk operation duration in seconds.",
			Buckets: executionDurationBuckets,
		}, []string{"type"}),

		// Collaboration
		LockAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "core_collaboration_lock_attempts_total",
			Help: "Total number of lock attempts.",
		}, []string{"outcome"}),
		LocksExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "core_collaboration_locks_expired_total",
			Help: "Total number of locks removed by the expiry sweeper.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "core_collaboration_active_sessions",
			Help: "Number of active collaboration sessions.",
		}),

		// State
		StateWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "core_state_writes_total",
			Help: "Total number of versioned state writes.",
		}, []string{"namespace", "outcome"}),
		StateConflictsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "core_state_conflicts_resolved_total",
			Help: "Total number of state conflicts resolved.",
		}, []string{"strategy"}),

		// Analytics
		CorrelationsComputedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "core_analytics_correlations_total",
			Help: "Total number of pairwise correlations computed.",
		}),
		InsightsGeneratedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "core_analytics_insights_total",
			Help: "Total number of insights generated.",
		}, []string{"impact"}),
		PredictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "core_analytics_predictions_total",
			Help: "Total number of predictions served.",
		}, []string{"model"}),

		// System
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "core_definition_reload_total",
			Help: "Total definition reloads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "core_definitions_loaded",
			Help: "Number of loaded workflow type definitions.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Event bus
		m.EventsPublishedTotal,
		m.EventHandlerFailuresTotal,
		m.EventBusActiveSubscriptions,
		// Workflows
		m.WorkflowStartsTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowActiveExecutions,
		m.WorkflowDuration,
		m.WorkflowCancelRequests,
		// Approvals
		m.ApprovalRequestsTotal,
		m.ApprovalDecisionsTotal,
		// Bulk
		m.BulkOperationsTotal,
		m.BulkItemsTotal,
		m.BulkCompensationsTotal,
		m.BulkOperationDuration,
		// Collaboration
		m.LockAttemptsTotal,
		m.LocksExpiredTotal,
		m.ActiveSessions,
		// State
		m.StateWritesTotal,
		m.StateConflictsResolved,
		// Analytics
		m.CorrelationsComputedTotal,
		m.InsightsGeneratedTotal,
		m.PredictionsTotal,
		// System
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordEventPublished records an accepted publish.
func (m *Metrics) RecordEventPublished(topic string) {
	if m == nil {
		return
	}
	m.EventsPublishedTotal.WithLabelValues(topic).Inc()
}

// RecordEventHandlerFailure records a subscriber handler panic.
func (m *Metrics) RecordEventHandlerFailure(topic string) {
	if m == nil {
		return
	}
	m.EventHandlerFailuresTotal.WithLabelValues(topic).Inc()
}

// SetActiveSubscriptions sets the number of live subscriptions.
func (m *Metrics) SetActiveSubscriptions(n int) {
	if m == nil {
		return
	}
	m.EventBusActiveSubscriptions.Set(float64(n))
}

// RecordWorkflowStart records a workflow start.
func (m *Metrics) RecordWorkflowStart(workflowType string) {
	if m == nil {
		return
	}
	m.WorkflowStartsTotal.WithLabelValues(workflowType).Inc()
	m.WorkflowActiveExecutions.WithLabelValues(workflowType).Inc()
}

// RecordWorkflowCompletion records a workflow reaching a terminal status.
func (m *Metrics) RecordWorkflowCompletion(workflowType, finalStatus string, duration time.Duration) {
	if m == nil {
		return
	}
	m.WorkflowCompletionsTotal.WithLabelValues(workflowType, finalStatus).Inc()
	m.WorkflowActiveExecutions.WithLabelValues(workflowType).Dec()
	m.WorkflowDuration.WithLabelValues(workflowType).Observe(duration.Seconds())
}

// RecordWorkflowCancelRequest records an accepted cancellation request.
func (m *Metrics) RecordWorkflowCancelRequest(workflowType string) {
	if m == nil {
		return
	}
	m.WorkflowCancelRequests.WithLabelValues(workflowType).Inc()
}

// RecordApprovalRequest records a newly created approval request.
func (m *Metrics) RecordApprovalRequest(requestType, priority string) {
	if m == nil {
		return
	}
	m.ApprovalRequestsTotal.WithLabelValues(requestType, priority).Inc()
}

// RecordApprovalDecision records a request reaching approved or rejected.
func (m *Metrics) RecordApprovalDecision(requestType, decision string) {
	if m == nil {
		return
	}
	m.ApprovalDecisionsTotal.WithLabelValues(requestType, decision).Inc()
}

// RecordBulkItem records the outcome of one bulk item.
func (m *Metrics) RecordBulkItem(opType, outcome string) {
	if m == nil {
		return
	}
	m.BulkItemsTotal.WithLabelValues(opType, outcome).Inc()
}

// RecordBulkCompensation records one compensation attempt.
func (m *Metrics) RecordBulkCompensation(opType string, success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.BulkCompensationsTotal.WithLabelValues(opType, outcome).Inc()
}

// RecordBulkOperation records a finished bulk operation.
func (m *Metrics) RecordBulkOperation(opType, finalStatus string, duration time.Duration) {
	if m == nil {
		return
	}
	m.BulkOperationsTotal.WithLabelValues(opType, finalStatus).Inc()
	m.BulkOperationDuration.WithLabelValues(opType).Observe(duration.Seconds())
}

// RecordLockAttempt records a lock attempt outcome (acquired, renewed, denied).
func (m *Metrics) RecordLockAttempt(outcome string) {
	if m == nil {
		return
	}
	m.LockAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordLocksExpired records locks removed by the sweeper.
func (m *Metrics) RecordLocksExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.LocksExpiredTotal.Add(float64(n))
}

// SetActiveSessions sets the number of active collaboration sessions.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// RecordStateWrite records a state write outcome (written, conflict).
func (m *Metrics) RecordStateWrite(namespace, outcome string) {
	if m == nil {
		return
	}
	m.StateWritesTotal.WithLabelValues(namespace, outcome).Inc()
}

// RecordConflictResolved records a resolved state conflict.
func (m *Metrics) RecordConflictResolved(strategy string) {
	if m == nil {
		return
	}
	m.StateConflictsResolved.WithLabelValues(strategy).Inc()
}

// RecordCorrelations records n computed pairwise correlations.
func (m *Metrics) RecordCorrelations(n int) {
	if m == nil {
		return
	}
	m.CorrelationsComputedTotal.Add(float64(n))
}

// RecordInsight records a generated insight.
func (m *Metrics) RecordInsight(impact string) {
	if m == nil {
		return
	}
	m.InsightsGeneratedTotal.WithLabelValues(impact).Inc()
}

// RecordPrediction records a served prediction.
func (m *Metrics) RecordPrediction(model string) {
	if m == nil {
		return
	}
	m.PredictionsTotal.WithLabelValues(model).Inc()
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	if m == nil {
		return
	}
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definitions.
func (m *Metrics) SetDefinitionsLoaded(count int) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(float64(count))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// statusRecorder captures the status code and body size written by a
// handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status, w.wroteHeader = code, true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
