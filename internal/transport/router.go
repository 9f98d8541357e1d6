package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/seiforesti/data-wave-sub007/internal/analytics"
	"github.com/seiforesti/data-wave-sub007/internal/approval"
	"github.com/seiforesti/data-wave-sub007/internal/bulk"
	"github.com/seiforesti/data-wave-sub007/internal/collaboration"
	"github.com/seiforesti/data-wave-sub007/internal/config"
	"github.com/seiforesti/data-wave-sub007/internal/observability"
	"github.com/seiforesti/data-wave-sub007/internal/state"
	"github.com/seiforesti/data-wave-sub007/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
// A nil component leaves its routes unmounted.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Gatherer     prometheus.Gatherer
	Authenticate func(http.Handler) http.Handler
	Readiness    observability.ReadinessChecks

	Workflows     *workflow.Engine
	Approvals     *approval.System
	Bulk          *bulk.Executor
	Collaboration *collaboration.Manager
	State         *state.Manager
	Analytics     *analytics.Engine
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Defaults()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(deps.Metrics.MetricsMiddleware)
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, cfg.Observability.Metrics.Path, observability.Handler(deps.Gatherer))
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext)
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		if e := deps.Workflows; e != nil {
			r.Get("/workflows", handleWorkflowTypes(e))
			r.Post("/workflows/{type}/executions", handleWorkflowTrigger(e))
			r.Get("/executions", handleExecutionList(e))
			r.Get("/executions/{id}", handleExecutionGet(e))
			r.Get("/executions/{id}/history", handleExecutionHistory(e))
			r.Post("/executions/{id}/cancel", handleExecutionCancel(e))
		}

		if s := deps.Approvals; s != nil {
			r.Post("/approvals", handleApprovalCreate(s))
			r.Get("/approvals", handleApprovalList(s))
			r.Get("/approvals/{id}", handleApprovalGet(s))
			r.Post("/approvals/{id}/approve", handleApprovalApprove(s))
			r.Post("/approvals/{id}/reject", handleApprovalReject(s))
		}

		if b := deps.Bulk; b != nil {
			r.Get("/bulk", handleBulkList(b))
			r.Get("/bulk/{id}", handleBulkGet(b))
			r.Post("/bulk/workflows/{type}", handleBulkWorkflow(b))
		}

		if m := deps.Collaboration; m != nil {
			r.Post("/sessions", handleSessionCreate(m))
			r.Get("/sessions", handleSessionList(m))
			r.Get("/sessions/{id}", handleSessionGet(m))
			r.Post("/sessions/{id}/join", handleSessionJoin(m))
			r.Post("/sessions/{id}/leave", handleSessionLeave(m))
			r.Post("/sessions/{id}/end", handleSessionEnd(m))
			r.Get("/sessions/{id}/locks", handleLockList(m))
			r.Post("/sessions/{id}/locks", handleLockAcquire(m))
			r.Post("/sessions/{id}/locks/{resourceId}/renew", handleLockRenew(m))
			r.Delete("/sessions/{id}/locks/{resourceId}", handleLockRelease(m))
		}

		if m := deps.State; m != nil {
			r.Get("/state/conflicts", handleConflictList(m))
			r.Get("/state/conflicts/{id}", handleConflictGet(m))
			r.Post("/state/conflicts/{id}/resolve", handleConflictResolve(m))
			r.Get("/state/{namespace}/{key}", handleStateGet(m))
			r.Put("/state/{namespace}/{key}", handleStatePut(m))
		}

		if e := deps.Analytics; e != nil {
			r.Post("/analytics/correlations", handleCorrelations(e))
			r.Post("/analytics/insights", handleInsights(e))
			r.Post("/analytics/predict", handlePredict(e))
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, r, "route not found")
	})

	return r
}
