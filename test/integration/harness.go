// Package integration provides a reusable test harness for end-to-end
// testing of the orchestration service. It starts a full HTTP server backed
// by file-loaded workflow definitions, a Redis lock store (miniredis), the
// real event bus and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/seiforesti/data-wave-sub007/internal/analytics"
	"github.com/seiforesti/data-wave-sub007/internal/approval"
	"github.com/seiforesti/data-wave-sub007/internal/bulk"
	"github.com/seiforesti/data-wave-sub007/internal/collaboration"
	"github.com/seiforesti/data-wave-sub007/internal/config"
	"github.com/seiforesti/data-wave-sub007/internal/definition"
	"github.com/seiforesti/data-wave-sub007/internal/eventbus"
	"github.com/seiforesti/data-wave-sub007/internal/observability"
	"github.com/seiforesti/data-wave-sub007/internal/state"
	"github.com/seiforesti/data-wave-sub007/internal/transport"
	"github.com/seiforesti/data-wave-sub007/internal/workflow"
	"github.com/seiforesti/data-wave-sub007/model"
)

// TestHarness encapsulates a fully wired service instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Redis         *miniredis.Miniredis
	Bus           *eventbus.Bus
	Events        *EventRecorder
	Types         *definition.Registry
	Engine        *workflow.Engine
	Approvals     *approval.System
	Bulk          *bulk.Executor
	Collaboration *collaboration.Manager
	State         *state.Manager
	Metrics       *prometheus.Registry

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	executors      map[string]workflow.Executor
	handlerTimeout time.Duration
}

// WithDefinitions sets the definition directories to load.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithExecutor binds an executor to a file-declared workflow type. Types
// without one get an executor that echoes its params.
func WithExecutor(workflowType string, executor workflow.Executor) HarnessOption {
	return func(c *harnessConfig) {
		c.executors[workflowType] = executor
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full service instance. Everything is
// torn down when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		executors:      make(map[string]workflow.Executor),
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}
	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{filepath.Join(testdataDir(), "definitions")}
	}

	logger := zap.NewNop()
	h := &TestHarness{t: t, Metrics: prometheus.NewRegistry()}
	metrics := observability.InitMetrics(h.Metrics)

	// Step 1: Event bus with a recorder on every topic.
	h.Bus = eventbus.New(logger, eventbus.WithMetrics(metrics))
	h.Events = newEventRecorder()
	h.Bus.Subscribe("*", h.Events.record)

	// Step 2: Load and validate definitions.
	defs, err := definition.NewLoader().LoadAll(hc.definitionDirs)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	if verrs := definition.NewValidator().Validate(defs); len(verrs) > 0 {
		t.Fatalf("definition validation: %v", verrs)
	}
	h.Types = definition.NewRegistry()
	if err := h.Types.Replace(defs); err != nil {
		t.Fatalf("install definitions: %v", err)
	}

	// Step 3: Redis lock store on miniredis.
	h.Redis = miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	// Step 4: Components.
	h.Engine = workflow.NewEngine(h.Types, workflow.NewMemoryExecutionStore(), h.Bus, logger, workflow.WithMetrics(metrics))
	for _, spec := range h.Types.Types() {
		executor, ok := hc.executors[spec.Type]
		if !ok {
			executor = echoExecutor
		}
		h.Engine.RegisterExecutor(spec.Type, executor)
	}
	h.Approvals = approval.NewSystem(h.Engine, h.Bus, logger, approval.WithMetrics(metrics))
	h.Bulk = bulk.NewExecutor(h.Bus, logger, bulk.WithMetrics(metrics), bulk.WithWorkflows(h.Engine))
	h.Collaboration = collaboration.NewManager(collaboration.NewRedisLockStore(client, "itest"), h.Bus, logger,
		collaboration.WithMetrics(metrics))
	h.State = state.NewManager(state.NewMemoryStore(), h.Bus, logger, state.WithMetrics(metrics))
	correlations := analytics.NewEngine(h.Bus, logger, analytics.WithMetrics(metrics))

	// Step 5: JWT issuer and config.
	h.issuer = newTokenIssuer(t)
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity = config.IdentityConfig{
		Issuer:       h.issuer.Issuer(),
		Audience:     h.issuer.Audience(),
		JWKSURL:      h.issuer.JWKSURL(),
		JWKSCacheTTL: time.Hour,
		Algorithms:   []string{"RS256"},
	}

	// Step 6: Router with the full middleware chain.
	authenticate, err := transport.NewAuthenticator(h.cfg.Identity, logger)
	if err != nil {
		t.Fatalf("build authenticator: %v", err)
	}
	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Logger:       logger,
		Metrics:      metrics,
		Gatherer:     h.Metrics,
		Authenticate: authenticate,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return h.Types.Len() > 0 },
			LockStore:         h.Collaboration,
			ExecutionStore:    h.Engine,
		},
		Workflows:     h.Engine,
		Approvals:     h.Approvals,
		Bulk:          h.Bulk,
		Collaboration: h.Collaboration,
		State:         h.State,
		Analytics:     correlations,
	})

	// Step 7: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Bulk.Close(ctx)
		_ = h.Engine.Close(ctx)
		h.Bus.Close()
	})

	return h
}

func echoExecutor(_ context.Context, exec model.WorkflowExecution) (map[string]any, error) {
	return map[string]any{"echo": exec.Params}, nil
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GenerateForeignToken creates a JWT signed by a key the service does not
// trust.
func (h *TestHarness) GenerateForeignToken(claims TestClaims) string {
	return h.issuer.GenerateForeignToken(claims)
}

// WaitExecution blocks until the execution is terminal.
func (h *TestHarness) WaitExecution(id string) model.WorkflowExecution {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := h.Engine.Wait(ctx, id)
	if err != nil {
		h.t.Fatalf("wait for execution %s: %v", id, err)
	}
	return exec
}

// WaitBulk blocks until the bulk operation is terminal.
func (h *TestHarness) WaitBulk(id string) model.BulkOperation {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	op, err := h.Bulk.Wait(ctx, id)
	if err != nil {
		h.t.Fatalf("wait for bulk operation %s: %v", id, err)
	}
	return op
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("PUT", path, body, token, nil)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("DELETE", path, nil, token, nil)
}

// Do performs a request with additional headers.
func (h *TestHarness) Do(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(method, path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and the envelope code of an error response.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
}

// --- Event recording ---

// EventRecorder keeps every event delivered by the bus.
type EventRecorder struct {
	mu     sync.Mutex
	events []model.Event
	notify chan struct{}
}

func newEventRecorder() *EventRecorder {
	return &EventRecorder{notify: make(chan struct{}, 1)}
}

func (r *EventRecorder) record(event model.Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// Matching returns recorded events on topic whose payload matches every
// key in where.
func (r *EventRecorder) Matching(topic string, where map[string]any) []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, e := range r.events {
		if e.Topic != topic {
			continue
		}
		match := true
		for k, v := range where {
			if fmt.Sprint(e.Payload[k]) != fmt.Sprint(v) {
				match = false
				break
			}
		}
		if match {
			out = append(out, e)
		}
	}
	return out
}

// WaitFor blocks until an event matching topic and where arrives.
func (r *EventRecorder) WaitFor(t *testing.T, topic string, where map[string]any) model.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if found := r.Matching(topic, where); len(found) > 0 {
			return found[0]
		}
		select {
		case <-r.notify:
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no %s event matching %v", topic, where)
			return model.Event{}
		}
	}
}

// --- Default test claims ---

// StewardClaims returns TestClaims for a data steward.
func StewardClaims(subject string) TestClaims {
	return TestClaims{
		SubjectID: subject,
		TenantID:  "acme-corp",
	}
}

// OwnerClaims returns TestClaims for a data owner who files requests.
func OwnerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-owner",
		TenantID:  "acme-corp",
	}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
