package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/seiforesti/data-wave-sub007/internal/definition"
	"github.com/seiforesti/data-wave-sub007/internal/observability"
	"github.com/seiforesti/data-wave-sub007/model"
)

// --- Test helpers ---

// capturePublisher records published events.
type capturePublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *capturePublisher) Publish(topic string, payload map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, model.Event{Topic: topic, Payload: payload})
}

func (p *capturePublisher) byTopic(topic string) []model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.Event
	for _, e := range p.events {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *capturePublisher, *MemoryExecutionStore) {
	t.Helper()
	pub := &capturePublisher{}
	store := NewMemoryExecutionStore()
	e := NewEngine(definition.NewRegistry(), store, pub, zap.NewNop(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e, pub, store
}

func waitTerminal(t *testing.T, e *Engine, id string) model.WorkflowExecution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := e.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s) error = %v", id, err)
	}
	return exec
}

func statuses(history []model.ExecutionTransition) []string {
	out := make([]string, len(history))
	for i, h := range history {
		out[i] = h.To
	}
	return out
}

func mustRegister(t *testing.T, e *Engine, def model.WorkflowTypeDefinition, exec Executor) {
	t.Helper()
	if def.Name == "" {
		def.Name = def.Type
	}
	if err := e.Register(def, exec); err != nil {
		t.Fatalf("Register(%s) error = %v", def.Type, err)
	}
}

// --- Trigger ---

func TestEngine_TriggerWorkflow_completes(t *testing.T) {
	e, pub, _ := newTestEngine(t)
	mustRegister(t, e, model.WorkflowTypeDefinition{Type: "sync"}, func(_ context.Context, exec model.WorkflowExecution) (map[string]any, error) {
		return map[string]any{"synced": exec.Params["id"]}, nil
	})

	id, err := e.TriggerWorkflow(context.Background(), "sync", map[string]any{"id": 7})
	if err != nil {
		t.Fatalf("TriggerWorkflow() error = %v", err)
	}

	exec := waitTerminal(t, e, id)
	if exec.Status != model.ExecutionStatusCompleted {
		t.Fatalf("Status = %s, want completed", exec.Status)
	}
	if exec.Result["synced"] != 7 {
		t.Errorf("Result = %v, want synced=7", exec.Result)
	}
	if exec.EndedAt == nil {
		t.Error("EndedAt = nil on terminal execution")
	}

	history, err := e.History(context.Background(), id)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	got := statuses(history)
	want := []string{"pending", "running", "completed"}
	if len(got) != len(want) {
		t.Fatalf("history = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("history = %v, want %v", got, want)
		}
	}

	if len(pub.byTopic(model.TopicExecutionStarted)) != 1 {
		t.Error("started event not published")
	}
	completed := pub.byTopic(model.TopicExecutionCompleted)
	if len(completed) != 1 {
		t.Fatalf("completed events = %d, want 1", len(completed))
	}
	if completed[0].Payload["executionId"] != id {
		t.Errorf("executionId = %v, want %s", completed[0].Payload["executionId"], id)
	}
	result, ok := completed[0].Payload["result"].(map[string]any)
	if !ok || result["synced"] != 7 {
		t.Errorf("result payload = %v", completed[0].Payload["result"])
	}
}

func TestEngine_TriggerWorkflow_unknownType(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.TriggerWorkflow(context.Background(), "nope", nil)
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

func TestEngine_TriggerWorkflow_schemaValidation(t *testing.T) {
	e, _, store := newTestEngine(t)
	mustRegister(t, e, model.WorkflowTypeDefinition{
		Type: "data_source_creation",
		ParamsSchema: map[string]any{
			"type":       "object",
			"required":   []any{"id"},
			"properties": map[string]any{"id": map[string]any{"type": "integer"}},
		},
	}, func(context.Context, model.WorkflowExecution) (map[string]any, error) { return nil, nil })

	_, err := e.TriggerWorkflow(context.Background(), "data_source_creation", map[string]any{"name": "x"})
	if !model.IsCode(err, model.ErrValidationError) {
		t.Fatalf("error = %v, want VALIDATION_ERROR", err)
	}
	if store.Len() != 0 {
		t.Errorf("execution created despite invalid params")
	}
}

func TestEngine_TriggerWorkflow_actorFromContext(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustRegister(t, e, model.WorkflowTypeDefinition{Type: "sync"}, func(context.Context, model.WorkflowExecution) (map[string]any, error) {
		return nil, nil
	})

	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{SubjectID: "alice"})
	id, err := e.TriggerWorkflow(ctx, "sync", nil)
	if err != nil {
		t.Fatalf("TriggerWorkflow() error = %v", err)
	}
	if exec := waitTerminal(t, e, id); exec.TriggeredBy != "alice" {
		t.Errorf("TriggeredBy = %q, want alice", exec.TriggeredBy)
	}
}

// --- Failure ---

func TestEngine_executorError_fails(t *testing.T) {
	e, pub, _ := newTestEngine(t)
	mustRegister(t, e, model.WorkflowTypeDefinition{Type: "sync"}, func(context.Context, model.WorkflowExecution) (map[string]any, error) {
		return nil, errors.New("upstream unavailable")
	})

	id, err := e.TriggerWorkflow(context.Background(), "sync", nil)
	if err != nil {
		t.Fatalf("TriggerWorkflow() error = %v, executor failures must not surface", err)
	}
	exec := waitTerminal(t, e, id)
	if exec.Status != model.ExecutionStatusFailed || exec.Error != "upstream unavailable" {
		t.Errorf("exec = %s %q, want failed with executor error", exec.Status, exec.Error)
	}
	failed := pub.byTopic(model.TopicExecutionFailed)
	if len(failed) != 1 || failed[0].Payload["error"] != "upstream unavailable" {
		t.Errorf("failed events = %+v", failed)
	}
	if len(pub.byTopic(model.TopicExecutionCompleted)) != 0 {
		t.Error("completed event published for a failed execution")
	}
}

func TestEngine_executorPanic_fails(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustRegister(t, e, model.WorkflowTypeDefinition{Type: "sync"}, func(context.Context, model.WorkflowExecution) (map[string]any, error) {
		panic("boom")
	})

	id, _ := e.TriggerWorkflow(context.Background(), "sync", nil)
	exec := waitTerminal(t, e, id)
	if exec.Status != model.ExecutionStatusFailed {
		t.Errorf("Status = %s, want failed", exec.Status)
	}
}

func TestEngine_timeout_fails(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustRegister(t, e, model.WorkflowTypeDefinition{Type: "slow", Timeout: "20ms"}, func(ctx context.Context, _ model.WorkflowExecution) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	id, _ := e.TriggerWorkflow(context.Background(), "slow", nil)
	exec := waitTerminal(t, e, id)
	if exec.Status != model.ExecutionStatusFailed {
		t.Fatalf("Status = %s, want failed", exec.Status)
	}
	if exec.Error != "timed out after 20ms" {
		t.Errorf("Error = %q", exec.Error)
	}
}

func TestEngine_defaultTimeout(t *testing.T) {
	e, _, _ := newTestEngine(t, WithDefaultTimeout(20*time.Millisecond))
	mustRegister(t, e, model.WorkflowTypeDefinition{Type: "slow"}, func(ctx context.Context, _ model.WorkflowExecution) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	id, _ := e.TriggerWorkflow(context.Background(), "slow", nil)
	if exec := waitTerminal(t, e, id); exec.Status != model.ExecutionStatusFailed {
		t.Errorf("Status = %s, want failed", exec.Status)
	}
}

// --- Cancel ---

func TestEngine_CancelExecution_cooperative(t *testing.T) {
	e, pub, _ := newTestEngine(t)
	started := make(chan struct{})
	mustRegister(t, e, model.WorkflowTypeDefinition{Type: "scan", Cancellable: true}, func(ctx context.Context, _ model.WorkflowExecution) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	id, _ := e.TriggerWorkflow(context.Background(), "scan", nil)
	<-started

	flagged, err := e.CancelExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("CancelExecution() error = %v", err)
	}
	if !flagged.CancelRequested {
		t.Error("CancelRequested = false after CancelExecution()")
	}

	exec := waitTerminal(t, e, id)
	if exec.Status != model.ExecutionStatusCancelled {
		t.Errorf("Status = %s, want cancelled", exec.Status)
	}
	if len(pub.byTopic(model.TopicExecutionCancelled)) != 1 {
		t.Error("cancelled event not published")
	}
}

func TestEngine_CancelExecution_uncooperativeRunsToCompletion(t *testing.T) {
	e, _, _ := newTestEngine(t)
	started := make(chan struct{})
	release := make(chan struct{})
	mustRegister(t, e, model.WorkflowTypeDefinition{Type: "scan", Cancellable: true}, func(context.Context, model.WorkflowExecution) (map[string]any, error) {
		close(started)
		<-release
		return map[string]any{"rows": 10}, nil
	})

	id, _ := e.TriggerWorkflow(context.Background(), "scan", nil)
	<-started
	if _, err := e.CancelExecution(context.Background(), id); err != nil {
		t.Fatalf("CancelExecution() error = %v", err)
	}

	running, _ := e.GetExecution(context.Background(), id)
	if running.Status != model.ExecutionStatusRunning {
		t.Errorf("Status = %s, want running until the executor returns", running.Status)
	}

	close(release)
	if exec := waitTerminal(t, e, id); exec.Status != model.ExecutionStatusCompleted {
		t.Errorf("Status = %s, want completed", exec.Status)
	}
}

func TestEngine_CancelExecution_notCancellable(t *testing.T) {
	e, _, _ := newTestEngine(t)
	release := make(chan struct{})
	mustRegister(t, e, model.WorkflowTypeDefinition{Type: "deletion", Cancellable: false}, func(context.Context, model.WorkflowExecution) (map[string]any, error) {
		<-release
		return nil, nil
	})

	id, _ := e.TriggerWorkflow(context.Background(), "deletion", nil)
	_, err := e.CancelExecution(context.Background(), id)
	if !model.IsCode(err, model.ErrNotCancellable) {
		t.Errorf("error = %v, want NOT_CANCELLABLE", err)
	}
	close(release)
	waitTerminal(t, e, id)
}

func TestEngine_CancelExecution_terminal(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustRegister(t, e, model.WorkflowTypeDefinition{Type: "sync", Cancellable: true}, func(context.Context, model.WorkflowExecution) (map[string]any, error) {
		return nil, nil
	})

	id, _ := e.TriggerWorkflow(context.Background(), "sync", nil)
	waitTerminal(t, e, id)

	_, err := e.CancelExecution(context.Background(), id)
	if !model.IsCode(err, model.ErrAlreadyFinalized) {
		t.Errorf("error = %v, want ALREADY_FINALIZED", err)
	}
}

func TestEngine_CancelExecution_pending(t *testing.T) {
	e, pub, store := newTestEngine(t)
	e.RegisterExecutor("sync", func(context.Context, model.WorkflowExecution) (map[string]any, error) { return nil, nil })

	// Left pending by a replica that crashed before starting it.
	_ = store.Create(context.Background(), testExecution("ex-p", "sync", model.ExecutionStatusPending, time.Now().UTC()))

	exec, err := e.CancelExecution(context.Background(), "ex-p")
	if err != nil {
		t.Fatalf("CancelExecution() error = %v", err)
	}
	if exec.Status != model.ExecutionStatusCancelled || exec.EndedAt == nil {
		t.Errorf("exec = %+v, want cancelled with EndedAt", exec)
	}
	if len(pub.byTopic(model.TopicExecutionCancelled)) != 1 {
		t.Error("cancelled event not published")
	}
}

func TestEngine_CancelExecution_notFound(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if _, err := e.CancelExecution(context.Background(), "missing"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

// --- Registration ---

func TestEngine_RegisterExecutor_fileDefinition(t *testing.T) {
	types := definition.NewRegistry()
	err := types.Replace([]model.DomainDefinition{{
		Domain:    "compliance",
		Version:   "1",
		Workflows: []model.WorkflowTypeDefinition{{Type: "compliance_scan", Name: "Scan", Cancellable: false}},
	}})
	if err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	e := NewEngine(types, NewMemoryExecutionStore(), nil, nil)
	e.RegisterExecutor("compliance_scan", func(context.Context, model.WorkflowExecution) (map[string]any, error) { return nil, nil })

	spec, ok := e.Lookup("compliance_scan")
	if !ok || spec.Domain != "compliance" || spec.Cancellable {
		t.Errorf("Lookup() = (%+v, %v), want the file definition", spec, ok)
	}
	if _, ok := e.Lookup("unregistered"); ok {
		t.Error("Lookup() found a type without executor")
	}
	if len(e.Types()) != 1 {
		t.Errorf("Types() = %d, want 1", len(e.Types()))
	}
}

func TestEngine_Register_requiresExecutor(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if err := e.Register(model.WorkflowTypeDefinition{Type: "x"}, nil); !model.IsCode(err, model.ErrValidationError) {
		t.Errorf("error = %v, want VALIDATION_ERROR", err)
	}
}

// --- Listing and waiting ---

func TestEngine_ListExecutions(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustRegister(t, e, model.WorkflowTypeDefinition{Type: "ok"}, func(context.Context, model.WorkflowExecution) (map[string]any, error) {
		return nil, nil
	})
	mustRegister(t, e, model.WorkflowTypeDefinition{Type: "bad"}, func(context.Context, model.WorkflowExecution) (map[string]any, error) {
		return nil, errors.New("nope")
	})

	for _, typ := range []string{"ok", "ok", "bad"} {
		id, err := e.TriggerWorkflow(context.Background(), typ, nil)
		if err != nil {
			t.Fatalf("TriggerWorkflow() error = %v", err)
		}
		waitTerminal(t, e, id)
	}

	failed, err := e.ListExecutions(context.Background(), model.ExecutionFilters{Status: model.ExecutionStatusFailed})
	if err != nil {
		t.Fatalf("ListExecutions() error = %v", err)
	}
	if len(failed) != 1 || failed[0].Type != "bad" {
		t.Errorf("failed = %v", ids(failed))
	}
	okOnes, _ := e.ListExecutions(context.Background(), model.ExecutionFilters{Type: "ok"})
	if len(okOnes) != 2 {
		t.Errorf("ok executions = %d, want 2", len(okOnes))
	}
	none, _ := e.ListExecutions(context.Background(), model.ExecutionFilters{Type: "missing"})
	if none == nil || len(none) != 0 {
		t.Errorf("ListExecutions(missing) = %v, want empty slice", none)
	}
}

func TestEngine_Wait_contextDone(t *testing.T) {
	e, _, _ := newTestEngine(t)
	release := make(chan struct{})
	defer close(release)
	mustRegister(t, e, model.WorkflowTypeDefinition{Type: "hang"}, func(context.Context, model.WorkflowExecution) (map[string]any, error) {
		<-release
		return nil, nil
	})

	id, _ := e.TriggerWorkflow(context.Background(), "hang", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := e.Wait(ctx, id); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want deadline exceeded", err)
	}
}

func TestEngine_concurrentExecutionsAreIndependent(t *testing.T) {
	e, _, _ := newTestEngine(t)
	mustRegister(t, e, model.WorkflowTypeDefinition{Type: "echo"}, func(_ context.Context, exec model.WorkflowExecution) (map[string]any, error) {
		return map[string]any{"n": exec.Params["n"]}, nil
	})

	const n = 20
	idsByN := make(map[int]string, n)
	for i := 0; i < n; i++ {
		id, err := e.TriggerWorkflow(context.Background(), "echo", map[string]any{"n": i})
		if err != nil {
			t.Fatalf("TriggerWorkflow() error = %v", err)
		}
		idsByN[i] = id
	}
	for i, id := range idsByN {
		exec := waitTerminal(t, e, id)
		if exec.Result["n"] != i {
			t.Errorf("execution %s result = %v, want n=%d", id, exec.Result, i)
		}
	}
}

// --- State machine ---

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{model.ExecutionStatusPending, model.ExecutionStatusRunning, true},
		{model.ExecutionStatusPending, model.ExecutionStatusCancelled, true},
		{model.ExecutionStatusPending, model.ExecutionStatusCompleted, false},
		{model.ExecutionStatusRunning, model.ExecutionStatusCompleted, true},
		{model.ExecutionStatusRunning, model.ExecutionStatusFailed, true},
		{model.ExecutionStatusRunning, model.ExecutionStatusCancelled, true},
		{model.ExecutionStatusRunning, model.ExecutionStatusPending, false},
		{model.ExecutionStatusCompleted, model.ExecutionStatusFailed, false},
		{model.ExecutionStatusFailed, model.ExecutionStatusRunning, false},
		{model.ExecutionStatusCancelled, model.ExecutionStatusCompleted, false},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestEngine_executionSpanAttributes(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	e, _, _ := newTestEngine(t)
	mustRegister(t, e, model.WorkflowTypeDefinition{Type: "sync"}, func(context.Context, model.WorkflowExecution) (map[string]any, error) {
		return nil, nil
	})

	id, err := e.TriggerWorkflow(context.Background(), "sync", nil)
	if err != nil {
		t.Fatalf("TriggerWorkflow() error = %v", err)
	}
	waitTerminal(t, e, id)

	var found bool
	for _, s := range exporter.GetSpans() {
		if s.Name != "workflow.execute" {
			continue
		}
		found = true
		attrs := map[string]string{}
		for _, a := range s.Attributes {
			attrs[string(a.Key)] = a.Value.Emit()
		}
		if attrs[string(observability.AttrExecutionID)] != id {
			t.Errorf("span execution id = %q, want %q", attrs[string(observability.AttrExecutionID)], id)
		}
		if attrs[string(observability.AttrWorkflowType)] != "sync" {
			t.Errorf("span workflow type = %q, want sync", attrs[string(observability.AttrWorkflowType)])
		}
	}
	if !found {
		t.Fatal("no workflow.execute span recorded")
	}
}
