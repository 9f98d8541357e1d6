// Package workflow runs named workflow types as tracked executions. Each
// execution moves pending → running → completed|failed, or to cancelled
// when a cancellable type is asked to stop and its executor cooperates.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seiforesti/data-wave-sub007/internal/definition"
	"github.com/seiforesti/data-wave-sub007/internal/observability"
	"github.com/seiforesti/data-wave-sub007/model"
)

// maxUpdateAttempts bounds optimistic-lock retries on a single transition.
const maxUpdateAttempts = 8

// waitPollInterval is how often Wait polls the store for executions started
// by another replica.
const waitPollInterval = 50 * time.Millisecond

// Executor runs one execution of a workflow type. ctx is cancelled when
// cancellation is requested or the type's timeout elapses; executors should
// check it at safe points and return ctx.Err() to acknowledge.
type Executor func(ctx context.Context, exec model.WorkflowExecution) (map[string]any, error)

// Option customizes Engine construction.
type Option func(*Engine)

// WithMetrics records execution counters and durations.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithDefaultTimeout bounds executions of types that declare no timeout.
// Zero means unbounded.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) { e.defaultTimeout = d }
}

// run tracks an execution executing in this process.
type run struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu              sync.Mutex
	cancelRequested bool
}

func (r *run) requestCancel() {
	r.mu.Lock()
	r.cancelRequested = true
	r.mu.Unlock()
	r.cancel()
}

func (r *run) wasCancelRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelRequested
}

// Engine manages the lifecycle of workflow executions.
type Engine struct {
	types          *definition.Registry
	store          ExecutionStore
	events         model.Publisher
	logger         *zap.Logger
	metrics        *observability.Metrics
	now            func() time.Time
	defaultTimeout time.Duration

	mu        sync.RWMutex
	executors map[string]Executor
	runs      map[string]*run
	wg        sync.WaitGroup
}

// NewEngine creates a new workflow engine.
func NewEngine(types *definition.Registry, store ExecutionStore, events model.Publisher, logger *zap.Logger, opts ...Option) *Engine {
	if types == nil {
		types = definition.NewRegistry()
	}
	if events == nil {
		events = model.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		types:     types,
		store:     store,
		events:    events,
		logger:    logger.Named("workflow"),
		now:       time.Now,
		executors: make(map[string]Executor),
		runs:      make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register declares a workflow type and the executor that runs it.
func (e *Engine) Register(def model.WorkflowTypeDefinition, executor Executor) error {
	if executor == nil {
		return model.NewFieldValidationError("executor", "executor is required")
	}
	if _, err := e.types.Register(def); err != nil {
		return err
	}
	e.RegisterExecutor(def.Type, executor)
	return nil
}

// RegisterExecutor binds an executor to a type whose definition comes from a
// definition file. A type with an executor but no definition runs with
// defaults: no params schema, no timeout, cancellable.
func (e *Engine) RegisterExecutor(workflowType string, executor Executor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executors[workflowType] = executor
}

// Types returns the definitions of every type that has an executor.
func (e *Engine) Types() []definition.TypeSpec {
	e.mu.RLock()
	names := make([]string, 0, len(e.executors))
	for name := range e.executors {
		names = append(names, name)
	}
	e.mu.RUnlock()

	sort.Strings(names)
	out := make([]definition.TypeSpec, 0, len(names))
	for _, name := range names {
		out = append(out, e.typeSpec(name))
	}
	return out
}

// Lookup returns the definition of a runnable type.
func (e *Engine) Lookup(workflowType string) (definition.TypeSpec, bool) {
	e.mu.RLock()
	_, ok := e.executors[workflowType]
	e.mu.RUnlock()
	if !ok {
		return definition.TypeSpec{}, false
	}
	return e.typeSpec(workflowType), true
}

func (e *Engine) typeSpec(workflowType string) definition.TypeSpec {
	if spec, ok := e.types.Lookup(workflowType); ok {
		return spec
	}
	return definition.TypeSpec{
		WorkflowTypeDefinition: model.WorkflowTypeDefinition{
			Type:        workflowType,
			Name:        workflowType,
			Cancellable: true,
		},
		Domain: definition.RuntimeDomain,
	}
}

// TriggerWorkflow creates an execution of workflowType, moves it to running
// and schedules its executor. Executor failures never surface here; they
// are recorded on the execution and published as events.
func (e *Engine) TriggerWorkflow(ctx context.Context, workflowType string, params map[string]any) (string, error) {
	e.mu.RLock()
	executor, ok := e.executors[workflowType]
	e.mu.RUnlock()
	if !ok {
		return "", model.NewNotFoundError(fmt.Sprintf("workflow type %q not found", workflowType))
	}

	spec := e.typeSpec(workflowType)
	if err := spec.ValidateParams(params); err != nil {
		return "", err
	}

	actor := model.ActorFrom(ctx, "system")
	exec := model.WorkflowExecution{
		ID:          uuid.New().String(),
		Type:        workflowType,
		Status:      model.ExecutionStatusPending,
		Params:      copyMap(params),
		TriggeredBy: actor,
		StartedAt:   e.now().UTC(),
		Version:     1,
	}
	if err := e.store.Create(ctx, exec); err != nil {
		return "", err
	}
	e.recordTransition(ctx, exec.ID, "", model.ExecutionStatusPending, actor, "")

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = e.defaultTimeout
	}

	// The executor outlives the triggering request but keeps its trace.
	runCtx, cancel := context.WithCancel(observability.DetachedContext(ctx))
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, timeout)
		inner := cancel
		cancel = func() { cancelTimeout(); inner() }
	}
	r := &run{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.runs[exec.ID] = r
	e.mu.Unlock()

	running, err := e.transition(ctx, exec.ID, model.ExecutionStatusRunning, actor, "", nil)
	if err != nil {
		e.forgetRun(exec.ID, r)
		cancel()
		close(r.done)
		if model.IsCode(err, model.ErrInvalidTransition) {
			// Cancelled while still pending.
			return exec.ID, nil
		}
		return "", err
	}

	e.metrics.RecordWorkflowStart(workflowType)
	e.logger.Info("workflow execution started",
		zap.String("execution_id", exec.ID),
		zap.String("type", workflowType),
		zap.String("triggered_by", actor),
	)
	e.events.Publish(model.TopicExecutionStarted, map[string]any{
		"executionId": exec.ID,
		"type":        workflowType,
		"params":      copyMap(params),
	})

	e.wg.Add(1)
	go e.execute(runCtx, r, running, executor, timeout)
	return exec.ID, nil
}

// execute runs the executor and records the terminal status.
func (e *Engine) execute(ctx context.Context, r *run, exec model.WorkflowExecution, executor Executor, timeout time.Duration) {
	defer e.wg.Done()
	defer close(r.done)
	defer e.forgetRun(exec.ID, r)
	defer r.cancel()

	spanCtx, span := observability.StartSpan(ctx, "workflow.execute",
		observability.AttrExecutionID.String(exec.ID),
		observability.AttrWorkflowType.String(exec.Type),
	)
	result, err := e.invoke(spanCtx, executor, exec)
	observability.EndSpanWithError(span, err)

	// Terminal writes must not be cut short by the executor's context.
	storeCtx := observability.DetachedContext(ctx)

	status := model.ExecutionStatusCompleted
	errMsg := ""
	switch {
	case err == nil:
	case r.wasCancelRequested() && errors.Is(err, context.Canceled):
		status = model.ExecutionStatusCancelled
		errMsg = "cancelled"
	case errors.Is(err, context.DeadlineExceeded) && timeout > 0:
		status = model.ExecutionStatusFailed
		errMsg = fmt.Sprintf("timed out after %s", timeout)
	default:
		status = model.ExecutionStatusFailed
		errMsg = err.Error()
	}

	final, terr := e.transition(storeCtx, exec.ID, status, "system", errMsg, func(x *model.WorkflowExecution) {
		ended := e.now().UTC()
		x.EndedAt = &ended
		x.Error = errMsg
		if status == model.ExecutionStatusCompleted {
			x.Result = copyMap(result)
		}
	})
	if terr != nil {
		e.logger.Error("recording workflow outcome failed",
			zap.String("execution_id", exec.ID),
			zap.String("status", status),
			zap.Error(terr),
		)
		return
	}

	duration := time.Duration(0)
	if final.EndedAt != nil {
		duration = final.EndedAt.Sub(final.StartedAt)
	}
	e.metrics.RecordWorkflowCompletion(exec.Type, status, duration)

	fields := []zap.Field{
		zap.String("execution_id", exec.ID),
		zap.String("type", exec.Type),
		zap.String("status", status),
		zap.Duration("duration", duration),
	}
	switch status {
	case model.ExecutionStatusCompleted:
		e.logger.Info("workflow execution completed", fields...)
		e.events.Publish(model.TopicExecutionCompleted, map[string]any{
			"executionId": exec.ID,
			"type":        exec.Type,
			"result":      copyMap(result),
		})
	case model.ExecutionStatusCancelled:
		e.logger.Info("workflow execution cancelled", fields...)
		e.events.Publish(model.TopicExecutionCancelled, map[string]any{
			"executionId": exec.ID,
			"type":        exec.Type,
		})
	default:
		e.logger.Warn("workflow execution failed", append(fields, zap.String("error", errMsg))...)
		e.events.Publish(model.TopicExecutionFailed, map[string]any{
			"executionId": exec.ID,
			"type":        exec.Type,
			"error":       errMsg,
		})
	}
}

// invoke calls executor, turning a panic into an execution failure.
func (e *Engine) invoke(ctx context.Context, executor Executor, exec model.WorkflowExecution) (result map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("workflow executor panicked",
				zap.String("execution_id", exec.ID),
				zap.String("type", exec.Type),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("executor panicked: %v", rec)
		}
	}()
	return executor(ctx, exec)
}

// CancelExecution asks an execution to stop. A pending execution is
// cancelled at once; a running one has its context cancelled and finishes
// as cancelled only if its executor honours it.
func (e *Engine) CancelExecution(ctx context.Context, id string) (model.WorkflowExecution, error) {
	exec, err := e.store.Get(ctx, id)
	if err != nil {
		return model.WorkflowExecution{}, err
	}
	if exec.Terminal() {
		return model.WorkflowExecution{}, model.NewAlreadyFinalizedError(
			fmt.Sprintf("workflow execution %q is already %s", id, exec.Status),
		)
	}
	if !e.typeSpec(exec.Type).Cancellable {
		return model.WorkflowExecution{}, model.NewNotCancellableError(exec.Type)
	}

	actor := model.ActorFrom(ctx, "system")
	e.metrics.RecordWorkflowCancelRequest(exec.Type)

	if exec.Status == model.ExecutionStatusPending {
		cancelled, err := e.transition(ctx, id, model.ExecutionStatusCancelled, actor, "cancelled before start", func(x *model.WorkflowExecution) {
			ended := e.now().UTC()
			x.EndedAt = &ended
			x.CancelRequested = true
			x.Error = "cancelled"
		})
		if err == nil {
			e.mu.RLock()
			r := e.runs[id]
			e.mu.RUnlock()
			if r != nil {
				r.requestCancel()
			}
			e.events.Publish(model.TopicExecutionCancelled, map[string]any{
				"executionId": id,
				"type":        exec.Type,
			})
			return cancelled, nil
		}
		if !model.IsCode(err, model.ErrInvalidTransition) {
			return model.WorkflowExecution{}, err
		}
		// It started meanwhile; fall through to the running path.
	}

	flagged, err := e.transition(ctx, id, "", actor, "", func(x *model.WorkflowExecution) {
		x.CancelRequested = true
	})
	if err != nil {
		return model.WorkflowExecution{}, err
	}
	if flagged.Terminal() {
		return model.WorkflowExecution{}, model.NewAlreadyFinalizedError(
			fmt.Sprintf("workflow execution %q is already %s", id, flagged.Status),
		)
	}

	e.mu.RLock()
	r := e.runs[id]
	e.mu.RUnlock()
	if r != nil {
		r.requestCancel()
	}
	e.logger.Info("workflow cancellation requested",
		zap.String("execution_id", id),
		zap.String("requested_by", actor),
	)
	return flagged, nil
}

// GetExecution returns an execution by ID.
func (e *Engine) GetExecution(ctx context.Context, id string) (model.WorkflowExecution, error) {
	return e.store.Get(ctx, id)
}

// ListExecutions returns executions matching filters, newest first.
func (e *Engine) ListExecutions(ctx context.Context, filters model.ExecutionFilters) ([]model.WorkflowExecution, error) {
	execs, err := e.store.List(ctx, filters)
	if err != nil {
		return nil, err
	}
	if execs == nil {
		execs = []model.WorkflowExecution{}
	}
	return execs, nil
}

// History returns the status transitions of an execution, oldest first.
func (e *Engine) History(ctx context.Context, id string) ([]model.ExecutionTransition, error) {
	return e.store.Transitions(ctx, id)
}

// Wait blocks until the execution is terminal or ctx is done.
func (e *Engine) Wait(ctx context.Context, id string) (model.WorkflowExecution, error) {
	e.mu.RLock()
	r := e.runs[id]
	e.mu.RUnlock()

	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return model.WorkflowExecution{}, ctx.Err()
		}
	}

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		exec, err := e.store.Get(ctx, id)
		if err != nil {
			return model.WorkflowExecution{}, err
		}
		if exec.Terminal() {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return model.WorkflowExecution{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close waits for in-flight executions to finish or ctx to end. Executions
// still running when ctx ends are asked to cancel.
func (e *Engine) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	e.mu.RLock()
	for _, r := range e.runs {
		r.requestCancel()
	}
	e.mu.RUnlock()
	return ctx.Err()
}

// HealthCheck reports whether the execution store is reachable.
func (e *Engine) HealthCheck(ctx context.Context) error {
	return e.store.HealthCheck(ctx)
}

func (e *Engine) forgetRun(id string, r *run) {
	e.mu.Lock()
	if e.runs[id] == r {
		delete(e.runs, id)
	}
	e.mu.Unlock()
}

// transition moves an execution to status `to`, applying mutate, with
// optimistic-lock retries. An empty `to` applies mutate without a status
// change.
func (e *Engine) transition(ctx context.Context, id, to, actor, detail string, mutate func(*model.WorkflowExecution)) (model.WorkflowExecution, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		cur, err := e.store.Get(ctx, id)
		if err != nil {
			return model.WorkflowExecution{}, err
		}
		if to == "" && cur.Terminal() {
			return cur, nil
		}
		from := cur.Status
		if to != "" {
			if !canTransition(from, to) {
				return model.WorkflowExecution{}, model.NewInvalidTransitionError(
					fmt.Sprintf("workflow execution %q cannot move from %s to %s", id, from, to),
				)
			}
			cur.Status = to
		}
		if mutate != nil {
			mutate(&cur)
		}

		updated, err := e.store.Update(ctx, cur)
		if model.IsCode(err, model.ErrConflict) {
			continue
		}
		if err != nil {
			return model.WorkflowExecution{}, err
		}
		if to != "" {
			e.recordTransition(ctx, id, from, to, actor, detail)
		}
		return updated, nil
	}
	return model.WorkflowExecution{}, model.NewConflictError(
		fmt.Sprintf("workflow execution %q is being modified concurrently", id),
	)
}

func (e *Engine) recordTransition(ctx context.Context, id, from, to, actor, detail string) {
	t := model.ExecutionTransition{
		ID:          uuid.New().String(),
		ExecutionID: id,
		From:        from,
		To:          to,
		Actor:       actor,
		Detail:      detail,
		Timestamp:   e.now().UTC(),
	}
	if err := e.store.AppendTransition(ctx, t); err != nil {
		e.logger.Warn("appending workflow transition failed",
			zap.String("execution_id", id),
			zap.Error(err),
		)
	}
}

// canTransition reports whether an execution may move from one status to
// another. Terminal statuses have no outgoing edges.
func canTransition(from, to string) bool {
	switch from {
	case model.ExecutionStatusPending:
		return to == model.ExecutionStatusRunning || to == model.ExecutionStatusCancelled
	case model.ExecutionStatusRunning:
		return to == model.ExecutionStatusCompleted ||
			to == model.ExecutionStatusFailed ||
			to == model.ExecutionStatusCancelled
	}
	return false
}
