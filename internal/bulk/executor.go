// Package bulk applies one action to many items in ordered batches with
// bounded parallelism, optionally compensating succeeded items when any item
// fails.
package bulk

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/seiforesti/data-wave-sub007/internal/observability"
	"github.com/seiforesti/data-wave-sub007/model"
)

const (
	defaultBatchSize   = 10
	defaultParallelism = 1
	maxParallelism     = 32
)

// ItemExecutor processes a single item.
type ItemExecutor func(ctx context.Context, item model.BulkItem) (map[string]any, error)

// Compensator undoes a succeeded item given the result its executor
// returned.
type Compensator func(ctx context.Context, item model.BulkItem, result map[string]any) error

// ProgressCallback observes progress after every item. Calls are serialized
// and must not call back into the Executor for the same operation.
type ProgressCallback func(model.BulkProgress)

// Request describes a bulk operation.
type Request struct {
	Type              string
	Items             []model.BulkItem
	BatchSize         int
	Parallelism       int
	RollbackOnFailure bool

	// Executor defaults to running Type on the configured workflow runner.
	Executor ItemExecutor
	// Compensator defaults to running Type's inverse workflow.
	Compensator      Compensator
	ProgressCallback ProgressCallback
}

// Option customizes Executor construction.
type Option func(*Executor)

// WithMetrics records item and operation metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithDefaults sets the batch size and parallelism used when a request
// leaves them zero, and the parallelism ceiling.
func WithDefaults(batchSize, parallelism, maxParallel int) Option {
	return func(e *Executor) {
		if batchSize > 0 {
			e.batchSize = batchSize
		}
		if parallelism > 0 {
			e.parallelism = parallelism
		}
		if maxParallel > 0 {
			e.maxParallelism = maxParallel
		}
	}
}

// WithWorkflows lets requests without an explicit executor run their items
// as workflow executions.
func WithWorkflows(runner WorkflowRunner) Option {
	return func(e *Executor) { e.workflows = runner }
}

// operation is the mutable state of one run. mu guards snap and serializes
// progress callbacks.
type operation struct {
	mu     sync.Mutex
	snap   model.BulkOperation
	halted bool
	done   chan struct{}
}

func (op *operation) stopped() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.halted
}

func (op *operation) snapshot() model.BulkOperation {
	op.mu.Lock()
	defer op.mu.Unlock()
	return copyOperation(op.snap)
}

// Executor runs bulk operations.
type Executor struct {
	events         model.Publisher
	logger         *zap.Logger
	metrics        *observability.Metrics
	now            func() time.Time
	workflows      WorkflowRunner
	batchSize      int
	parallelism    int
	maxParallelism int

	mu  sync.RWMutex
	ops map[string]*operation
	wg  sync.WaitGroup
}

// NewExecutor creates a bulk executor.
func NewExecutor(events model.Publisher, logger *zap.Logger, opts ...Option) *Executor {
	if events == nil {
		events = model.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		events:         events,
		logger:         logger.Named("bulk"),
		now:            time.Now,
		batchSize:      defaultBatchSize,
		parallelism:    defaultParallelism,
		maxParallelism: maxParallelism,
		ops:            make(map[string]*operation),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteOperation validates req and starts it in the background. The
// returned ID is immediately readable through GetStatus.
func (e *Executor) ExecuteOperation(ctx context.Context, req Request) (string, error) {
	if err := e.resolve(&req); err != nil {
		return "", err
	}

	items := make([]model.BulkItem, len(req.Items))
	for i, item := range req.Items {
		if item.ID == "" {
			item.ID = strconv.Itoa(i)
		}
		items[i] = item
	}
	req.Items = items

	op := &operation{
		snap: model.BulkOperation{
			ID:                uuid.New().String(),
			Type:              req.Type,
			Total:             len(items),
			BatchSize:         req.BatchSize,
			Parallelism:       req.Parallelism,
			RollbackOnFailure: req.RollbackOnFailure,
			Status:            model.BulkStatusRunning,
			Succeeded:         []model.ItemResult{},
			Failed:            []model.ItemResult{},
			StartedAt:         e.now().UTC(),
		},
		done: make(chan struct{}),
	}

	e.mu.Lock()
	e.ops[op.snap.ID] = op
	e.mu.Unlock()

	e.logger.Info("bulk operation started",
		zap.String("operation_id", op.snap.ID),
		zap.String("type", req.Type),
		zap.Int("items", len(items)),
		zap.Int("batch_size", req.BatchSize),
		zap.Int("parallelism", req.Parallelism),
		zap.Bool("rollback_on_failure", req.RollbackOnFailure),
	)
	e.events.Publish(model.TopicBulkStarted, map[string]any{
		"operationId": op.snap.ID,
		"type":        req.Type,
		"total":       len(items),
	})

	e.wg.Add(1)
	go e.run(observability.DetachedContext(ctx), op, req)
	return op.snap.ID, nil
}

// resolve validates req and fills defaults.
func (e *Executor) resolve(req *Request) error {
	var details []model.FieldError
	if req.Type == "" {
		details = append(details, model.FieldError{Field: "type", Code: "required", Message: "type is required"})
	}
	if len(req.Items) == 0 {
		details = append(details, model.FieldError{Field: "items", Code: "required", Message: "at least one item is required"})
	}
	if req.BatchSize < 0 {
		details = append(details, model.FieldError{Field: "batch_size", Code: "invalid", Message: "batch_size must not be negative"})
	}
	if req.Parallelism < 0 || req.Parallelism > e.maxParallelism {
		details = append(details, model.FieldError{
			Field:   "parallelism",
			Code:    "invalid",
			Message: fmt.Sprintf("parallelism must be between 1 and %d", e.maxParallelism),
		})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	if req.BatchSize == 0 {
		req.BatchSize = e.batchSize
	}
	if req.Parallelism == 0 {
		req.Parallelism = min(e.parallelism, e.maxParallelism)
	}

	if req.Executor == nil {
		if e.workflows == nil {
			return model.NewFieldValidationError("executor", "an item executor is required")
		}
		if _, ok := e.workflows.Lookup(req.Type); !ok {
			return model.NewNotFoundError(fmt.Sprintf("workflow type %q not found", req.Type))
		}
		req.Executor = WorkflowItemExecutor(e.workflows, req.Type)
	}
	if req.RollbackOnFailure && req.Compensator == nil {
		if e.workflows != nil {
			if spec, ok := e.workflows.Lookup(req.Type); ok && spec.InverseType != "" {
				req.Compensator = WorkflowCompensator(e.workflows, spec.InverseType)
			}
		}
		if req.Compensator == nil {
			return model.NewFieldValidationError("rollback_on_failure",
				fmt.Sprintf("type %q has no compensating action", req.Type))
		}
	}
	return nil
}

func (e *Executor) run(ctx context.Context, op *operation, req Request) {
	defer e.wg.Done()
	defer close(op.done)

	ctx, span := observability.StartSpan(ctx, "bulk.execute",
		observability.AttrOperationID.String(op.snap.ID),
		observability.AttrWorkflowType.String(req.Type),
		observability.AttrItemCount.Int(len(req.Items)),
	)

	for start := 0; start < len(req.Items); start += req.BatchSize {
		if op.stopped() {
			break
		}
		end := min(start+req.BatchSize, len(req.Items))

		var g errgroup.Group
		g.SetLimit(req.Parallelism)
		for i := start; i < end; i++ {
			if op.stopped() {
				break
			}
			g.Go(func() error {
				// A slot may free up only after a failure has halted the run.
				if op.stopped() {
					return nil
				}
				result, err := e.invoke(ctx, req.Executor, req.Items[i])
				e.recordItem(op, req, i, result, err)
				return nil
			})
		}
		_ = g.Wait()
	}

	if op.stopped() {
		e.rollback(ctx, op, req)
	}

	now := e.now().UTC()
	op.mu.Lock()
	switch {
	case op.halted:
		op.snap.Status = model.BulkStatusRolledBack
	case len(op.snap.Succeeded) > 0:
		op.snap.Status = model.BulkStatusCompleted
	default:
		op.snap.Status = model.BulkStatusFailed
	}
	op.snap.EndedAt = &now
	final := copyOperation(op.snap)
	op.mu.Unlock()

	var spanErr error
	if final.Status != model.BulkStatusCompleted {
		spanErr = fmt.Errorf("bulk operation %s", final.Status)
	}
	observability.EndSpanWithError(span, spanErr)

	e.metrics.RecordBulkOperation(req.Type, final.Status, now.Sub(final.StartedAt))
	e.logger.Info("bulk operation finished",
		zap.String("operation_id", final.ID),
		zap.String("status", final.Status),
		zap.Int("succeeded", len(final.Succeeded)),
		zap.Int("failed", len(final.Failed)),
		zap.Int("compensated", len(final.Compensations)),
	)

	payload := map[string]any{
		"operationId": final.ID,
		"type":        final.Type,
		"total":       final.Total,
		"processed":   final.Processed,
		"succeeded":   len(final.Succeeded),
		"failed":      len(final.Failed),
	}
	topic := model.TopicBulkCompleted
	switch final.Status {
	case model.BulkStatusFailed:
		topic = model.TopicBulkFailed
	case model.BulkStatusRolledBack:
		topic = model.TopicBulkRolledBack
		payload["compensations"] = len(final.Compensations)
	}
	e.events.Publish(topic, payload)
}

// invoke calls the item executor, converting a panic into an item failure.
func (e *Executor) invoke(ctx context.Context, exec ItemExecutor, item model.BulkItem) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("bulk item executor panicked",
				zap.String("item_id", item.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("item executor panicked: %v", r)
		}
	}()
	return exec(ctx, item)
}

// recordItem folds one item outcome into the snapshot and fires progress.
func (e *Executor) recordItem(op *operation, req Request, index int, result map[string]any, err error) {
	res := model.ItemResult{
		ItemID:      req.Items[index].ID,
		Index:       index,
		Result:      result,
		CompletedAt: e.now().UTC(),
	}

	op.mu.Lock()
	defer op.mu.Unlock()

	op.snap.Processed++
	if err != nil {
		res.Result = nil
		res.Error = err.Error()
		op.snap.Failed = append(op.snap.Failed, res)
		if req.RollbackOnFailure && !op.halted {
			op.halted = true
			e.logger.Warn("bulk item failed, halting for rollback",
				zap.String("operation_id", op.snap.ID),
				zap.String("item_id", res.ItemID),
				zap.Error(err),
			)
		}
		e.metrics.RecordBulkItem(req.Type, "failed")
	} else {
		op.snap.Succeeded = append(op.snap.Succeeded, res)
		e.metrics.RecordBulkItem(req.Type, "succeeded")
	}

	progress := op.snap.Progress()
	if req.ProgressCallback != nil {
		req.ProgressCallback(progress)
	}
	e.events.Publish(model.TopicBulkProgress, map[string]any{
		"operationId": op.snap.ID,
		"processed":   progress.Processed,
		"total":       progress.Total,
		"succeeded":   progress.Succeeded,
		"failed":      progress.Failed,
	})
}

// rollback compensates succeeded items newest first. A failed compensation
// is recorded and the sweep continues.
func (e *Executor) rollback(ctx context.Context, op *operation, req Request) {
	op.mu.Lock()
	succeeded := append([]model.ItemResult(nil), op.snap.Succeeded...)
	op.mu.Unlock()

	for i := len(succeeded) - 1; i >= 0; i-- {
		res := succeeded[i]
		err := e.compensate(ctx, req.Compensator, req.Items[res.Index], res.Result)

		comp := model.CompensationResult{
			ItemID:      res.ItemID,
			Index:       res.Index,
			Success:     err == nil,
			CompletedAt: e.now().UTC(),
		}
		if err != nil {
			comp.Error = err.Error()
			e.logger.Error("bulk compensation failed",
				zap.String("operation_id", op.snap.ID),
				zap.String("item_id", res.ItemID),
				zap.Error(err),
			)
		}
		e.metrics.RecordBulkCompensation(req.Type, err == nil)

		op.mu.Lock()
		op.snap.Compensations = append(op.snap.Compensations, comp)
		op.mu.Unlock()
	}

	op.mu.Lock()
	op.snap.Succeeded = []model.ItemResult{}
	op.mu.Unlock()
}

func (e *Executor) compensate(ctx context.Context, comp Compensator, item model.BulkItem, result map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensator panicked: %v", r)
		}
	}()
	return comp(ctx, item, result)
}

// GetStatus returns a snapshot of the operation.
func (e *Executor) GetStatus(_ context.Context, id string) (model.BulkOperation, error) {
	op, err := e.lookup(id)
	if err != nil {
		return model.BulkOperation{}, err
	}
	return op.snapshot(), nil
}

// Wait blocks until the operation has finished, including rollback.
func (e *Executor) Wait(ctx context.Context, id string) (model.BulkOperation, error) {
	op, err := e.lookup(id)
	if err != nil {
		return model.BulkOperation{}, err
	}
	select {
	case <-op.done:
		return op.snapshot(), nil
	case <-ctx.Done():
		return model.BulkOperation{}, ctx.Err()
	}
}

// List returns snapshots of every operation, oldest first.
func (e *Executor) List(_ context.Context) []model.BulkOperation {
	e.mu.RLock()
	ops := make([]*operation, 0, len(e.ops))
	for _, op := range e.ops {
		ops = append(ops, op)
	}
	e.mu.RUnlock()

	out := make([]model.BulkOperation, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Close waits for running operations to finish or ctx to end.
func (e *Executor) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) lookup(id string) (*operation, error) {
	e.mu.RLock()
	op, ok := e.ops[id]
	e.mu.RUnlock()
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("bulk operation %q not found", id))
	}
	return op, nil
}

func copyOperation(op model.BulkOperation) model.BulkOperation {
	op.Succeeded = copyResults(op.Succeeded)
	op.Failed = copyResults(op.Failed)
	if op.Compensations != nil {
		op.Compensations = append([]model.CompensationResult(nil), op.Compensations...)
	}
	if op.EndedAt != nil {
		ended := *op.EndedAt
		op.EndedAt = &ended
	}
	return op
}

func copyResults(in []model.ItemResult) []model.ItemResult {
	out := make([]model.ItemResult, len(in))
	for i, r := range in {
		if r.Result != nil {
			m := make(map[string]any, len(r.Result))
			for k, v := range r.Result {
				m[k] = v
			}
			r.Result = m
		}
		out[i] = r
	}
	return out
}
