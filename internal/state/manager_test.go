package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/seiforesti/data-wave-sub007/model"
)

// capturePublisher records published events synchronously.
type capturePublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *capturePublisher) Publish(topic string, payload map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, model.Event{Topic: topic, Payload: payload})
}

func (p *capturePublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Topic
	}
	return out
}

func newTestManager() (*Manager, *capturePublisher) {
	pub := &capturePublisher{}
	return NewManager(NewMemoryStore(), pub, zap.NewNop()), pub
}

func TestManager_Read_missingKey(t *testing.T) {
	m, _ := newTestManager()

	value, version, err := m.Read(context.Background(), "catalog", "orders")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if value != nil || version != 0 {
		t.Errorf("Read() = (%v, %d), want (nil, 0)", value, version)
	}
}

func TestManager_Write_bumpsVersion(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	res, err := m.Write(ctx, "catalog", "orders", "v1", 0)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if res.Conflict != nil {
		t.Fatalf("Write() conflict = %+v, want none", res.Conflict)
	}
	if res.Entry.Version != 1 {
		t.Errorf("Version = %d, want 1", res.Entry.Version)
	}

	res, err = m.Write(ctx, "catalog", "orders", "v2", 1)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if res.Entry.Version != 2 {
		t.Errorf("Version = %d, want 2", res.Entry.Version)
	}

	value, version, _ := m.Read(ctx, "catalog", "orders")
	if value != "v2" || version != 2 {
		t.Errorf("Read() = (%v, %d), want (v2, 2)", value, version)
	}
}

func TestManager_Write_staleVersionRecordsConflict(t *testing.T) {
	m, pub := newTestManager()
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{SubjectID: "bob"})

	if _, err := m.Write(ctx, "catalog", "orders", "alice-edit", 0); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	res, err := m.Write(ctx, "catalog", "orders", "bob-edit", 0)
	if err != nil {
		t.Fatalf("Write() error = %v, conflicts are not errors", err)
	}
	if res.Conflict == nil {
		t.Fatal("Write() with stale version should return a conflict")
	}
	c := res.Conflict
	if c.BaseVersion != 0 || c.CurrentVersion != 1 {
		t.Errorf("versions = (%d, %d), want (0, 1)", c.BaseVersion, c.CurrentVersion)
	}
	if c.AttemptedValue != "bob-edit" || c.CurrentValue != "alice-edit" {
		t.Errorf("values = (%v, %v)", c.AttemptedValue, c.CurrentValue)
	}
	if c.AttemptedBy != "bob" {
		t.Errorf("AttemptedBy = %q, want bob", c.AttemptedBy)
	}

	value, version, _ := m.Read(ctx, "catalog", "orders")
	if value != "alice-edit" || version != 1 {
		t.Errorf("stale write changed state: (%v, %d)", value, version)
	}

	topics := pub.topics()
	if len(topics) != 1 || topics[0] != model.TopicConflictDetected {
		t.Errorf("published = %v, want [%s]", topics, model.TopicConflictDetected)
	}
}

func TestManager_Write_validation(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	if _, err := m.Write(ctx, "", "k", 1, 0); !model.IsCode(err, model.ErrValidationError) {
		t.Errorf("empty namespace error = %v, want VALIDATION_ERROR", err)
	}
	if _, err := m.Write(ctx, "ns", "k", 1, -1); !model.IsCode(err, model.ErrValidationError) {
		t.Errorf("negative version error = %v, want VALIDATION_ERROR", err)
	}
}

func TestManager_Write_concurrentCreateHasOneWinner(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	const writers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.Write(ctx, "glossary", "term", i, 0)
			if err != nil {
				t.Errorf("Write() error = %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Conflict == nil {
				wins++
			} else {
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 || conflicts != writers-1 {
		t.Errorf("wins = %d, conflicts = %d; want 1 and %d", wins, conflicts, writers-1)
	}
	list, _ := m.Conflicts(ctx, model.ConflictFilters{Namespace: "glossary"})
	if len(list) != writers-1 {
		t.Errorf("recorded conflicts = %d, want %d", len(list), writers-1)
	}
}

func TestManager_ResolveConflict_lastWriterWins(t *testing.T) {
	m, pub := newTestManager()
	ctx := context.Background()

	m.Write(ctx, "catalog", "orders", "first", 0)
	res, _ := m.Write(ctx, "catalog", "orders", "second", 0)

	resolved, err := m.ResolveConflict(ctx, res.Conflict.ID, model.StrategyLastWriterWins, nil, "steward")
	if err != nil {
		t.Fatalf("ResolveConflict() error = %v", err)
	}
	if resolved.Resolution == nil || resolved.Resolution.ResolvedBy != "steward" {
		t.Fatalf("Resolution = %+v", resolved.Resolution)
	}
	if resolved.Resolution.Version != 2 {
		t.Errorf("Resolution.Version = %d, want 2", resolved.Resolution.Version)
	}

	value, version, _ := m.Read(ctx, "catalog", "orders")
	if value != "second" || version != 2 {
		t.Errorf("Read() = (%v, %d), want (second, 2)", value, version)
	}

	topics := pub.topics()
	if topics[len(topics)-1] != model.TopicConflictResolved {
		t.Errorf("last topic = %q, want %q", topics[len(topics)-1], model.TopicConflictResolved)
	}
}

func TestManager_ResolveConflict_manualUsesLatestVersion(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	m.Write(ctx, "catalog", "orders", "a", 0)
	res, _ := m.Write(ctx, "catalog", "orders", "b", 0)
	// Another writer moves the key on before resolution.
	m.Write(ctx, "catalog", "orders", "c", 1)

	merged := map[string]any{"merged": true}
	if _, err := m.ResolveConflict(ctx, res.Conflict.ID, model.StrategyManual, merged, "steward"); err != nil {
		t.Fatalf("ResolveConflict() error = %v", err)
	}

	value, version, _ := m.Read(ctx, "catalog", "orders")
	if version != 3 {
		t.Errorf("version = %d, want 3", version)
	}
	if got, ok := value.(map[string]any); !ok || got["merged"] != true {
		t.Errorf("value = %v, want merged map", value)
	}
}

func TestManager_ResolveConflict_twice(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	m.Write(ctx, "ns", "k", 1, 0)
	res, _ := m.Write(ctx, "ns", "k", 2, 0)

	if _, err := m.ResolveConflict(ctx, res.Conflict.ID, model.StrategyLastWriterWins, nil, "a"); err != nil {
		t.Fatalf("first ResolveConflict() error = %v", err)
	}
	_, err := m.ResolveConflict(ctx, res.Conflict.ID, model.StrategyManual, 3, "b")
	if !model.IsCode(err, model.ErrAlreadyFinalized) {
		t.Errorf("second ResolveConflict() error = %v, want ALREADY_FINALIZED", err)
	}
	if value, _, _ := m.Read(ctx, "ns", "k"); value != 2 {
		t.Errorf("value = %v, want 2 (second resolution must not apply)", value)
	}
}

func TestManager_ResolveConflict_errors(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	if _, err := m.ResolveConflict(ctx, "missing", model.StrategyManual, 1, "a"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("unknown conflict error = %v, want NOT_FOUND", err)
	}
	if _, err := m.ResolveConflict(ctx, "missing", "coin_flip", 1, "a"); !model.IsCode(err, model.ErrValidationError) {
		t.Errorf("unknown strategy error = %v, want VALIDATION_ERROR", err)
	}
	m.Write(ctx, "ns", "k", 1, 0)
	res, _ := m.Write(ctx, "ns", "k", 2, 0)
	if _, err := m.ResolveConflict(ctx, res.Conflict.ID, model.StrategyManual, 1, ""); !model.IsCode(err, model.ErrValidationError) {
		t.Errorf("missing resolver error = %v, want VALIDATION_ERROR", err)
	}
}

func TestManager_ResolveConflict_resolvedReportsFinalizedBeforeResolver(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	m.Write(ctx, "ns", "k", 1, 0)
	res, _ := m.Write(ctx, "ns", "k", 2, 0)
	if _, err := m.ResolveConflict(ctx, res.Conflict.ID, model.StrategyLastWriterWins, nil, "a"); err != nil {
		t.Fatalf("ResolveConflict() error = %v", err)
	}

	_, err := m.ResolveConflict(ctx, res.Conflict.ID, model.StrategyLastWriterWins, nil, "")
	if !model.IsCode(err, model.ErrAlreadyFinalized) {
		t.Errorf("anonymous re-resolve error = %v, want ALREADY_FINALIZED", err)
	}
}

func TestManager_ResolveConflict_concurrentHasOneWinner(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	m.Write(ctx, "ns", "k", 1, 0)
	res, _ := m.Write(ctx, "ns", "k", 2, 0)

	const resolvers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []int
	)
	for i := 0; i < resolvers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.ResolveConflict(ctx, res.Conflict.ID, model.StrategyManual, 100+i, "steward")
			switch {
			case err == nil:
				mu.Lock()
				winners = append(winners, 100+i)
				mu.Unlock()
			case !model.IsCode(err, model.ErrAlreadyFinalized):
				t.Errorf("ResolveConflict() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("winners = %v, want exactly one", winners)
	}
	value, version, _ := m.Read(ctx, "ns", "k")
	if value != winners[0] || version != 2 {
		t.Errorf("Read() = (%v, %d), want (%d, 2)", value, version, winners[0])
	}
	conflict, _ := m.GetConflict(ctx, res.Conflict.ID)
	if conflict.Resolution == nil || conflict.Resolution.Value != winners[0] || conflict.Resolution.Version != 2 {
		t.Errorf("Resolution = %+v, want value %d at version 2", conflict.Resolution, winners[0])
	}
}

// stuckStore never lets a compare-and-swap through.
type stuckStore struct {
	*MemoryStore
	stuck bool
}

func (s *stuckStore) CompareAndSwap(ctx context.Context, namespace, key string, value any, expectedVersion int, now time.Time) (model.StateEntry, bool, error) {
	if s.stuck {
		entry, _, err := s.MemoryStore.Get(ctx, namespace, key)
		return entry, false, err
	}
	return s.MemoryStore.CompareAndSwap(ctx, namespace, key, value, expectedVersion, now)
}

func TestManager_ResolveConflict_failedWriteReopens(t *testing.T) {
	store := &stuckStore{MemoryStore: NewMemoryStore()}
	m := NewManager(store, nil, zap.NewNop())
	ctx := context.Background()

	m.Write(ctx, "ns", "k", 1, 0)
	res, _ := m.Write(ctx, "ns", "k", 2, 0)

	store.stuck = true
	if _, err := m.ResolveConflict(ctx, res.Conflict.ID, model.StrategyManual, 5, "a"); !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("ResolveConflict() error = %v, want CONFLICT", err)
	}
	if c, _ := m.GetConflict(ctx, res.Conflict.ID); c.Resolved() {
		t.Fatalf("conflict resolved after failed write: %+v", c.Resolution)
	}

	store.stuck = false
	if _, err := m.ResolveConflict(ctx, res.Conflict.ID, model.StrategyManual, 5, "a"); err != nil {
		t.Fatalf("retry ResolveConflict() error = %v", err)
	}
	if value, _, _ := m.Read(ctx, "ns", "k"); value != 5 {
		t.Errorf("value = %v, want 5", value)
	}
}

func TestManager_Conflicts_unresolvedOnly(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	m.Write(ctx, "ns", "k", 1, 0)
	r1, _ := m.Write(ctx, "ns", "k", 2, 0)
	m.Write(ctx, "ns", "k", 3, 0)
	m.ResolveConflict(ctx, r1.Conflict.ID, model.StrategyManual, 9, "a")

	all, _ := m.Conflicts(ctx, model.ConflictFilters{})
	open, _ := m.Conflicts(ctx, model.ConflictFilters{UnresolvedOnly: true})
	if len(all) != 2 || len(open) != 1 {
		t.Errorf("all = %d, open = %d; want 2 and 1", len(all), len(open))
	}
}
