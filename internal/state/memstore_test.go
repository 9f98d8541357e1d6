package state

import (
	"context"
	"testing"
	"time"

	"github.com/seiforesti/data-wave-sub007/model"
)

func TestMemoryStore_CompareAndSwap_mismatchReturnsCurrent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	if _, ok, _ := s.CompareAndSwap(ctx, "ns", "k", "a", 0, now); !ok {
		t.Fatal("initial CompareAndSwap() should succeed")
	}

	current, ok, err := s.CompareAndSwap(ctx, "ns", "k", "b", 5, now)
	if err != nil {
		t.Fatalf("CompareAndSwap() error = %v", err)
	}
	if ok {
		t.Fatal("CompareAndSwap() with wrong version should not swap")
	}
	if current.Value != "a" || current.Version != 1 {
		t.Errorf("current = %+v, want value a version 1", current)
	}
}

func TestMemoryStore_CompareAndSwap_missingKeyNeedsZero(t *testing.T) {
	s := NewMemoryStore()

	current, ok, _ := s.CompareAndSwap(context.Background(), "ns", "k", "a", 1, time.Now())
	if ok {
		t.Fatal("CompareAndSwap() on a missing key with version 1 should not swap")
	}
	if current.Version != 0 {
		t.Errorf("Version = %d, want 0", current.Version)
	}
}

func TestMemoryStore_ResolveConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	c := model.StateConflict{ID: "c1", Namespace: "ns", Key: "k"}
	if err := s.SaveConflict(ctx, c); err != nil {
		t.Fatalf("SaveConflict() error = %v", err)
	}
	if err := s.SaveConflict(ctx, c); !model.IsCode(err, model.ErrConflict) {
		t.Errorf("duplicate SaveConflict() error = %v, want CONFLICT", err)
	}

	res := model.ConflictResolution{Strategy: model.StrategyManual, ResolvedBy: "a"}
	if err := s.ResolveConflict(ctx, "c1", res); err != nil {
		t.Fatalf("ResolveConflict() error = %v", err)
	}
	if err := s.ResolveConflict(ctx, "c1", res); !model.IsCode(err, model.ErrAlreadyFinalized) {
		t.Errorf("second ResolveConflict() error = %v, want ALREADY_FINALIZED", err)
	}
	if err := s.ResolveConflict(ctx, "nope", res); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("ResolveConflict(unknown) error = %v, want NOT_FOUND", err)
	}
}

func TestMemoryStore_SetResolution(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.SaveConflict(ctx, model.StateConflict{ID: "c1"})
	s.ResolveConflict(ctx, "c1", model.ConflictResolution{ResolvedBy: "a"})

	if err := s.SetResolution(ctx, "c1", &model.ConflictResolution{ResolvedBy: "a", Version: 4}); err != nil {
		t.Fatalf("SetResolution() error = %v", err)
	}
	if got, _ := s.GetConflict(ctx, "c1"); got.Resolution == nil || got.Resolution.Version != 4 {
		t.Errorf("Resolution = %+v, want version 4", got.Resolution)
	}

	if err := s.SetResolution(ctx, "c1", nil); err != nil {
		t.Fatalf("SetResolution(nil) error = %v", err)
	}
	if got, _ := s.GetConflict(ctx, "c1"); got.Resolved() {
		t.Errorf("conflict still resolved after reopening: %+v", got.Resolution)
	}
	if err := s.SetResolution(ctx, "nope", nil); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("SetResolution(unknown) error = %v, want NOT_FOUND", err)
	}
}

func TestMemoryStore_GetConflict_returnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.SaveConflict(ctx, model.StateConflict{ID: "c1"})
	s.ResolveConflict(ctx, "c1", model.ConflictResolution{ResolvedBy: "a"})

	got, _ := s.GetConflict(ctx, "c1")
	got.Resolution.ResolvedBy = "mutated"

	again, _ := s.GetConflict(ctx, "c1")
	if again.Resolution.ResolvedBy != "a" {
		t.Errorf("stored resolution mutated through returned copy: %q", again.Resolution.ResolvedBy)
	}
}
