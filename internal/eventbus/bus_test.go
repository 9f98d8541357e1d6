package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/seiforesti/data-wave-sub007/internal/observability"
	"github.com/seiforesti/data-wave-sub007/model"
)

// recorder collects events delivered to a handler.
type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) handle(e model.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Topic
	}
	return out
}

func drain(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
}

func TestBus_Publish_exactAndWildcard(t *testing.T) {
	b := New(zap.NewNop())
	defer b.Close()

	var exact, wildcard, all recorder
	b.Subscribe(model.TopicExecutionCompleted, exact.handle)
	b.Subscribe("workflow:*", wildcard.handle)
	b.Subscribe("*", all.handle)

	b.Publish(model.TopicExecutionStarted, map[string]any{"executionId": "e1"})
	b.Publish(model.TopicExecutionCompleted, map[string]any{"executionId": "e1"})
	b.Publish(model.TopicApprovalCreated, map[string]any{"requestId": "r1"})
	drain(t, b)

	if got := exact.topics(); len(got) != 1 || got[0] != model.TopicExecutionCompleted {
		t.Errorf("exact = %v", got)
	}
	if got := wildcard.topics(); len(got) != 2 {
		t.Errorf("wildcard = %v, want 2 workflow events", got)
	}
	if got := all.topics(); len(got) != 3 {
		t.Errorf("all = %v, want 3 events", got)
	}
}

func TestBus_Publish_noSubscribers(t *testing.T) {
	b := New(zap.NewNop())
	defer b.Close()

	b.Publish("nobody:listens", nil)
	drain(t, b)
}

func TestBus_Publish_preservesOrderPerSubscriber(t *testing.T) {
	b := New(zap.NewNop())
	defer b.Close()

	var mu sync.Mutex
	var seen []int
	b.Subscribe("bulk:operation:progress", func(e model.Event) error {
		mu.Lock()
		seen = append(seen, e.Payload["n"].(int))
		mu.Unlock()
		return nil
	})

	const n = 500
	for i := 0; i < n; i++ {
		b.Publish(model.TopicBulkProgress, map[string]any{"n": i})
	}
	drain(t, b)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != n {
		t.Fatalf("received %d events, want %d", len(seen), n)
	}
	for i, v := range seen {
		if v != i {
			t.Fatalf("event %d carried n=%d, order not preserved", i, v)
		}
	}
}

func TestBus_Publish_slowSubscriberDoesNotBlock(t *testing.T) {
	b := New(zap.NewNop())
	defer b.Close()

	release := make(chan struct{})
	b.Subscribe("*", func(model.Event) error {
		<-release
		return nil
	})

	fast := make(chan model.Event, 10)
	b.Subscribe("*", func(e model.Event) error {
		fast <- e
		return nil
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.Publish("state:conflict:detected", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	for i := 0; i < 5; i++ {
		select {
		case <-fast:
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber starved after %d events", i)
		}
	}
	close(release)
	drain(t, b)
}

func TestBus_Publish_payloadIsCopied(t *testing.T) {
	b := New(zap.NewNop())
	defer b.Close()

	got := make(chan model.Event, 1)
	block := make(chan struct{})
	b.Subscribe("*", func(e model.Event) error {
		<-block
		got <- e
		return nil
	})

	payload := map[string]any{"status": "running"}
	b.Publish("workflow:execution:started", payload)
	payload["status"] = "mutated"
	close(block)

	e := <-got
	if e.Payload["status"] != "running" {
		t.Errorf("payload status = %v, want running", e.Payload["status"])
	}
	if e.PublishedAt.IsZero() {
		t.Error("PublishedAt should be set")
	}
}

func TestBus_handlerPanicIsIsolated(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.InitMetrics(reg)
	b := New(zap.NewNop(), WithMetrics(m))
	defer b.Close()

	var after recorder
	calls := 0
	b.Subscribe("*", func(e model.Event) error {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return after.handle(e)
	})
	b.Subscribe("*", func(model.Event) error { return errors.New("rejected") })

	b.Publish("a:b", nil)
	b.Publish("a:c", nil)
	drain(t, b)

	if got := after.topics(); len(got) != 1 || got[0] != "a:c" {
		t.Errorf("delivered after panic = %v, want [a:c]", got)
	}
	panics := testutil.ToFloat64(m.EventHandlerFailuresTotal.WithLabelValues("a:b"))
	if panics != 2 {
		t.Errorf("failures for a:b = %v, want 2 (panic + error)", panics)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New(zap.NewNop())
	defer b.Close()

	var r recorder
	id := b.Subscribe("*", r.handle)
	b.Publish("x:1", nil)
	drain(t, b)

	b.Unsubscribe(id)
	b.Unsubscribe(id)
	b.Unsubscribe("unknown")
	b.Publish("x:2", nil)
	drain(t, b)

	if got := r.topics(); len(got) != 1 {
		t.Errorf("events after unsubscribe = %v, want only x:1", got)
	}
}

func TestBus_Close(t *testing.T) {
	b := New(zap.NewNop())

	var r recorder
	b.Subscribe("*", r.handle)
	for i := 0; i < 10; i++ {
		b.Publish("x:y", nil)
	}
	b.Close()

	if got := len(r.topics()); got != 10 {
		t.Errorf("delivered before close = %d, want 10 (queue drained)", got)
	}

	b.Publish("x:y", nil)
	b.Close()
	if id := b.Subscribe("*", r.handle); id != "" {
		t.Errorf("Subscribe after Close = %q, want empty", id)
	}
	if got := len(r.topics()); got != 10 {
		t.Errorf("delivered after close = %d, want 10", got)
	}
}

func TestBus_Drain_respectsContext(t *testing.T) {
	b := New(zap.NewNop())
	release := make(chan struct{})
	b.Subscribe("*", func(model.Event) error {
		<-release
		return nil
	})
	b.Publish("x:y", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Drain(ctx); err == nil {
		t.Error("Drain() should time out while a handler is blocked")
	}

	close(release)
	b.Close()
}

func TestWithClock(t *testing.T) {
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	b := New(zap.NewNop(), WithClock(func() time.Time { return fixed }))
	defer b.Close()

	got := make(chan model.Event, 1)
	b.Subscribe("*", func(e model.Event) error {
		got <- e
		return nil
	})
	b.Publish("x:y", nil)

	if e := <-got; !e.PublishedAt.Equal(fixed) {
		t.Errorf("PublishedAt = %v, want %v", e.PublishedAt, fixed)
	}
}
