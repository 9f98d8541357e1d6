// Package eventbus provides in-process topic-based publish/subscribe used by
// every orchestration component to announce state changes.
//
// Each subscription owns an unbounded FIFO queue drained by a dedicated
// goroutine: Publish never blocks on handlers, a slow subscriber never delays
// another, and every subscriber observes events in publish order.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seiforesti/data-wave-sub007/internal/observability"
	"github.com/seiforesti/data-wave-sub007/model"
)

const (
	defaultBacklogWarning = 256
	drainPollInterval     = 2 * time.Millisecond
)

// Handler consumes one event. A returned error or a panic is logged and
// counted; delivery of later events continues.
type Handler func(event model.Event) error

// Option customizes Bus construction.
type Option func(*Bus)

// WithMetrics records publish and handler failure counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Bus) {
		b.metrics = m
	}
}

// WithBacklogWarning sets the queue depth at which a subscriber is reported
// as lagging. Non-positive values are ignored.
func WithBacklogWarning(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.backlogWarning = n
		}
	}
}

// WithClock overrides the time source used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// Bus is the in-process event bus. It is safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool

	pending   atomic.Int64
	closeOnce sync.Once

	backlogWarning int
	now            func() time.Time
	logger         *zap.Logger
	metrics        *observability.Metrics
}

// New creates an event bus.
func New(logger *zap.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		subs:           make(map[string]*subscription),
		backlogWarning: defaultBacklogWarning,
		now:            time.Now,
		logger:         logger.Named("eventbus"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Publish delivers an event to every subscription whose pattern matches
// topic. It returns immediately; handlers run on their subscription's
// goroutine. The payload map is copied, so later mutation by the caller is
// not observed by subscribers. Publishing after Close is a no-op.
func (b *Bus) Publish(topic string, payload map[string]any) {
	event := model.Event{
		Topic:       topic,
		Payload:     copyPayload(payload),
		PublishedAt: b.now().UTC(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Debug("publish after close dropped", zap.String("topic", topic))
		return
	}
	b.metrics.RecordEventPublished(topic)

	for _, s := range b.subs {
		if !MatchTopic(s.pattern, topic) {
			continue
		}
		if depth := s.enqueue(event, &b.pending); depth == b.backlogWarning {
			b.logger.Warn("subscriber backlog growing",
				zap.String("subscription_id", s.id),
				zap.String("pattern", s.pattern),
				zap.Int("depth", depth),
			)
		}
	}
}

// Subscribe registers handler for topics matching pattern and returns the
// subscription ID. Patterns are an exact topic, a prefix ending in a "*"
// segment such as "workflow:*", or "*" for every topic. Subscribing to a
// closed bus returns an empty ID and registers nothing.
func (b *Bus) Subscribe(pattern string, handler Handler) string {
	s := &subscription{
		id:      uuid.NewString(),
		pattern: pattern,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ""
	}
	b.subs[s.id] = s
	count := len(b.subs)
	b.mu.Unlock()

	b.metrics.SetActiveSubscriptions(count)
	go b.run(s)

	b.logger.Debug("subscribed", zap.String("subscription_id", s.id), zap.String("pattern", pattern))
	return s.id
}

// Unsubscribe removes a subscription. Events still queued for it are
// discarded. Unknown or already removed IDs are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	count := len(b.subs)
	b.mu.Unlock()

	if !ok {
		return
	}
	s.cancel(&b.pending)
	b.metrics.SetActiveSubscriptions(count)
}

// Drain blocks until every queued event has been handled or ctx is done.
func (b *Bus) Drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		if b.pending.Load() <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("eventbus: drain: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close stops accepting events, lets every subscription finish its queue,
// and waits for the delivery goroutines to exit.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		subs := make([]*subscription, 0, len(b.subs))
		for _, s := range b.subs {
			subs = append(subs, s)
		}
		b.mu.Unlock()

		for _, s := range subs {
			s.finish()
		}
		for _, s := range subs {
			<-s.done
		}
		b.metrics.SetActiveSubscriptions(0)
		b.logger.Info("event bus closed", zap.Int("subscriptions", len(subs)))
	})
}

// run is the delivery loop of one subscription.
func (b *Bus) run(s *subscription) {
	defer close(s.done)
	for {
		event, ok := s.next()
		if !ok {
			return
		}
		b.dispatch(s, event)
		b.pending.Add(-1)
	}
}

func (b *Bus) dispatch(s *subscription, event model.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.RecordEventHandlerFailure(event.Topic)
			b.logger.Warn("event handler panicked",
				zap.String("subscription_id", s.id),
				zap.String("topic", event.Topic),
				zap.Any("panic", r),
			)
		}
	}()

	if err := s.handler(event); err != nil {
		b.metrics.RecordEventHandlerFailure(event.Topic)
		b.logger.Warn("event handler failed",
			zap.String("subscription_id", s.id),
			zap.String("topic", event.Topic),
			zap.Error(err),
		)
	}
}

// copyPayload returns a shallow copy of payload. A nil payload becomes an
// empty map so handlers can index it unconditionally.
func copyPayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}
