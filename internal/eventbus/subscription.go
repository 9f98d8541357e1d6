package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/seiforesti/data-wave-sub007/model"
)

type subscription struct {
	id      string
	pattern string
	handler Handler

	mu        sync.Mutex
	queue     []model.Event
	cancelled bool // drop queued events and exit
	finishing bool // exit once the queue is empty

	wake chan struct{}
	done chan struct{}
}

// enqueue appends event and returns the resulting queue depth, or 0 if the
// subscription no longer accepts events.
func (s *subscription) enqueue(event model.Event, pending *atomic.Int64) int {
	s.mu.Lock()
	if s.cancelled || s.finishing {
		s.mu.Unlock()
		return 0
	}
	s.queue = append(s.queue, event)
	pending.Add(1)
	depth := len(s.queue)
	s.mu.Unlock()

	s.signal()
	return depth
}

// next blocks until an event is available. It reports false when the
// subscription has been cancelled or finished with an empty queue.
func (s *subscription) next() (model.Event, bool) {
	for {
		s.mu.Lock()
		if s.cancelled {
			s.mu.Unlock()
			return model.Event{}, false
		}
		if len(s.queue) > 0 {
			event := s.queue[0]
			s.queue[0] = model.Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return event, true
		}
		if s.finishing {
			s.mu.Unlock()
			return model.Event{}, false
		}
		s.mu.Unlock()
		<-s.wake
	}
}

func (s *subscription) cancel(pending *atomic.Int64) {
	s.mu.Lock()
	s.cancelled = true
	dropped := len(s.queue)
	s.queue = nil
	s.mu.Unlock()

	pending.Add(-int64(dropped))
	s.signal()
}

func (s *subscription) finish() {
	s.mu.Lock()
	s.finishing = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
