package syncer

import "sync"

// Subscription delivers materialized views. Only the latest undelivered
// view is kept.
type Subscription[T any] struct {
	ch     chan T
	done   chan struct{}
	stop   func()
	mu     sync.Mutex
	closed bool
}

func newSubscription[T any](stop func()) *Subscription[T] {
	return &Subscription[T]{
		ch:   make(chan T, 1),
		done: make(chan struct{}),
		stop: stop,
	}
}

// C is closed once the subscription ends.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription[T]) push(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- v
}

// Cancel ends the subscription and releases the store watch. It is safe to
// call more than once.
func (s *Subscription[T]) Cancel() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
	s.mu.Unlock()

	if s.stop != nil {
		s.stop()
	}
}
