package session

import "sync"

// Observer is the single notification sink. Calls are made while the
// controller holds its lock, so implementations must not block or call back
// into the controller.
type Observer interface {
	OnStage(stage Stage)
	EndOfStream()
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
// Only *ObserverFuncs implements Observer, so registered values stay comparable.
type ObserverFuncs struct {
	Stage func(Stage)
	End   func()
}

// OnStage implements Observer.
func (f *ObserverFuncs) OnStage(stage Stage) {
	if f.Stage != nil {
		f.Stage(stage)
	}
}

// EndOfStream implements Observer.
func (f *ObserverFuncs) EndOfStream() {
	if f.End != nil {
		f.End()
	}
}

// Subscription is a channel-backed Observer. Stages are delivered on C in
// order; when the buffer is full further stages are dropped. EndOfStream
// closes C.
type Subscription struct {
	ch      chan Stage
	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewSubscription creates a subscription with the given buffer size.
func NewSubscription(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	return &Subscription{ch: make(chan Stage, buffer)}
}

// C returns the stage channel. It is closed at end of stream.
func (s *Subscription) C() <-chan Stage {
	return s.ch
}

// OnStage implements Observer.
func (s *Subscription) OnStage(stage Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- stage:
	default:
		s.dropped++
	}
}

// EndOfStream implements Observer. Only the first call has an effect.
func (s *Subscription) EndOfStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Dropped returns how many stages were discarded because the buffer was full.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
