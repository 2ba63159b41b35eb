package topics

import (
	"context"
	"io"
	"sync"
)

type subscriptionID uint

// Subscription receives the values published on a Topic after it was created.
// Publishing blocks until every subscriber took the value, so a subscriber
// must keep reading or Close the subscription.
type Subscription[T any] struct {
	id subscriptionID

	mu    sync.Mutex
	topic *Topic[T]
	ch    <-chan T
	done  <-chan struct{}
}

// Channel returns the receive channel. It is nil after Close, the channel
// itself is never closed.
func (s *Subscription[T]) Channel() <-chan T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Next blocks until the next value arrives. It returns io.ErrClosedPipe
// when the subscription was closed, or the context error.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T
	ch := s.Channel()
	if ch == nil {
		return zero, io.ErrClosedPipe
	}
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.done:
		return zero, io.ErrClosedPipe
	case v := <-ch:
		return v, nil
	}
}

// NextMatching is like Next, but skips values for which match returns false.
func (s *Subscription[T]) NextMatching(ctx context.Context, match func(T) bool) (T, error) {
	for {
		v, err := s.Next(ctx)
		if err != nil || match(v) {
			return v, err
		}
	}
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.topic == nil {
		return
	}
	s.topic.unsubscribeID(s.id)
	s.ch = nil
	s.topic = nil
}
