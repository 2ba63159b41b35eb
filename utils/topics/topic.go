package topics

import (
	"context"
	"sync"
)

// New returns a new Topic
func New[T any]() *Topic[T] {
	return &Topic[T]{
		subscribers: make(map[subscriptionID]subscriber[T]),
	}
}

type subscriber[T any] struct {
	ch   chan<- T
	done chan struct{} // closed by Subscription.Close
}

// Topic is a single topic that subscribers can Subscribe() to.
// The aggregator uses one to announce flushed intervals.
type Topic[T any] struct {
	// publishMu keeps publishers in order. It is never needed to
	// subscribe or unsubscribe, so a subscriber can always Close.
	publishMu sync.Mutex

	mu          sync.Mutex
	subscribers map[subscriptionID]subscriber[T]
	lastID      subscriptionID
	last        T
	hasLast     bool
}

// Publish publishes a new value to all subscribers.
// It blocks until every subscriber has received the value or closed its
// subscription.
func (t *Topic[T]) Publish(v T) {
	_ = t.PublishContext(context.Background(), v)
}

// PublishContext is like Publish, but stops waiting for slow subscribers
// when the context is done. The value is still recorded as the last value.
// Subscribers that were skipped do not receive it.
func (t *Topic[T]) PublishContext(ctx context.Context, v T) error {
	t.publishMu.Lock()
	defer t.publishMu.Unlock()

	t.mu.Lock()
	t.last = v
	t.hasLast = true
	subs := make([]subscriber[T], 0, len(t.subscribers))
	for _, sub := range t.subscribers {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- v:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// NumSubscribers returns the number of active subscriptions
func (t *Topic[T]) NumSubscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribers)
}

// Last returns the last published value, if available
func (t *Topic[T]) Last() (value T, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hasLast {
		var zero T
		return zero, false
	}
	return t.last, true
}

// Subscribe creates a new Subscription.
// By default, this is an unbuffered channel.
// If sendLast is set:
// - We will immediately send the last value, if any.
// - The channel will be a buffered one with size 1.
func (t *Topic[T]) Subscribe(sendLast bool) *Subscription[T] {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ch chan T
	if sendLast {
		ch = make(chan T, 1)
	} else {
		ch = make(chan T)
	}

	t.lastID++
	id := t.lastID
	done := make(chan struct{})
	t.subscribers[id] = subscriber[T]{ch: ch, done: done}

	if sendLast && t.hasLast {
		// Will not block, because the channel is buffered and no
		// publisher knows about it yet.
		ch <- t.last
	}

	return &Subscription[T]{
		id:    id,
		topic: t,
		ch:    ch,
		done:  done,
	}
}

// Handle makes it easy to consume a topic with a simple handler func.
// This function only returns when the callback returns an error or
// the context is canceled.
func (t *Topic[T]) Handle(ctx context.Context, cb func(T) error) error {
	sub := t.Subscribe(false)
	defer sub.Close()
	for {
		v, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if err := cb(v); err != nil {
			return err
		}
	}
}

// unsubscribeID is called by Subscription.Close(). The channel is left
// open, a publisher may still hold it.
func (t *Topic[T]) unsubscribeID(id subscriptionID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub, exists := t.subscribers[id]
	if !exists {
		return
	}
	close(sub.done)
	delete(t.subscribers, id)
}
