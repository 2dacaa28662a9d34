// Package pubsub fans values out to subscribers without letting a slow
// subscriber hold up the publisher.
package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// PubSub broadcasts values of type T. A subscriber whose buffer is full
// misses the value; Dropped counts how often that happened.
type PubSub[T any] struct {
	mu          sync.RWMutex
	subscribers map[*Subscription[T]]struct{}
	isShutdown  bool
	buffer      int
	dropped     atomic.Uint64
}

// Subscription receives published values until it is cancelled.
type Subscription[T any] struct {
	channel   chan T
	ps        *PubSub[T]
	closeOnce sync.Once
}

// New creates a PubSub with the given per-subscriber buffer.
func New[T any](buffer int) *PubSub[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &PubSub[T]{
		subscribers: make(map[*Subscription[T]]struct{}),
		buffer:      buffer,
	}
}

// Subscribe returns a subscription that ends when ctx is done or the
// PubSub shuts down; its channel is closed then. It returns nil after
// Shutdown.
func (ps *PubSub[T]) Subscribe(ctx context.Context) *Subscription[T] {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.isShutdown {
		return nil
	}

	sub := &Subscription[T]{channel: make(chan T, ps.buffer), ps: ps}
	ps.subscribers[sub] = struct{}{}
	context.AfterFunc(ctx, sub.Unsubscribe)
	return sub
}

// Publish sends v to every subscriber that has room for it.
func (ps *PubSub[T]) Publish(v T) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	for sub := range ps.subscribers {
		select {
		case sub.channel <- v:
		default:
			ps.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of live subscriptions
func (ps *PubSub[T]) SubscriberCount() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.subscribers)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (ps *PubSub[T]) Dropped() uint64 {
	return ps.dropped.Load()
}

// Shutdown closes all subscriptions. Later publishes are no-ops.
func (ps *PubSub[T]) Shutdown() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.isShutdown {
		return
	}
	ps.isShutdown = true
	for sub := range ps.subscribers {
		sub.close()
		delete(ps.subscribers, sub)
	}
}

// Channel returns the subscription's value channel
func (s *Subscription[T]) Channel() <-chan T {
	return s.channel
}

// Unsubscribe removes the subscription and closes its channel
func (s *Subscription[T]) Unsubscribe() {
	s.ps.mu.Lock()
	defer s.ps.mu.Unlock()
	delete(s.ps.subscribers, s)
	s.close()
}

func (s *Subscription[T]) close() {
	s.closeOnce.Do(func() { close(s.channel) })
}
