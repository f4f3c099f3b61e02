package signalrouter

import (
	"context"
	"sync"
)

// FakeBus is an in-process Source and Publisher backed by a buffered
// channel. It delivers from its own goroutine so publishers never block on
// handler work. Used by tests and by single-process deployments that run
// without NATS.
type FakeBus struct {
	events chan TerminationEvent

	mu        sync.Mutex
	started   bool
	closed    bool
	done      chan struct{}
	published []TerminationEvent
}

// NewFakeBus creates a bus with room for backlog pending deliveries.
func NewFakeBus(backlog int) *FakeBus {
	if backlog <= 0 {
		backlog = 64
	}
	return &FakeBus{
		events: make(chan TerminationEvent, backlog),
		done:   make(chan struct{}),
	}
}

// PublishTermination queues an event for delivery.
func (b *FakeBus) PublishTermination(_ context.Context, event TerminationEvent) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.published = append(b.published, event)
	b.mu.Unlock()

	b.events <- event
	return nil
}

// Subscribe starts the delivery goroutine. Only one subscriber is supported.
func (b *FakeBus) Subscribe(ctx context.Context, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	b.started = true

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case ev := <-b.events:
				handler(ctx, ev)
			}
		}
	}()
	return nil
}

// Published returns a copy of every event published so far.
func (b *FakeBus) Published() []TerminationEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]TerminationEvent, len(b.published))
	copy(out, b.published)
	return out
}

// Close stops delivery.
func (b *FakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}
