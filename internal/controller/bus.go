package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"git.home.luguber.info/inful/forgeflow/internal/eventstore"
	"git.home.luguber.info/inful/forgeflow/internal/logfields"
)

// Bus persists execution events and wakes live streams. The store is the
// source of truth: streams always replay from it, so a restarted stream
// sees the full history in order.
type Bus struct {
	store eventstore.Store

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

// NewBus creates a bus over the given event store.
func NewBus(store eventstore.Store) *Bus {
	return &Bus{store: store, waiters: make(map[string][]chan struct{})}
}

// Publish persists one event and notifies any waiting streams.
func (b *Bus) Publish(ctx context.Context, ev ExecutionEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal execution event: %w", err)
	}
	if err := b.store.Append(ctx, ev.ExecutionID, ev.Type, payload, nil); err != nil {
		return fmt.Errorf("failed to persist execution event: %w", err)
	}
	b.notify(ev.ExecutionID)
	return nil
}

// Replay returns the stored events for an execution with ID greater than
// afterID, in append order, plus the highest ID seen.
func (b *Bus) Replay(ctx context.Context, executionID string, afterID int64) ([]ExecutionEvent, int64, error) {
	stored, err := b.store.GetByExecutionID(ctx, executionID)
	if err != nil {
		return nil, afterID, fmt.Errorf("failed to load execution events: %w", err)
	}

	var events []ExecutionEvent
	last := afterID
	for _, se := range stored {
		if se.ID() <= afterID {
			continue
		}
		var ev ExecutionEvent
		if err := json.Unmarshal(se.Payload(), &ev); err != nil {
			slog.Warn("Skipping undecodable execution event",
				logfields.ExecutionID(executionID), logfields.Error(err))
			last = se.ID()
			continue
		}
		ev.ID = se.ID()
		events = append(events, ev)
		last = se.ID()
	}
	return events, last, nil
}

// Stream delivers an execution's events from the beginning, then follows
// live until the execution finishes or ctx is cancelled. Streams always
// restart from the beginning; there is no mid-stream resume.
func (b *Bus) Stream(ctx context.Context, executionID string) <-chan ExecutionEvent {
	out := make(chan ExecutionEvent, 16)

	go func() {
		defer close(out)
		var lastID int64
		for {
			events, last, err := b.Replay(ctx, executionID, lastID)
			if err != nil {
				slog.Error("Event stream replay failed",
					logfields.ExecutionID(executionID), logfields.Error(err))
				return
			}
			lastID = last

			for _, ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Type == EventExecutionFinished {
					return
				}
			}

			wake := b.wait(executionID)
			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-time.After(time.Second):
				// fallback poll in case a notify was coalesced away
			}
		}
	}()

	return out
}

func (b *Bus) wait(executionID string) <-chan struct{} {
	ch := make(chan struct{})
	b.mu.Lock()
	b.waiters[executionID] = append(b.waiters[executionID], ch)
	b.mu.Unlock()
	return ch
}

func (b *Bus) notify(executionID string) {
	b.mu.Lock()
	waiters := b.waiters[executionID]
	delete(b.waiters, executionID)
	b.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}
