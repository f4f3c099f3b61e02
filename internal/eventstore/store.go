// Package eventstore persists the per-execution phase-transition log that
// backs the execution event stream. The log is append-only; a stream is
// restartable from the beginning only, never resumable mid-way.
package eventstore

import (
	"context"
	"time"
)

// Store defines the interface for persisting and retrieving phase events.
type Store interface {
	// Append adds a new event to the store.
	Append(ctx context.Context, executionID, eventType string, payload []byte, metadata map[string]string) error

	// GetByExecutionID retrieves all events for one execution in append order.
	GetByExecutionID(ctx context.Context, executionID string) ([]Event, error)

	// GetRange retrieves events within a time range.
	GetRange(ctx context.Context, start, end time.Time) ([]Event, error)

	// Close closes the store and releases resources.
	Close() error
}
