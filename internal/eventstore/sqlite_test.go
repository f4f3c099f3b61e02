package eventstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndGetByExecutionID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "e1", "PhaseStarted", []byte(`{"phase":"decompose"}`), map[string]string{"attempt": "1"}))
	require.NoError(t, s.Append(ctx, "e1", "PhaseResolved", []byte(`{"phase":"decompose"}`), nil))
	require.NoError(t, s.Append(ctx, "e2", "PhaseStarted", []byte(`{}`), nil))

	events, err := s.GetByExecutionID(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "PhaseStarted", events[0].Type())
	assert.Equal(t, "e1", events[0].ExecutionID())
	assert.Equal(t, map[string]string{"attempt": "1"}, events[0].Metadata())
	assert.Equal(t, "PhaseResolved", events[1].Type())
	assert.Greater(t, events[1].ID(), events[0].ID(), "ids preserve append order")
}

func TestGetByExecutionIDEmpty(t *testing.T) {
	s := newTestStore(t)
	events, err := s.GetByExecutionID(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestGetRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	before := time.Now().Add(-time.Minute)
	require.NoError(t, s.Append(ctx, "e1", "PhaseStarted", []byte(`{}`), nil))
	after := time.Now().Add(time.Minute)

	events, err := s.GetRange(ctx, before, after)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	events, err = s.GetRange(ctx, before.Add(-time.Hour), before)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAppendNilPayload(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append(context.Background(), "e1", "ExecutionFinished", nil, nil))

	events, err := s.GetByExecutionID(context.Background(), "e1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Empty(t, events[0].Payload())
}
