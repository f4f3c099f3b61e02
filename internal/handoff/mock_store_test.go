package handoff

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStoreRoundtrip(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "a/b/c", []byte("data")))

	got, err := store.Get(ctx, "a/b/c")
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))

	exists, err := store.Exists(ctx, "a/b/c")
	require.NoError(t, err)
	assert.True(t, exists)

	calls := store.Calls()
	assert.Equal(t, 1, calls.Put)
	assert.Equal(t, 1, calls.Get)
	assert.Equal(t, 1, calls.Exists)
}

func TestMockStoreIsolation(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	src := []byte("original")
	require.NoError(t, store.Put(ctx, "k", src))
	src[0] = 'X'

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "original", string(got), "store must not alias caller buffers")
}

func TestMockStoreFailureInjection(t *testing.T) {
	store := NewMockStore()
	store.FailPut = map[string]error{"bad": errors.New("disk full")}

	err := store.Put(context.Background(), "bad", []byte("x"))
	assert.EqualError(t, err, "disk full")
}

func TestMockStoreDelete(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "k", []byte("x")))

	store.Delete("k")

	_, err := store.Get(ctx, "k")
	assert.True(t, IsNotFound(err))
}
