package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/christireid/Token-shield-sub001/persistence"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncedStoreCoalescesWrites(t *testing.T) {
	inner := persistence.NewMemoryStore()
	d := persistence.NewDebounced(inner, 20*time.Millisecond, zerolog.Nop(), nil)
	ctx := context.Background()

	require.NoError(t, d.Set(ctx, "k", []byte("v1")))
	require.NoError(t, d.Set(ctx, "k", []byte("v2")))

	v, ok, err := d.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", string(v))

	_, ok, _ = inner.Get(ctx, "k")
	assert.False(t, ok, "write should not have flushed yet")

	time.Sleep(60 * time.Millisecond)
	v, ok, err = inner.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", string(v))
}

func TestDebouncedStoreDeleteCancelsPending(t *testing.T) {
	inner := persistence.NewMemoryStore()
	d := persistence.NewDebounced(inner, 20*time.Millisecond, zerolog.Nop(), nil)
	ctx := context.Background()

	require.NoError(t, d.Set(ctx, "k", []byte("v1")))
	require.NoError(t, d.Delete(ctx, "k"))

	time.Sleep(60 * time.Millisecond)
	_, ok, _ := inner.Get(ctx, "k")
	assert.False(t, ok)
}

func TestDebouncedStoreErrorHook(t *testing.T) {
	inner := &failingStore{}
	var gotErr error
	d := persistence.NewDebounced(inner, 5*time.Millisecond, zerolog.Nop(), func(op, key string, err error) {
		gotErr = err
	})
	ctx := context.Background()
	require.NoError(t, d.Set(ctx, "k", []byte("v")))
	time.Sleep(200 * time.Millisecond)
	assert.Error(t, gotErr)
}

type failingStore struct{}

func (f *failingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, nil
}
func (f *failingStore) Set(ctx context.Context, key string, value []byte) error {
	return assertErr
}
func (f *failingStore) Delete(ctx context.Context, key string) error { return nil }
func (f *failingStore) Close() error                                 { return nil }

var assertErr = errString("boom")

type errString string

func (e errString) Error() string { return string(e) }
