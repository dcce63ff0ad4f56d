package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreCreateThenGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "k", []byte("v"), 0))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", string(v))

	require.ErrorIs(t, s.Create(ctx, "k", []byte("v2"), 0), ErrAlreadyExists)
}

func TestMemoryStoreGetMissing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreSetOverwrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("v1"), 0))
	require.NoError(t, s.Set(ctx, "k", []byte("v2"), 0))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v2", string(v))
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("v"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	_, err := s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, s.Delete(ctx, "k"))
	require.ErrorIs(t, s.Delete(ctx, "k"), ErrNotFound)
}

func TestMemoryStoreIncr(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	n, err := s.Incr(ctx, "counter", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = s.Incr(ctx, "counter", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestMemoryStoreScanPrefix(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "prefix:a", []byte("1"), 0))
	require.NoError(t, s.Set(ctx, "prefix:b", []byte("2"), 0))
	require.NoError(t, s.Set(ctx, "other:c", []byte("3"), 0))

	out, err := s.ScanPrefix(ctx, "prefix:")
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "1", string(out["prefix:a"]))
}

func TestMemoryStorePublishSubscribe(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	ch, cancel, err := s.Subscribe(ctx, "topic")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, s.Publish(ctx, "topic", []byte("hello")))
	select {
	case msg := <-ch:
		require.Equal(t, "hello", string(msg))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}
