package syncstate

import (
	"context"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/rpggio/kairos/internal/repository"
)

type countingStore struct {
	mu    sync.Mutex
	saves []map[string]any
}

func (c *countingStore) Load(context.Context) (Envelope, error) {
	return Envelope{}, repository.ErrNotFound
}

func (c *countingStore) Save(_ context.Context, data map[string]any) (Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves = append(c.saves, maps.Clone(data))
	return Envelope{Version: int64(len(c.saves)), Data: maps.Clone(data)}, nil
}

func (c *countingStore) Close() error { return nil }

func (c *countingStore) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.saves)
}

func TestStaleDebounceCallbackIsIgnored(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := &countingStore{}
	svc := NewService(store, Options{Debounce: time.Minute, Clock: clock}, nil)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	svc.Publish(map[string]any{"a": 1})
	svc.pendMu.Lock()
	stale := svc.gen
	svc.pendMu.Unlock()

	// a timer that fired just before this publish must not write it early
	svc.Publish(map[string]any{"b": 2})
	svc.flushPending(stale)
	require.Zero(t, store.count())
	require.Equal(t, 2, svc.State().Pending)

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return store.count() == 1 }, time.Second, 5*time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, map[string]any{"a": 1, "b": 2}, store.saves[0])
}
