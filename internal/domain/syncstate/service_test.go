package syncstate_test

import (
	"context"
	"errors"
	"maps"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rpggio/kairos/internal/apperror"
	"github.com/rpggio/kairos/internal/domain/audit"
	"github.com/rpggio/kairos/internal/domain/dashboard"
	"github.com/rpggio/kairos/internal/domain/syncstate"
	"github.com/rpggio/kairos/internal/repository"
	"github.com/rpggio/kairos/internal/repository/mocks"
)

type memStore struct {
	mu       sync.Mutex
	env      syncstate.Envelope
	has      bool
	saves    []map[string]any
	failures int
	closed   bool
}

func (m *memStore) Load(context.Context) (syncstate.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.has {
		return syncstate.Envelope{}, repository.ErrNotFound
	}
	return m.env.Clone(), nil
}

func (m *memStore) Save(_ context.Context, data map[string]any) (syncstate.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return syncstate.Envelope{}, errors.New("disk full")
	}
	m.has = true
	m.env = syncstate.Envelope{Timestamp: time.Now().UTC(), Version: m.env.Version + 1, Data: maps.Clone(data)}
	m.saves = append(m.saves, maps.Clone(data))
	return m.env.Clone(), nil
}

func (m *memStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saves)
}

func (m *memStore) setFailures(n int) {
	m.mu.Lock()
	m.failures = n
	m.mu.Unlock()
}

func newService(t *testing.T, store syncstate.Store, opts syncstate.Options) *syncstate.Service {
	t.Helper()
	svc := syncstate.NewService(store, opts, nil)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func TestUpdate_WritesVersionAndNotifies(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	svc := newService(t, store, syncstate.Options{})

	var seen []int64
	svc.OnChange(func(env syncstate.Envelope) error {
		seen = append(seen, env.Version)
		return nil
	})

	env, err := svc.Update(ctx, map[string]any{"time_tracker": map[string]any{"elapsed": 10}})
	require.NoError(t, err)
	require.Equal(t, int64(1), env.Version)

	env, err = svc.Update(ctx, map[string]any{"time_tracker": map[string]any{"elapsed": 11}})
	require.NoError(t, err)
	require.Equal(t, int64(2), env.Version)
	require.Equal(t, []int64{1, 2}, seen)

	st := svc.State()
	require.Equal(t, syncstate.StatusActive, st.Status)
	require.Equal(t, int64(2), st.Total)
	require.Equal(t, int64(2), st.Succeeded)
	require.Equal(t, int64(2), st.Version)
	require.Equal(t, float64(100), st.SuccessRate())
	require.NotNil(t, st.LastSync)
	require.Equal(t, "closed", st.Breaker)
}

func TestUpdate_RejectsInvalidData(t *testing.T) {
	svc := newService(t, &memStore{}, syncstate.Options{})

	_, err := svc.Update(context.Background(), nil)
	require.ErrorIs(t, err, syncstate.ErrInvalidData)
	require.True(t, apperror.HasCode(err, apperror.SyncFormat))

	_, err = svc.Update(context.Background(), map[string]any{"bad": make(chan int)})
	require.ErrorIs(t, err, syncstate.ErrInvalidData)
}

func TestUpdate_RetriesThenFails(t *testing.T) {
	ctx := context.Background()
	store := &mocks.SyncStore{}
	store.On("Save", mock.Anything, mock.Anything).Return(nil, errors.New("disk full"))
	store.On("Close").Return(nil)

	auditor := &mocks.Auditor{}
	auditor.On("Emit", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return()

	svc := newService(t, store, syncstate.Options{MaxAttempts: 3, BreakerThreshold: 10, Auditor: auditor})

	var errs []error
	svc.OnError(func(err error) { errs = append(errs, err) })

	_, err := svc.Update(ctx, map[string]any{"layout": map[string]any{"width": 800}})
	require.Error(t, err)
	require.Equal(t, apperror.SyncExhausted, apperror.CodeOf(err))
	store.AssertNumberOfCalls(t, "Save", 3)
	require.Len(t, errs, 1)

	st := svc.State()
	require.Equal(t, syncstate.StatusError, st.Status)
	require.Equal(t, int64(1), st.Failed)
	require.Equal(t, int64(1), st.ConsecutiveFailures)
	require.Equal(t, "SYNC004", st.LastErrorCode)
	require.Contains(t, st.LastError, "disk full")

	auditor.AssertCalled(t, "Emit", mock.Anything, audit.TypeSyncRetried, audit.SeverityWarning, "sync", mock.Anything, mock.Anything)
	auditor.AssertCalled(t, "Emit", mock.Anything, audit.TypeSyncFailed, audit.SeverityError, "sync", mock.Anything, mock.Anything)
}

func TestUpdate_BreakerOpensAndFailsFast(t *testing.T) {
	store := &mocks.SyncStore{}
	store.On("Save", mock.Anything, mock.Anything).Return(nil, errors.New("disk full"))
	store.On("Close").Return(nil)

	svc := newService(t, store, syncstate.Options{MaxAttempts: 3, BreakerThreshold: 2, BreakerTimeout: time.Hour})

	_, err := svc.Update(context.Background(), map[string]any{"a": 1})
	require.True(t, apperror.HasCode(err, apperror.Unavailable))
	store.AssertNumberOfCalls(t, "Save", 2)
	require.Equal(t, "open", svc.State().Breaker)

	_, err = svc.Update(context.Background(), map[string]any{"a": 2})
	require.True(t, apperror.HasCode(err, apperror.Unavailable))
	store.AssertNumberOfCalls(t, "Save", 2)
}

func TestRecoveryReplaysLastFailedWrite(t *testing.T) {
	store := &memStore{failures: 3}
	svc := newService(t, store, syncstate.Options{MaxAttempts: 3, RecoveryInterval: 20 * time.Millisecond, BreakerThreshold: 10})

	_, err := svc.Update(context.Background(), map[string]any{"notifications": map[string]any{"unread": 2}})
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return svc.State().Status == syncstate.StatusActive
	}, 3*time.Second, 10*time.Millisecond)

	env, err := svc.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), env.Version)
	require.Equal(t, map[string]any{"unread": 2}, env.Data["notifications"])
	require.Equal(t, int64(0), svc.State().ConsecutiveFailures)
}

func TestPublish_DebouncesAndMerges(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := &memStore{}
	svc := newService(t, store, syncstate.Options{Debounce: 500 * time.Millisecond, Clock: clock})

	_, err := svc.Update(context.Background(), map[string]any{"layout": "wide", "workflow": "idle"})
	require.NoError(t, err)

	svc.Publish(map[string]any{"workflow": "step 1"})
	clock.Advance(300 * time.Millisecond)
	svc.Publish(map[string]any{"workflow": "step 2"})
	svc.Publish(map[string]any{"time_tracker": 42})
	clock.Advance(300 * time.Millisecond)
	require.Equal(t, 1, store.saveCount())
	require.Equal(t, 2, svc.State().Pending)

	clock.Advance(250 * time.Millisecond)
	require.Eventually(t, func() bool { return store.saveCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	env, err := svc.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), env.Version)
	require.Equal(t, map[string]any{"layout": "wide", "workflow": "step 2", "time_tracker": 42}, env.Data)
}

func TestFlushWritesPendingImmediately(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := &memStore{}
	svc := newService(t, store, syncstate.Options{Debounce: time.Minute, Clock: clock})

	svc.Publish(map[string]any{"layout": "narrow"})
	require.NoError(t, svc.Flush(context.Background()))
	require.Equal(t, 1, store.saveCount())

	// the stopped timer must not write again
	clock.Advance(2 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, store.saveCount())
}

func TestPauseBuffersUntilResume(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	svc := newService(t, store, syncstate.Options{})

	svc.Pause()
	require.Equal(t, syncstate.StatusPaused, svc.State().Status)

	_, err := svc.Update(ctx, map[string]any{"a": 1})
	require.ErrorIs(t, err, syncstate.ErrPaused)

	svc.Publish(map[string]any{"a": 1})
	svc.Publish(map[string]any{"b": 2})
	require.Equal(t, 0, store.saveCount())
	require.Equal(t, 2, svc.State().Pending)

	require.NoError(t, svc.Resume(ctx))
	require.Equal(t, 1, store.saveCount())
	env, err := svc.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"a": 1, "b": 2}, env.Data)
	require.Equal(t, syncstate.StatusActive, svc.State().Status)
}

func TestFailingListenerIsRemoved(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, &memStore{}, syncstate.Options{})

	calls := 0
	svc.OnChange(func(syncstate.Envelope) error {
		calls++
		return errors.New("page gone")
	})
	panics := 0
	svc.OnChange(func(syncstate.Envelope) error {
		panics++
		panic("boom")
	})

	_, err := svc.Update(ctx, map[string]any{"a": 1})
	require.NoError(t, err)
	_, err = svc.Update(ctx, map[string]any{"a": 2})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, 1, panics)
}

func TestUnsubscribe(t *testing.T) {
	svc := newService(t, &memStore{}, syncstate.Options{})

	calls := 0
	unsubscribe := svc.OnChange(func(syncstate.Envelope) error { calls++; return nil })
	unsubscribe()

	_, err := svc.Update(context.Background(), map[string]any{"a": 1})
	require.NoError(t, err)
	require.Zero(t, calls)
}

func TestGetEmptyStoreAndClearCache(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	svc := newService(t, store, syncstate.Options{})

	env, err := svc.Get(ctx)
	require.NoError(t, err)
	require.Zero(t, env.Version)
	require.Empty(t, env.Data)

	_, err = svc.Update(ctx, map[string]any{"a": 1})
	require.NoError(t, err)

	// another writer bumps the store behind the cache
	_, err = store.Save(ctx, map[string]any{"a": 99})
	require.NoError(t, err)

	env, err = svc.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, env.Data["a"])

	svc.ClearCache()
	env, err = svc.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, 99, env.Data["a"])
	require.Equal(t, int64(2), env.Version)
}

type blockingStore struct {
	memStore
	release chan struct{}
	loads   atomic.Int32
}

func (b *blockingStore) Load(ctx context.Context) (syncstate.Envelope, error) {
	b.loads.Add(1)
	<-b.release
	return b.memStore.Load(ctx)
}

func TestGetCollapsesConcurrentLoads(t *testing.T) {
	ctx := context.Background()
	store := &blockingStore{release: make(chan struct{})}
	store.has = true
	store.env = syncstate.Envelope{Version: 7, Data: map[string]any{"a": 1}}
	svc := newService(t, store, syncstate.Options{})

	var wg sync.WaitGroup
	results := make(chan int64, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env, err := svc.Get(ctx)
			if err == nil {
				results <- env.Version
			}
		}()
	}

	require.Eventually(t, func() bool { return store.loads.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(store.release)
	wg.Wait()
	close(results)

	for v := range results {
		require.Equal(t, int64(7), v)
	}
	require.Less(t, store.loads.Load(), int32(8))
}

func TestDashboardRoundTripKeepsOtherSections(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, &memStore{}, syncstate.Options{})

	_, err := svc.Update(ctx, map[string]any{"custom": "keep me"})
	require.NoError(t, err)

	snap := dashboard.New()
	snap.TimeTracker.Running = true
	snap.TimeTracker.Elapsed = 90
	snap.Resize(500, 800)

	env, err := svc.UpdateDashboard(ctx, snap)
	require.NoError(t, err)
	require.Equal(t, "keep me", env.Data["custom"])

	got, err := svc.Dashboard(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), got.Version)
	require.True(t, got.TimeTracker.Running)
	require.Equal(t, dashboard.BreakpointMobile, got.Layout.Breakpoint)

	snap.Workflow.Progress = 150
	_, err = svc.UpdateDashboard(ctx, snap)
	require.True(t, apperror.HasCode(err, apperror.SyncFormat))
}

func TestCloseFlushesAndClosesStore(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := &memStore{}
	svc := syncstate.NewService(store, syncstate.Options{Debounce: time.Minute, Clock: clock}, nil)

	svc.Publish(map[string]any{"a": 1})
	require.NoError(t, svc.Close(context.Background()))
	require.Equal(t, 1, store.saveCount())
	require.True(t, store.closed)
	require.Equal(t, syncstate.StatusInactive, svc.State().Status)

	_, err := svc.Update(context.Background(), map[string]any{"a": 2})
	require.ErrorIs(t, err, syncstate.ErrClosed)
	require.NoError(t, svc.Close(context.Background()))
}

func TestCloseWritesSectionsHeldWhilePaused(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	svc := syncstate.NewService(store, syncstate.Options{Debounce: time.Minute, Clock: clockwork.NewFakeClock()}, nil)

	svc.Pause()
	svc.Publish(map[string]any{"notifications": map[string]any{"unread": 2}})
	require.NoError(t, svc.Close(ctx))

	require.Equal(t, 1, store.saveCount())
	require.Equal(t, map[string]any{"notifications": map[string]any{"unread": 2}}, store.env.Data)
}
