package syncstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/rpggio/kairos/internal/apperror"
	"github.com/rpggio/kairos/internal/domain/audit"
	"github.com/rpggio/kairos/internal/domain/dashboard"
	"github.com/rpggio/kairos/internal/metrics"
	"github.com/rpggio/kairos/internal/repository"
	"github.com/rpggio/kairos/internal/retry"
)

const component = "sync"

// Service writes the sync payload to a Store. Section publishes are
// debounced; Update writes immediately with retries behind a circuit
// breaker.
type Service struct {
	store   Store
	logger  *slog.Logger
	opts    Options
	clock   clockwork.Clock
	breaker *gobreaker.CircuitBreaker

	// serializes store writes
	writeMu sync.Mutex

	// collapses concurrent store loads on a cache miss
	loads singleflight.Group

	mu         sync.RWMutex
	cache      *Envelope
	state      State
	paused     bool
	closed     bool
	lastFailed map[string]any
	nextSub    int
	changeSubs map[int]ChangeFunc
	errorSubs  map[int]ErrorFunc

	pendMu  sync.Mutex
	pending map[string]any
	timer   clockwork.Timer
	// generation of the armed timer; a callback from an older one is stale
	gen uint64

	stop chan struct{}
	done chan struct{}
}

// NewService creates the service and starts its recovery loop.
func NewService(store Store, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	s := &Service{
		store:      store,
		logger:     logger,
		opts:       opts,
		clock:      opts.Clock,
		state:      State{Status: StatusActive},
		changeSubs: make(map[int]ChangeFunc),
		errorSubs:  make(map[int]ErrorFunc),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sync-store",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerStateChanges.WithLabelValues(name, to.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerGauge(to))
		},
	})
	s.audit(audit.TypeSyncStarted, audit.SeverityInfo, "sync service started", nil)
	go s.recoveryLoop()
	return s
}

// Publish merges sections into the pending payload and (re)starts the
// debounce window. The write happens once no publish has arrived for the
// debounce period; each section replaces the stored section of that name.
func (s *Service) Publish(sections map[string]any) {
	if len(sections) == 0 {
		return
	}
	s.pendMu.Lock()
	if s.pending == nil {
		s.pending = make(map[string]any, len(sections))
	} else {
		metrics.SyncDebouncedTotal.Inc()
	}
	maps.Copy(s.pending, sections)

	if s.opts.Debounce == 0 {
		pending := s.takePendingLocked()
		s.pendMu.Unlock()
		s.writePending(pending)
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = s.clock.AfterFunc(s.opts.Debounce, func() { s.flushPending(gen) })
	s.pendMu.Unlock()
}

// Flush writes pending sections now instead of waiting for the debounce
// window.
func (s *Service) Flush(ctx context.Context) error {
	s.pendMu.Lock()
	s.gen++
	pending := s.takePendingLocked()
	s.pendMu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	return s.writeSections(ctx, pending)
}

func (s *Service) flushPending(gen uint64) {
	s.pendMu.Lock()
	if gen != s.gen {
		s.pendMu.Unlock()
		return
	}
	pending := s.takePendingLocked()
	s.pendMu.Unlock()
	s.writePending(pending)
}

// takePendingLocked detaches the pending sections. pendMu must be held.
func (s *Service) takePendingLocked() map[string]any {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	pending := s.pending
	s.pending = nil
	return pending
}

func (s *Service) writePending(pending map[string]any) {
	if len(pending) == 0 {
		return
	}
	if err := s.writeSections(context.Background(), pending); err != nil && !errors.Is(err, ErrClosed) {
		s.logger.Warn("debounced sync write failed", "error", err)
	}
}

func (s *Service) writeSections(ctx context.Context, sections map[string]any) error {
	if s.isPaused() {
		// keep them for Resume
		s.pendMu.Lock()
		merged := sections
		maps.Copy(merged, s.pending)
		s.pending = merged
		s.pendMu.Unlock()
		return nil
	}
	current, err := s.Get(ctx)
	if err != nil {
		s.logger.Warn("loading current payload before merge failed", "error", err)
		current = Envelope{Data: map[string]any{}}
	}
	data := current.Clone().Data
	maps.Copy(data, sections)
	_, err = s.Update(ctx, data)
	return err
}

// Update validates data and writes it as the whole payload, retrying
// transient failures. The returned envelope carries the new version.
func (s *Service) Update(ctx context.Context, data map[string]any) (Envelope, error) {
	s.mu.RLock()
	closed, paused := s.closed, s.paused
	s.mu.RUnlock()
	if closed {
		return Envelope{}, ErrClosed
	}
	if paused {
		return Envelope{}, ErrPaused
	}
	if err := validate(data); err != nil {
		metrics.SyncWritesTotal.WithLabelValues("rejected").Inc()
		return Envelope{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	start := s.clock.Now()
	env, err := retry.Do(ctx, retry.Policy{
		MaxAttempts:    s.opts.MaxAttempts,
		InitialBackoff: s.opts.InitialBackoff,
		MaxBackoff:     s.opts.MaxBackoff,
		Jitter:         true,
		Clock:          s.clock,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			metrics.SyncRetriesTotal.Inc()
			s.logger.Debug("retrying sync write", "attempt", attempt, "backoff", backoff, "error", err)
			s.audit(audit.TypeSyncRetried, audit.SeverityWarning, "retrying sync write",
				map[string]any{"attempt": attempt, "backoff": backoff.String(), "error": err.Error()})
		},
	}, classify, func() (Envelope, error) {
		return s.save(ctx, data)
	})
	elapsed := s.clock.Since(start)

	if err != nil {
		return Envelope{}, s.recordFailure(data, err)
	}
	s.recordSuccess(env, elapsed)
	return env.Clone(), nil
}

// Get returns the cached payload, loading it from the store on a miss.
func (s *Service) Get(ctx context.Context) (Envelope, error) {
	s.mu.RLock()
	if s.cache != nil {
		env := s.cache.Clone()
		s.mu.RUnlock()
		return env, nil
	}
	s.mu.RUnlock()

	v, err, _ := s.loads.Do("load", func() (any, error) {
		env, err := s.store.Load(ctx)
		if errors.Is(err, repository.ErrNotFound) {
			return Envelope{Data: map[string]any{}}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("loading sync payload: %w", err)
		}

		s.mu.Lock()
		if s.cache == nil || s.cache.Version < env.Version {
			c := env.Clone()
			s.cache = &c
			s.state.Version = env.Version
		}
		s.mu.Unlock()
		return env, nil
	})
	if err != nil {
		return Envelope{}, err
	}
	return v.(Envelope).Clone(), nil
}

// OnChange subscribes fn to successful writes. The returned func
// unsubscribes.
func (s *Service) OnChange(fn ChangeFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.changeSubs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.changeSubs, id)
		s.mu.Unlock()
	}
}

// OnError subscribes fn to failed writes.
func (s *Service) OnError(fn ErrorFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.errorSubs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.errorSubs, id)
		s.mu.Unlock()
	}
}

// Pause stops writes. Publishes keep accumulating until Resume.
func (s *Service) Pause() {
	s.mu.Lock()
	s.paused = true
	s.state.Status = StatusPaused
	s.mu.Unlock()
	s.logger.Info("sync paused")
}

// Resume re-enables writes and flushes anything published while paused.
func (s *Service) Resume(ctx context.Context) error {
	s.mu.Lock()
	s.paused = false
	if s.state.ConsecutiveFailures > 0 {
		s.state.Status = StatusError
	} else {
		s.state.Status = StatusActive
	}
	s.mu.Unlock()
	s.logger.Info("sync resumed")
	return s.Flush(ctx)
}

// ClearCache drops the cached payload so the next Get reads the store.
func (s *Service) ClearCache() {
	s.mu.Lock()
	s.cache = nil
	s.mu.Unlock()
}

// State returns a snapshot of the counters.
func (s *Service) State() State {
	s.mu.RLock()
	st := s.state
	s.mu.RUnlock()
	s.pendMu.Lock()
	st.Pending = len(s.pending)
	s.pendMu.Unlock()
	st.Breaker = s.breaker.State().String()
	return st
}

// Follow keeps the cache in step with writes made by other processes when
// the store can watch for them. It blocks until ctx is done.
func (s *Service) Follow(ctx context.Context) error {
	w, ok := s.store.(Watcher)
	if !ok {
		<-ctx.Done()
		return nil
	}
	return w.Watch(ctx, func(env Envelope) {
		s.mu.Lock()
		if s.cache != nil && env.Version <= s.cache.Version {
			s.mu.Unlock()
			return
		}
		c := env.Clone()
		s.cache = &c
		s.state.Version = env.Version
		subs := s.changeSubsLocked()
		s.mu.Unlock()
		s.logger.Debug("external sync write observed", "version", env.Version)
		s.notifyChange(subs, env)
	})
}

// UpdateDashboard validates the snapshot and writes its sections, keeping
// any other sections in the payload.
func (s *Service) UpdateDashboard(ctx context.Context, snap dashboard.Snapshot) (Envelope, error) {
	if err := snap.Validate(); err != nil {
		return Envelope{}, apperror.Wrap(apperror.SyncFormat, "invalid dashboard snapshot", err)
	}
	sections, err := snap.Sections()
	if err != nil {
		return Envelope{}, apperror.Wrap(apperror.SyncFormat, "encode dashboard snapshot", err)
	}
	current, err := s.Get(ctx)
	if err != nil {
		return Envelope{}, err
	}
	data := current.Clone().Data
	maps.Copy(data, sections)
	return s.Update(ctx, data)
}

// Dashboard decodes the stored payload as a dashboard snapshot.
func (s *Service) Dashboard(ctx context.Context) (dashboard.Snapshot, error) {
	env, err := s.Get(ctx)
	if err != nil {
		return dashboard.Snapshot{}, err
	}
	snap, err := dashboard.FromSections(env.Data)
	if err != nil {
		return dashboard.Snapshot{}, apperror.Wrap(apperror.SyncFormat, "decode dashboard snapshot", err)
	}
	snap.Version = env.Version
	snap.Timestamp = env.Timestamp
	return snap, nil
}

// Close flushes pending sections, stops the recovery loop and closes the
// store.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	wasPaused := s.paused
	s.paused = false
	s.mu.Unlock()

	if wasPaused {
		s.logger.Info("writing sections held while paused", "sections", s.State().Pending)
	}
	flushErr := s.Flush(ctx)

	s.mu.Lock()
	s.closed = true
	s.state.Status = StatusInactive
	s.mu.Unlock()

	close(s.stop)
	<-s.done

	s.audit(audit.TypeSystemStopped, audit.SeverityInfo, "sync service stopped", nil)
	if err := s.store.Close(); err != nil {
		return errors.Join(flushErr, fmt.Errorf("closing sync store: %w", err))
	}
	return flushErr
}

func (s *Service) save(ctx context.Context, data map[string]any) (Envelope, error) {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.store.Save(ctx, data)
	})
	if err != nil {
		return Envelope{}, err
	}
	return out.(Envelope), nil
}

func (s *Service) recordSuccess(env Envelope, elapsed time.Duration) {
	now := s.clock.Now()
	ms := float64(elapsed) / float64(time.Millisecond)

	s.mu.Lock()
	recovered := s.state.ConsecutiveFailures > 0
	c := env.Clone()
	s.cache = &c
	s.lastFailed = nil
	s.state.Total++
	s.state.Succeeded++
	s.state.ConsecutiveFailures = 0
	s.state.LastSync = &now
	s.state.Version = env.Version
	if s.state.Succeeded == 1 {
		s.state.AvgDurationMs = ms
	} else {
		s.state.AvgDurationMs = s.state.AvgDurationMs*0.8 + ms*0.2
	}
	if !s.paused {
		s.state.Status = StatusActive
	}
	subs := s.changeSubsLocked()
	s.mu.Unlock()

	metrics.SyncWritesTotal.WithLabelValues("success").Inc()
	metrics.SyncWriteDuration.Observe(elapsed.Seconds())
	metrics.SyncVersion.Set(float64(env.Version))
	s.logger.Debug("sync payload written", "version", env.Version, "duration_ms", ms)

	if recovered {
		s.audit(audit.TypeSyncRecovered, audit.SeverityInfo, "sync writes recovered", map[string]any{"version": env.Version})
	}
	s.notifyChange(subs, env)
}

func (s *Service) recordFailure(data map[string]any, cause error) error {
	code := apperror.SyncExhausted
	msg := "sync write failed after retries"
	if errors.Is(cause, gobreaker.ErrOpenState) || errors.Is(cause, gobreaker.ErrTooManyRequests) {
		code = apperror.Unavailable
		msg = "sync store unavailable"
	} else if c := apperror.CodeOf(cause); c != "" {
		code = c
	}
	err := apperror.Wrap(code, msg, cause)

	s.mu.Lock()
	s.lastFailed = maps.Clone(data)
	s.state.Total++
	s.state.Failed++
	s.state.ConsecutiveFailures++
	s.state.LastError = cause.Error()
	s.state.LastErrorCode = string(code)
	s.state.Status = StatusError
	subs := make([]ErrorFunc, 0, len(s.errorSubs))
	for _, fn := range s.errorSubs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	metrics.SyncWritesTotal.WithLabelValues("failure").Inc()
	s.logger.Error("sync write failed", "code", code, "error", cause)
	s.audit(audit.TypeSyncFailed, audit.SeverityError, msg, map[string]any{"code": string(code), "error": cause.Error()})

	for _, fn := range subs {
		fn(err)
	}
	return err
}

func (s *Service) changeSubsLocked() map[int]ChangeFunc {
	return maps.Clone(s.changeSubs)
}

func (s *Service) notifyChange(subs map[int]ChangeFunc, env Envelope) {
	for id, fn := range subs {
		if err := s.callChange(fn, env.Clone()); err != nil {
			s.logger.Warn("removing failing sync listener", "error", err)
			s.mu.Lock()
			delete(s.changeSubs, id)
			s.mu.Unlock()
		}
	}
}

func (s *Service) callChange(fn ChangeFunc, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return fn(env)
}

func (s *Service) recoveryLoop() {
	defer close(s.done)
	ticker := s.clock.NewTicker(s.opts.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.Chan():
			s.tryRecover()
		}
	}
}

// tryRecover replays the last failed payload once the breaker lets a
// request through.
func (s *Service) tryRecover() {
	s.mu.RLock()
	data := s.lastFailed
	failing := s.state.ConsecutiveFailures > 0 && !s.paused && !s.closed
	s.mu.RUnlock()
	if !failing || data == nil {
		return
	}
	if s.breaker.State() == gobreaker.StateOpen {
		return
	}
	s.logger.Info("attempting sync recovery")
	if _, err := s.Update(context.Background(), data); err != nil {
		s.logger.Warn("sync recovery attempt failed", "error", err)
	}
}

func (s *Service) isPaused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

func (s *Service) audit(typ audit.EventType, sev audit.Severity, msg string, details map[string]any) {
	if s.opts.Auditor == nil {
		return
	}
	s.opts.Auditor.Emit(context.Background(), typ, sev, component, msg, details)
}

func validate(data map[string]any) error {
	if data == nil {
		return apperror.Wrap(apperror.SyncFormat, "sync data must not be nil", ErrInvalidData)
	}
	if _, err := json.Marshal(data); err != nil {
		return apperror.Wrap(apperror.SyncFormat, "sync data is not serializable", fmt.Errorf("%w: %v", ErrInvalidData, err))
	}
	return nil
}

func classify(err error) retry.Action {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return retry.Stop
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return retry.Stop
	case apperror.HasCode(err, apperror.SyncFormat), apperror.HasCode(err, apperror.SyncDenied):
		return retry.Stop
	default:
		return retry.Always(err)
	}
}

func breakerGauge(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
