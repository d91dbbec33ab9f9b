package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	defaultBufferSize    = 100
	defaultFlushInterval = 30 * time.Second
)

// Service buffers audit events and writes them to a Repository in batches.
// CRITICAL events are written immediately.
type Service struct {
	repo   Repository
	logger *slog.Logger
	clock  clockwork.Clock
	opts   Options

	mu     sync.Mutex
	buf    []Event
	closed bool

	stop chan struct{}
	done chan struct{}
}

// NewService creates a service and starts its periodic flush.
func NewService(repo Repository, opts Options, logger *slog.Logger) *Service {
	return newService(repo, opts, logger, clockwork.NewRealClock())
}

// NewServiceWithClock is NewService with an injected clock.
func NewServiceWithClock(repo Repository, opts Options, logger *slog.Logger, clock clockwork.Clock) *Service {
	return newService(repo, opts, logger, clock)
}

func newService(repo Repository, opts Options, logger *slog.Logger, clock clockwork.Clock) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 10 * opts.BufferSize
	}
	if opts.MaxPending < opts.BufferSize {
		opts.MaxPending = opts.BufferSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.MinSeverity == "" {
		opts.MinSeverity = SeverityInfo
	}
	s := &Service{
		repo:   repo,
		logger: logger,
		clock:  clock,
		opts:   opts,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// Record queues an event, filling in its ID and timestamp. Events below the
// minimum severity are dropped silently.
func (s *Service) Record(ctx context.Context, e Event) error {
	if e.Type == "" || e.Message == "" {
		return ErrInvalidInput
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if !e.Severity.AtLeast(s.opts.MinSeverity) {
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.clock.Now().UTC()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.buf = append(s.buf, e)
	full := len(s.buf) >= s.opts.BufferSize
	s.mu.Unlock()

	if full || e.Severity == SeverityCritical {
		return s.Flush(ctx)
	}
	return nil
}

// Emit is a shorthand for Record.
func (s *Service) Emit(ctx context.Context, typ EventType, sev Severity, component, message string, details map[string]any) {
	if err := s.Record(ctx, Event{Type: typ, Severity: sev, Component: component, Message: message, Details: details}); err != nil {
		s.logger.Warn("audit event dropped", "type", typ, "error", err)
	}
}

// Flush writes buffered events. On failure the events stay buffered, up to
// MaxPending.
func (s *Service) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.buf) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()

	if err := s.repo.Append(ctx, batch); err != nil {
		s.mu.Lock()
		s.buf = append(batch, s.buf...)
		dropped := len(s.buf) - s.opts.MaxPending
		if dropped > 0 {
			s.buf = append([]Event(nil), s.buf[dropped:]...)
		}
		s.mu.Unlock()
		if dropped > 0 {
			s.logger.Warn("dropping oldest audit events after failed flush", "dropped", dropped, "error", err)
		}
		return fmt.Errorf("flushing audit events: %w", err)
	}
	return nil
}

// Pending is the number of buffered events.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Query flushes pending events and lists stored ones newest first.
func (s *Service) Query(ctx context.Context, q Query) ([]Event, error) {
	if err := s.Flush(ctx); err != nil {
		s.logger.Warn("audit flush before query failed", "error", err)
	}
	events, err := s.repo.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	return events, nil
}

// Stats counts stored events since the given time (zero means all).
func (s *Service) Stats(ctx context.Context, since time.Time) (Stats, error) {
	events, err := s.Query(ctx, Query{Since: since})
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		Total:      len(events),
		ByType:     make(map[EventType]int),
		BySeverity: make(map[Severity]int),
	}
	for i, e := range events {
		st.ByType[e.Type]++
		st.BySeverity[e.Severity]++
		ts := events[i].Timestamp
		if st.Newest == nil || ts.After(*st.Newest) {
			st.Newest = &ts
		}
		if st.Oldest == nil || ts.Before(*st.Oldest) {
			st.Oldest = &ts
		}
	}
	return st, nil
}

// Close stops the periodic flush and writes what is left.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	<-s.done
	return s.Flush(ctx)
}

func (s *Service) flushLoop() {
	defer close(s.done)
	ticker := s.clock.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.Chan():
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Warn("periodic audit flush failed", "error", err)
			}
		}
	}
}
