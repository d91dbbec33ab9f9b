package audit

import (
	"slices"
	"strings"
	"time"
)

// Query filters stored events. Zero fields match everything.
type Query struct {
	Since      time.Time
	Until      time.Time
	Types      []EventType
	Severities []Severity
	// Component matches as a case-insensitive substring.
	Component string
	Limit     int
}

// Options configure a Service.
type Options struct {
	MinSeverity   Severity
	BufferSize    int
	FlushInterval time.Duration
	// MaxPending caps events kept for retry after failed flushes; the oldest
	// are dropped first. Zero means ten buffers.
	MaxPending int
}

// Matches reports whether e passes every filter in q except Limit.
func (q Query) Matches(e Event) bool {
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && e.Timestamp.After(q.Until) {
		return false
	}
	if len(q.Types) > 0 && !slices.Contains(q.Types, e.Type) {
		return false
	}
	if len(q.Severities) > 0 && !slices.Contains(q.Severities, e.Severity) {
		return false
	}
	if q.Component != "" && !strings.Contains(strings.ToLower(e.Component), strings.ToLower(q.Component)) {
		return false
	}
	return true
}
