package syncstate

import (
	"maps"
	"time"
)

// Envelope is the sync payload as written to the store and served to the
// page.
type Envelope struct {
	Timestamp time.Time      `json:"timestamp"`
	Version   int64          `json:"version"`
	Data      map[string]any `json:"data"`
}

// Clone copies the envelope and its top-level sections.
func (e Envelope) Clone() Envelope {
	out := e
	out.Data = maps.Clone(e.Data)
	if out.Data == nil {
		out.Data = map[string]any{}
	}
	return out
}

// Status of the sync service.
type Status string

const (
	StatusInactive Status = "inactive"
	StatusActive   Status = "active"
	StatusError    Status = "error"
	StatusPaused   Status = "paused"
)

// State holds counters describing sync health.
type State struct {
	Status              Status     `json:"status"`
	Total               int64      `json:"total"`
	Succeeded           int64      `json:"succeeded"`
	Failed              int64      `json:"failed"`
	ConsecutiveFailures int64      `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	LastErrorCode       string     `json:"last_error_code,omitempty"`
	LastSync            *time.Time `json:"last_sync,omitempty"`
	AvgDurationMs       float64    `json:"avg_duration_ms"`
	Version             int64      `json:"version"`
	Pending             int        `json:"pending"`
	Breaker             string     `json:"breaker"`
}

// SuccessRate is the percentage of successful writes, 0 before any write.
func (s State) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Total) * 100
}

// ChangeFunc observes a new payload. Returning an error unsubscribes it.
type ChangeFunc func(Envelope) error

// ErrorFunc observes a failed write.
type ErrorFunc func(error)
