package audit

import (
	"strings"
	"time"
)

// EventType classifies an audit event.
type EventType string

const (
	TypeServerStarted       EventType = "server.started"
	TypeServerStopped       EventType = "server.stopped"
	TypeServerError         EventType = "server.error"
	TypeServerRecovered     EventType = "server.recovered"
	TypeSyncStarted         EventType = "sync.started"
	TypeSyncSucceeded       EventType = "sync.succeeded"
	TypeSyncFailed          EventType = "sync.failed"
	TypeSyncRetried         EventType = "sync.retried"
	TypeSyncRecovered       EventType = "sync.recovered"
	TypeConfigChanged       EventType = "config.changed"
	TypeConfigError         EventType = "config.error"
	TypeAccessDenied        EventType = "access.denied"
	TypeAccessSuspicious    EventType = "access.suspicious"
	TypeSystemStarted       EventType = "system.started"
	TypeSystemStopped       EventType = "system.stopped"
	TypeResourceUnavailable EventType = "resource.unavailable"
)

// Severity orders events; lower severities can be filtered out.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityError:    3,
	SeverityCritical: 4,
}

// Rank is 0 for unknown severities.
func (s Severity) Rank() int { return severityRank[s] }

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool { return s.Rank() >= min.Rank() }

// ParseSeverity accepts any case; unknown values become INFO.
func ParseSeverity(v string) Severity {
	s := Severity(strings.ToUpper(strings.TrimSpace(v)))
	if s.Rank() == 0 {
		return SeverityInfo
	}
	return s
}

// Event is one audit trail entry.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	Severity  Severity       `json:"severity"`
	Component string         `json:"component"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Stats summarises stored events.
type Stats struct {
	Total      int               `json:"total"`
	ByType     map[EventType]int `json:"by_type"`
	BySeverity map[Severity]int  `json:"by_severity"`
	Oldest     *time.Time        `json:"oldest,omitempty"`
	Newest     *time.Time        `json:"newest,omitempty"`
}
