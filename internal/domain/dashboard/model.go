package dashboard

import "time"

// Breakpoint names a responsive layout variant.
type Breakpoint string

const (
	BreakpointMobile  Breakpoint = "mobile"
	BreakpointTablet  Breakpoint = "tablet"
	BreakpointDesktop Breakpoint = "desktop"
)

const (
	// Source tags snapshots produced by the top sidebar container.
	Source = "top_sidebar"

	// DefaultDailyGoal is eight hours, in seconds.
	DefaultDailyGoal = 8 * 60 * 60

	tabletMinWidth  = 768
	desktopMinWidth = 1024
)

// Section keys in the sync payload.
const (
	SectionTimeTracker   = "time_tracker"
	SectionWorkflow      = "workflow"
	SectionNotifications = "notifications"
	SectionLayout        = "layout"
	SectionMeta          = "meta"
)

// Snapshot is the state of the top sidebar mirrored to the page.
type Snapshot struct {
	Timestamp     time.Time     `json:"timestamp"`
	Version       int64         `json:"version"`
	Source        string        `json:"source"`
	TimeTracker   TimeTracker   `json:"time_tracker"`
	Workflow      Workflow      `json:"workflow"`
	Notifications Notifications `json:"notifications"`
	Layout        Layout        `json:"layout"`
}

// TimeTracker durations are in seconds.
type TimeTracker struct {
	Elapsed    int64  `json:"elapsed"`
	Running    bool   `json:"running"`
	Paused     bool   `json:"paused"`
	Project    string `json:"project,omitempty"`
	Task       string `json:"task,omitempty"`
	TotalToday int64  `json:"total_today"`
	DailyGoal  int64  `json:"daily_goal"`
}

type Workflow struct {
	Progress           float64 `json:"progress"`
	Stage              string  `json:"stage,omitempty"`
	TotalStages        int     `json:"total_stages"`
	CompletedStages    int     `json:"completed_stages"`
	Active             bool    `json:"active"`
	EstimatedRemaining int64   `json:"estimated_remaining"`
}

type Notifications struct {
	Total  int            `json:"total"`
	Unread int            `json:"unread"`
	Last   string         `json:"last,omitempty"`
	LastAt *time.Time     `json:"last_at,omitempty"`
	Types  map[string]int `json:"types,omitempty"`
}

type Layout struct {
	Expanded          bool       `json:"expanded"`
	Breakpoint        Breakpoint `json:"breakpoint"`
	Width             int        `json:"width"`
	Height            int        `json:"height"`
	VisibleComponents []string   `json:"visible_components,omitempty"`
}
