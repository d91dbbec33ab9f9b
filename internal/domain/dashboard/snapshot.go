package dashboard

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrInvalidSnapshot = errors.New("invalid dashboard snapshot")

// BreakpointFor maps a viewport width in pixels to a breakpoint.
func BreakpointFor(width int) Breakpoint {
	switch {
	case width < tabletMinWidth:
		return BreakpointMobile
	case width < desktopMinWidth:
		return BreakpointTablet
	default:
		return BreakpointDesktop
	}
}

// New returns an empty snapshot with defaults filled in.
func New() Snapshot {
	return Snapshot{
		Source:      Source,
		TimeTracker: TimeTracker{DailyGoal: DefaultDailyGoal},
		Layout:      Layout{Breakpoint: BreakpointDesktop},
	}
}

// Resize sets the layout dimensions and the matching breakpoint.
func (s *Snapshot) Resize(width, height int) {
	s.Layout.Width = width
	s.Layout.Height = height
	s.Layout.Breakpoint = BreakpointFor(width)
}

// Validate checks value ranges.
func (s Snapshot) Validate() error {
	var problems []string
	if s.Workflow.Progress < 0 || s.Workflow.Progress > 100 {
		problems = append(problems, fmt.Sprintf("workflow progress %.1f outside 0-100", s.Workflow.Progress))
	}
	if s.Workflow.CompletedStages < 0 || s.Workflow.TotalStages < 0 || s.Workflow.CompletedStages > s.Workflow.TotalStages {
		problems = append(problems, fmt.Sprintf("workflow stages %d/%d", s.Workflow.CompletedStages, s.Workflow.TotalStages))
	}
	if s.TimeTracker.Elapsed < 0 || s.TimeTracker.TotalToday < 0 || s.TimeTracker.DailyGoal < 0 {
		problems = append(problems, "time tracker durations must not be negative")
	}
	if s.Notifications.Total < 0 || s.Notifications.Unread < 0 || s.Notifications.Unread > s.Notifications.Total {
		problems = append(problems, fmt.Sprintf("notification counts %d unread of %d", s.Notifications.Unread, s.Notifications.Total))
	}
	if s.Layout.Width < 0 || s.Layout.Height < 0 {
		problems = append(problems, "layout dimensions must not be negative")
	}
	switch s.Layout.Breakpoint {
	case "", BreakpointMobile, BreakpointTablet, BreakpointDesktop:
	default:
		problems = append(problems, fmt.Sprintf("unknown breakpoint %q", s.Layout.Breakpoint))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, problems)
	}
	return nil
}

// Sections flattens the snapshot into named payload sections.
func (s Snapshot) Sections() (map[string]any, error) {
	out := make(map[string]any, 5)
	for key, v := range map[string]any{
		SectionTimeTracker:   s.TimeTracker,
		SectionWorkflow:      s.Workflow,
		SectionNotifications: s.Notifications,
		SectionLayout:        s.Layout,
	} {
		m, err := toMap(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		out[key] = m
	}
	out[SectionMeta] = map[string]any{"source": s.Source}
	return out, nil
}

// FromSections rebuilds a snapshot from payload sections. Missing sections
// keep their defaults.
func FromSections(sections map[string]any) (Snapshot, error) {
	s := New()
	targets := map[string]any{
		SectionTimeTracker:   &s.TimeTracker,
		SectionWorkflow:      &s.Workflow,
		SectionNotifications: &s.Notifications,
		SectionLayout:        &s.Layout,
	}
	for key, dst := range targets {
		raw, ok := sections[key]
		if !ok || raw == nil {
			continue
		}
		data, err := json.Marshal(raw)
		if err != nil {
			return Snapshot{}, fmt.Errorf("encode %s: %w", key, err)
		}
		if err := json.Unmarshal(data, dst); err != nil {
			return Snapshot{}, fmt.Errorf("%w: section %s: %v", ErrInvalidSnapshot, key, err)
		}
	}
	if meta, ok := sections[SectionMeta].(map[string]any); ok {
		if src, ok := meta["source"].(string); ok && src != "" {
			s.Source = src
		}
	}
	return s, nil
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
