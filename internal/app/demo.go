package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rpggio/kairos/internal/domain/dashboard"
	"github.com/rpggio/kairos/internal/domain/syncstate"
)

// DashboardWriter receives demo snapshots.
type DashboardWriter interface {
	UpdateDashboard(ctx context.Context, snap dashboard.Snapshot) (syncstate.Envelope, error)
}

var demoStages = []string{"plan", "build", "review", "ship"}

// DemoSnapshot returns the simulated dashboard after tick seconds.
func DemoSnapshot(tick int64) dashboard.Snapshot {
	snap := dashboard.New()
	snap.TimeTracker.Running = true
	snap.TimeTracker.Project = "kairos"
	snap.TimeTracker.Task = "demo"
	snap.TimeTracker.Elapsed = tick
	snap.TimeTracker.TotalToday = 3*60*60 + tick

	// One stage every 30s, then start over.
	cycle := tick % int64(30*len(demoStages))
	done := int(cycle / 30)
	snap.Workflow = dashboard.Workflow{
		Active:             true,
		Stage:              demoStages[done],
		TotalStages:        len(demoStages),
		CompletedStages:    done,
		Progress:           float64(cycle) / float64(30*len(demoStages)) * 100,
		EstimatedRemaining: int64(30*len(demoStages)) - cycle,
	}

	unread := int(tick/20) % 5
	snap.Notifications = dashboard.Notifications{
		Total:  unread + 3,
		Unread: unread,
		Types:  map[string]int{"info": 3, "alert": unread},
	}
	if unread > 0 {
		snap.Notifications.Last = fmt.Sprintf("%d new alert(s)", unread)
	}

	snap.Resize(1280, 48)
	snap.Layout.Expanded = true
	snap.Layout.VisibleComponents = []string{"time_tracker", "workflow", "notifications"}
	return snap
}

// RunDemo writes a simulated dashboard every interval until ctx is done.
// Failed writes are logged and the loop keeps going.
func (a *App) RunDemo(ctx context.Context, w DashboardWriter, clock clockwork.Clock, interval time.Duration) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	start := clock.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.Chan():
			snap := DemoSnapshot(int64(now.Sub(start) / time.Second))
			snap.Timestamp = now.UTC()
			if _, err := w.UpdateDashboard(ctx, snap); err != nil {
				a.Logger.Warn("demo update failed", "error", err)
			}
		}
	}
}
