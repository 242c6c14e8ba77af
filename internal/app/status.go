package app

import (
	"errors"
	"time"

	"socialpilot/internal/alert"
	"socialpilot/internal/dispatch"
	"socialpilot/internal/registry"
	"socialpilot/internal/runtime/supervisor"
	"socialpilot/internal/task/engine"
	"socialpilot/internal/task/scheduler"
)

// statusDoc is served at /debug/status.
type statusDoc struct {
	At            time.Time           `json:"at"`
	Users         []registry.Status   `json:"users"`
	LastScan      dispatch.ScanResult `json:"last_scan"`
	Engine        engine.Snapshot     `json:"engine"`
	Maintenance   scheduler.Snapshot  `json:"maintenance"`
	PendingDelays int                 `json:"pending_delayed_replies"`
	Alerts        []alert.HistoryItem `json:"recent_alerts"`
	Goroutines    supervisor.Counters `json:"goroutines"`
}

func (a *App) statusDoc() any {
	return statusDoc{
		At:            a.clock.Now(),
		Users:         a.reg.Statuses(),
		LastScan:      a.loop.LastScan(),
		Engine:        a.engine.Snapshot(),
		Maintenance:   a.sched.Snapshot(),
		PendingDelays: a.delay.Len(),
		Alerts:        a.alerts.History(),
		Goroutines:    a.sup.Counters(),
	}
}

// healthy fails once the supervisor has stopped or the engine is down.
func (a *App) healthy() error {
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			return err
		}
		if a.sup.Context().Err() != nil {
			return errors.New("stopping")
		}
	}
	if !a.engine.Snapshot().Running {
		return errors.New("task engine not running")
	}
	return nil
}
