package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"socialpilot/internal/registry"
	"socialpilot/internal/task/engine"
	logx "socialpilot/pkg/logx"
)

const (
	jobPrune   = "maint.prune"
	jobStatus  = "maint.status_report"
	jobCompact = "maint.compact"
)

// registerMaintenance installs the housekeeping jobs named in specs and
// removes the ones that are absent.
func (a *App) registerMaintenance(specs map[string]string) error {
	jobs := map[string]func(context.Context) error{
		jobPrune:   a.pruneActivity,
		jobStatus:  a.reportStatus,
		jobCompact: a.compactStore,
	}
	names := make([]string, 0, len(jobs))
	for name := range jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec, ok := specs[name]
		if !ok {
			if a.sched.Remove(name) {
				a.log.Info("maintenance job disabled", logx.String("job", name))
			}
			continue
		}
		if _, err := a.sched.AddSchedule(name, spec, maintenanceTimeout, jobs[name]); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (a *App) pruneActivity(ctx context.Context) error {
	before := a.clock.Now().Add(-time.Duration(a.retention.Load()))
	n, err := a.store.Prune(ctx, before)
	if err != nil {
		return fmt.Errorf("prune activity: %w", err)
	}
	a.log.Info("activity pruned", logx.Int("deleted", n), logx.Time("before", before))
	return nil
}

func (a *App) compactStore(ctx context.Context) error {
	start := a.clock.Now()
	if err := a.store.Compact(ctx); err != nil {
		return fmt.Errorf("compact store: %w", err)
	}
	a.log.Debug("store compacted", logx.Duration("took", a.clock.Now().Sub(start)))
	return nil
}

func (a *App) reportStatus(ctx context.Context) error {
	users := a.reg.Statuses()
	snap := a.engine.Snapshot()
	text := formatStatus(a.clock.Now(), users, snap, a.guardInFlight(), a.delay.Len())
	a.log.Info("status report", logx.Int("users", len(users)), logx.Int("queue_len", snap.QueueLen), logx.Uint64("failed", snap.Failed))
	if err := a.alerts.Notify(ctx, "", text); err != nil {
		return fmt.Errorf("status report: %w", err)
	}
	return nil
}

func (a *App) guardInFlight() int {
	if a.guard == nil {
		return 0
	}
	return a.guard.InFlight()
}

func formatStatus(now time.Time, users []registry.Status, eng engine.Snapshot, claims, delayed int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "status at %s\n", now.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "engine: workers=%d queue=%d/%d in_flight=%d completed=%d failed=%d dropped=%d\n",
		eng.Workers, eng.QueueLen, eng.QueueCap, eng.InFlight, eng.Completed, eng.Failed, eng.Dropped)
	fmt.Fprintf(&b, "replies: claimed=%d delayed=%d\n", claims, delayed)
	if len(users) == 0 {
		b.WriteString("no users configured")
		return b.String()
	}
	for _, u := range users {
		var kinds []string
		if u.Post != nil {
			kinds = append(kinds, fmt.Sprintf("post(%s)", strings.Join(u.Post.Times, ",")))
		}
		if u.Reply != nil {
			kinds = append(kinds, fmt.Sprintf("reply(%d/%d per hour)", u.State.RepliesInWindow, u.Reply.MaxRepliesPerHour))
		}
		fmt.Fprintf(&b, "- %s: %s posts=%d replies=%d failures=%d",
			u.UserID, strings.Join(kinds, " "), u.State.PostsTotal, u.State.RepliesTotal, u.State.Failures)
		if !u.State.LastPostAt.IsZero() {
			fmt.Fprintf(&b, " last_post=%s", u.State.LastPostAt.UTC().Format(time.RFC3339))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
