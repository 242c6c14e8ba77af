package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"socialpilot/internal/task/engine"
	logx "socialpilot/pkg/logx"
)

type recordingEnqueuer struct {
	mu    sync.Mutex
	tasks []engine.Task
	err   error
}

func (r *recordingEnqueuer) Enqueue(t engine.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.tasks = append(r.tasks, t)
	return nil
}

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "0 3 * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix hhmm", raw: "every:02:30", kind: SpecInterval, source: "hhmm", duration: 150 * time.Minute},
		{name: "hhmm", raw: "24:00", kind: SpecInterval, source: "hhmm", duration: 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "00:00", "01:75", "-5m", "cron:"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestAddScheduleRejectsBadCron(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &recordingEnqueuer{}, logx.Nop())
	if _, err := s.AddSchedule("prune", "61 * * * *", time.Minute, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for minute 61")
	}
	if len(s.Snapshot().Schedules) != 0 {
		t.Fatal("invalid schedule was registered")
	}
}

func TestAddReplacesByNameAndSnapshotListsNext(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "UTC"}, &recordingEnqueuer{}, logx.Nop())
	job := func(context.Context) error { return nil }
	if _, err := s.AddSchedule("prune", "0 3 * * *", time.Minute, job); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if _, err := s.AddSchedule("prune", "@daily", time.Minute, job); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if _, err := s.AddSchedule("report", "1h", time.Minute, job); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	snap := s.Snapshot()
	if len(snap.Schedules) != 2 {
		t.Fatalf("schedules = %d, want 2", len(snap.Schedules))
	}
	if snap.Schedules[0].Name != "prune" || snap.Schedules[0].Spec != "@daily" {
		t.Fatalf("prune = %+v", snap.Schedules[0])
	}
	for _, info := range snap.Schedules {
		if info.Next.IsZero() {
			t.Fatalf("%s has no next run", info.Name)
		}
	}
	if !s.Remove("report") || s.Remove("report") {
		t.Fatal("Remove did not report removal exactly once")
	}
}

func TestRunNowEnqueuesWithOverlapGate(t *testing.T) {
	t.Parallel()
	enq := &recordingEnqueuer{}
	s := New(Config{}, enq, logx.Nop())
	if _, err := s.AddSchedule("compact", "6h", time.Minute, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if err := s.RunNow("compact"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if len(enq.tasks) != 1 {
		t.Fatalf("enqueued %d tasks, want 1", len(enq.tasks))
	}
	task := enq.tasks[0]
	if task.Name != "compact" || task.ConcurrencyKey != "maint:compact" || task.Opt.Overlap != engine.OverlapSkipIfRunning {
		t.Fatalf("task = %+v", task)
	}
	if task.State == nil {
		t.Fatal("task has no run state")
	}
	if err := s.RunNow("missing"); !errors.Is(err, ErrUnknownSchedule) {
		t.Fatalf("RunNow(missing): err = %v", err)
	}
}

func TestIntervalSpreadBounds(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		sched, jitter := makeIntervalScheduleWithSpread(10*time.Second, now)
		if jitter < 0 || jitter >= 10*time.Second {
			t.Fatalf("jitter %v out of range", jitter)
		}
		if got := sched.Next(now); !got.Equal(now.Add(10*time.Second + jitter)) {
			t.Fatalf("first run = %v", got)
		}
	}
}

func TestValidateSchedule(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"cron:0 3 * * *", "@daily", "every:1h", "00:30", "*/5 * * * *"} {
		if err := ValidateSchedule(ok); err != nil {
			t.Fatalf("ValidateSchedule(%q): %v", ok, err)
		}
	}
	for _, bad := range []string{"cron:not a cron", "61 * * * *", "", "soon"} {
		if err := ValidateSchedule(bad); err == nil {
			t.Fatalf("ValidateSchedule(%q) accepted", bad)
		}
	}
}
