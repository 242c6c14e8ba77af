package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"socialpilot/internal/automation"
	"socialpilot/internal/clock"
	"socialpilot/internal/eventbus"
	"socialpilot/internal/ratelimit"
	"socialpilot/internal/registry"
	"socialpilot/internal/storage"
	"socialpilot/internal/task/engine"
	logx "socialpilot/pkg/logx"
)

var midnight = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type recorder struct {
	mu    sync.Mutex
	tasks []engine.Task
	busy  map[string]bool
}

func (r *recorder) Enqueue(t engine.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy[t.ConcurrencyKey] {
		return engine.ErrOverlapSkip
	}
	r.tasks = append(r.tasks, t)
	return nil
}

func (r *recorder) byName(name string) []engine.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []engine.Task
	for _, t := range r.tasks {
		if t.Name == name {
			out = append(out, t)
		}
	}
	return out
}

type noopPoster struct{}

func (noopPoster) Run(context.Context, string, string) error { return nil }

type noopReplier struct{}

func (noopReplier) Pass(context.Context, string) error { return nil }

func newLoop(t *testing.T) (*Loop, *registry.Registry, *recorder, *clock.Fake) {
	t.Helper()
	c := clock.NewFake(midnight)
	lim := ratelimit.New(c)
	reg := registry.New(storage.NewMemory(), lim, c, logx.Nop())
	rec := &recorder{busy: map[string]bool{}}
	l := New(Config{Location: time.UTC}, Deps{
		Schedules: reg,
		Limiter:   lim,
		Engine:    rec,
		Poster:    noopPoster{},
		Replier:   noopReplier{},
		Clock:     c,
		Log:       logx.Nop(),
	})
	return l, reg, rec, c
}

func TestPostsFireExactlyOncePerSlotOverADay(t *testing.T) {
	t.Parallel()
	l, reg, rec, _ := newLoop(t)
	ctx := context.Background()
	if _, err := reg.SetAutoPost(ctx, automation.AutoPostConfig{UserID: "u1", Enabled: true, Domain: "finance", PostsPerDay: 3}); err != nil {
		t.Fatalf("SetAutoPost: %v", err)
	}
	if _, err := reg.SetAutoPost(ctx, automation.AutoPostConfig{UserID: "u2", Enabled: true, Domain: "tech", Times: []string{"00:00", "23:59"}}); err != nil {
		t.Fatalf("SetAutoPost: %v", err)
	}

	// Two scans per minute: the second in each minute must not refire.
	for at := midnight; at.Before(midnight.Add(24 * time.Hour)); at = at.Add(30 * time.Second) {
		l.Scan(at)
	}

	got := map[string][]string{}
	for _, task := range rec.byName(string(automation.KindPost)) {
		got[task.Fields["user"]] = append(got[task.Fields["user"]], task.Fields["slot"])
	}
	if len(got["u1"]) != 3 {
		t.Fatalf("u1 fired %v, want 3 slots", got["u1"])
	}
	want := []string{"09:00", "15:00", "21:00"}
	for i, slot := range want {
		if got["u1"][i] != slot {
			t.Fatalf("u1 slots = %v, want %v", got["u1"], want)
		}
	}
	if len(got["u2"]) != 2 {
		t.Fatalf("u2 fired %v, want 2 slots", got["u2"])
	}
}

func TestLateTickStillFiresSkippedMinute(t *testing.T) {
	t.Parallel()
	l, reg, rec, _ := newLoop(t)
	if _, err := reg.SetAutoPost(context.Background(), automation.AutoPostConfig{UserID: "u1", Enabled: true, Domain: "finance", Times: []string{"09:00", "12:00"}}); err != nil {
		t.Fatalf("SetAutoPost: %v", err)
	}
	at := func(h, m, s int) time.Time { return midnight.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second) }

	// The tick due at 09:00:59 arrives at 09:01:02; no scan ran inside 09:00.
	l.Scan(at(8, 59, 59))
	res := l.Scan(at(9, 1, 2))
	if res.PostsQueued != 1 || res.Slot != "09:01" {
		t.Fatalf("late scan = %+v, want the 09:00 slot queued", res)
	}
	if again := l.Scan(at(9, 2, 1)); again.PostsQueued != 0 {
		t.Fatalf("slot fired twice: %+v", again)
	}

	// A gap far longer than the catch-up window does not replay old slots.
	l.Scan(at(11, 0, 0))
	if res := l.Scan(at(12, 30, 0)); res.PostsQueued != 0 {
		t.Fatalf("slot 30 minutes old fired: %+v", res)
	}

	posts := rec.byName(string(automation.KindPost))
	if len(posts) != 1 || posts[0].Fields["slot"] != "09:00" {
		t.Fatalf("posts = %d, want one at 09:00", len(posts))
	}
}

func TestDueMinutes(t *testing.T) {
	t.Parallel()
	base := midnight.Add(9 * time.Hour)
	tests := []struct {
		name      string
		prev, now time.Time
		want      int
	}{
		{"first scan", time.Time{}, base.Add(30 * time.Second), 1},
		{"same minute", base.Add(10 * time.Second), base.Add(40 * time.Second), 0},
		{"next minute", base.Add(50 * time.Second), base.Add(70 * time.Second), 1},
		{"skipped minute", base.Add(-time.Second), base.Add(62 * time.Second), 2},
		{"clock went back", base.Add(time.Hour), base, 1},
		{"long gap capped", base, base.Add(time.Hour), 3},
	}
	for _, tt := range tests {
		if got := dueMinutes(tt.prev, tt.now, 2*time.Minute); len(got) != tt.want {
			t.Fatalf("%s: %d minutes %v, want %d", tt.name, len(got), got, tt.want)
		}
	}
}

func TestScanUsesConfiguredTimezone(t *testing.T) {
	t.Parallel()
	l, reg, rec, _ := newLoop(t)
	loc := time.FixedZone("UTC+7", 7*3600)
	l.Apply(Config{Location: loc})
	if _, err := reg.SetAutoPost(context.Background(), automation.AutoPostConfig{UserID: "u1", Enabled: true, Domain: "finance", Times: []string{"09:00"}}); err != nil {
		t.Fatalf("SetAutoPost: %v", err)
	}
	l.Scan(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	if n := len(rec.byName(string(automation.KindPost))); n != 0 {
		t.Fatalf("fired at 09:00 UTC (16:00 local): %d", n)
	}
	res := l.Scan(time.Date(2026, 3, 1, 2, 0, 10, 0, time.UTC))
	if res.PostsQueued != 1 || res.Slot != "09:00" {
		t.Fatalf("scan = %+v, want one post at 09:00 local", res)
	}
}

func TestReplyPassesRespectBudgetAndOverlap(t *testing.T) {
	t.Parallel()
	l, reg, rec, _ := newLoop(t)
	ctx := context.Background()
	for _, uid := range []string{"u1", "u2", "u3"} {
		if _, err := reg.SetAutoReply(ctx, automation.AutoReplyConfig{UserID: uid, Enabled: true, Domain: "finance", MaxRepliesPerHour: 1}); err != nil {
			t.Fatalf("SetAutoReply: %v", err)
		}
	}
	if !reg.Limiter().TryConsume("u2") {
		t.Fatal("TryConsume u2 denied")
	}
	rec.busy["reply:u3"] = true

	res := l.Scan(midnight.Add(10 * time.Second))
	if res.RepliesQueued != 1 || res.Skipped != 1 {
		t.Fatalf("scan = %+v, want 1 queued and 1 skipped", res)
	}
	tasks := rec.byName(string(automation.KindReply))
	if len(tasks) != 1 || tasks[0].ConcurrencyKey != "reply:u1" {
		t.Fatalf("reply tasks = %+v", tasks)
	}
	if tasks[0].Opt.Overlap != engine.OverlapSkipIfRunning {
		t.Fatal("reply pass is not overlap gated")
	}
}

func TestScanPublishesEvent(t *testing.T) {
	t.Parallel()
	l, _, _, _ := newLoop(t)
	bus := eventbus.New()
	l.d.Bus = bus
	ch, unsub := bus.Subscribe(1)
	defer unsub()
	l.Scan(midnight)
	select {
	case ev := <-ch:
		if ev.Type != eventbus.TypeScan {
			t.Fatalf("event type = %q", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no scan event")
	}
	if got := l.LastScan(); !got.At.Equal(midnight) || got.Slot != "00:00" {
		t.Fatalf("LastScan = %+v", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	l, _, _, _ := newLoop(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
