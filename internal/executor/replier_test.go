package executor

import (
	"context"
	"testing"
	"time"

	"socialpilot/internal/automation"
	"socialpilot/internal/clock"
	"socialpilot/internal/task/engine"
	logx "socialpilot/pkg/logx"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// engineHarness runs delayed sends on a real single-worker engine.
func engineHarness(t *testing.T) (*harness, *engine.Service) {
	t.Helper()
	c := clock.NewFake(start)
	eng := engine.New(engine.Config{Workers: 1, Clock: c}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	return newHarnessOn(t, nil, eng, c), eng
}

// occupyWorker keeps the engine's only worker busy until release is closed
// or the task is cancelled.
func occupyWorker(t *testing.T, eng *engine.Service, release <-chan struct{}) {
	t.Helper()
	started := make(chan struct{})
	if err := eng.Enqueue(engine.Task{Name: "auto_reply.pass", Run: func(ctx context.Context) error {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started
}

func (h *harness) replies() int {
	_, n := h.platform.counts()
	return n
}

func TestQueuedSendSurvivesWorkerRescale(t *testing.T) {
	t.Parallel()
	h, eng := engineHarness(t)
	h.enableReplies(t, 2, 1)
	h.platform.threads["personalfinance"] = []automation.CandidateThread{thread("t1", 40)}
	release := make(chan struct{})
	occupyWorker(t, eng, release)

	if err := h.replier.Pass(context.Background(), "u1"); err != nil {
		t.Fatalf("Pass: %v", err)
	}
	h.clock.Advance(time.Minute)
	if snap := eng.Snapshot(); snap.QueueLen != 1 {
		t.Fatalf("QueueLen = %d, want the send waiting behind the busy worker", snap.QueueLen)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	eng.Apply(context.Background(), engine.Config{Workers: 2, Clock: h.clock})

	waitFor(t, "reply sent after restart", func() bool { return h.replies() == 1 })
	waitFor(t, "claim committed", func() bool { return h.guard.InFlight() == 0 })
	if got := h.reg.Limiter().Remaining("u1"); got != 1 {
		t.Fatalf("Remaining = %d, want 1", got)
	}
	if failed := h.acts.with(automation.StatusFailed); len(failed) != 0 {
		t.Fatalf("failed activities = %+v", failed)
	}
}

func TestQueuedSendDroppedAtStopGivesBack(t *testing.T) {
	t.Parallel()
	h, eng := engineHarness(t)
	h.enableReplies(t, 2, 1)
	h.platform.threads["personalfinance"] = []automation.CandidateThread{thread("t1", 40)}
	occupyWorker(t, eng, make(chan struct{}))

	if err := h.replier.Pass(context.Background(), "u1"); err != nil {
		t.Fatalf("Pass: %v", err)
	}
	h.clock.Advance(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	eng.Stop(ctx)

	if h.replies() != 0 {
		t.Fatal("dropped send reached the platform")
	}
	if h.guard.InFlight() != 0 {
		t.Fatal("claim leaked by dropped send")
	}
	if got := h.reg.Limiter().Remaining("u1"); got != 2 {
		t.Fatalf("Remaining = %d, want 2 after refund", got)
	}
	failed := h.acts.with(automation.StatusFailed)
	if len(failed) != 1 || failed[0].Details["stage"] != "dropped" {
		t.Fatalf("failed activities = %+v", failed)
	}
}

func TestPanickingSendGivesBackOnce(t *testing.T) {
	t.Parallel()
	h, eng := engineHarness(t)
	h.enableReplies(t, 2, 1)
	h.platform.threads["personalfinance"] = []automation.CandidateThread{thread("t1", 40)}
	h.platform.replyPanic = true

	if err := h.replier.Pass(context.Background(), "u1"); err != nil {
		t.Fatalf("Pass: %v", err)
	}
	h.clock.Advance(time.Minute)

	waitFor(t, "failed activity", func() bool { return len(h.acts.with(automation.StatusFailed)) == 1 })
	if eng.Snapshot().Panics != 1 {
		t.Fatalf("Panics = %d, want 1", eng.Snapshot().Panics)
	}
	if h.guard.InFlight() != 0 {
		t.Fatal("claim leaked by panicking send")
	}
	if got := h.reg.Limiter().Remaining("u1"); got != 2 {
		t.Fatalf("Remaining = %d, want 2 after refund", got)
	}
	st, _ := h.reg.Status("u1")
	if st.State.Failures != 1 {
		t.Fatalf("Failures = %d, want 1", st.State.Failures)
	}
}

func TestAnsweredThreadsDoNotStarveLowerRanked(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.enableReplies(t, 10, 1)
	h.platform.threads["personalfinance"] = []automation.CandidateThread{thread("t1", 90), thread("t2", 50), thread("t3", 10)}
	ctx := context.Background()

	res, err := h.replier.pass(ctx, "u1")
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if res.Scheduled != MaxThreadsPerPass {
		t.Fatalf("first pass scheduled %d, want %d", res.Scheduled, MaxThreadsPerPass)
	}
	h.clock.Advance(time.Minute)

	res, err = h.replier.pass(ctx, "u1")
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if res.Scheduled != 1 || res.Duplicates != 2 {
		t.Fatalf("second pass = %+v, want t3 scheduled past two answered threads", res)
	}
	h.clock.Advance(time.Minute)
	if h.replies() != 3 {
		t.Fatalf("replies = %d, want 3", h.replies())
	}

	for i := 0; i < 3; i++ {
		if _, err := h.replier.pass(ctx, "u1"); err != nil {
			t.Fatalf("pass: %v", err)
		}
	}
	if dups := h.acts.with(automation.StatusSkippedDuplicate); len(dups) != 3 {
		t.Fatalf("duplicate activities = %d, want one per answered thread", len(dups))
	}
}

func TestDisableCancelsPendingReply(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.enableReplies(t, 2, 5)
	h.platform.threads["personalfinance"] = []automation.CandidateThread{thread("t1", 40)}
	ctx := context.Background()

	if err := h.replier.Pass(ctx, "u1"); err != nil {
		t.Fatalf("Pass: %v", err)
	}
	if err := h.reg.Disable(ctx, "u1", automation.KindReply); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	h.clock.Advance(5 * time.Minute)

	if h.replies() != 0 {
		t.Fatal("reply sent after automation was disabled")
	}
	if h.guard.InFlight() != 0 {
		t.Fatal("claim kept for a cancelled reply")
	}
	if failed := h.acts.with(automation.StatusFailed); len(failed) != 0 {
		t.Fatalf("cancelled reply recorded as failure: %+v", failed)
	}

	h.enableReplies(t, 2, 5)
	if err := h.replier.Pass(ctx, "u1"); err != nil {
		t.Fatalf("Pass: %v", err)
	}
	h.clock.Advance(5 * time.Minute)
	if h.replies() != 1 {
		t.Fatalf("replies after re-enable = %d, want 1", h.replies())
	}
}
