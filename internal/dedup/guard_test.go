package dedup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"socialpilot/internal/automation"
	"socialpilot/internal/clock"
	"socialpilot/internal/storage"
)

type countingStore struct {
	storage.Store
	marks   atomic.Int32
	failing atomic.Bool
}

func (c *countingStore) Mark(ctx context.Context, rec automation.ReplyRecord) error {
	if c.failing.Load() {
		return errors.New("disk full")
	}
	c.marks.Add(1)
	return c.Store.Mark(ctx, rec)
}

func (c *countingStore) Exists(ctx context.Context, userID, threadID string) (bool, error) {
	if c.failing.Load() {
		return false, errors.New("disk full")
	}
	return c.Store.Exists(ctx, userID, threadID)
}

func newGuard() (*Guard, *countingStore) {
	st := &countingStore{Store: storage.NewMemory()}
	return New(st, clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))), st
}

func TestMarkThenHasActedOn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, _ := newGuard()

	if ok, err := g.HasActedOn(ctx, "u1", "t1"); err != nil || ok {
		t.Fatalf("HasActedOn = %v, %v", ok, err)
	}
	if !g.TryClaim("u1", "t1") {
		t.Fatal("TryClaim failed on fresh pair")
	}
	if g.TryClaim("u1", "t1") {
		t.Fatal("second TryClaim succeeded while claimed")
	}
	if err := g.MarkActedOn(ctx, "u1", "t1", "r1"); err != nil {
		t.Fatalf("MarkActedOn: %v", err)
	}
	if ok, _ := g.HasActedOn(ctx, "u1", "t1"); !ok {
		t.Fatal("HasActedOn = false after mark")
	}
	if g.InFlight() != 0 {
		t.Fatalf("InFlight = %d, want 0", g.InFlight())
	}
}

func TestReleaseMakesThreadEligibleAgain(t *testing.T) {
	t.Parallel()
	g, _ := newGuard()
	if !g.TryClaim("u1", "t1") {
		t.Fatal("claim failed")
	}
	g.Release("u1", "t1")
	if !g.TryClaim("u1", "t1") {
		t.Fatal("claim failed after release")
	}
	g.Release("u1", "t1")
	if g.InFlight() != 0 {
		t.Fatalf("InFlight = %d after Release", g.InFlight())
	}
}

func TestConcurrentPassesMarkAtMostOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, st := newGuard()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if done, err := g.HasActedOn(ctx, "u1", "t1"); err != nil || done {
				return
			}
			if !g.TryClaim("u1", "t1") {
				return
			}
			_ = g.MarkActedOn(ctx, "u1", "t1", "r")
		}()
	}
	wg.Wait()
	if got := st.marks.Load(); got != 1 {
		t.Fatalf("Mark called %d times, want 1", got)
	}
}

func TestFailedMarkStillBlocksPair(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, st := newGuard()
	if !g.TryClaim("u1", "t1") {
		t.Fatal("claim failed")
	}
	st.failing.Store(true)
	if err := g.MarkActedOn(ctx, "u1", "t1", "r1"); !errors.Is(err, automation.ErrPersistence) {
		t.Fatalf("MarkActedOn err = %v, want ErrPersistence", err)
	}
	if g.TryClaim("u1", "t1") {
		t.Fatal("pair with a confirmed reply became claimable")
	}
	if ok, err := g.HasActedOn(ctx, "u1", "t1"); err != nil || !ok {
		t.Fatalf("HasActedOn = %v, %v", ok, err)
	}
	if _, err := g.HasActedOn(ctx, "u1", "t2"); !errors.Is(err, automation.ErrPersistence) {
		t.Fatalf("HasActedOn err = %v, want ErrPersistence", err)
	}
}
