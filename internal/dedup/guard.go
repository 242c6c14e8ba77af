// Package dedup guarantees at most one reply per (user, thread).
//
// Persistent membership lives in a ports.DedupStore. On top of it the guard
// keeps in-memory claims for threads that have been picked but whose reply
// has not been confirmed yet (for example while waiting on the reply delay),
// so a later pass cannot pick the same thread again.
package dedup

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"socialpilot/internal/automation"
	"socialpilot/internal/clock"
	"socialpilot/internal/ports"
)

type key struct {
	user   string
	thread string
}

type Guard struct {
	store ports.DedupStore
	clock clock.Clock

	mu       sync.Mutex
	inflight map[key]struct{}
	// committed holds pairs whose reply was confirmed but whose Mark failed.
	committed map[key]struct{}
}

func New(store ports.DedupStore, c clock.Clock) *Guard {
	if c == nil {
		c = clock.Real{}
	}
	return &Guard{
		store:     store,
		clock:     c,
		inflight:  make(map[key]struct{}),
		committed: make(map[key]struct{}),
	}
}

func mk(userID, threadID string) key {
	return key{user: strings.TrimSpace(userID), thread: strings.TrimSpace(threadID)}
}

// HasActedOn reports whether a confirmed reply exists for the pair.
// Store failures are wrapped with automation.ErrPersistence.
func (g *Guard) HasActedOn(ctx context.Context, userID, threadID string) (bool, error) {
	k := mk(userID, threadID)
	g.mu.Lock()
	_, done := g.committed[k]
	g.mu.Unlock()
	if done {
		return true, nil
	}
	ok, err := g.store.Exists(ctx, k.user, k.thread)
	if err != nil {
		return false, fmt.Errorf("%w: dedup exists: %v", automation.ErrPersistence, err)
	}
	return ok, nil
}

// TryClaim reserves the pair for the caller. It returns false if another
// pass holds it or it was already committed in this process.
func (g *Guard) TryClaim(userID, threadID string) bool {
	k := mk(userID, threadID)
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.committed[k]; ok {
		return false
	}
	if _, ok := g.inflight[k]; ok {
		return false
	}
	g.inflight[k] = struct{}{}
	return true
}

// Release drops a claim without recording anything, making the thread
// eligible again on a later pass.
func (g *Guard) Release(userID, threadID string) {
	k := mk(userID, threadID)
	g.mu.Lock()
	delete(g.inflight, k)
	g.mu.Unlock()
}

// MarkActedOn records a confirmed reply. It must only be called by the claim
// holder after the remote call succeeded. If the store write fails the pair
// stays blocked in memory and the error is returned.
func (g *Guard) MarkActedOn(ctx context.Context, userID, threadID, replyID string) error {
	k := mk(userID, threadID)
	err := g.store.Mark(ctx, automation.ReplyRecord{
		UserID:   k.user,
		ThreadID: k.thread,
		ReplyID:  replyID,
		At:       g.clock.Now(),
	})

	g.mu.Lock()
	delete(g.inflight, k)
	if err != nil {
		g.committed[k] = struct{}{}
	}
	g.mu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: dedup mark: %v", automation.ErrPersistence, err)
	}
	return nil
}

// InFlight returns the number of outstanding claims.
func (g *Guard) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}
