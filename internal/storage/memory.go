package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"socialpilot/internal/automation"
)

// memState is the in-memory model shared by the memory and file drivers.
// Callers hold the owning store's lock.
type memState struct {
	posts      map[string]automation.AutoPostConfig
	replies    map[string]automation.AutoReplyConfig
	dedup      map[string]automation.ReplyRecord
	activities []automation.Activity // append order, roughly chronological
}

func newMemState() *memState {
	return &memState{
		posts:   map[string]automation.AutoPostConfig{},
		replies: map[string]automation.AutoReplyConfig{},
		dedup:   map[string]automation.ReplyRecord{},
	}
}

func dedupKey(userID, threadID string) string { return userID + "\x00" + threadID }

func (m *memState) loadPost(userID string) (automation.AutoPostConfig, error) {
	c, ok := m.posts[userID]
	if !ok {
		return automation.AutoPostConfig{}, automation.ErrNotFound
	}
	return clonePost(c), nil
}

func (m *memState) loadReply(userID string) (automation.AutoReplyConfig, error) {
	c, ok := m.replies[userID]
	if !ok {
		return automation.AutoReplyConfig{}, automation.ErrNotFound
	}
	return cloneReply(c), nil
}

func (m *memState) enabledPosts() []automation.AutoPostConfig {
	out := make([]automation.AutoPostConfig, 0, len(m.posts))
	for _, c := range m.posts {
		if c.Enabled {
			out = append(out, clonePost(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (m *memState) enabledReplies() []automation.AutoReplyConfig {
	out := make([]automation.AutoReplyConfig, 0, len(m.replies))
	for _, c := range m.replies {
		if c.Enabled {
			out = append(out, cloneReply(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (m *memState) delete(userID string, kind automation.Kind) {
	switch kind {
	case automation.KindPost:
		delete(m.posts, userID)
	case automation.KindReply:
		delete(m.replies, userID)
	}
}

func (m *memState) repliesSince(userID string, since time.Time) []time.Time {
	var out []time.Time
	for _, a := range m.activities {
		if a.UserID != userID || a.Kind != automation.KindReply || a.Status != automation.StatusSuccess {
			continue
		}
		if a.At.Before(since) {
			continue
		}
		out = append(out, a.At)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (m *memState) lastActivity(userID string, kind automation.Kind) (automation.Activity, bool) {
	var (
		best  automation.Activity
		found bool
	)
	for _, a := range m.activities {
		if a.UserID != userID || a.Kind != kind {
			continue
		}
		if !found || !a.At.Before(best.At) {
			best, found = a, true
		}
	}
	return best, found
}

func (m *memState) prune(before time.Time) int {
	kept := m.activities[:0]
	n := 0
	for _, a := range m.activities {
		if a.At.Before(before) {
			n++
			continue
		}
		kept = append(kept, a)
	}
	// Clear the tail so pruned entries can be collected.
	for i := len(kept); i < len(m.activities); i++ {
		m.activities[i] = automation.Activity{}
	}
	m.activities = kept
	return n
}

func clonePost(c automation.AutoPostConfig) automation.AutoPostConfig {
	c.Channels = append([]string(nil), c.Channels...)
	c.Times = append([]string(nil), c.Times...)
	return c
}

func cloneReply(c automation.AutoReplyConfig) automation.AutoReplyConfig {
	c.Channels = append([]string(nil), c.Channels...)
	c.Keywords = append([]string(nil), c.Keywords...)
	return c
}

// memoryStore keeps everything in process memory.
type memoryStore struct {
	mu     sync.RWMutex
	st     *memState
	closed bool
}

// NewMemory returns an empty in-memory Store.
func NewMemory() Store {
	return &memoryStore{st: newMemState()}
}

func (s *memoryStore) SavePost(ctx context.Context, cfg automation.AutoPostConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.st.posts[cfg.UserID] = clonePost(cfg)
	return nil
}

func (s *memoryStore) SaveReply(ctx context.Context, cfg automation.AutoReplyConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.st.replies[cfg.UserID] = cloneReply(cfg)
	return nil
}

func (s *memoryStore) LoadPost(ctx context.Context, userID string) (automation.AutoPostConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.loadPost(userID)
}

func (s *memoryStore) LoadReply(ctx context.Context, userID string) (automation.AutoReplyConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.loadReply(userID)
}

func (s *memoryStore) LoadAllEnabledPost(ctx context.Context) ([]automation.AutoPostConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.enabledPosts(), nil
}

func (s *memoryStore) LoadAllEnabledReply(ctx context.Context) ([]automation.AutoReplyConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.enabledReplies(), nil
}

func (s *memoryStore) Delete(ctx context.Context, userID string, kind automation.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.st.delete(userID, kind)
	return nil
}

func (s *memoryStore) Exists(ctx context.Context, userID, threadID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.st.dedup[dedupKey(userID, threadID)]
	return ok, nil
}

func (s *memoryStore) Mark(ctx context.Context, rec automation.ReplyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.st.dedup[dedupKey(rec.UserID, rec.ThreadID)] = rec
	return nil
}

func (s *memoryStore) Record(ctx context.Context, a automation.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.st.activities = append(s.st.activities, a)
	return nil
}

func (s *memoryStore) RepliesSince(ctx context.Context, userID string, since time.Time) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.repliesSince(userID, since), nil
}

func (s *memoryStore) LastActivity(ctx context.Context, userID string, kind automation.Kind) (automation.Activity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.st.lastActivity(userID, kind)
	return a, ok, nil
}

func (s *memoryStore) Prune(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.prune(before), nil
}

func (s *memoryStore) Compact(ctx context.Context) error { return nil }

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
