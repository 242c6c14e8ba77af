// Package registry owns per-user automation configs and runtime state.
//
// The registry is a cache of the ConfigStore: every config mutation is
// written to the store first and only applied in memory once the write
// succeeded. Runtime state (last-fired markers, counters) lives in memory and
// is reconstructed from the activity log on Load.
//
// Locking: the map is guarded by an RWMutex held only for lookups and
// inserts; each user entry has its own mutex. No lock is held across a
// store or network call made by a job.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"socialpilot/internal/automation"
	"socialpilot/internal/clock"
	"socialpilot/internal/ports"
	"socialpilot/internal/ratelimit"
	logx "socialpilot/pkg/logx"
)

type entry struct {
	mu    sync.Mutex
	post  *automation.AutoPostConfig
	reply *automation.AutoReplyConfig
	state automation.ScheduleState
}

type Registry struct {
	store   ports.ConfigStore
	limiter *ratelimit.Limiter
	clock   clock.Clock
	log     logx.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

// Status is the read-back view of one user.
type Status struct {
	UserID string                      `json:"user_id"`
	Post   *automation.AutoPostConfig  `json:"post,omitempty"`
	Reply  *automation.AutoReplyConfig `json:"reply,omitempty"`
	State  automation.ScheduleState    `json:"state"`
}

func New(store ports.ConfigStore, limiter *ratelimit.Limiter, c clock.Clock, log logx.Logger) *Registry {
	if c == nil {
		c = clock.Real{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if limiter == nil {
		limiter = ratelimit.New(c)
	}
	return &Registry{
		store:   store,
		limiter: limiter,
		clock:   c,
		log:     log.With(logx.Comp("registry")),
		entries: make(map[string]*entry),
	}
}

func (r *Registry) Limiter() *ratelimit.Limiter { return r.limiter }

func (r *Registry) lookup(userID string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[userID]
	return e, ok
}

func (r *Registry) getOrCreate(userID string) *entry {
	if e, ok := r.lookup(userID); ok {
		return e
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok {
		e = &entry{state: automation.ScheduleState{LastFired: map[string]time.Time{}}}
		r.entries[userID] = e
	}
	return e
}

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", automation.ErrPersistence, op, err)
}

// SetAutoPost validates cfg, persists it and replaces the in-memory copy.
// The normalised config is returned.
func (r *Registry) SetAutoPost(ctx context.Context, cfg automation.AutoPostConfig) (automation.AutoPostConfig, error) {
	n, err := cfg.Normalize()
	if err != nil {
		return automation.AutoPostConfig{}, err
	}
	if err := r.store.SavePost(ctx, n); err != nil {
		return automation.AutoPostConfig{}, persistErr("save post config", err)
	}
	r.applyPost(n)
	r.log.Info("auto-post configured", logx.User(n.UserID), logx.Bool("enabled", n.Enabled),
		logx.Strings("times", n.Times), logx.Strings("channels", n.Channels))
	return n, nil
}

func (r *Registry) applyPost(n automation.AutoPostConfig) {
	e := r.getOrCreate(n.UserID)
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := n
	e.post = &cp
	// Forget markers of clock-times no longer configured.
	keep := make(map[string]struct{}, len(n.Times))
	for _, t := range n.Times {
		keep[t] = struct{}{}
	}
	for k := range e.state.LastFired {
		if _, ok := keep[k]; !ok {
			delete(e.state.LastFired, k)
		}
	}
}

// SetAutoReply validates cfg, persists it and replaces the in-memory copy.
// The limiter picks up the new hourly maximum immediately.
func (r *Registry) SetAutoReply(ctx context.Context, cfg automation.AutoReplyConfig) (automation.AutoReplyConfig, error) {
	n, err := cfg.Normalize()
	if err != nil {
		return automation.AutoReplyConfig{}, err
	}
	if err := r.store.SaveReply(ctx, n); err != nil {
		return automation.AutoReplyConfig{}, persistErr("save reply config", err)
	}
	r.applyReply(n)
	r.log.Info("auto-reply configured", logx.User(n.UserID), logx.Bool("enabled", n.Enabled),
		logx.Int("max_per_hour", n.MaxRepliesPerHour), logx.Strings("channels", n.Channels))
	return n, nil
}

func (r *Registry) applyReply(n automation.AutoReplyConfig) {
	e := r.getOrCreate(n.UserID)
	e.mu.Lock()
	cp := n
	e.reply = &cp
	e.mu.Unlock()
	r.limiter.SetLimit(n.UserID, n.MaxRepliesPerHour)
}

// Disable removes the kind's config for userID from the store and memory.
func (r *Registry) Disable(ctx context.Context, userID string, kind automation.Kind) error {
	userID = strings.TrimSpace(userID)
	e, ok := r.lookup(userID)
	if !ok {
		return automation.ErrNotFound
	}
	if err := r.store.Delete(ctx, userID, kind); err != nil {
		return persistErr("delete config", err)
	}
	e.mu.Lock()
	switch kind {
	case automation.KindPost:
		e.post = nil
	case automation.KindReply:
		e.reply = nil
	}
	e.mu.Unlock()
	if kind == automation.KindReply {
		r.limiter.SetLimit(userID, 0)
	}
	r.log.Info("automation disabled", logx.User(userID), logx.String("kind", string(kind)))
	return nil
}

// Load rebuilds the registry from the store. When reader is non-nil the
// limiter windows and last-fired markers are reconstructed from persisted
// activity so a restart does not reset them. Configs that no longer
// validate are skipped and logged.
func (r *Registry) Load(ctx context.Context, reader ports.ActivityReader) (int, error) {
	posts, err := r.store.LoadAllEnabledPost(ctx)
	if err != nil {
		return 0, persistErr("load post configs", err)
	}
	replies, err := r.store.LoadAllEnabledReply(ctx)
	if err != nil {
		return 0, persistErr("load reply configs", err)
	}

	users := map[string]struct{}{}
	for _, c := range posts {
		n, err := c.Normalize()
		if err != nil {
			r.log.Warn("skipping stored post config", logx.User(c.UserID), logx.Err(err))
			continue
		}
		r.applyPost(n)
		users[n.UserID] = struct{}{}
	}
	for _, c := range replies {
		n, err := c.Normalize()
		if err != nil {
			r.log.Warn("skipping stored reply config", logx.User(c.UserID), logx.Err(err))
			continue
		}
		r.applyReply(n)
		users[n.UserID] = struct{}{}
	}

	if reader != nil {
		for uid := range users {
			if err := r.reconstruct(ctx, reader, uid); err != nil {
				r.log.Warn("state reconstruction failed", logx.User(uid), logx.Err(err))
			}
		}
	}
	r.log.Info("registry loaded", logx.Int("users", len(users)),
		logx.Int("post_configs", len(posts)), logx.Int("reply_configs", len(replies)))
	return len(users), nil
}

func (r *Registry) reconstruct(ctx context.Context, reader ports.ActivityReader, userID string) error {
	now := r.clock.Now()
	e, ok := r.lookup(userID)
	if !ok {
		return nil
	}

	var errs []error
	times, err := reader.RepliesSince(ctx, userID, now.Add(-ratelimit.Window))
	if err != nil {
		errs = append(errs, fmt.Errorf("replies since: %w", err))
	} else if len(times) > 0 {
		r.limiter.Restore(userID, len(times), times[0])
		e.mu.Lock()
		e.state.LastReplyAt = times[len(times)-1]
		e.mu.Unlock()
	}

	last, ok, err := reader.LastActivity(ctx, userID, automation.KindPost)
	if err != nil {
		errs = append(errs, fmt.Errorf("last post: %w", err))
	} else if ok {
		e.mu.Lock()
		if slot, _ := last.Details["slot"].(string); slot != "" {
			e.state.LastFired[slot] = last.At.Truncate(time.Minute)
		}
		if last.Status == automation.StatusSuccess {
			e.state.LastPostAt = last.At
			e.state.LastPostURL, _ = last.Details["url"].(string)
		}
		e.mu.Unlock()
	}
	return errors.Join(errs...)
}

// PostConfigs returns copies of all enabled post configs, ordered by user.
func (r *Registry) PostConfigs() []automation.AutoPostConfig {
	var out []automation.AutoPostConfig
	for _, e := range r.snapshotEntries() {
		e.mu.Lock()
		if e.post != nil && e.post.Enabled {
			out = append(out, *e.post)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// ReplyConfigs returns copies of all enabled reply configs, ordered by user.
func (r *Registry) ReplyConfigs() []automation.AutoReplyConfig {
	var out []automation.AutoReplyConfig
	for _, e := range r.snapshotEntries() {
		e.mu.Lock()
		if e.reply != nil && e.reply.Enabled {
			out = append(out, *e.reply)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *Registry) snapshotEntries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

func (r *Registry) PostConfig(userID string) (automation.AutoPostConfig, bool) {
	e, ok := r.lookup(userID)
	if !ok {
		return automation.AutoPostConfig{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.post == nil || !e.post.Enabled {
		return automation.AutoPostConfig{}, false
	}
	return *e.post, true
}

func (r *Registry) ReplyConfig(userID string) (automation.AutoReplyConfig, bool) {
	e, ok := r.lookup(userID)
	if !ok {
		return automation.AutoReplyConfig{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reply == nil || !e.reply.Enabled {
		return automation.AutoReplyConfig{}, false
	}
	return *e.reply, true
}

// ClaimPostSlot marks slot as fired at minute for userID. It returns false
// if the slot already fired in that minute or the user has no enabled post
// config containing slot.
func (r *Registry) ClaimPostSlot(userID, slot string, minute time.Time) bool {
	e, ok := r.lookup(userID)
	if !ok {
		return false
	}
	minute = minute.Truncate(time.Minute)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.post == nil || !e.post.Enabled || !containsString(e.post.Times, slot) {
		return false
	}
	if last, ok := e.state.LastFired[slot]; ok && last.Equal(minute) {
		return false
	}
	e.state.LastFired[slot] = minute
	return true
}

func (r *Registry) RecordPost(userID string, at time.Time, url string) {
	e, ok := r.lookup(userID)
	if !ok {
		return
	}
	e.mu.Lock()
	e.state.LastPostAt = at
	e.state.LastPostURL = url
	e.state.PostsTotal++
	e.mu.Unlock()
}

func (r *Registry) RecordReply(userID string, at time.Time) {
	e, ok := r.lookup(userID)
	if !ok {
		return
	}
	e.mu.Lock()
	e.state.LastReplyAt = at
	e.state.RepliesTotal++
	e.mu.Unlock()
}

func (r *Registry) RecordFailure(userID string) {
	e, ok := r.lookup(userID)
	if !ok {
		return
	}
	e.mu.Lock()
	e.state.Failures++
	e.mu.Unlock()
}

// Status returns the read-back view of userID.
func (r *Registry) Status(userID string) (Status, bool) {
	e, ok := r.lookup(userID)
	if !ok {
		return Status{}, false
	}
	return r.status(userID, e), true
}

func (r *Registry) status(userID string, e *entry) Status {
	e.mu.Lock()
	st := Status{UserID: userID, State: e.state.Clone()}
	if e.post != nil {
		cp := *e.post
		st.Post = &cp
	}
	if e.reply != nil {
		cp := *e.reply
		st.Reply = &cp
	}
	e.mu.Unlock()

	snap := r.limiter.Snapshot(userID)
	st.State.RepliesInWindow = snap.Used
	st.State.WindowStart = snap.WindowStart
	return st
}

// Statuses returns the status of every known user, ordered by user id.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		if st, ok := r.Status(id); ok {
			out = append(out, st)
		}
	}
	return out
}

// Users returns the ids of all users with any config, sorted.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
