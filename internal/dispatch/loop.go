// Package dispatch runs the ticker-driven scan that turns per-user schedules
// into jobs on the task engine.
//
// The loop compares wall-clock HH:MM in the configured timezone against each
// user's post times and checks each reply user's remaining hourly budget.
// Every minute between the previous scan and this one is checked, so a tick
// that lands late does not lose a slot. It
// never runs a job itself: work is enqueued with a per-user overlap key so a
// slow user cannot block anyone else.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"socialpilot/internal/automation"
	"socialpilot/internal/clock"
	"socialpilot/internal/eventbus"
	"socialpilot/internal/ratelimit"
	"socialpilot/internal/task/engine"
	logx "socialpilot/pkg/logx"
)

const DefaultInterval = 60 * time.Second

// minCatchUp is the shortest look-back a scan gives to minutes it missed.
const minCatchUp = 2 * time.Minute

// Enqueuer accepts jobs. *engine.Service satisfies it.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

// Schedules is the registry view the loop needs.
type Schedules interface {
	PostConfigs() []automation.AutoPostConfig
	ReplyConfigs() []automation.AutoReplyConfig
	ClaimPostSlot(userID, slot string, minute time.Time) bool
}

// PostRunner executes one auto-post for a claimed slot.
type PostRunner interface {
	Run(ctx context.Context, userID, slot string) error
}

// ReplyRunner executes one auto-reply pass.
type ReplyRunner interface {
	Pass(ctx context.Context, userID string) error
}

type Config struct {
	Interval time.Duration
	Location *time.Location
	// JobTimeout bounds a whole post job or reply pass. 0 uses the engine default.
	JobTimeout time.Duration
}

type Deps struct {
	Schedules Schedules
	Limiter   *ratelimit.Limiter
	Engine    Enqueuer
	Poster    PostRunner
	Replier   ReplyRunner
	Clock     clock.Clock
	Bus       eventbus.Bus
	Log       logx.Logger
}

// ScanResult summarizes one scan. It is the payload of dispatch.scan events.
type ScanResult struct {
	At            time.Time `json:"at"`
	Slot          string    `json:"slot"`
	PostsQueued   int       `json:"posts_queued"`
	RepliesQueued int       `json:"replies_queued"`
	Skipped       int       `json:"skipped"`
	Dropped       int       `json:"dropped"`
}

type Loop struct {
	d   Deps
	log logx.Logger

	mu       sync.Mutex
	cfg      Config
	last     ScanResult
	lastTime time.Time
	reset    chan struct{}
}

func New(cfg Config, d Deps) *Loop {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Loop{
		d:     d,
		log:   d.Log.With(logx.Comp("dispatch")),
		cfg:   normalize(cfg),
		reset: make(chan struct{}, 1),
	}
}

func normalize(cfg Config) Config {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return cfg
}

// Apply swaps interval, timezone and job timeout. A running loop picks up a
// new interval on its next iteration.
func (l *Loop) Apply(cfg Config) {
	cfg = normalize(cfg)
	l.mu.Lock()
	changed := cfg.Interval != l.cfg.Interval
	l.cfg = cfg
	l.mu.Unlock()
	if changed {
		select {
		case l.reset <- struct{}{}:
		default:
		}
	}
}

func (l *Loop) config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// Run scans on every tick until ctx is done. It returns as soon as ctx is
// cancelled; jobs already on the engine are left to the engine's shutdown.
func (l *Loop) Run(ctx context.Context) error {
	interval := l.config().Interval
	t := l.d.Clock.NewTicker(interval)
	defer func() { t.Stop() }()
	l.log.Info("dispatch loop started", logx.Duration("interval", interval), logx.String("tz", l.config().Location.String()))

	for {
		select {
		case <-ctx.Done():
			l.log.Info("dispatch loop stopped")
			return nil
		case <-l.reset:
			t.Stop()
			interval = l.config().Interval
			t = l.d.Clock.NewTicker(interval)
			l.log.Info("dispatch interval changed", logx.Duration("interval", interval))
		case now := <-t.C():
			l.Scan(now)
		}
	}
}

// Scan evaluates every user once at now and enqueues due work. Post slots
// are matched against every minute in (previous scan, now].
func (l *Loop) Scan(now time.Time) ScanResult {
	cfg := l.config()
	local := now.In(cfg.Location)
	slot := clockOf(local)
	res := ScanResult{At: now, Slot: slot}

	l.mu.Lock()
	prev := l.lastTime
	if now.After(prev) {
		l.lastTime = now
	}
	l.mu.Unlock()

	posts := l.d.Schedules.PostConfigs()
	for _, minute := range dueMinutes(prev, now, max(2*cfg.Interval, minCatchUp)) {
		mlocal := minute.In(cfg.Location)
		mslot := clockOf(mlocal)
		for _, pc := range posts {
			if !contains(pc.Times, mslot) {
				continue
			}
			if !l.d.Schedules.ClaimPostSlot(pc.UserID, mslot, mlocal) {
				continue
			}
			if mslot != slot {
				l.log.Info("late slot fired", logx.User(pc.UserID), logx.String("slot", mslot), logx.Time("scan", local))
			}
			l.count(&res, l.enqueuePost(cfg, pc.UserID, mslot), &res.PostsQueued)
		}
	}

	for _, rc := range l.d.Schedules.ReplyConfigs() {
		if l.d.Limiter.Remaining(rc.UserID) <= 0 {
			continue
		}
		l.count(&res, l.enqueueReply(cfg, rc.UserID), &res.RepliesQueued)
	}

	if res.PostsQueued+res.RepliesQueued+res.Dropped > 0 {
		l.log.Debug("scan", logx.String("slot", slot), logx.Int("posts", res.PostsQueued), logx.Int("replies", res.RepliesQueued), logx.Int("skipped", res.Skipped), logx.Int("dropped", res.Dropped))
	}
	l.mu.Lock()
	l.last = res
	l.mu.Unlock()
	l.d.Bus.Publish(eventbus.Event{Type: eventbus.TypeScan, Time: now, Data: res})
	return res
}

// LastScan returns the most recent scan result; zero before the first tick.
func (l *Loop) LastScan() ScanResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

func (l *Loop) count(res *ScanResult, err error, queued *int) {
	switch {
	case err == nil:
		*queued++
	case errors.Is(err, engine.ErrOverlapSkip):
		res.Skipped++
	default:
		res.Dropped++
	}
}

func (l *Loop) enqueuePost(cfg Config, userID, slot string) error {
	err := l.d.Engine.Enqueue(engine.Task{
		Name:           string(automation.KindPost),
		Timeout:        cfg.JobTimeout,
		ConcurrencyKey: "post:" + userID,
		Opt:            engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
		Fields:         map[string]string{"user": userID, "slot": slot},
		Run: func(ctx context.Context) error {
			return l.d.Poster.Run(ctx, userID, slot)
		},
	})
	l.report(err, automation.KindPost, userID)
	return err
}

func (l *Loop) enqueueReply(cfg Config, userID string) error {
	err := l.d.Engine.Enqueue(engine.Task{
		Name:           string(automation.KindReply),
		Timeout:        cfg.JobTimeout,
		ConcurrencyKey: "reply:" + userID,
		Opt:            engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
		Fields:         map[string]string{"user": userID},
		Run: func(ctx context.Context) error {
			return l.d.Replier.Pass(ctx, userID)
		},
	})
	l.report(err, automation.KindReply, userID)
	return err
}

func (l *Loop) report(err error, kind automation.Kind, userID string) {
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrOverlapSkip):
		l.log.Debug("previous job still running", logx.String("job", string(kind)), logx.User(userID))
	default:
		l.log.Warn("enqueue failed", logx.String("job", string(kind)), logx.User(userID), logx.Err(err))
	}
}

// dueMinutes lists the minute starts in (prev, now], oldest first. The first
// scan, or one whose clock went backwards, sees only now's minute. A gap
// longer than catchUp is cut to the last catchUp of it.
func dueMinutes(prev, now time.Time, catchUp time.Duration) []time.Time {
	cur := now.Truncate(time.Minute)
	if prev.IsZero() || !now.After(prev) {
		return []time.Time{cur}
	}
	from := prev.Truncate(time.Minute).Add(time.Minute)
	if floor := cur.Add(-catchUp); from.Before(floor) {
		from = floor
	}
	var out []time.Time
	for m := from; !m.After(cur); m = m.Add(time.Minute) {
		out = append(out, m)
	}
	return out
}

func clockOf(t time.Time) string {
	return automation.FormatClock(t.Hour()*60 + t.Minute())
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
