package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"socialpilot/internal/automation"
	"socialpilot/internal/eventbus"
	rtsup "socialpilot/internal/runtime/supervisor"
	logx "socialpilot/pkg/logx"
)

const (
	TypeSent    = "alert.sent"
	TypeDeduped = "alert.deduped"
	TypeDropped = "alert.dropped"
	TypeFailed  = "alert.failed"

	historySize = 200
	sendTimeout = 10 * time.Second
)

var (
	ErrQueueFull = errors.New("alert queue full")
	ErrStopped   = errors.New("alert service stopped")
)

type job struct {
	text string
	key  string
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan job
	sup       *rtsup.Supervisor

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.Comp("alert")),
		bus:    bus,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the sender worker. It is a no-op when disabled or running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	q := s.queue
	s.sup.GoRestart("worker", func(c context.Context) error {
		s.workerLoop(c, q)
		return nil
	})
}

// Stop closes intake and drains queued alerts until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.queue = nil
	s.sup = nil
	s.mu.Unlock()

	s.sendWG.Wait()
	close(q)
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		s.log.Warn("alert drain cut short", logx.Int("left", len(q)), logx.Err(err))
	}
}

// Record implements the activity log. Only failed activity raises an alert.
func (s *Service) Record(ctx context.Context, a automation.Activity) error {
	if a.Status != automation.StatusFailed {
		return nil
	}
	stage, _ := a.Details["stage"].(string)
	key := strings.Join([]string{a.UserID, string(a.Kind), stage}, "|")
	return s.Notify(ctx, key, formatActivity(a))
}

// Notify queues text for delivery. A non-empty key suppresses repeats inside
// the dedup window.
func (s *Service) Notify(ctx context.Context, key, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return nil
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	now := time.Now()
	if window > 0 && key != "" && !s.dedupAllow(key, now, window) {
		s.bus.Publish(eventbus.Event{Type: TypeDeduped, Time: now, Data: AlertEvent{Key: key, At: now}})
		return nil
	}
	select {
	case q <- job{text: text, key: key}:
		return nil
	default:
		s.bus.Publish(eventbus.Event{Type: TypeDropped, Time: now, Data: AlertEvent{Key: key, At: now, Error: ErrQueueFull.Error()}})
		return ErrQueueFull
	}
}

func (s *Service) dedupAllow(key string, now time.Time, window time.Duration) bool {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)
	if len(s.dedup) > 4096 {
		for k, until := range s.dedup {
			if !now.Before(until) {
				delete(s.dedup, k)
			}
		}
	}
	return true
}

// History returns recently delivered alerts, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= 1+cfg.RetryMax; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := s.sender.Send(cctx, j.text)
		cancel()
		if err == nil {
			now := time.Now()
			s.hmu.Lock()
			s.history = append(s.history, HistoryItem{At: now, Text: j.text})
			if len(s.history) > historySize {
				s.history = s.history[len(s.history)-historySize:]
			}
			s.hmu.Unlock()
			s.bus.Publish(eventbus.Event{Type: TypeSent, Time: now, Data: AlertEvent{Key: j.key, At: now}})
			return
		}
		lastErr = err
		s.log.Debug("alert send failed", logx.Int("attempt", attempt), logx.Err(err))
		if attempt > cfg.RetryMax {
			break
		}
		t := time.NewTimer(cfg.RetryBase * time.Duration(1<<(attempt-1)))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("alert dropped", logx.String("key", j.key), logx.Err(lastErr))
	now := time.Now()
	s.bus.Publish(eventbus.Event{Type: TypeFailed, Time: now, Data: AlertEvent{Key: j.key, At: now, Error: lastErr.Error()}})
}

func formatActivity(a automation.Activity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed for %s", a.Kind, a.UserID)
	if !a.At.IsZero() {
		fmt.Fprintf(&b, " at %s", a.At.UTC().Format(time.RFC3339))
	}
	keys := make([]string, 0, len(a.Details))
	for k := range a.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, a.Details[k])
	}
	return b.String()
}
