package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"socialpilot/internal/clock"
	"socialpilot/internal/eventbus"
	rtsup "socialpilot/internal/runtime/supervisor"
	logx "socialpilot/pkg/logx"
)

const (
	warnThrottleEvery = 5 * time.Second
	// hardCancelWait bounds how long Stop waits for tasks to observe cancellation
	// once the grace period has run out.
	hardCancelWait = 2 * time.Second
)

type Service struct {
	mu    sync.Mutex
	cfg   Config
	clock clock.Clock
	log   logx.Logger
	bus   eventbus.Bus

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopping bool

	stateMu sync.Mutex
	states  map[string]*RunState

	hmu     sync.Mutex
	history []HistoryItem

	idSeq    uint64
	inFlight int32

	completed        uint64
	failed           uint64
	panics           uint64
	skipped          uint64
	dropped          uint64
	droppedQueueFull uint64
	droppedStale     uint64

	lastQueueFullWarnAt int64
	lastStaleWarnAt     int64
}

type queuedTask struct {
	task Task

	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions

	state *RunState
	track bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = normalizeConfig(cfg)
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real{}
	}
	return &Service{
		cfg:    cfg,
		clock:  c,
		log:    log.With(logx.Comp("taskengine")),
		bus:    bus,
		states: make(map[string]*RunState),
	}
}

func normalizeConfig(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	return cfg
}

// Apply swaps the configuration. Worker or queue size changes restart the
// workers; tasks still queued are carried over to the new queue, and those
// that no longer fit are dropped through their OnDrop.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = normalizeConfig(cfg)
	s.mu.Lock()
	prev := s.cfg
	if cfg.Clock == nil {
		cfg.Clock = prev.Clock
	}
	s.cfg = cfg
	running := s.stopCh != nil && !s.stopping
	s.mu.Unlock()

	if !running {
		return
	}
	if prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize {
		carried, _ := s.stop(ctx)
		s.start(ctx, carried)
	}
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.start(ctx, nil)
}

// start fills the new queue with carried before any worker runs, so the
// overflow is decided by the new queue size alone.
func (s *Service) start(ctx context.Context, carried []queuedTask) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		s.dropCarried(carried, ErrQueueFull)
		return
	}
	cfg := s.cfg

	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopping = false
	stopCh := s.stopCh
	queue := s.q
	var overflow []queuedTask
	for _, qt := range carried {
		select {
		case queue <- qt:
		default:
			overflow = append(overflow, qt)
		}
	}

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// A failing worker must not take the daemon down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()
	s.dropCarried(overflow, ErrQueueFull)

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker %d exited unexpectedly", idx)
		})
	}

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
	if len(carried) > 0 {
		s.log.Info("queued tasks carried over restart", logx.Int("kept", len(carried)-len(overflow)), logx.Int("dropped", len(overflow)))
	}
}

// Stop stops accepting work immediately, gives in-flight tasks until ctx is
// done to finish and then cancels them. Tasks still queued are dropped and
// their OnDrop gets ErrStopping.
func (s *Service) Stop(ctx context.Context) {
	drained, graceful := s.stop(ctx)
	for _, qt := range drained {
		s.release(qt)
		s.notifyDrop(qt.task, ErrStopping)
	}
	if drained != nil {
		s.log.Info("task engine stopped", logx.Bool("graceful", graceful), logx.Int("dropped_queued", len(drained)))
	}
}

// stop halts the workers and returns the tasks left in the queue with their
// run state still held. It returns (nil, false) when the engine was not
// running.
func (s *Service) stop(ctx context.Context) ([]queuedTask, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil || s.stopping {
		s.mu.Unlock()
		return nil, false
	}
	s.stopping = true
	close(s.stopCh)
	sup := s.sup
	queue := s.q
	s.mu.Unlock()

	graceful := true
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		graceful = false
		s.log.Warn("task engine grace period expired; cancelling in-flight tasks",
			logx.Int("in_flight", int(atomic.LoadInt32(&s.inFlight))))
		sup.Cancel()
		hctx, cancel := context.WithTimeout(context.Background(), hardCancelWait)
		_ = sup.Wait(hctx)
		cancel()
	}
	sup.Cancel()

	drained := make([]queuedTask, 0, len(queue))
	for {
		select {
		case qt := <-queue:
			drained = append(drained, qt)
			continue
		default:
		}
		break
	}

	s.mu.Lock()
	s.q = nil
	s.stopCh = nil
	s.sup = nil
	s.stopping = false
	s.mu.Unlock()
	return drained, graceful
}

// dropCarried gives up on tasks that could not follow a restart.
func (s *Service) dropCarried(carried []queuedTask, err error) {
	for _, qt := range carried {
		s.release(qt)
		atomic.AddUint64(&s.dropped, 1)
		atomic.AddUint64(&s.droppedQueueFull, 1)
		s.log.Warn("task dropped: no room after restart", s.taskFields(qt.task)...)
		s.notifyDrop(qt.task, err)
	}
}

func (s *Service) release(qt queuedTask) {
	if qt.track && qt.state != nil {
		qt.state.release()
	}
}

// notifyDrop runs t.OnDrop. A panicking hook is logged and swallowed.
func (s *Service) notifyDrop(t Task, err error) {
	if t.OnDrop == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task.on_drop panic", s.taskFields(t, logx.Any("panic", r))...)
		}
	}()
	t.OnDrop(err)
}

// Enqueue tries to enqueue a task without blocking. If the queue is full, the task is dropped.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit enqueues a task and blocks until it is accepted, ctx is canceled, or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return fmt.Errorf("task Name is required")
	}
	t.Name = name

	now := s.clock.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newTaskID(now)
	}

	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	stopCh := s.stopCh
	stopping := s.stopping
	s.mu.Unlock()

	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	timeout := t.Timeout
	if timeout <= 0 && cfg.DefaultTimeout > 0 {
		timeout = cfg.DefaultTimeout
	}
	opt := t.Opt.withDefaults(cfg)

	st := t.State
	if st == nil {
		st = s.stateFor(t.ConcurrencyKey, t.Name)
	}

	track := false
	if opt.Overlap == OverlapSkipIfRunning {
		track = true
		if !st.tryAcquire() {
			atomic.AddUint64(&s.skipped, 1)
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskSkipped, Time: now, Data: TaskEvent{ID: t.ID, Name: t.Name, Key: t.ConcurrencyKey, Started: now, Error: "overlap_skip"}})
			s.log.Debug("task skipped due to overlap", s.taskFields(t)...)
			return ErrOverlapSkip
		}
	}

	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: opt, state: st, track: track}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			if track {
				st.release()
			}
			s.onQueueFullDropped(now, t, q)
			return ErrQueueFull
		}
	}

	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		if track {
			st.release()
		}
		return ctx.Err()
	case <-stopCh:
		if track {
			st.release()
		}
		return ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := s.stopCh != nil && !s.stopping
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql = len(q)
		qc = cap(q)
	}

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Running:          running,
		Workers:          cfg.Workers,
		QueueLen:         ql,
		QueueCap:         qc,
		InFlight:         int(atomic.LoadInt32(&s.inFlight)),
		Completed:        atomic.LoadUint64(&s.completed),
		Failed:           atomic.LoadUint64(&s.failed),
		Panics:           atomic.LoadUint64(&s.panics),
		Skipped:          atomic.LoadUint64(&s.skipped),
		Dropped:          atomic.LoadUint64(&s.dropped),
		DroppedQueueFull: atomic.LoadUint64(&s.droppedQueueFull),
		DroppedStale:     atomic.LoadUint64(&s.droppedStale),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
		History:          h,
	}
}

// Busy reports whether a task with the given concurrency key is queued or running.
func (s *Service) Busy(concurrencyKey string) bool {
	key := strings.TrimSpace(concurrencyKey)
	s.stateMu.Lock()
	st := s.states[key]
	s.stateMu.Unlock()
	return st.Running()
}

func (s *Service) stateFor(concurrencyKey, name string) *RunState {
	key := strings.TrimSpace(concurrencyKey)
	if key == "" {
		key = strings.TrimSpace(name)
	}
	if key == "" {
		key = "default"
	}

	s.stateMu.Lock()
	st := s.states[key]
	if st == nil {
		st = &RunState{}
		s.states[key] = st
	}
	s.stateMu.Unlock()
	return st
}

func (s *Service) newTaskID(now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), seq)
}

func (s *Service) taskFields(t Task, extra ...logx.Field) []logx.Field {
	fields := make([]logx.Field, 0, 2+len(t.Fields)+len(extra))
	fields = append(fields, logx.String("task", t.Name), logx.String("id", t.ID))
	for k, v := range t.Fields {
		fields = append(fields, logx.String(k, v))
	}
	return append(fields, extra...)
}

func (s *Service) appendHistory(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) shouldWarn(last *int64) bool {
	prev := atomic.LoadInt64(last)
	n := time.Now().UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) onQueueFullDropped(now time.Time, t Task, q chan queuedTask) {
	atomic.AddUint64(&s.dropped, 1)
	atomic.AddUint64(&s.droppedQueueFull, 1)

	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskDropped, Time: now, Data: TaskEvent{ID: t.ID, Name: t.Name, Key: t.ConcurrencyKey, Started: now, Error: "queue_full"}})

	if s.shouldWarn(&s.lastQueueFullWarnAt) {
		s.log.Warn("task dropped: queue full", s.taskFields(t,
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", atomic.LoadUint64(&s.droppedQueueFull)),
		)...)
	}
}

func (s *Service) onStaleDropped(now time.Time, t Task, queueDelay time.Duration) {
	atomic.AddUint64(&s.dropped, 1)
	atomic.AddUint64(&s.droppedStale, 1)

	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskDropped, Time: now, Data: TaskEvent{ID: t.ID, Name: t.Name, Key: t.ConcurrencyKey, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"}})

	if s.shouldWarn(&s.lastStaleWarnAt) {
		s.log.Warn("task dropped: stale queue", s.taskFields(t,
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", atomic.LoadUint64(&s.droppedStale)),
		)...)
	}
}
