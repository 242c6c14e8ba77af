package executor

import (
	"errors"
	"sync"
	"time"

	"socialpilot/internal/clock"
	"socialpilot/internal/task/engine"
	logx "socialpilot/pkg/logx"
)

// ErrDelayStopped is returned by Schedule after Stop.
var ErrDelayStopped = errors.New("delay queue stopped")

// Enqueuer accepts tasks. *engine.Service satisfies it.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type delayed struct {
	timer  clock.Timer
	task   engine.Task
	onDrop func(error)
}

// DelayQueue holds tasks until their delay elapses and then enqueues them on
// the engine. Nothing occupies a worker while waiting.
type DelayQueue struct {
	clock  clock.Clock
	engine Enqueuer
	log    logx.Logger

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]*delayed
	stopped bool
}

func NewDelayQueue(c clock.Clock, eng Enqueuer, log logx.Logger) *DelayQueue {
	if c == nil {
		c = clock.Real{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DelayQueue{
		clock:   c,
		engine:  eng,
		log:     log.With(logx.Comp("delay")),
		pending: make(map[uint64]*delayed),
	}
}

// Schedule enqueues t after d. onDrop runs if the task never reaches the
// engine, either because the enqueue failed or the queue was stopped. Unless
// t carries its own OnDrop, onDrop also covers an engine that accepted the
// task and then dropped it.
func (q *DelayQueue) Schedule(d time.Duration, t engine.Task, onDrop func(error)) error {
	if d < 0 {
		d = 0
	}
	if t.OnDrop == nil {
		t.OnDrop = onDrop
	}
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrDelayStopped
	}
	q.seq++
	id := q.seq
	item := &delayed{task: t, onDrop: onDrop}
	q.pending[id] = item
	q.mu.Unlock()

	timer := q.clock.AfterFunc(d, func() { q.fire(id) })

	q.mu.Lock()
	if _, ok := q.pending[id]; ok {
		item.timer = timer
	}
	q.mu.Unlock()
	return nil
}

func (q *DelayQueue) fire(id uint64) {
	q.mu.Lock()
	item, ok := q.pending[id]
	delete(q.pending, id)
	q.mu.Unlock()
	if !ok {
		return
	}
	if err := q.engine.Enqueue(item.task); err != nil {
		q.log.Warn("delayed task dropped", logx.String("task", item.task.Name), logx.Any("fields", item.task.Fields), logx.Err(err))
		if item.onDrop != nil {
			item.onDrop(err)
		}
	}
}

// Len returns the number of tasks still waiting.
func (q *DelayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stop cancels every waiting task and runs its onDrop. Later Schedule calls
// fail with ErrDelayStopped.
func (q *DelayQueue) Stop() int {
	q.mu.Lock()
	q.stopped = true
	items := make([]*delayed, 0, len(q.pending))
	for id, item := range q.pending {
		items = append(items, item)
		delete(q.pending, id)
	}
	q.mu.Unlock()

	for _, item := range items {
		if item.timer != nil {
			item.timer.Stop()
		}
		if item.onDrop != nil {
			item.onDrop(ErrDelayStopped)
		}
	}
	if len(items) > 0 {
		q.log.Info("pending delayed tasks cancelled", logx.Int("count", len(items)))
	}
	return len(items)
}
