package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"socialpilot/internal/eventbus"
	logx "socialpilot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t, ok := <-queue:
			if !ok {
				return
			}
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, stopCh, t, rng)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

// runGuarded runs the task once, converting a panic into an error so one bad
// job can neither crash the daemon nor kill the worker.
func (s *Service) runGuarded(ctx context.Context, qt queuedTask) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&s.panics, 1)
			err = NoRetry(fmt.Errorf("%w: %v", ErrPanic, r))
			s.log.Error("task.panic", s.taskFields(qt.task, logx.Any("panic", r), logx.Stack(string(debug.Stack())))...)
		}
	}()
	return qt.task.Run(runCtx)
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	start := s.clock.Now()
	queueDelay := time.Duration(0)
	if !qt.enqueuedAt.IsZero() {
		queueDelay = start.Sub(qt.enqueuedAt)
		if queueDelay < 0 {
			queueDelay = 0
		}
	}

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()

	if qt.track && qt.state != nil {
		defer qt.state.release()
	}

	if maxDelay > 0 && queueDelay > maxDelay {
		s.onStaleDropped(start, qt.task, queueDelay)
		s.appendHistory(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.ConcurrencyKey, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		s.notifyDrop(qt.task, ErrStale)
		return
	}

	s.log.Debug("task.started", s.taskFields(qt.task, logx.Duration("queue_delay", queueDelay))...)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskStarted, Time: start, Data: TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.ConcurrencyKey, Started: start, QueueDelay: queueDelay}})

	retries := qt.opt.RetryMax
	if retries < 0 {
		retries = 0
	}

	var err error
	attempts := 0
	maxAttempts := 1 + retries
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		err = s.runGuarded(ctx, qt)
		if err == nil {
			break
		}
		var nr finalError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt >= maxAttempts || ctx.Err() != nil {
			break
		}

		delay := backoffDelay(qt.opt, attempt, rng)
		if delay > 0 {
			s.log.Debug("task retry scheduled", s.taskFields(qt.task, logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))...)
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				tmr.Stop()
				err = ctx.Err()
				break attemptLoop
			case <-stopCh:
				tmr.Stop()
				err = ErrStopping
				break attemptLoop
			case <-tmr.C:
			}
		}
	}

	end := s.clock.Now()
	dur := end.Sub(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.ConcurrencyKey, Started: start, Duration: dur, QueueDelay: queueDelay}
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.ConcurrencyKey, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		atomic.AddUint64(&s.failed, 1)
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("task.failed", s.taskFields(qt.task, logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))...)
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskFailed, Time: end, Data: ev})
		if errors.Is(err, ErrPanic) {
			s.notifyDrop(qt.task, err)
		}
	} else {
		atomic.AddUint64(&s.completed, 1)
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", s.taskFields(qt.task, logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))...)
		} else {
			s.log.Debug("task.completed", s.taskFields(qt.task, logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))...)
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskFinished, Time: end, Data: ev})
	}
	s.appendHistory(item)
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	base := opt.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := opt.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}

	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	return jitter(d, opt.RetryJitter, maxD, rng)
}

func jitter(d time.Duration, j float64, maxD time.Duration, rng *rand.Rand) time.Duration {
	if j <= 0 {
		j = 0.2
	}
	if d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
