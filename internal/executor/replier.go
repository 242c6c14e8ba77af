package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"socialpilot/internal/automation"
	"socialpilot/internal/dedup"
	"socialpilot/internal/ports"
	"socialpilot/internal/ranking"
	"socialpilot/internal/ratelimit"
	"socialpilot/internal/task/engine"
	logx "socialpilot/pkg/logx"
)

// MaxThreadsPerPass caps how many threads one pass claims. Threads already
// answered or still pending do not count.
const MaxThreadsPerPass = 2

// ReplyState is the registry surface the replier reads and updates.
type ReplyState interface {
	ReplyConfig(userID string) (automation.AutoReplyConfig, bool)
	RecordReply(userID string, at time.Time)
	RecordFailure(userID string)
}

// PassResult summarizes one reply pass.
type PassResult struct {
	Candidates int
	Ranked     int
	Scheduled  int
	Duplicates int
	Limited    bool
}

type Replier struct {
	d       Deps
	state   ReplyState
	limiter *ratelimit.Limiter
	guard   *dedup.Guard
	delay   *DelayQueue
	log     logx.Logger

	// reported holds answered threads already logged as skipped_duplicate,
	// with the time they age out of discovery.
	mu       sync.Mutex
	reported map[dupKey]time.Time
}

type dupKey struct{ user, thread string }

func NewReplier(state ReplyState, limiter *ratelimit.Limiter, guard *dedup.Guard, delay *DelayQueue, d Deps) *Replier {
	d = d.withDefaults()
	return &Replier{
		d:       d,
		state:   state,
		limiter: limiter,
		guard:   guard,
		delay:   delay,
		log:     d.Log.With(logx.Comp("replier")),

		reported: make(map[dupKey]time.Time),
	}
}

// Pass runs one question-monitoring pass for userID.
func (r *Replier) Pass(ctx context.Context, userID string) error {
	_, err := r.pass(ctx, userID)
	return err
}

func (r *Replier) pass(ctx context.Context, userID string) (PassResult, error) {
	var res PassResult
	cfg, ok := r.state.ReplyConfig(userID)
	if !ok {
		return res, nil
	}

	cands, err := r.discover(ctx, cfg)
	if err != nil {
		r.state.RecordFailure(userID)
		r.d.record(ctx, r.log, automation.Activity{
			UserID:  userID,
			Kind:    automation.KindReply,
			Status:  automation.StatusFailed,
			Details: map[string]any{"stage": "discovery", "error": err.Error()},
		})
		return res, engine.NoRetry(err)
	}
	res.Candidates = len(cands)

	ranked := ranking.Rank(cands, ranking.Criteria{
		Domain:      cfg.Domain,
		Keywords:    cfg.Keywords,
		MinScore:    cfg.ScoreFloor(),
		MaxAgeHours: cfg.MaxAgeHours,
	})
	res.Ranked = len(ranked)
	r.pruneReported()

	claimed := 0
	for _, th := range ranked {
		if claimed >= MaxThreadsPerPass {
			break
		}
		acted, err := r.guard.HasActedOn(ctx, userID, th.ID)
		if err != nil {
			// Persistence is down: abandon the pass, the next tick retries.
			return res, engine.NoRetry(err)
		}
		if acted {
			res.Duplicates++
			if r.firstReport(userID, th.ID, cfg.MaxAgeHours) {
				r.d.record(ctx, r.log, automation.Activity{
					UserID:  userID,
					Kind:    automation.KindReply,
					Status:  automation.StatusSkippedDuplicate,
					Details: threadDetails(th),
				})
			}
			continue
		}
		if !r.guard.TryClaim(userID, th.ID) {
			r.log.Debug("thread already pending", logx.User(userID), logx.Thread(th.ID))
			continue
		}
		claimed++
		if !r.limiter.TryConsume(userID) {
			r.guard.Release(userID, th.ID)
			res.Limited = true
			r.d.record(ctx, r.log, automation.Activity{
				UserID:  userID,
				Kind:    automation.KindReply,
				Status:  automation.StatusSkippedRateLimited,
				Details: threadDetails(th),
			})
			break
		}
		p := &pendingReply{r: r, userID: userID, th: th, consumedAt: r.d.Clock.Now()}

		if err := r.answerAndSchedule(ctx, cfg, p); err != nil {
			if errors.Is(err, ErrDelayStopped) {
				return res, engine.NoRetry(err)
			}
			continue
		}
		res.Scheduled++
	}

	if res.Scheduled > 0 || res.Duplicates > 0 || res.Limited {
		r.log.Debug("reply pass", logx.User(userID), logx.Int("candidates", res.Candidates), logx.Int("ranked", res.Ranked), logx.Int("scheduled", res.Scheduled), logx.Int("duplicates", res.Duplicates), logx.Bool("limited", res.Limited))
	}
	return res, nil
}

// discover searches every channel. It fails only when every channel failed.
func (r *Replier) discover(ctx context.Context, cfg automation.AutoReplyConfig) ([]automation.CandidateThread, error) {
	var (
		out    []automation.CandidateThread
		errs   []error
		failed int
	)
	for _, ch := range cfg.Channels {
		cctx, cancel := r.d.call(ctx)
		found, err := r.d.Discovery.Search(cctx, ch, cfg.Keywords, cfg.MaxAgeHours)
		cancel()
		if err != nil {
			failed++
			errs = append(errs, fmt.Errorf("%s: %w", ch, err))
			r.log.Warn("discovery failed", logx.User(cfg.UserID), logx.Channel(ch), logx.Err(err))
			continue
		}
		out = append(out, found...)
	}
	if len(cfg.Channels) > 0 && failed == len(cfg.Channels) {
		return nil, fmt.Errorf("auto_reply discovery: %w", errors.Join(errs...))
	}
	return out, nil
}

// answerAndSchedule generates the answer now and defers the send by the
// configured minimum delay. On any failure the claim and the consumed slot
// are given back.
func (r *Replier) answerAndSchedule(ctx context.Context, cfg automation.AutoReplyConfig, p *pendingReply) error {
	actx, cancel := r.d.call(ctx)
	answer, err := r.d.Generator.Answer(actx, ports.AnswerBrief{
		UserID:    p.userID,
		Domain:    cfg.Domain,
		Expertise: cfg.Expertise,
		Thread:    p.th,
	})
	cancel()
	if err != nil {
		p.fail(ctx, "generate", err)
		return err
	}
	p.answer = answer

	delay := cfg.MinDelay()
	task := engine.Task{
		Name:   "auto_reply.send",
		Fields: map[string]string{"user": p.userID, "thread": p.th.ID},
		Run: func(ctx context.Context) error {
			return r.send(ctx, p)
		},
	}
	// Shutdown or a dropped engine task lands here; the reply is never sent.
	onDrop := func(err error) { p.fail(context.Background(), "dropped", err) }
	if err := r.delay.Schedule(delay, task, onDrop); err != nil {
		p.settle(p.giveBack)
		return err
	}
	r.log.Debug("reply scheduled", logx.User(p.userID), logx.Thread(p.th.ID), logx.Duration("delay", delay), logx.Float64("score", p.th.EngagementScore))
	return nil
}

// send posts the prepared answer. Only a confirmed reply marks the thread.
// A user whose reply automation was disabled while the send waited gets
// nothing posted.
func (r *Replier) send(ctx context.Context, p *pendingReply) error {
	if _, ok := r.state.ReplyConfig(p.userID); !ok {
		p.settle(p.giveBack)
		r.log.Info("pending reply cancelled: automation disabled", logx.User(p.userID), logx.Thread(p.th.ID))
		return nil
	}
	creds, err := r.credentials(ctx, p.userID)
	if err == nil {
		sctx, cancel := r.d.call(ctx)
		var replyID string
		replyID, err = r.d.Replies.Reply(sctx, creds, p.th.ID, p.answer)
		cancel()
		if err == nil {
			p.settle(func() { r.confirmed(ctx, p.userID, p.th, replyID) })
			return nil
		}
	}
	p.fail(ctx, "reply", err)
	return engine.NoRetry(fmt.Errorf("auto_reply send: %w", err))
}

func (r *Replier) confirmed(ctx context.Context, userID string, th automation.RankedThread, replyID string) {
	now := r.d.Clock.Now()
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	markErr := r.guard.MarkActedOn(mctx, userID, th.ID, replyID)
	cancel()
	if markErr != nil {
		r.log.Error("dedup mark failed after confirmed reply", logx.User(userID), logx.Thread(th.ID), logx.Err(markErr))
	}
	r.state.RecordReply(userID, now)
	details := threadDetails(th)
	details["reply_id"] = replyID
	r.d.record(ctx, r.log, automation.Activity{
		UserID:  userID,
		Kind:    automation.KindReply,
		Status:  automation.StatusSuccess,
		At:      now,
		Details: details,
	})
	r.log.Info("reply sent", logx.User(userID), logx.Thread(th.ID), logx.String("reply_id", replyID))
}

func (r *Replier) failed(ctx context.Context, userID string, th automation.RankedThread, stage string, err error) {
	r.state.RecordFailure(userID)
	details := threadDetails(th)
	details["stage"] = stage
	details["error"] = err.Error()
	r.d.record(ctx, r.log, automation.Activity{
		UserID:  userID,
		Kind:    automation.KindReply,
		Status:  automation.StatusFailed,
		Details: details,
	})
}

func (r *Replier) credentials(ctx context.Context, userID string) (automation.Credentials, error) {
	if r.d.Credentials == nil {
		return automation.Credentials{UserID: userID}, nil
	}
	return r.d.Credentials.Credentials(ctx, userID)
}

func threadDetails(th automation.RankedThread) map[string]any {
	return map[string]any{
		"thread_id": th.ID,
		"channel":   th.Channel,
		"title":     th.Title,
		"score":     th.EngagementScore,
	}
}

// firstReport reports whether the answered thread has not been logged as a
// duplicate yet, and remembers it until it ages out of discovery.
func (r *Replier) firstReport(userID, threadID string, maxAgeHours float64) bool {
	k := dupKey{user: userID, thread: threadID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.reported[k]; ok {
		return false
	}
	ttl := time.Duration(maxAgeHours*float64(time.Hour)) + time.Hour
	r.reported[k] = r.d.Clock.Now().Add(ttl)
	return true
}

func (r *Replier) pruneReported() {
	now := r.d.Clock.Now()
	r.mu.Lock()
	for k, until := range r.reported {
		if now.After(until) {
			delete(r.reported, k)
		}
	}
	r.mu.Unlock()
}

// pendingReply is one answered thread holding a claim and a rate-limit
// slot until its send settles. It settles exactly once, whichever of the
// send, a failure or an engine drop gets there first.
type pendingReply struct {
	r          *Replier
	userID     string
	th         automation.RankedThread
	answer     string
	consumedAt time.Time
	once       sync.Once
}

func (p *pendingReply) settle(fn func()) { p.once.Do(fn) }

func (p *pendingReply) giveBack() {
	p.r.limiter.Refund(p.userID, p.consumedAt)
	p.r.guard.Release(p.userID, p.th.ID)
}

// fail gives the claim and the slot back and records a failed activity.
func (p *pendingReply) fail(ctx context.Context, stage string, err error) {
	p.settle(func() {
		p.giveBack()
		p.r.failed(ctx, p.userID, p.th, stage, err)
	})
}
