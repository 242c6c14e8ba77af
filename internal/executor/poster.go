package executor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"socialpilot/internal/automation"
	"socialpilot/internal/ports"
	"socialpilot/internal/task/engine"
	logx "socialpilot/pkg/logx"
)

// PostState is the registry surface the poster reads and updates.
type PostState interface {
	PostConfig(userID string) (automation.AutoPostConfig, bool)
	RecordPost(userID string, at time.Time, url string)
	RecordFailure(userID string)
}

type Poster struct {
	d     Deps
	state PostState
	log   logx.Logger
	pick  func(n int) int
}

func NewPoster(state PostState, d Deps) *Poster {
	d = d.withDefaults()
	return &Poster{
		d:     d,
		state: state,
		log:   d.Log.With(logx.Comp("poster")),
		pick:  rand.IntN,
	}
}

// Run generates and publishes one post for the claimed slot. A generation
// failure never reaches the posting client.
func (p *Poster) Run(ctx context.Context, userID, slot string) error {
	cfg, ok := p.state.PostConfig(userID)
	if !ok {
		p.log.Debug("post config gone before run", logx.User(userID), logx.String("slot", slot))
		return nil
	}
	if len(cfg.Channels) == 0 {
		return p.fail(ctx, userID, slot, "", "config", fmt.Errorf("%w: no channels", automation.ErrInvalidConfig))
	}
	channel := cfg.Channels[p.pick(len(cfg.Channels))]

	creds, err := p.credentials(ctx, userID)
	if err != nil {
		return p.fail(ctx, userID, slot, channel, "credentials", err)
	}

	gctx, cancel := p.d.call(ctx)
	draft, err := p.d.Generator.Generate(gctx, ports.PostBrief{
		UserID:       userID,
		Domain:       cfg.Domain,
		BusinessType: cfg.BusinessType,
		Audience:     cfg.Audience,
		Language:     cfg.Language,
		Style:        cfg.Style,
		Channel:      channel,
	})
	cancel()
	if err != nil {
		return p.fail(ctx, userID, slot, channel, "generate", err)
	}

	pctx, cancel := p.d.call(ctx)
	postID, url, err := p.d.Posting.Post(pctx, creds, channel, draft.Title, draft.Body)
	cancel()
	if err != nil {
		return p.fail(ctx, userID, slot, channel, "post", err)
	}

	now := p.d.Clock.Now()
	p.state.RecordPost(userID, now, url)
	p.d.record(ctx, p.log, automation.Activity{
		UserID: userID,
		Kind:   automation.KindPost,
		Status: automation.StatusSuccess,
		At:     now,
		Details: map[string]any{
			"slot":    slot,
			"channel": channel,
			"post_id": postID,
			"url":     url,
			"title":   draft.Title,
		},
	})
	p.log.Info("post published", logx.User(userID), logx.String("slot", slot), logx.Channel(channel), logx.String("url", url))
	return nil
}

func (p *Poster) credentials(ctx context.Context, userID string) (automation.Credentials, error) {
	if p.d.Credentials == nil {
		return automation.Credentials{UserID: userID}, nil
	}
	return p.d.Credentials.Credentials(ctx, userID)
}

func (p *Poster) fail(ctx context.Context, userID, slot, channel, stage string, err error) error {
	p.state.RecordFailure(userID)
	p.d.record(ctx, p.log, automation.Activity{
		UserID: userID,
		Kind:   automation.KindPost,
		Status: automation.StatusFailed,
		Details: map[string]any{
			"slot":    slot,
			"channel": channel,
			"stage":   stage,
			"error":   err.Error(),
		},
	})
	return engine.NoRetry(fmt.Errorf("auto_post %s: %w", stage, err))
}
