package executor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"socialpilot/internal/automation"
	"socialpilot/internal/clock"
	"socialpilot/internal/eventbus"
	"socialpilot/internal/ports"
	logx "socialpilot/pkg/logx"
)

const (
	DefaultCallTimeout = 45 * time.Second
	recordTimeout      = 5 * time.Second
)

// Deps are the collaborators shared by Poster and Replier. Only the fields a
// given executor uses need to be set.
type Deps struct {
	Generator   ports.ContentGenerator
	Posting     ports.PostingClient
	Replies     ports.ReplyClient
	Discovery   ports.Discovery
	Credentials ports.CredentialSource
	Activity    ports.ActivityLog

	Clock       clock.Clock
	Bus         eventbus.Bus
	Log         logx.Logger
	CallTimeout time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.CallTimeout <= 0 {
		d.CallTimeout = DefaultCallTimeout
	}
	return d
}

// call derives the context for one network call.
func (d Deps) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.CallTimeout)
}

// record writes a to the activity log and publishes it. Log failures are
// reported and swallowed; they never abort the action.
func (d Deps) record(ctx context.Context, log logx.Logger, a automation.Activity) automation.Activity {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.At.IsZero() {
		a.At = d.Clock.Now()
	}
	if d.Activity != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		err := d.Activity.Record(rctx, a)
		cancel()
		if err != nil {
			log.Warn("activity record failed", logx.User(a.UserID), logx.String("kind", string(a.Kind)), logx.String("status", string(a.Status)), logx.Err(err))
		}
	}
	d.Bus.Publish(eventbus.Event{Type: eventbus.TypeActivity, Time: a.At, Data: a})
	return a
}
