package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"socialpilot/internal/task/engine"
	logx "socialpilot/pkg/logx"
)

// Config controls the maintenance trigger service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"
}

// Enqueuer accepts triggered jobs. *engine.Service satisfies it.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type scheduleDef struct {
	id            string
	name          string
	spec          string
	timeout       time.Duration
	job           func(ctx context.Context) error
	entryID       cron.EntryID
	startupSpread time.Duration
	state         *engine.RunState
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	engine Enqueuer

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// Enqueue warning throttle, keyed by schedule name.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	ID      string
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Timezone  string
	Schedules []ScheduleInfo
}
