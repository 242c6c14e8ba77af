package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"socialpilot/internal/alert"
	"socialpilot/internal/brain"
	"socialpilot/internal/clock"
	"socialpilot/internal/config"
	"socialpilot/internal/dedup"
	"socialpilot/internal/dispatch"
	"socialpilot/internal/eventbus"
	"socialpilot/internal/executor"
	"socialpilot/internal/observability/debug"
	"socialpilot/internal/ports"
	"socialpilot/internal/ratelimit"
	"socialpilot/internal/reddit"
	"socialpilot/internal/registry"
	"socialpilot/internal/runtime/supervisor"
	"socialpilot/internal/storage"
	"socialpilot/internal/task/engine"
	"socialpilot/internal/task/scheduler"
	logx "socialpilot/pkg/logx"
)

const bootTimeout = 30 * time.Second

// Platform is everything the executors need from the social network.
type Platform interface {
	ports.Discovery
	ports.PostingClient
	ports.ReplyClient
}

type options struct {
	generator ports.ContentGenerator
	platform  Platform
	sender    alert.Sender
	clock     clock.Clock
	log       *logx.Logger
}

type Option func(*options)

// WithGenerator replaces the LLM-backed content generator.
func WithGenerator(g ports.ContentGenerator) Option { return func(o *options) { o.generator = g } }

// WithPlatform replaces the Reddit client.
func WithPlatform(p Platform) Option { return func(o *options) { o.platform = p } }

// WithAlertSender replaces the Telegram sender.
func WithAlertSender(s alert.Sender) Option { return func(o *options) { o.sender = s } }

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithLogger bypasses the configured log sinks.
func WithLogger(l logx.Logger) Option { return func(o *options) { o.log = &l } }

type App struct {
	cfgm *config.Manager
	cfg  *config.Config // last applied; owned by the reload goroutine after Start

	sup   *supervisor.Supervisor
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	clock clock.Clock

	store  storage.Store
	reg    *registry.Registry
	engine *engine.Service
	guard  *dedup.Guard
	delay  *executor.DelayQueue
	loop   *dispatch.Loop
	sched  *scheduler.Service
	alerts *alert.Service
	debug  *debug.Service
	creds  *seedCredentials

	grace     atomic.Int64
	retention atomic.Int64
}

// New loads the config file and builds every component. Nothing runs
// until Start.
func New(cfgPath string, opts ...Option) (a *App, err error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.clock == nil {
		o.clock = clock.Real{}
	}

	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	var (
		logSvc *logx.Service
		log    logx.Logger
	)
	if o.log != nil {
		log = *o.log
	} else {
		logSvc, log = logx.New(mapLogging(cfg))
	}
	cfgm.SetLogger(log)
	appLog := log.With(logx.Comp("app"))

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = store.Close()
		}
	}()
	appLog.Info("storage opened", logx.String("driver", sc.Driver))

	bootCtx, cancel := context.WithTimeout(context.Background(), bootTimeout)
	defer cancel()

	limiter := ratelimit.New(o.clock)
	reg := registry.New(store, limiter, o.clock, log)
	loaded, err := reg.Load(bootCtx, store)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	appLog.Info("registry loaded", logx.Int("users", loaded))

	bus := eventbus.New()
	engCfg, err := mapEngine(cfg, max(loaded, len(cfg.Users)))
	if err != nil {
		return nil, err
	}
	engCfg.Clock = o.clock
	eng := engine.New(engCfg, log, bus)

	gen := o.generator
	if gen == nil {
		bc, err := mapBrain(cfg)
		if err != nil {
			return nil, err
		}
		g, err := brain.New(bootCtx, bc, log)
		if err != nil {
			return nil, err
		}
		gen = g
	}
	platform := o.platform
	if platform == nil {
		rc, err := mapReddit(cfg)
		if err != nil {
			return nil, err
		}
		platform = reddit.New(rc, log)
	}

	acfg, err := mapAlert(cfg)
	if err != nil {
		return nil, err
	}
	sender := o.sender
	if sender == nil && acfg.Enabled {
		tc, err := mapTelegram(cfg)
		if err != nil {
			return nil, err
		}
		tg, err := alert.NewTelegram(tc)
		if err != nil {
			return nil, fmt.Errorf("alert: %w", err)
		}
		sender = tg
	}
	alerts := alert.New(acfg, sender, log, bus)

	callTimeout, err := mapCallTimeout(cfg)
	if err != nil {
		return nil, err
	}
	grace, err := mapGrace(cfg)
	if err != nil {
		return nil, err
	}
	retention, err := mapRetention(cfg)
	if err != nil {
		return nil, err
	}
	dcfg, err := mapDispatch(cfg)
	if err != nil {
		return nil, err
	}
	dbgCfg, err := mapDebug(cfg)
	if err != nil {
		return nil, err
	}

	creds := newSeedCredentials(cfg.Users)
	guard := dedup.New(store, o.clock)
	delay := executor.NewDelayQueue(o.clock, eng, log)
	deps := executor.Deps{
		Generator:   gen,
		Posting:     platform,
		Replies:     platform,
		Discovery:   platform,
		Credentials: creds,
		Activity:    alert.Tee{Primary: store, Sinks: []ports.ActivityLog{alerts}},
		Clock:       o.clock,
		Bus:         bus,
		Log:         log,
		CallTimeout: callTimeout,
	}
	poster := executor.NewPoster(reg, deps)
	replier := executor.NewReplier(reg, limiter, guard, delay, deps)

	loop := dispatch.New(dcfg, dispatch.Deps{
		Schedules: reg,
		Limiter:   limiter,
		Engine:    eng,
		Poster:    poster,
		Replier:   replier,
		Clock:     o.clock,
		Bus:       bus,
		Log:       log,
	})
	sched := scheduler.New(scheduler.Config{Timezone: cfg.Maintenance.Timezone}, eng, log)

	a = &App{
		cfgm:   cfgm,
		cfg:    cfg,
		log:    appLog,
		logs:   logSvc,
		bus:    bus,
		clock:  o.clock,
		store:  store,
		reg:    reg,
		engine: eng,
		guard:  guard,
		delay:  delay,
		loop:   loop,
		sched:  sched,
		alerts: alerts,
		creds:  creds,
	}
	a.debug = debug.New(dbgCfg, a.statusDoc, a.healthy, log)
	a.grace.Store(int64(grace))
	a.retention.Store(int64(retention))
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start seeds users and launches the engine, the dispatch loop, the
// maintenance scheduler and config hot reload.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Workers outlive the supervisor so Stop can grant them a grace period.
	workCtx := context.WithoutCancel(ctx)
	a.engine.Start(workCtx)
	a.alerts.Start(workCtx)

	seedCtx, cancel := context.WithTimeout(ctx, bootTimeout)
	_ = applySeeds(seedCtx, a.reg, nil, a.cfg.Users, a.log)
	cancel()

	if err := a.registerMaintenance(maintenanceSpecs(a.cfg)); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())
	a.debug.Start(a.sup.Context())

	a.sup.Go("dispatch.loop", a.loop.Run)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if a.log.Enabled(logx.LevelDebug) {
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		}
	})

	a.cfgm.SetValidator(a.validateReload)
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, next)
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Int("users", len(a.reg.Users())),
		logx.Int("workers", a.engine.Snapshot().Workers),
	)
	return nil
}

// validateReload rejects configs whose components cannot be built.
func (a *App) validateReload(_ context.Context, cfg *config.Config) error {
	if _, err := mapDispatch(cfg); err != nil {
		return err
	}
	if _, err := mapEngine(cfg, len(a.reg.Users())); err != nil {
		return err
	}
	if _, err := mapDebug(cfg); err != nil {
		return err
	}
	acfg, err := mapAlert(cfg)
	if err != nil {
		return err
	}
	if acfg.Enabled {
		tc, err := mapTelegram(cfg)
		if err != nil {
			return err
		}
		if strings.TrimSpace(tc.Token) == "" {
			return errors.New("alert.enabled=true but no telegram token is configured")
		}
	}
	return nil
}

func (a *App) applyConfig(ctx context.Context, next *config.Config) {
	change := config.SummarizeChange(a.cfg, next)
	if change.Empty() {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	prev := a.cfg
	a.cfg = next

	if len(change.RestartOnly) > 0 {
		a.log.Warn("config sections changed that need a restart",
			logx.String("sections", strings.Join(change.RestartOnly, ",")))
	}

	if change.Has("logging") && a.logs != nil {
		a.logs.Apply(mapLogging(next))
	}
	if change.Has("storage") {
		if r, err := mapRetention(next); err == nil {
			a.retention.Store(int64(r))
		}
	}
	if change.Has("users") {
		a.creds.set(next.Users)
		_ = applySeeds(ctx, a.reg, prev.Users, next.Users, a.log)
	}
	if change.Has("dispatch") {
		if dcfg, err := mapDispatch(next); err == nil {
			a.loop.Apply(dcfg)
		}
		if g, err := mapGrace(next); err == nil {
			a.grace.Store(int64(g))
		}
	}
	// The default worker count follows the user count, so seeds come first.
	if change.Has("dispatch") || change.Has("users") {
		if ecfg, err := mapEngine(next, len(a.reg.Users())); err == nil {
			ecfg.Clock = a.clock
			a.engine.Apply(context.WithoutCancel(ctx), ecfg)
		}
	}
	if change.Has("maintenance") {
		a.sched.Apply(scheduler.Config{Timezone: next.Maintenance.Timezone})
		if err := a.registerMaintenance(maintenanceSpecs(next)); err != nil {
			a.log.Warn("maintenance schedule not applied", logx.Err(err))
		}
	}
	if change.Has("alert") {
		if acfg, err := mapAlert(next); err == nil {
			a.alerts.Apply(acfg)
			if acfg.Enabled {
				a.alerts.Start(context.WithoutCancel(ctx))
			} else {
				stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				a.alerts.Stop(stopCtx)
				cancel()
			}
		}
	}
	if change.Has("debug") {
		if dcfg, err := mapDebug(next); err == nil {
			a.debug.Reconfigure(ctx, dcfg)
		}
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Attrs...)
	a.log.Info("config applied", fields...)
}

// Stop halts intake first and then drains: the dispatch loop and config
// goroutines stop, pending delayed replies are dropped, in-flight jobs get
// the grace period, and storage closes last.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.step(ctx, "debug", 2*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "delay", time.Second, func(context.Context) error {
		if n := a.delay.Stop(); n > 0 {
			a.log.Info("pending replies dropped", logx.Int("count", n))
		}
		return nil
	})
	grace := time.Duration(a.grace.Load())
	a.step(ctx, "taskengine", grace+2*time.Second, func(c context.Context) error {
		gctx, cancel := context.WithTimeout(c, grace)
		defer cancel()
		a.engine.Stop(gctx)
		return nil
	})
	a.step(ctx, "alerts", 3*time.Second, func(c context.Context) error { a.alerts.Stop(c); return nil })
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by limit so a stuck component cannot
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
