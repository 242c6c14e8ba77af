package app

import (
	"fmt"
	"strings"
	"time"

	"socialpilot/internal/alert"
	"socialpilot/internal/brain"
	"socialpilot/internal/config"
	"socialpilot/internal/dispatch"
	"socialpilot/internal/observability/debug"
	"socialpilot/internal/reddit"
	"socialpilot/internal/storage"
	"socialpilot/internal/task/engine"
	logx "socialpilot/pkg/logx"
)

const (
	defaultRetention   = 30 * 24 * time.Hour
	defaultJobTimeout  = 5 * time.Minute
	defaultGrace       = 10 * time.Second
	defaultPrune       = "cron:0 3 * * *"
	defaultCompact     = "cron:30 3 * * *"
	defaultStatus      = "every:1h"
	maintenanceTimeout = 2 * time.Minute
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:         strings.TrimSpace(sc.Path),
		DSN:          config.EnvOr(sc.DSN, "DATABASE_URL"),
		BusyTimeout:  busy,
		CompactEvery: sc.CompactEvery,
	}, nil
}

func mapRetention(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("storage.retention", cfg.Storage.Retention, defaultRetention)
}

// mapEngine sizes the worker pool from users when dispatch.workers is unset.
func mapEngine(cfg *config.Config, users int) (engine.Config, error) {
	d := cfg.Dispatch
	jobTimeout, err := config.ParseDurationOrDefault("dispatch.job_timeout", d.JobTimeout, defaultJobTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("dispatch.max_queue_delay", d.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	workers := d.Workers
	if workers <= 0 {
		workers = engine.WorkersFor(users)
	}
	return engine.Config{
		Workers:        workers,
		QueueSize:      d.QueueSize,
		DefaultTimeout: jobTimeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    d.HistorySize,
	}, nil
}

func mapDispatch(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatch
	interval, err := config.ParseDurationOrDefault("dispatch.interval", d.Interval, dispatch.DefaultInterval)
	if err != nil {
		return dispatch.Config{}, err
	}
	jobTimeout, err := config.ParseDurationOrDefault("dispatch.job_timeout", d.JobTimeout, defaultJobTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	loc, err := config.LoadLocation("dispatch.timezone", d.Timezone)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{Interval: interval, Location: loc, JobTimeout: jobTimeout}, nil
}

func mapGrace(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("dispatch.grace", cfg.Dispatch.Grace, defaultGrace)
}

func mapCallTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationField("dispatch.call_timeout", cfg.Dispatch.CallTimeout)
}

func mapBrain(cfg *config.Config) (brain.Config, error) {
	b := cfg.Brain
	timeout, err := config.ParseDurationField("brain.timeout", b.Timeout)
	if err != nil {
		return brain.Config{}, err
	}
	key := config.EnvOr(b.APIKey, "OPENAI_API_KEY")
	if key == "" {
		return brain.Config{}, fmt.Errorf("brain.api_key is empty and OPENAI_API_KEY is not set")
	}
	return brain.Config{
		APIKey:      key,
		BaseURL:     config.EnvOr(b.BaseURL, "OPENAI_BASE_URL"),
		Model:       b.Model,
		Temperature: b.Temperature,
		MaxTokens:   b.MaxTokens,
		Timeout:     timeout,
	}, nil
}

func mapReddit(cfg *config.Config) (reddit.Config, error) {
	r := cfg.Reddit
	timeout, err := config.ParseDurationField("reddit.timeout", r.Timeout)
	if err != nil {
		return reddit.Config{}, err
	}
	return reddit.Config{
		PublicURL:      r.PublicURL,
		OAuthURL:       r.OAuthURL,
		UserAgent:      r.UserAgent,
		RequestsPerMin: r.RequestsPerMin,
		Timeout:        timeout,
		SearchLimit:    r.SearchLimit,
		QuestionsOnly:  r.QuestionsOnly,
	}, nil
}

func mapAlert(cfg *config.Config) (alert.Config, error) {
	a := cfg.Alert
	retryBase, err := config.ParseDurationField("alert.retry_base", a.RetryBase)
	if err != nil {
		return alert.Config{}, err
	}
	window, err := config.ParseDurationOrDefault("alert.dedup_window", a.DedupWindow, 10*time.Minute)
	if err != nil {
		return alert.Config{}, err
	}
	return alert.Config{
		Enabled:     a.Enabled,
		QueueSize:   a.QueueSize,
		RatePerSec:  a.RatePerSec,
		RetryMax:    a.RetryMax,
		RetryBase:   retryBase,
		DedupWindow: window,
	}, nil
}

func mapTelegram(cfg *config.Config) (alert.TelegramConfig, error) {
	a := cfg.Alert
	timeout, err := config.ParseDurationField("alert.timeout", a.Timeout)
	if err != nil {
		return alert.TelegramConfig{}, err
	}
	return alert.TelegramConfig{
		Token:    config.EnvOr(a.Token, "TELEGRAM_BOT_TOKEN"),
		ChatID:   a.ChatID,
		ThreadID: a.ThreadID,
		Timeout:  timeout,
	}, nil
}

func mapDebug(cfg *config.Config) (debug.Config, error) {
	d := cfg.Debug
	read, err := config.ParseDurationOrDefault("debug.read_timeout", d.ReadTimeout, 10*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	// profile and trace stream for up to 30s by default.
	write, err := config.ParseDurationOrDefault("debug.write_timeout", d.WriteTimeout, 60*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("debug.idle_timeout", d.IdleTimeout, 60*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	return debug.Config{
		Enabled:              d.Enabled,
		Addr:                 d.Addr,
		Prefix:               d.Prefix,
		Token:                config.EnvOr(d.Token, "SOCIALPILOT_DEBUG_TOKEN"),
		AllowInsecure:        d.AllowInsecure,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}, nil
}

// maintenanceSpecs returns job name -> schedule; "off" entries are omitted.
func maintenanceSpecs(cfg *config.Config) map[string]string {
	m := cfg.Maintenance
	out := make(map[string]string, 3)
	for name, pair := range map[string][2]string{
		jobPrune:   {m.Prune, defaultPrune},
		jobStatus:  {m.StatusReport, defaultStatus},
		jobCompact: {m.Compact, defaultCompact},
	} {
		spec := strings.TrimSpace(pair[0])
		if strings.EqualFold(spec, config.Off) {
			continue
		}
		if spec == "" {
			spec = pair[1]
		}
		out[name] = spec
	}
	return out
}
