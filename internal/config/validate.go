package config

import (
	"errors"
	"fmt"
	"strings"

	"socialpilot/internal/storage"
	"socialpilot/internal/task/scheduler"
	logx "socialpilot/pkg/logx"
)

// Off disables a maintenance job.
const Off = "off"

// Validate checks everything that can be checked without touching the
// network. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when logging.file.enabled=true"))
	}

	st := cfg.Storage
	if !storage.ValidDriver(st.Driver) {
		add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
	}
	switch strings.ToLower(strings.TrimSpace(st.Driver)) {
	case "sqlite", "sqlite3", "file":
		if strings.TrimSpace(st.Path) == "" {
			add(fmt.Errorf("storage.path is required when storage.driver=%s", st.Driver))
		}
	}
	if st.CompactEvery < 0 {
		add(errors.New("storage.compact_every must be >= 0"))
	}
	dur("storage.busy_timeout", st.BusyTimeout)
	dur("storage.retention", st.Retention)

	d := cfg.Dispatch
	dur("dispatch.interval", d.Interval)
	dur("dispatch.job_timeout", d.JobTimeout)
	dur("dispatch.call_timeout", d.CallTimeout)
	dur("dispatch.max_queue_delay", d.MaxQueueDelay)
	dur("dispatch.grace", d.Grace)
	if d.Workers < 0 || d.QueueSize < 0 || d.HistorySize < 0 {
		add(errors.New("dispatch: workers, queue_size and history_size must be >= 0"))
	}
	if _, err := LoadLocation("dispatch.timezone", d.Timezone); err != nil {
		add(err)
	}

	m := cfg.Maintenance
	if _, err := LoadLocation("maintenance.timezone", m.Timezone); err != nil {
		add(err)
	}
	for _, job := range []struct{ path, spec string }{
		{"maintenance.prune", m.Prune},
		{"maintenance.status_report", m.StatusReport},
		{"maintenance.compact", m.Compact},
	} {
		spec := strings.TrimSpace(job.spec)
		if spec == "" || strings.EqualFold(spec, Off) {
			continue
		}
		if err := scheduler.ValidateSchedule(spec); err != nil {
			add(fmt.Errorf("%s: %w", job.path, err))
		}
	}

	dur("brain.timeout", cfg.Brain.Timeout)
	if cfg.Brain.Temperature < 0 || cfg.Brain.Temperature > 2 {
		add(errors.New("brain.temperature must be within [0, 2]"))
	}
	dur("reddit.timeout", cfg.Reddit.Timeout)
	if cfg.Reddit.RequestsPerMin < 0 || cfg.Reddit.SearchLimit < 0 {
		add(errors.New("reddit: requests_per_min and search_limit must be >= 0"))
	}

	a := cfg.Alert
	dur("alert.timeout", a.Timeout)
	dur("alert.retry_base", a.RetryBase)
	dur("alert.dedup_window", a.DedupWindow)
	if a.Enabled && a.ChatID == 0 {
		add(errors.New("alert.chat_id is required when alert.enabled=true"))
	}

	dbg := cfg.Debug
	dur("debug.read_timeout", dbg.ReadTimeout)
	dur("debug.write_timeout", dbg.WriteTimeout)
	dur("debug.idle_timeout", dbg.IdleTimeout)
	if dbg.MutexProfileFraction < 0 || dbg.BlockProfileRate < 0 {
		add(errors.New("debug: profile rates must be >= 0"))
	}

	add(validateUsers(cfg.Users))
	return errors.Join(errs...)
}

func validateUsers(users []UserSeed) error {
	var errs []error
	seen := make(map[string]struct{}, len(users))
	for i, u := range users {
		id := strings.TrimSpace(u.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("users[%d].id is empty", i))
			continue
		}
		if _, dup := seen[id]; dup {
			errs = append(errs, fmt.Errorf("users[%d]: duplicate id %q", i, id))
			continue
		}
		seen[id] = struct{}{}
		if u.Post == nil && u.Reply == nil {
			errs = append(errs, fmt.Errorf("users[%d] (%s): neither post nor reply configured", i, id))
		}
		if p, ok := u.PostConfig(); ok {
			if _, err := p.Normalize(); err != nil {
				errs = append(errs, fmt.Errorf("users[%d].post: %w", i, err))
			}
		}
		if r, ok := u.ReplyConfig(); ok {
			if _, err := r.Normalize(); err != nil {
				errs = append(errs, fmt.Errorf("users[%d].reply: %w", i, err))
			}
		}
	}
	return errors.Join(errs...)
}
