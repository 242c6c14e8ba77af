package config

import (
	"reflect"
	"sort"
	"strings"

	logx "socialpilot/pkg/logx"
)

// Change summarizes the difference between two configs.
type Change struct {
	// Sections lists changed top-level keys, sorted.
	Sections []string
	// RestartOnly lists changed sections that only take effect after a restart.
	RestartOnly []string
	// Users lists seed ids that were added, removed or edited, sorted.
	Users []string
	// Attrs are safe to log; secrets are reduced to "*_set" booleans.
	Attrs []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Has reports whether section changed.
func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change
	mark := func(section string, restartOnly bool, attrs ...logx.Field) {
		c.Sections = append(c.Sections, section)
		if restartOnly {
			c.RestartOnly = append(c.RestartOnly, section)
		}
		c.Attrs = append(c.Attrs, attrs...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		n := newCfg.Storage
		mark("storage", storageRestart(oldCfg.Storage, n),
			logx.String("storage.driver", strings.TrimSpace(n.Driver)),
			logx.Secret("storage.path", n.Path),
			logx.Secret("storage.dsn", n.DSN),
			logx.String("storage.retention", n.Retention),
		)
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		d := newCfg.Dispatch
		mark("dispatch", false,
			logx.String("dispatch.interval", d.Interval),
			logx.String("dispatch.timezone", d.Timezone),
			logx.Int("dispatch.workers", d.Workers),
			logx.Int("dispatch.queue_size", d.QueueSize),
			logx.String("dispatch.job_timeout", d.JobTimeout),
		)
	}
	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		m := newCfg.Maintenance
		mark("maintenance", false,
			logx.String("maintenance.prune", m.Prune),
			logx.String("maintenance.status_report", m.StatusReport),
			logx.String("maintenance.compact", m.Compact),
		)
	}
	if !reflect.DeepEqual(oldCfg.Brain, newCfg.Brain) {
		b := newCfg.Brain
		mark("brain", true,
			logx.String("brain.model", b.Model),
			logx.Secret("brain.api_key", b.APIKey),
		)
	}
	if !reflect.DeepEqual(oldCfg.Reddit, newCfg.Reddit) {
		mark("reddit", true,
			logx.Int("reddit.requests_per_min", newCfg.Reddit.RequestsPerMin),
			logx.Bool("reddit.questions_only", newCfg.Reddit.QuestionsOnly),
		)
	}
	if !reflect.DeepEqual(oldCfg.Alert, newCfg.Alert) {
		o, n := oldCfg.Alert, newCfg.Alert
		restart := o.Token != n.Token || o.ChatID != n.ChatID || o.ThreadID != n.ThreadID || o.Timeout != n.Timeout
		mark("alert", restart,
			logx.Bool("alert.enabled", n.Enabled),
			logx.Secret("alert.token", n.Token),
			logx.Int("alert.rate_per_sec", n.RatePerSec),
		)
	}
	if !reflect.DeepEqual(oldCfg.Debug, newCfg.Debug) {
		d := newCfg.Debug
		mark("debug", false,
			logx.Bool("debug.enabled", d.Enabled),
			logx.String("debug.addr", d.Addr),
			logx.Secret("debug.token", d.Token),
		)
	}

	c.Users = diffUsers(oldCfg.Users, newCfg.Users)
	if len(c.Users) > 0 {
		mark("users", false,
			logx.Int("users.count", len(newCfg.Users)),
			logx.Strings("users.changed", c.Users),
		)
	}

	sort.Strings(c.Sections)
	sort.Strings(c.RestartOnly)
	return c
}

func storageRestart(o, n StorageConfig) bool {
	return o.Driver != n.Driver || o.Path != n.Path || o.DSN != n.DSN ||
		o.BusyTimeout != n.BusyTimeout || o.CompactEvery != n.CompactEvery
}

func diffUsers(oldU, newU []UserSeed) []string {
	index := func(list []UserSeed) map[string]UserSeed {
		m := make(map[string]UserSeed, len(list))
		for _, u := range list {
			m[strings.TrimSpace(u.ID)] = u
		}
		return m
	}
	om, nm := index(oldU), index(newU)
	var out []string
	for id, n := range nm {
		if o, ok := om[id]; !ok || !reflect.DeepEqual(o, n) {
			out = append(out, id)
		}
	}
	for id := range om {
		if _, ok := nm[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
