package config

import "socialpilot/internal/automation"

// Config is the on-disk daemon configuration. Durations are Go duration
// strings ("500ms", "45s", "720h"); an empty string selects the default.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Brain       BrainConfig       `json:"brain"`
	Reddit      RedditConfig      `json:"reddit"`
	Alert       AlertConfig       `json:"alert"`
	Debug       DebugConfig       `json:"debug"`

	// Users are registered through the normal validation path at start and
	// whenever the file changes.
	Users []UserSeed `json:"users,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./socialpilot.db", "retention": "720h" }
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
	// DSN is the postgres connection string. Falls back to $DATABASE_URL.
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	CompactEvery int    `json:"compact_every,omitempty"`
	// Retention is how long activity entries are kept. Default 720h.
	Retention string `json:"retention,omitempty"`
}

// DispatchConfig controls the dispatch loop and the execution engine.
//
// Defaults (when fields are omitted/zero):
//   - interval: "60s"
//   - timezone: "UTC"
//   - workers: max(4, users/10) capped at 64
//   - queue_size: 256
//   - job_timeout: "5m"
//   - call_timeout: "45s"
//   - grace: "10s"
type DispatchConfig struct {
	Interval      string `json:"interval,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	JobTimeout    string `json:"job_timeout,omitempty"`
	CallTimeout   string `json:"call_timeout,omitempty"`
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
	// Grace is how long in-flight jobs may run after shutdown starts.
	Grace string `json:"grace,omitempty"`
}

// MaintenanceConfig holds the housekeeping triggers. Each value accepts
// the scheduler syntax ("cron:0 3 * * *", "every:1h", "@daily").
// "off" disables a job.
type MaintenanceConfig struct {
	Timezone     string `json:"timezone,omitempty"`
	Prune        string `json:"prune,omitempty"`
	StatusReport string `json:"status_report,omitempty"`
	Compact      string `json:"compact,omitempty"`
}

// BrainConfig configures the LLM content generator.
// APIKey falls back to $OPENAI_API_KEY.
type BrainConfig struct {
	APIKey      string  `json:"api_key,omitempty"`
	BaseURL     string  `json:"base_url,omitempty"`
	Model       string  `json:"model,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Timeout     string  `json:"timeout,omitempty"`
}

type RedditConfig struct {
	PublicURL      string `json:"public_url,omitempty"`
	OAuthURL       string `json:"oauth_url,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
	RequestsPerMin int    `json:"requests_per_min,omitempty"`
	Timeout        string `json:"timeout,omitempty"`
	SearchLimit    int    `json:"search_limit,omitempty"`
	QuestionsOnly  bool   `json:"questions_only,omitempty"`
}

// AlertConfig controls operator alerts for failed actions.
// Token falls back to $TELEGRAM_BOT_TOKEN.
type AlertConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token,omitempty"`
	ChatID      int64  `json:"chat_id,omitempty"`
	ThreadID    int    `json:"thread_id,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	RetryBase   string `json:"retry_base,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`
}

// DebugConfig controls the operator HTTP endpoint (/healthz, /debug/status
// and pprof). A non-loopback addr needs a token unless allow_insecure is set.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Prefix        string `json:"prefix,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// UserSeed declares one user directly in the config file. The user id of
// Post and Reply is taken from ID.
type UserSeed struct {
	ID          string                      `json:"id"`
	Credentials SeedCredentials             `json:"credentials"`
	Post        *automation.AutoPostConfig  `json:"post,omitempty"`
	Reply       *automation.AutoReplyConfig `json:"reply,omitempty"`
}

// SeedCredentials may reference an environment variable with "$NAME".
type SeedCredentials struct {
	Username    string `json:"username"`
	AccessToken string `json:"access_token"`
}
