package automation

import (
	"errors"
	"time"
)

var (
	// ErrInvalidConfig wraps every registration-time validation failure.
	ErrInvalidConfig = errors.New("invalid automation config")
	// ErrNotFound is returned by stores and the registry for unknown users.
	ErrNotFound = errors.New("automation config not found")
	// ErrPersistence marks failures of the config/dedup stores. Jobs hitting it
	// are abandoned for the current tick.
	ErrPersistence = errors.New("persistence unavailable")
)

// Kind names the two automation flavours. It doubles as the activity kind.
type Kind string

const (
	KindPost  Kind = "auto_post"
	KindReply Kind = "auto_reply"
)

// Status is the outcome recorded in the activity log.
type Status string

const (
	StatusSuccess            Status = "success"
	StatusSkippedRateLimited Status = "skipped_rate_limited"
	StatusSkippedDuplicate   Status = "skipped_duplicate"
	StatusFailed             Status = "failed"
)

// AutoPostConfig drives scheduled posting for one user.
type AutoPostConfig struct {
	UserID       string   `json:"user_id" yaml:"user_id"`
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	Domain       string   `json:"domain" yaml:"domain"`
	BusinessType string   `json:"business_type,omitempty" yaml:"business_type"`
	Audience     string   `json:"audience,omitempty" yaml:"audience"`
	Language     string   `json:"language,omitempty" yaml:"language"`
	Channels     []string `json:"channels" yaml:"channels"`
	PostsPerDay  int      `json:"posts_per_day" yaml:"posts_per_day"`
	Times        []string `json:"times" yaml:"times"`
	Style        string   `json:"style,omitempty" yaml:"style"`
}

// AutoReplyConfig drives question monitoring and answering for one user.
type AutoReplyConfig struct {
	UserID            string   `json:"user_id" yaml:"user_id"`
	Enabled           bool     `json:"enabled" yaml:"enabled"`
	Domain            string   `json:"domain" yaml:"domain"`
	Expertise         string   `json:"expertise,omitempty" yaml:"expertise"`
	Channels          []string `json:"channels" yaml:"channels"`
	Keywords          []string `json:"keywords" yaml:"keywords"`
	MaxRepliesPerHour int      `json:"max_replies_per_hour" yaml:"max_replies_per_hour"`
	MinDelayMinutes   int      `json:"min_delay_minutes" yaml:"min_delay_minutes"`
	// MinScore is the lowest upvote score a question may have. Nil selects
	// DefaultMinScore; an explicit 0 admits fresh zero-score questions.
	MinScore          *int     `json:"min_score,omitempty" yaml:"min_score"`
	MaxAgeHours       float64  `json:"max_age_hours,omitempty" yaml:"max_age_hours"`
}

// ScoreFloor resolves MinScore.
func (c AutoReplyConfig) ScoreFloor() int {
	if c.MinScore == nil {
		return DefaultMinScore
	}
	return *c.MinScore
}

// MinDelay is MinDelayMinutes as a duration.
func (c AutoReplyConfig) MinDelay() time.Duration {
	return time.Duration(c.MinDelayMinutes) * time.Minute
}

// ScheduleState is the runtime view of one user, exposed for status display.
type ScheduleState struct {
	// LastFired maps a configured HH:MM to the minute it last fired.
	LastFired   map[string]time.Time `json:"last_fired,omitempty"`
	LastPostAt  time.Time            `json:"last_post_at,omitempty"`
	LastPostURL string               `json:"last_post_url,omitempty"`
	LastReplyAt time.Time            `json:"last_reply_at,omitempty"`

	RepliesInWindow int       `json:"replies_in_window"`
	WindowStart     time.Time `json:"window_start,omitempty"`

	PostsTotal   int `json:"posts_total"`
	RepliesTotal int `json:"replies_total"`
	Failures     int `json:"failures"`
}

// Clone returns a deep copy safe to hand out of a lock.
func (s ScheduleState) Clone() ScheduleState {
	cp := s
	if s.LastFired != nil {
		cp.LastFired = make(map[string]time.Time, len(s.LastFired))
		for k, v := range s.LastFired {
			cp.LastFired[k] = v
		}
	}
	return cp
}

// CandidateThread is a discussion thread returned by discovery.
type CandidateThread struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Body     string  `json:"body"`
	Channel  string  `json:"channel"`
	Score    int     `json:"score"`
	Comments int     `json:"comments"`
	AgeHours float64 `json:"age_hours"`
	Author   string  `json:"author"`
	URL      string  `json:"url,omitempty"`
}

// RankedThread is a candidate scored for one ranking pass.
type RankedThread struct {
	CandidateThread
	EngagementScore float64 `json:"engagement_score"`
	Domain          string  `json:"domain"`
}

// ReplyRecord marks a (user, thread) pair as acted on.
type ReplyRecord struct {
	UserID   string    `json:"user_id"`
	ThreadID string    `json:"thread_id"`
	ReplyID  string    `json:"reply_id,omitempty"`
	At       time.Time `json:"at"`
}

// Activity is one entry of the activity log.
type Activity struct {
	ID      string         `json:"id"`
	UserID  string         `json:"user_id"`
	Kind    Kind           `json:"kind"`
	Status  Status         `json:"status"`
	At      time.Time      `json:"at"`
	Details map[string]any `json:"details,omitempty"`
}

// Credentials are the platform credentials a user's actions are performed with.
type Credentials struct {
	UserID      string `json:"user_id" yaml:"user_id"`
	Username    string `json:"username" yaml:"username"`
	AccessToken string `json:"access_token" yaml:"access_token"`
}
