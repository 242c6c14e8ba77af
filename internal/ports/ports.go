// Package ports declares the collaborators the scheduler core depends on.
//
// Concrete implementations live in internal/storage, internal/brain,
// internal/reddit and internal/alert; the core only sees these interfaces.
package ports

import (
	"context"
	"time"

	"socialpilot/internal/automation"
)

// PostBrief carries the parameters for one generated post.
type PostBrief struct {
	UserID       string
	Domain       string
	BusinessType string
	Audience     string
	Language     string
	Style        string
	Channel      string
}

// Draft is generated post content.
type Draft struct {
	Title string
	Body  string
	Tags  []string
}

// AnswerBrief carries the parameters for one generated reply.
type AnswerBrief struct {
	UserID    string
	Domain    string
	Expertise string
	Thread    automation.RankedThread
}

type ContentGenerator interface {
	Generate(ctx context.Context, brief PostBrief) (Draft, error)
	Answer(ctx context.Context, brief AnswerBrief) (string, error)
}

type PostingClient interface {
	Post(ctx context.Context, creds automation.Credentials, channel, title, body string) (postID, url string, err error)
}

type ReplyClient interface {
	Reply(ctx context.Context, creds automation.Credentials, threadID, body string) (replyID string, err error)
}

type Discovery interface {
	Search(ctx context.Context, channel string, keywords []string, maxAgeHours float64) ([]automation.CandidateThread, error)
}

// ConfigStore is the system of record for automation configs.
// Load* return automation.ErrNotFound for unknown users.
type ConfigStore interface {
	SavePost(ctx context.Context, cfg automation.AutoPostConfig) error
	SaveReply(ctx context.Context, cfg automation.AutoReplyConfig) error
	LoadPost(ctx context.Context, userID string) (automation.AutoPostConfig, error)
	LoadReply(ctx context.Context, userID string) (automation.AutoReplyConfig, error)
	LoadAllEnabledPost(ctx context.Context) ([]automation.AutoPostConfig, error)
	LoadAllEnabledReply(ctx context.Context) ([]automation.AutoReplyConfig, error)
	Delete(ctx context.Context, userID string, kind automation.Kind) error
}

// ActivityLog is a fire-and-forget sink; callers log and ignore its errors.
type ActivityLog interface {
	Record(ctx context.Context, a automation.Activity) error
}

type DedupStore interface {
	Exists(ctx context.Context, userID, threadID string) (bool, error)
	Mark(ctx context.Context, rec automation.ReplyRecord) error
}

type CredentialSource interface {
	Credentials(ctx context.Context, userID string) (automation.Credentials, error)
}

// ActivityReader exposes persisted activity for restart reconstruction.
type ActivityReader interface {
	// RepliesSince returns the times of successful replies by userID at or after since, oldest first.
	RepliesSince(ctx context.Context, userID string, since time.Time) ([]time.Time, error)
	// LastActivity returns the newest activity of kind for userID. ok is false when none exists.
	LastActivity(ctx context.Context, userID string, kind automation.Kind) (a automation.Activity, ok bool, err error)
}
