package storage

import (
	"context"
	"errors"
	"time"

	"socialpilot/internal/ports"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "memory": in-process only, nothing survives a restart
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "postgres": PostgreSQL via pgx; DSN falls back to $DATABASE_URL
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// CompactEvery is the number of journal writes between automatic
	// compactions (file only). 0 means 1000.
	CompactEvery int
}

// Store is the full persistence surface used by the daemon.
type Store interface {
	ports.ConfigStore
	ports.DedupStore
	ports.ActivityLog
	ports.ActivityReader

	// Prune deletes activity entries older than before. Reply records are kept.
	Prune(ctx context.Context, before time.Time) (int, error)
	// Compact folds journals into snapshots where the driver has any.
	Compact(ctx context.Context) error
	Close() error
}
