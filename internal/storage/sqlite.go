package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"socialpilot/internal/automation"
	logx "socialpilot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) saveConfig(ctx context.Context, userID string, kind automation.Kind, enabled bool, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO automation_config(user_id, kind, enabled, body, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(user_id, kind) DO UPDATE SET enabled=excluded.enabled, body=excluded.body, updated_at=excluded.updated_at`,
		userID, string(kind), boolInt(enabled), string(body), time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) loadConfig(ctx context.Context, userID string, kind automation.Kind, out any) error {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM automation_config WHERE user_id = ? AND kind = ?`, userID, string(kind),
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return automation.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(body), out)
}

func (s *sqliteStore) enabledBodies(ctx context.Context, kind automation.Kind) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM automation_config WHERE kind = ? AND enabled = 1 ORDER BY user_id`, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		out = append(out, body)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SavePost(ctx context.Context, cfg automation.AutoPostConfig) error {
	return s.saveConfig(ctx, cfg.UserID, automation.KindPost, cfg.Enabled, cfg)
}

func (s *sqliteStore) SaveReply(ctx context.Context, cfg automation.AutoReplyConfig) error {
	return s.saveConfig(ctx, cfg.UserID, automation.KindReply, cfg.Enabled, cfg)
}

func (s *sqliteStore) LoadPost(ctx context.Context, userID string) (automation.AutoPostConfig, error) {
	var c automation.AutoPostConfig
	err := s.loadConfig(ctx, userID, automation.KindPost, &c)
	return c, err
}

func (s *sqliteStore) LoadReply(ctx context.Context, userID string) (automation.AutoReplyConfig, error) {
	var c automation.AutoReplyConfig
	err := s.loadConfig(ctx, userID, automation.KindReply, &c)
	return c, err
}

func (s *sqliteStore) LoadAllEnabledPost(ctx context.Context) ([]automation.AutoPostConfig, error) {
	bodies, err := s.enabledBodies(ctx, automation.KindPost)
	if err != nil {
		return nil, err
	}
	return decodeAll[automation.AutoPostConfig](bodies)
}

func (s *sqliteStore) LoadAllEnabledReply(ctx context.Context) ([]automation.AutoReplyConfig, error) {
	bodies, err := s.enabledBodies(ctx, automation.KindReply)
	if err != nil {
		return nil, err
	}
	return decodeAll[automation.AutoReplyConfig](bodies)
}

func (s *sqliteStore) Delete(ctx context.Context, userID string, kind automation.Kind) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM automation_config WHERE user_id = ? AND kind = ?`, userID, string(kind))
	return err
}

func (s *sqliteStore) Exists(ctx context.Context, userID, threadID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM reply_record WHERE user_id = ? AND thread_id = ?`, userID, threadID,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) Mark(ctx context.Context, rec automation.ReplyRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reply_record(user_id, thread_id, reply_id, at) VALUES(?,?,?,?)
		 ON CONFLICT(user_id, thread_id) DO NOTHING`,
		rec.UserID, rec.ThreadID, nullStr(rec.ReplyID), rec.At.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Record(ctx context.Context, a automation.Activity) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	details, err := marshalDetails(a.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO activity(id, user_id, kind, status, at, details) VALUES(?,?,?,?,?,?)`,
		a.ID, a.UserID, string(a.Kind), string(a.Status), a.At.UnixMilli(), details,
	)
	return err
}

func (s *sqliteStore) RepliesSince(ctx context.Context, userID string, since time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at FROM activity WHERE user_id = ? AND kind = ? AND status = ? AND at >= ? ORDER BY at`,
		userID, string(automation.KindReply), string(automation.StatusSuccess), since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []time.Time
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, err
		}
		out = append(out, time.UnixMilli(ms))
	}
	return out, rows.Err()
}

func (s *sqliteStore) LastActivity(ctx context.Context, userID string, kind automation.Kind) (automation.Activity, bool, error) {
	var (
		a       automation.Activity
		k, st   string
		ms      int64
		details sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, kind, status, at, details FROM activity
		 WHERE user_id = ? AND kind = ? ORDER BY at DESC LIMIT 1`, userID, string(kind),
	).Scan(&a.ID, &a.UserID, &k, &st, &ms, &details)
	if errors.Is(err, sql.ErrNoRows) {
		return automation.Activity{}, false, nil
	}
	if err != nil {
		return automation.Activity{}, false, err
	}
	a.Kind, a.Status, a.At = automation.Kind(k), automation.Status(st), time.UnixMilli(ms)
	if details.Valid {
		a.Details = unmarshalDetails(details.String)
	}
	return a, true, nil
}

func (s *sqliteStore) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM activity WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Compact checkpoints the WAL into the main database file.
func (s *sqliteStore) Compact(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func decodeAll[T any](bodies []string) ([]T, error) {
	out := make([]T, 0, len(bodies))
	for _, b := range bodies {
		var v T
		if err := json.Unmarshal([]byte(b), &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func marshalDetails(d map[string]any) (any, error) {
	if len(d) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalDetails(s string) map[string]any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
