package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"socialpilot/internal/automation"
	logx "socialpilot/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		return nil, errors.New("storage.dsn (or DATABASE_URL) is required for postgres driver")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}

	s := &postgresStore{pool: pool, log: log}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *postgresStore) initSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS automation_config (
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			enabled BOOLEAN NOT NULL,
			body JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, kind)
		)`,
		`CREATE TABLE IF NOT EXISTS reply_record (
			user_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			reply_id TEXT,
			at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, thread_id)
		)`,
		`CREATE TABLE IF NOT EXISTS activity (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			at TIMESTAMPTZ NOT NULL,
			details JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS activity_user_kind_at ON activity(user_id, kind, at)`,
		`CREATE INDEX IF NOT EXISTS activity_at ON activity(at)`,
	}
	for _, q := range queries {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) saveConfig(ctx context.Context, userID string, kind automation.Kind, enabled bool, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO automation_config (user_id, kind, enabled, body, updated_at) VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (user_id, kind) DO UPDATE SET enabled = $3, body = $4, updated_at = now()`,
		userID, string(kind), enabled, body)
	return err
}

func (s *postgresStore) loadConfig(ctx context.Context, userID string, kind automation.Kind, out any) error {
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT body FROM automation_config WHERE user_id = $1 AND kind = $2`, userID, string(kind),
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return automation.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (s *postgresStore) enabledBodies(ctx context.Context, kind automation.Kind) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT body FROM automation_config WHERE kind = $1 AND enabled ORDER BY user_id`, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		out = append(out, string(body))
	}
	return out, rows.Err()
}

func (s *postgresStore) SavePost(ctx context.Context, cfg automation.AutoPostConfig) error {
	return s.saveConfig(ctx, cfg.UserID, automation.KindPost, cfg.Enabled, cfg)
}

func (s *postgresStore) SaveReply(ctx context.Context, cfg automation.AutoReplyConfig) error {
	return s.saveConfig(ctx, cfg.UserID, automation.KindReply, cfg.Enabled, cfg)
}

func (s *postgresStore) LoadPost(ctx context.Context, userID string) (automation.AutoPostConfig, error) {
	var c automation.AutoPostConfig
	err := s.loadConfig(ctx, userID, automation.KindPost, &c)
	return c, err
}

func (s *postgresStore) LoadReply(ctx context.Context, userID string) (automation.AutoReplyConfig, error) {
	var c automation.AutoReplyConfig
	err := s.loadConfig(ctx, userID, automation.KindReply, &c)
	return c, err
}

func (s *postgresStore) LoadAllEnabledPost(ctx context.Context) ([]automation.AutoPostConfig, error) {
	bodies, err := s.enabledBodies(ctx, automation.KindPost)
	if err != nil {
		return nil, err
	}
	return decodeAll[automation.AutoPostConfig](bodies)
}

func (s *postgresStore) LoadAllEnabledReply(ctx context.Context) ([]automation.AutoReplyConfig, error) {
	bodies, err := s.enabledBodies(ctx, automation.KindReply)
	if err != nil {
		return nil, err
	}
	return decodeAll[automation.AutoReplyConfig](bodies)
}

func (s *postgresStore) Delete(ctx context.Context, userID string, kind automation.Kind) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM automation_config WHERE user_id = $1 AND kind = $2`, userID, string(kind))
	return err
}

func (s *postgresStore) Exists(ctx context.Context, userID, threadID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM reply_record WHERE user_id = $1 AND thread_id = $2)`, userID, threadID,
	).Scan(&exists)
	return exists, err
}

func (s *postgresStore) Mark(ctx context.Context, rec automation.ReplyRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reply_record (user_id, thread_id, reply_id, at) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		rec.UserID, rec.ThreadID, nullStr(rec.ReplyID), rec.At)
	return err
}

func (s *postgresStore) Record(ctx context.Context, a automation.Activity) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	var details []byte
	if len(a.Details) > 0 {
		b, err := json.Marshal(a.Details)
		if err != nil {
			return err
		}
		details = b
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO activity (id, user_id, kind, status, at, details) VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.UserID, string(a.Kind), string(a.Status), a.At, details)
	return err
}

func (s *postgresStore) RepliesSince(ctx context.Context, userID string, since time.Time) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT at FROM activity WHERE user_id = $1 AND kind = $2 AND status = $3 AND at >= $4 ORDER BY at`,
		userID, string(automation.KindReply), string(automation.StatusSuccess), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []time.Time
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			return nil, err
		}
		out = append(out, at)
	}
	return out, rows.Err()
}

func (s *postgresStore) LastActivity(ctx context.Context, userID string, kind automation.Kind) (automation.Activity, bool, error) {
	var (
		a       automation.Activity
		k, st   string
		details []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, kind, status, at, details FROM activity
		 WHERE user_id = $1 AND kind = $2 ORDER BY at DESC LIMIT 1`, userID, string(kind),
	).Scan(&a.ID, &a.UserID, &k, &st, &a.At, &details)
	if errors.Is(err, pgx.ErrNoRows) {
		return automation.Activity{}, false, nil
	}
	if err != nil {
		return automation.Activity{}, false, err
	}
	a.Kind, a.Status = automation.Kind(k), automation.Status(st)
	if len(details) > 0 {
		a.Details = unmarshalDetails(string(details))
	}
	return a, true, nil
}

func (s *postgresStore) Prune(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM activity WHERE at < $1`, before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Compact is a no-op; autovacuum owns table maintenance.
func (s *postgresStore) Compact(ctx context.Context) error { return nil }
