package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "triaged/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
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

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, action, notif_id, source, category, level, score, delivered, channel, reason, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Action, nullStr(e.NotificationID), nullStr(e.Source),
		nullStr(e.Category), nullStr(e.Level), e.Score, boolInt(e.Delivered), nullStr(e.Channel),
		nullStr(e.Reason), nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if perr := s.pruneExpired(pctx, time.Now()); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) LoadDedup(ctx context.Context, now time.Time) (map[string]time.Time, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, until FROM dedup WHERE until > ?`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]time.Time{}
	for rows.Next() {
		var (
			key string
			ms  int64
		)
		if err := rows.Scan(&key, &ms); err != nil {
			return nil, err
		}
		out[key] = time.UnixMilli(ms)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveEngagement(ctx context.Context, recs []EngagementRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, r := range recs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO engagement(category, score, positive, negative, updated_at) VALUES(?,?,?,?,?)
			 ON CONFLICT(category) DO UPDATE SET score=excluded.score, positive=excluded.positive,
			   negative=excluded.negative, updated_at=excluded.updated_at`,
			r.Category, r.Score, r.Positive, r.Negative, r.UpdatedAt.UnixMilli(),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) LoadEngagement(ctx context.Context) ([]EngagementRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, score, positive, negative, updated_at FROM engagement ORDER BY category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EngagementRecord
	for rows.Next() {
		var (
			r  EngagementRecord
			ms int64
		)
		if err := rows.Scan(&r.Category, &r.Score, &r.Positive, &r.Negative, &ms); err != nil {
			return nil, err
		}
		r.UpdatedAt = time.UnixMilli(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneExpired(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now.UnixMilli())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
