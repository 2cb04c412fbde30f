package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"mjrelay/internal/domain"
	"mjrelay/pkg/logx"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log, pruneEvery: 500}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) GetJob(ctx context.Context, id string) (domain.JobData, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.JobData{}, ErrNotFound
	}
	if err != nil {
		return domain.JobData{}, err
	}
	var d domain.JobData
	return d, json.Unmarshal([]byte(raw), &d)
}

func (s *sqliteStore) SaveJob(ctx context.Context, d domain.JobData) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, status, account_id, user_id, submit_ms, data) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, account_id=excluded.account_id,
		   user_id=excluded.user_id, submit_ms=excluded.submit_ms, data=excluded.data`,
		d.ID, string(d.Status), d.AccountID, d.UserID, unixMilli(d.SubmitTime), string(raw),
	)
	return err
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) ListJobs(ctx context.Context, f JobFilter) ([]domain.JobData, error) {
	where, args := jobWhere(f, questionMark)
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM jobs`+where+` ORDER BY submit_ms, id`+limitClause(f.Limit), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.JobData
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var d domain.JobData
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountJobs(ctx context.Context, f JobFilter) (int, error) {
	where, args := jobWhere(f, questionMark)
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&n)
	return n, err
}

func (s *sqliteStore) GetAccount(ctx context.Context, id string) (domain.AccountData, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM accounts WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AccountData{}, ErrNotFound
	}
	if err != nil {
		return domain.AccountData{}, err
	}
	var d domain.AccountData
	return d, json.Unmarshal([]byte(raw), &d)
}

func (s *sqliteStore) ListAccounts(ctx context.Context) ([]domain.AccountData, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM accounts ORDER BY sort, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AccountData
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var d domain.AccountData
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveAccount(ctx context.Context, d domain.AccountData) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO accounts(id, sort, data) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET sort=excluded.sort, data=excluded.data`,
		d.ID, d.Sort, string(raw),
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		if _, perr := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli()); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, strings.TrimSpace(key)).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}
