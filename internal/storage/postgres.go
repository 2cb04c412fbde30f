package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mjrelay/internal/domain"
	"mjrelay/pkg/logx"
)

//go:embed schema_postgres.sql
var postgresSchema string

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) GetJob(ctx context.Context, id string) (domain.JobData, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM mj_jobs WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.JobData{}, ErrNotFound
	}
	if err != nil {
		return domain.JobData{}, err
	}
	var d domain.JobData
	return d, json.Unmarshal(raw, &d)
}

func (s *postgresStore) SaveJob(ctx context.Context, d domain.JobData) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO mj_jobs (id, status, account_id, user_id, submit_ms, data)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status,
    account_id = EXCLUDED.account_id,
    user_id = EXCLUDED.user_id,
    submit_ms = EXCLUDED.submit_ms,
    data = EXCLUDED.data;
`, d.ID, string(d.Status), d.AccountID, d.UserID, unixMilli(d.SubmitTime), raw)
	return err
}

func (s *postgresStore) DeleteJob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM mj_jobs WHERE id = $1`, id)
	return err
}

func (s *postgresStore) ListJobs(ctx context.Context, f JobFilter) ([]domain.JobData, error) {
	where, args := jobWhere(f, dollar)
	rows, err := s.pool.Query(ctx, `SELECT data FROM mj_jobs`+where+` ORDER BY submit_ms, id`+limitClause(f.Limit), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.JobData
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var d domain.JobData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *postgresStore) CountJobs(ctx context.Context, f JobFilter) (int, error) {
	where, args := jobWhere(f, dollar)
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM mj_jobs`+where, args...).Scan(&n)
	return n, err
}

func (s *postgresStore) GetAccount(ctx context.Context, id string) (domain.AccountData, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM mj_accounts WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.AccountData{}, ErrNotFound
	}
	if err != nil {
		return domain.AccountData{}, err
	}
	var d domain.AccountData
	return d, json.Unmarshal(raw, &d)
}

func (s *postgresStore) ListAccounts(ctx context.Context) ([]domain.AccountData, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM mj_accounts ORDER BY sort, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AccountData
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var d domain.AccountData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *postgresStore) SaveAccount(ctx context.Context, d domain.AccountData) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO mj_accounts (id, sort, data) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET sort = EXCLUDED.sort, data = EXCLUDED.data;
`, d.ID, d.Sort, raw)
	return err
}

func (s *postgresStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO mj_dedup (key, until) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET until = EXCLUDED.until;
`, key, until.UnixMilli())
	return err
}

func (s *postgresStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	var ms int64
	err := s.pool.QueryRow(ctx, `SELECT until FROM mj_dedup WHERE key = $1`, strings.TrimSpace(key)).Scan(&ms)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}
