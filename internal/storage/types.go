package storage

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"mjrelay/internal/domain"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config selects and configures a driver.
type Config struct {
	Driver      string
	Path        string // file, sqlite
	DSN         string // postgres
	BusyTimeout time.Duration
}

// JobFilter selects jobs. Zero fields match everything.
type JobFilter struct {
	Statuses  []domain.JobStatus
	AccountID string
	UserID    string
	Since     time.Time
	Limit     int
}

func (f JobFilter) Match(d domain.JobData) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, d.Status) {
		return false
	}
	if f.AccountID != "" && d.AccountID != f.AccountID {
		return false
	}
	if f.UserID != "" && d.UserID != f.UserID {
		return false
	}
	if !f.Since.IsZero() && d.SubmitTime.Before(f.Since) {
		return false
	}
	return true
}

type JobStore interface {
	GetJob(ctx context.Context, id string) (domain.JobData, error)
	SaveJob(ctx context.Context, d domain.JobData) error
	DeleteJob(ctx context.Context, id string) error
	// ListJobs returns matching jobs ordered by submit time, oldest first.
	ListJobs(ctx context.Context, f JobFilter) ([]domain.JobData, error)
	CountJobs(ctx context.Context, f JobFilter) (int, error)
}

type AccountStore interface {
	GetAccount(ctx context.Context, id string) (domain.AccountData, error)
	ListAccounts(ctx context.Context) ([]domain.AccountData, error)
	SaveAccount(ctx context.Context, d domain.AccountData) error
}

// DedupStore keeps notifier deduplication windows across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

type Store interface {
	JobStore
	AccountStore
	DedupStore
	Close() error
}

// sortJobs orders by submit time then id and applies the filter limit.
func sortJobs(out []domain.JobData, limit int) []domain.JobData {
	slices.SortFunc(out, func(a, b domain.JobData) int {
		if c := a.SubmitTime.Compare(b.SubmitTime); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortAccounts(out []domain.AccountData) {
	slices.SortFunc(out, func(a, b domain.AccountData) int {
		if a.Sort != b.Sort {
			return a.Sort - b.Sort
		}
		return strings.Compare(a.ID, b.ID)
	})
}
