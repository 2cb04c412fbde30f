package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mjrelay/internal/domain"
	"mjrelay/pkg/logx"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	jobs := []domain.JobData{
		{ID: "j2", Status: domain.StatusSubmitted, AccountID: "a1", UserID: "u1", SubmitTime: base.Add(time.Minute), Prompt: "cat"},
		{ID: "j1", Status: domain.StatusInProgress, AccountID: "a1", UserID: "u2", SubmitTime: base, MessageIDs: []string{"m1"}},
		{ID: "j3", Status: domain.StatusSuccess, AccountID: "a2", UserID: "u1", SubmitTime: base.Add(2 * time.Minute)},
	}
	for _, j := range jobs {
		if err := s.SaveJob(ctx, j); err != nil {
			t.Fatalf("SaveJob(%s): %v", j.ID, err)
		}
	}

	got, err := s.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != domain.StatusInProgress || len(got.MessageIDs) != 1 || !got.SubmitTime.Equal(base) {
		t.Fatalf("unexpected job %+v", got)
	}
	if _, err := s.GetJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	pending := JobFilter{Statuses: []domain.JobStatus{domain.StatusSubmitted, domain.StatusInProgress}}
	list, err := s.ListJobs(ctx, pending)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(list) != 2 || list[0].ID != "j1" || list[1].ID != "j2" {
		t.Fatalf("unexpected pending list %+v", list)
	}
	n, err := s.CountJobs(ctx, JobFilter{UserID: "u1"})
	if err != nil || n != 2 {
		t.Fatalf("CountJobs(u1) = %d, %v", n, err)
	}
	n, _ = s.CountJobs(ctx, JobFilter{AccountID: "a1", Since: base.Add(30 * time.Second)})
	if n != 1 {
		t.Fatalf("CountJobs(a1, since) = %d", n)
	}

	got.Status = domain.StatusSuccess
	if err := s.SaveJob(ctx, got); err != nil {
		t.Fatalf("SaveJob update: %v", err)
	}
	if n, _ := s.CountJobs(ctx, pending); n != 1 {
		t.Fatalf("expected 1 pending after update, got %d", n)
	}
	if err := s.DeleteJob(ctx, "j3"); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, err := s.GetJob(ctx, "j3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted job to be gone")
	}

	for _, a := range []domain.AccountData{{ID: "b", Sort: 1}, {ID: "a", Sort: 2, Enabled: true}} {
		if err := s.SaveAccount(ctx, a); err != nil {
			t.Fatalf("SaveAccount: %v", err)
		}
	}
	accts, err := s.ListAccounts(ctx)
	if err != nil || len(accts) != 2 || accts[0].ID != "b" {
		t.Fatalf("ListAccounts = %+v, %v", accts, err)
	}
	if a, err := s.GetAccount(ctx, "a"); err != nil || !a.Enabled {
		t.Fatalf("GetAccount = %+v, %v", a, err)
	}

	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := s.PutDedup(ctx, "alert:a1", until); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	u, ok, err := s.GetDedup(ctx, "alert:a1")
	if err != nil || !ok || !u.Equal(until) {
		t.Fatalf("GetDedup = %v %v %v", u, ok, err)
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	s, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "relay.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "relay.json")
	ctx := context.Background()

	s, err := Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	exerciseStore(t, s)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if _, err := s2.GetJob(ctx, "j1"); err != nil {
		t.Fatalf("job lost across reopen: %v", err)
	}
	if _, err := s2.GetJob(ctx, "j3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted job resurrected")
	}
	if n, _ := s2.CountJobs(ctx, JobFilter{}); n != 2 {
		t.Fatalf("expected 2 jobs after reopen, got %d", n)
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("MJRELAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MJRELAY_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, Config{Driver: "postgres", DSN: dsn}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestJobWhereDialects(t *testing.T) {
	t.Parallel()
	f := JobFilter{Statuses: []domain.JobStatus{domain.StatusSubmitted, domain.StatusInProgress}, AccountID: "a1"}
	where, args := jobWhere(f, dollar)
	if where != " WHERE status IN ($1,$2) AND account_id = $3" || len(args) != 3 {
		t.Fatalf("postgres where = %q %v", where, args)
	}
	where, _ = jobWhere(JobFilter{UserID: "u"}, questionMark)
	if where != " WHERE user_id = ?" {
		t.Fatalf("sqlite where = %q", where)
	}
	if where, args := jobWhere(JobFilter{}, dollar); where != "" || args != nil {
		t.Fatalf("empty filter should render nothing")
	}
}
