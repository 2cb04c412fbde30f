package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"mjrelay/internal/domain"
)

type memoryStore struct {
	mu       sync.RWMutex
	jobs     map[string]domain.JobData
	accounts map[string]domain.AccountData
	dedup    map[string]time.Time
}

func NewMemory() Store {
	return &memoryStore{
		jobs:     map[string]domain.JobData{},
		accounts: map[string]domain.AccountData{},
		dedup:    map[string]time.Time{},
	}
}

func (s *memoryStore) GetJob(_ context.Context, id string) (domain.JobData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.jobs[id]
	if !ok {
		return domain.JobData{}, ErrNotFound
	}
	return d, nil
}

func (s *memoryStore) SaveJob(_ context.Context, d domain.JobData) error {
	s.mu.Lock()
	s.jobs[d.ID] = d
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) ListJobs(_ context.Context, f JobFilter) ([]domain.JobData, error) {
	s.mu.RLock()
	out := make([]domain.JobData, 0, len(s.jobs))
	for _, d := range s.jobs {
		if f.Match(d) {
			out = append(out, d)
		}
	}
	s.mu.RUnlock()
	return sortJobs(out, f.Limit), nil
}

func (s *memoryStore) CountJobs(_ context.Context, f JobFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, d := range s.jobs {
		if f.Match(d) {
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) GetAccount(_ context.Context, id string) (domain.AccountData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.accounts[id]
	if !ok {
		return domain.AccountData{}, ErrNotFound
	}
	return d, nil
}

func (s *memoryStore) ListAccounts(_ context.Context) ([]domain.AccountData, error) {
	s.mu.RLock()
	out := make([]domain.AccountData, 0, len(s.accounts))
	for _, d := range s.accounts {
		out = append(out, d)
	}
	s.mu.RUnlock()
	sortAccounts(out)
	return out, nil
}

func (s *memoryStore) SaveAccount(_ context.Context, d domain.AccountData) error {
	s.mu.Lock()
	s.accounts[d.ID] = d
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	s.dedup[key] = until
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	until, ok := s.dedup[strings.TrimSpace(key)]
	return until, ok, nil
}

func (s *memoryStore) Close() error { return nil }
