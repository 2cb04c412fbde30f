package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"mjrelay/internal/domain"
	"mjrelay/pkg/logx"
)

// fileStore keeps every collection in memory and persists it as
//
//	<prefix>.<name>.snapshot.json  (periodic compaction target)
//	<prefix>.<name>.journal.jsonl  (append-only puts and deletes)
//
// Opening replays the journal over the snapshot.
type fileStore struct {
	log logx.Logger

	mu       sync.Mutex
	jobs     *journal[domain.JobData]
	accounts *journal[domain.AccountData]
	dedup    *journal[int64]
}

const compactEvery = 1000

type journalRecord[T any] struct {
	Key     string `json:"key"`
	Value   T      `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

type journal[T any] struct {
	snapshotPath string
	file         *os.File
	m            map[string]T
	writes       int
}

func openJournal[T any](prefix, name string) (*journal[T], error) {
	j := &journal[T]{
		snapshotPath: prefix + "." + name + ".snapshot.json",
		m:            map[string]T{},
	}
	journalPath := prefix + "." + name + ".journal.jsonl"
	if err := loadSnapshot(j.snapshotPath, j.m); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayJournal(journalPath, j.m); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	f, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	j.file = f
	return j, nil
}

func (j *journal[T]) put(key string, v T) error {
	if j.file == nil {
		return ErrClosed
	}
	j.m[key] = v
	return j.append(journalRecord[T]{Key: key, Value: v})
}

func (j *journal[T]) del(key string) error {
	if j.file == nil {
		return ErrClosed
	}
	if _, ok := j.m[key]; !ok {
		return nil
	}
	delete(j.m, key)
	return j.append(journalRecord[T]{Key: key, Deleted: true})
}

func (j *journal[T]) append(r journalRecord[T]) error {
	if err := json.NewEncoder(j.file).Encode(r); err != nil {
		return err
	}
	j.writes++
	if j.writes%compactEvery == 0 {
		return j.compact()
	}
	return nil
}

func (j *journal[T]) compact() error {
	tmp := j.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(j.m); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, j.snapshotPath); err != nil {
		return err
	}
	if err := j.file.Truncate(0); err != nil {
		return err
	}
	_, err = j.file.Seek(0, 2)
	return err
}

func (j *journal[T]) close() error {
	if j == nil || j.file == nil {
		return nil
	}
	err := j.compact()
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	j.file = nil
	return err
}

func loadSnapshot[T any](path string, out map[string]T) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]T
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal[T any](path string, out map[string]T) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord[T]
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		if r.Deleted {
			delete(out, r.Key)
			continue
		}
		out[r.Key] = r.Value
	}
	return sc.Err()
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	base := filepath.Base(path)
	prefix := filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base)))

	s := &fileStore{log: log}
	var err error
	if s.jobs, err = openJournal[domain.JobData](prefix, "jobs"); err != nil {
		return nil, err
	}
	if s.accounts, err = openJournal[domain.AccountData](prefix, "accounts"); err != nil {
		_ = s.jobs.close()
		return nil, err
	}
	if s.dedup, err = openJournal[int64](prefix, "dedup"); err != nil {
		_ = s.jobs.close()
		_ = s.accounts.close()
		return nil, err
	}
	now := time.Now().UnixMilli()
	for k, v := range s.dedup.m {
		if v < now {
			delete(s.dedup.m, k)
		}
	}
	log.Info("file store opened", logx.String("prefix", prefix),
		logx.Int("jobs", len(s.jobs.m)), logx.Int("accounts", len(s.accounts.m)))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.jobs.close(), s.accounts.close(), s.dedup.close())
}

func (s *fileStore) GetJob(_ context.Context, id string) (domain.JobData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.jobs.m[id]
	if !ok {
		return domain.JobData{}, ErrNotFound
	}
	return d, nil
}

func (s *fileStore) SaveJob(_ context.Context, d domain.JobData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs.put(d.ID, d)
}

func (s *fileStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs.del(id)
}

func (s *fileStore) ListJobs(_ context.Context, f JobFilter) ([]domain.JobData, error) {
	s.mu.Lock()
	out := make([]domain.JobData, 0)
	for _, d := range s.jobs.m {
		if f.Match(d) {
			out = append(out, d)
		}
	}
	s.mu.Unlock()
	return sortJobs(out, f.Limit), nil
}

func (s *fileStore) CountJobs(_ context.Context, f JobFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.jobs.m {
		if f.Match(d) {
			n++
		}
	}
	return n, nil
}

func (s *fileStore) GetAccount(_ context.Context, id string) (domain.AccountData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.accounts.m[id]
	if !ok {
		return domain.AccountData{}, ErrNotFound
	}
	return d, nil
}

func (s *fileStore) ListAccounts(_ context.Context) ([]domain.AccountData, error) {
	s.mu.Lock()
	out := make([]domain.AccountData, 0, len(s.accounts.m))
	for _, d := range s.accounts.m {
		out = append(out, d)
	}
	s.mu.Unlock()
	sortAccounts(out)
	return out, nil
}

func (s *fileStore) SaveAccount(_ context.Context, d domain.AccountData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts.put(d.ID, d)
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dedup.put(key, until.UnixMilli())
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup.m[strings.TrimSpace(key)]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}
