// Package cache is the shared expiring key/value cache used for ban counters
// and the URL rehost memo.
package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Cache is the collaborator contract. Implementations must be safe for
// concurrent use. A ttl <= 0 means "no expiry".
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Incr adds one to an integer counter and returns the new value. The ttl
	// applies only when the counter is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, key string) error
}

// Memory is an in-process Cache.
type Memory struct {
	mu sync.Mutex // serializes Incr read-modify-write
	c  *ttlcache.Cache[string, string]

	stopOnce sync.Once
}

func NewMemory() *Memory {
	c := ttlcache.New[string, string](
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go c.Start()
	return &Memory{c: c}
}

func ttlOf(d time.Duration) time.Duration {
	if d <= 0 {
		return ttlcache.NoTTL
	}
	return d
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	it := m.c.Get(key)
	if it == nil {
		return "", false, nil
	}
	return it.Value(), true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.c.Set(key, value, ttlOf(ttl))
	return nil
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it := m.c.Get(key)
	if it == nil {
		m.c.Set(key, "1", ttlOf(ttl))
		return 1, nil
	}
	n, err := strconv.ParseInt(it.Value(), 10, 64)
	if err != nil {
		return 0, &NotIntegerError{Key: key}
	}
	n++
	remaining := ttlcache.NoTTL
	if exp := it.ExpiresAt(); !exp.IsZero() {
		remaining = time.Until(exp)
		if remaining <= 0 {
			m.c.Set(key, "1", ttlOf(ttl))
			return 1, nil
		}
	}
	m.c.Set(key, strconv.FormatInt(n, 10), remaining)
	return n, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.c.Delete(key)
	return nil
}

// Len reports the number of live entries.
func (m *Memory) Len() int { return m.c.Len() }

// Close stops the expiry janitor.
func (m *Memory) Close() {
	m.stopOnce.Do(m.c.Stop)
}

type NotIntegerError struct{ Key string }

func (e *NotIntegerError) Error() string {
	return "cache: value at " + strconv.Quote(e.Key) + " is not an integer"
}
