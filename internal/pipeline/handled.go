package pipeline

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// handledSet remembers which vendor messages already mutated a job. Entries
// expire after ttl and the oldest are evicted beyond capacity.
type handledSet struct {
	c *ttlcache.Cache[string, struct{}]
}

func newHandledSet(ttl time.Duration, capacity uint64) *handledSet {
	return &handledSet{c: ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](ttl),
		ttlcache.WithCapacity[string, struct{}](capacity),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)}
}

// mark records key and reports whether it was new.
func (h *handledSet) mark(key string) bool {
	if key == "" {
		return true
	}
	_, seen := h.c.GetOrSet(key, struct{}{})
	return !seen
}
