package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Tombstones remembers slugs that reached a terminal state (burned,
// expired, deleted) so repeat reads fail fast without a database hit.
// Entries carry the failure reason and age out after a TTL.
type Tombstones struct {
	c  *lru.Cache[string, tombstone]
	mu sync.Mutex
}

type tombstone struct {
	reason string
	exp    time.Time
}

func NewTombstones(size int) (*Tombstones, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, tombstone](size)
	if err != nil {
		return nil, err
	}
	return &Tombstones{c: c}, nil
}

// Reason returns the recorded terminal state for a slug, or "" when the
// slug has no live tombstone.
func (t *Tombstones) Reason(ctx context.Context, slug string) string {
	select {
	case <-ctx.Done():
		return ""
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	it, ok := t.c.Get(slug)
	if !ok {
		return ""
	}
	if time.Now().After(it.exp) {
		t.c.Remove(slug)
		return ""
	}
	return it.reason
}

func (t *Tombstones) Mark(ctx context.Context, slug, reason string, ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.c.Add(slug, tombstone{
		reason: reason,
		exp:    time.Now().Add(ttl),
	})
}

func (t *Tombstones) Remove(slug string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.c.Remove(slug)
}
