package session

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Table maps session tokens to open sessions. Sessions untouched for the
// idle TTL are evicted and handed to the expiry callback.
type Table struct {
	cache *ttlcache.Cache[string, *Session]
}

// NewTable creates a table. An idle TTL of zero disables expiry.
// onExpire runs for each session evicted by idleness or capacity, never
// for explicit removals.
func NewTable(idle time.Duration, onExpire func(*Session)) *Table {
	cache := ttlcache.New[string, *Session](
		ttlcache.WithTTL[string, *Session](idle),
	)
	if onExpire != nil {
		cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Session]) {
			switch reason {
			case ttlcache.EvictionReasonExpired, ttlcache.EvictionReasonCapacityReached:
				onExpire(item.Value())
			}
		})
	}
	return &Table{cache: cache}
}

// Start runs the expiry loop until Stop is called. It blocks.
func (t *Table) Start() { t.cache.Start() }

// Stop ends the expiry loop.
func (t *Table) Stop() { t.cache.Stop() }

// Put registers s under its token.
func (t *Table) Put(s *Session) {
	t.cache.Set(s.Token(), s, ttlcache.DefaultTTL)
}

// Get returns the session for token and resets its idle timer.
func (t *Table) Get(token string) (*Session, bool) {
	item := t.cache.Get(token)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Remove deletes token from the table.
func (t *Table) Remove(token string) {
	t.cache.Delete(token)
}

// Len is the number of registered sessions.
func (t *Table) Len() int { return t.cache.Len() }

// Drain removes and returns every registered session.
func (t *Table) Drain() []*Session {
	items := t.cache.Items()
	out := make([]*Session, 0, len(items))
	for token, item := range items {
		out = append(out, item.Value())
		t.cache.Delete(token)
	}
	return out
}

// DeleteExpired evicts sessions whose idle TTL has passed without waiting
// for the expiry loop.
func (t *Table) DeleteExpired() { t.cache.DeleteExpired() }
