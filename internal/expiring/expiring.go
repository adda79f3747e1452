// Package expiring provides a TTL-indexed map whose expirations surface as
// a channel the owner can drain, instead of a callback.
//
// This backs spec.md's "awaiting" and "incoming" maps: entries inserted now
// and forgotten expire AWAIT_TIMEOUT later, independent of any other entry,
// without the owner having to poll.
package expiring

import (
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// Entry is one expired (key, value) pair delivered on the Expired channel.
type Entry[V any] struct {
	Key   string
	Value V
}

// Map is a TTL-indexed map of string keys to values of type V. Every
// insertion expires ttl after it was made; expired entries that were not
// first removed by the owner are delivered on the channel returned by
// Expired. That channel buffers 64 entries; a notification that finds it
// full is dropped.
type Map[V any] struct {
	c       *cache.Cache
	expired chan Entry[V]

	mu       sync.Mutex
	consumed map[string]struct{} // keys removed deliberately, not by timeout
}

// New creates a Map whose entries expire ttl after insertion. Expiration is
// checked on a sweep interval of ttl/2, but never less than one second
// (go-cache's janitor), which bounds how late a drained expiry can be
// relative to the nominal deadline.
func New[V any](ttl time.Duration) *Map[V] {
	sweep := ttl / 2
	if sweep < time.Second {
		sweep = time.Second
	}
	m := &Map[V]{
		c:        cache.New(ttl, sweep),
		expired:  make(chan Entry[V], 64),
		consumed: make(map[string]struct{}),
	}
	m.c.OnEvicted(func(key string, value any) {
		m.mu.Lock()
		_, deliberate := m.consumed[key]
		if deliberate {
			delete(m.consumed, key)
		}
		m.mu.Unlock()
		if deliberate {
			return
		}
		select {
		case m.expired <- Entry[V]{Key: key, Value: value.(V)}:
		default:
			// Owner isn't draining fast enough; dropping here only loses
			// the notification, not the fact that the entry is gone.
		}
	})
	return m
}

// Insert adds or replaces key, resetting its TTL.
func (m *Map[V]) Insert(key string, v V) {
	m.c.SetDefault(key, v)
}

// Get returns the current value for key without affecting its TTL.
func (m *Map[V]) Get(key string) (V, bool) {
	v, ok := m.c.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

// Take removes and returns key's value, if present. The removal is marked
// deliberate so it is never mistaken for an expiry on the Expired channel.
func (m *Map[V]) Take(key string) (V, bool) {
	v, ok := m.c.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	m.mu.Lock()
	m.consumed[key] = struct{}{}
	m.mu.Unlock()
	m.c.Delete(key)
	return v.(V), true
}

// Len reports the number of entries held, which may include entries past
// their deadline that the janitor has not swept yet.
func (m *Map[V]) Len() int {
	return m.c.ItemCount()
}

// Expired returns the channel of entries removed by TTL expiry rather than
// by Take. The event loop drains this to fire timeouts / log drops.
func (m *Map[V]) Expired() <-chan Entry[V] {
	return m.expired
}
