package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantorhq/quantor/pkg/schema"
)

// DefaultCapacity bounds the number of live cache entries.
const DefaultCapacity = 1000

// DefaultTTLs maps each command TTL class to its entry lifetime.
func DefaultTTLs() map[schema.TTLClass]time.Duration {
	return map[schema.TTLClass]time.Duration{
		schema.TTLClassQuote:     30 * time.Second,
		schema.TTLClassChart:     60 * time.Second,
		schema.TTLClassExpensive: time.Hour,
		schema.TTLClassMedium:    30 * time.Minute,
		schema.TTLClassDefault:   5 * time.Minute,
	}
}

// Config holds result cache configuration.
type Config struct {
	Capacity       int
	TTLs           map[schema.TTLClass]time.Duration
	VolatileFields []string // context fields excluded from fingerprints
}

// Entry is one cached result.
type Entry struct {
	Key       string        `json:"key"`
	Command   string        `json:"command"`
	Result    any           `json:"result"`
	CreatedAt time.Time     `json:"createdAt"`
	TTL       time.Duration `json:"ttl"`
}

// Expired reports whether the entry is past its TTL at the given instant.
func (e *Entry) Expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}

// Cache is the TTL-keyed result store. Eviction beyond capacity removes the
// single oldest entry by insertion time, not LRU-by-access: re-reading an
// entry does not refresh its position. Expired entries are purged lazily on
// lookup and proactively by Evict. Only successful results are ever stored;
// the engine enforces that callers never Put failures.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element // key -> element holding *Entry
	order    *list.List               // insertion order, oldest at front
	capacity int
	ttls     map[schema.TTLClass]time.Duration
	fp       *Fingerprinter

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a Cache from the config, filling in defaults.
func New(cfg Config) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	ttls := DefaultTTLs()
	for class, d := range cfg.TTLs {
		ttls[class] = d
	}
	return &Cache{
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		capacity: cfg.Capacity,
		ttls:     ttls,
		fp:       NewFingerprinter(cfg.VolatileFields),
	}
}

// TTLFor returns the entry lifetime for a TTL class. Unknown classes get the
// default lifetime; TTLClassNone gets zero.
func (c *Cache) TTLFor(class schema.TTLClass) time.Duration {
	if class == schema.TTLClassNone {
		return 0
	}
	if d, ok := c.ttls[class]; ok {
		return d
	}
	return c.ttls[schema.TTLClassDefault]
}

// Get looks up a previously computed result. Expired entries are purged on
// the spot and count as misses. Hit/miss metrics are recorded on every call.
func (c *Cache) Get(command string, args map[string]any, ec schema.ExecContext) (any, bool) {
	key := c.fp.Fingerprint(command, args, ec)

	c.mu.Lock()
	elem, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}

	entry := elem.Value.(*Entry)
	if entry.Expired(time.Now()) {
		c.order.Remove(elem)
		delete(c.entries, key)
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}
	result := entry.Result
	c.mu.Unlock()

	c.hits.Add(1)
	return result, true
}

// Put stores a successful result under the request's fingerprint. Inserting
// beyond capacity evicts the oldest entry by insertion time. TTLClassNone
// commands are never stored.
func (c *Cache) Put(command string, class schema.TTLClass, args map[string]any, ec schema.ExecContext, result any) {
	ttl := c.TTLFor(class)
	if ttl <= 0 {
		return
	}
	key := c.fp.Fingerprint(command, args, ec)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Replacing an existing key re-inserts it at the back.
	if elem, ok := c.entries[key]; ok {
		c.order.Remove(elem)
		delete(c.entries, key)
	}

	if len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}

	entry := &Entry{
		Key:       key,
		Command:   command,
		Result:    result,
		CreatedAt: time.Now(),
		TTL:       ttl,
	}
	c.entries[key] = c.order.PushBack(entry)
}

// evictOldestLocked drops the single oldest entry by insertion time.
func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(*Entry)
	c.order.Remove(front)
	delete(c.entries, entry.Key)
}

// Evict proactively removes all expired entries and trims the cache back to
// capacity, oldest-first. Returns the number of entries removed.
func (c *Cache) Evict() int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		entry := elem.Value.(*Entry)
		if entry.Expired(now) {
			c.order.Remove(elem)
			delete(c.entries, entry.Key)
			removed++
		}
		elem = next
	}
	for len(c.entries) > c.capacity {
		c.evictOldestLocked()
		removed++
	}
	return removed
}

// Size returns the number of live entries (including not-yet-purged expired ones).
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cumulative hit and miss counters.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Snapshot returns a copy of all unexpired entries for best-effort
// persistence. No forward-compatibility guarantee.
func (c *Cache) Snapshot() []Entry {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, len(c.entries))
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*Entry)
		if entry.Expired(now) {
			continue
		}
		out = append(out, *entry)
	}
	return out
}

// Restore loads snapshot entries, skipping expired ones. Entries must be
// ordered oldest-first so insertion-order eviction stays correct.
func (c *Cache) Restore(entries []Entry) int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	loaded := 0
	for i := range entries {
		entry := entries[i]
		if entry.Expired(now) || entry.Key == "" {
			continue
		}
		if _, exists := c.entries[entry.Key]; exists {
			continue
		}
		if len(c.entries) >= c.capacity {
			break
		}
		e := entry
		c.entries[e.Key] = c.order.PushBack(&e)
		loaded++
	}
	return loaded
}
