package service

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/countersign-dev/countersign/internal/domain/command"
)

// DefaultClassifierCacheSize bounds the tier cache. Command lines repeat
// heavily in agent sessions; a small cache absorbs most lookups.
const DefaultClassifierCacheSize = 1024

// CommandService classifies shell command lines into escalation tiers,
// memoizing results behind a bounded LRU keyed by an xxhash of the line.
// Classification is pure, so cached entries never go stale.
type CommandService struct {
	cache   *tierCache
	metrics *Metrics
}

// NewCommandService creates a classifier service with a cache of the
// given size. size <= 0 disables caching.
func NewCommandService(size int, metrics *Metrics) *CommandService {
	var cache *tierCache
	if size > 0 {
		cache = newTierCache(size)
	}
	return &CommandService{cache: cache, metrics: metrics}
}

// Classify returns the escalation tier for a command line.
func (s *CommandService) Classify(line string) command.Tier {
	if s.cache == nil {
		return command.Classify(line)
	}
	key := xxhash.Sum64String(line)
	if tier, ok := s.cache.Get(key); ok {
		s.metrics.ClassifierCache.WithLabelValues("hit").Inc()
		return tier
	}
	s.metrics.ClassifierCache.WithLabelValues("miss").Inc()
	tier := command.Classify(line)
	s.cache.Put(key, tier)
	return tier
}

// CacheSize returns the number of cached entries.
func (s *CommandService) CacheSize() int {
	if s.cache == nil {
		return 0
	}
	return s.cache.Size()
}

// lruEntry is a doubly-linked list node for the tier cache.
type lruEntry struct {
	key  uint64
	tier command.Tier
	prev *lruEntry
	next *lruEntry
}

// tierCache provides bounded LRU caching for classification results.
// Thread-safe with Mutex (both Get and Put mutate LRU order).
type tierCache struct {
	mu      sync.Mutex
	entries map[uint64]*lruEntry
	head    *lruEntry // most recently used
	tail    *lruEntry // least recently used
	maxSize int
}

func newTierCache(maxSize int) *tierCache {
	return &tierCache{
		entries: make(map[uint64]*lruEntry, maxSize),
		maxSize: maxSize,
	}
}

// Get retrieves a cached tier. On hit, the entry is promoted to the head.
func (c *tierCache) Get(key uint64) (command.Tier, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.moveToHeadLocked(e)
		return e.tier, true
	}
	return 0, false
}

// Put stores a tier. If at capacity, the least recently used entry is evicted.
func (c *tierCache) Put(key uint64, tier command.Tier) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.tier = tier
		c.moveToHeadLocked(e)
		return
	}
	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}
	e := &lruEntry{key: key, tier: tier}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

// Size returns current cache size.
func (c *tierCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// moveToHeadLocked moves an existing entry to the head. Must be called with lock held.
func (c *tierCache) moveToHeadLocked(e *lruEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

// pushHeadLocked inserts an entry at the head. Must be called with lock held.
func (c *tierCache) pushHeadLocked(e *lruEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

// unlinkLocked removes an entry from the linked list. Must be called with lock held.
func (c *tierCache) unlinkLocked(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

// evictTailLocked removes the least recently used entry. Must be called with lock held.
func (c *tierCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}
