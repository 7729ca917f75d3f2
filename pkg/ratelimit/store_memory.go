package ratelimit

import (
	"context"
	"sync"
	"time"
)

const shardCount = 256

// MemoryKeyStore is a thread-safe in-memory implementation of KeyStore.
//
// Keys are spread over 256 shards by an FNV-1a hash; each shard has its own
// mutex, map and LRU list so that unrelated keys never contend. It includes
// memory management features such as:
//   - Maximum key limit to prevent unbounded memory growth
//   - LRU (Least Recently Used) eviction when a shard is full
//   - Idle TTL per entry, refreshed on every write and enforced by Sweep
//
// Evicting a key under LRU pressure forgets its state, which resets that
// key's budget. Size MaxKeys for the expected number of active keys.
type MemoryKeyStore struct {
	shards          [shardCount]memoryShard
	maxKeysPerShard int
	clock           Clock
	metrics         RateLimitMetrics
}

type memoryShard struct {
	mu      sync.Mutex
	entries map[string]*lruNode
	lru     lruList
	_       [32]byte // pad to a 64-byte cache line
}

// memoryEntry is the stored value of one key.
type memoryEntry struct {
	state     LimiterState
	version   uint64
	expiresAt time.Time
}

// lruList maintains a doubly-linked list of entries ordered by last write.
type lruList struct {
	head *lruNode
	tail *lruNode
}

// lruNode represents a node in the LRU list. It owns the entry.
type lruNode struct {
	key   string
	entry memoryEntry
	prev  *lruNode
	next  *lruNode
}

// MemoryStoreConfig holds configuration for MemoryKeyStore.
type MemoryStoreConfig struct {
	// MaxKeys is the maximum number of keys to store in memory.
	// The bound is split evenly across shards, so eviction can start
	// slightly before MaxKeys keys are stored in total.
	// Default: 100000
	MaxKeys int

	// Clock provides time operations for testing.
	// Default: SystemClock
	Clock Clock

	// Metrics receives eviction counts. Default: NoOpRateLimitMetrics.
	Metrics RateLimitMetrics
}

// DefaultMemoryStoreConfig returns the default configuration.
func DefaultMemoryStoreConfig() MemoryStoreConfig {
	return MemoryStoreConfig{
		MaxKeys: 100000,
		Clock:   &SystemClock{},
		Metrics: &NoOpRateLimitMetrics{},
	}
}

// NewMemoryKeyStore creates a new in-memory key store with the given configuration.
func NewMemoryKeyStore(config MemoryStoreConfig) *MemoryKeyStore {
	if config.MaxKeys <= 0 {
		config.MaxKeys = 100000
	}
	if config.Clock == nil {
		config.Clock = &SystemClock{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoOpRateLimitMetrics{}
	}

	perShard := config.MaxKeys / shardCount
	if perShard < 1 {
		perShard = 1
	}

	s := &MemoryKeyStore{
		maxKeysPerShard: perShard,
		clock:           config.Clock,
		metrics:         config.Metrics,
	}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*lruNode)
	}
	return s
}

// StorageType always reports StorageMemory.
func (s *MemoryKeyStore) StorageType() StorageType {
	return StorageMemory
}

func (s *MemoryKeyStore) shard(key string) *memoryShard {
	return &s.shards[fnv32a(key)%shardCount]
}

// Get returns the state stored under key.
//
// Entries whose TTL has elapsed read as absent, but their version is still
// reported so that CompareAndSwap can overwrite them.
func (s *MemoryKeyStore) Get(ctx context.Context, key string) (LimiterState, uint64, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	node, ok := sh.entries[key]
	if !ok {
		return nil, 0, nil
	}
	if !s.clock.Now().Before(node.entry.expiresAt) {
		return nil, node.entry.version, nil
	}
	return node.entry.state, node.entry.version, nil
}

// CompareAndSwap stores state if the entry's version still equals version.
func (s *MemoryKeyStore) CompareAndSwap(ctx context.Context, key string, version uint64, state LimiterState, ttl time.Duration) (bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var current uint64
	if node, ok := sh.entries[key]; ok {
		current = node.entry.version
	}
	if current != version {
		return false, nil
	}

	s.store(sh, key, state, ttl)
	return true, nil
}

// Put unconditionally stores state under key.
func (s *MemoryKeyStore) Put(ctx context.Context, key string, state LimiterState, ttl time.Duration) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s.store(sh, key, state, ttl)
	return nil
}

// Delete removes key from the store.
func (s *MemoryKeyStore) Delete(ctx context.Context, key string) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if node, ok := sh.entries[key]; ok {
		sh.lru.remove(node)
		delete(sh.entries, key)
	}
	return nil
}

// store writes an entry, bumping its version and moving it to the front of
// the LRU list.
//
// This method must be called while holding the shard lock.
func (s *MemoryKeyStore) store(sh *memoryShard, key string, state LimiterState, ttl time.Duration) {
	expiresAt := s.clock.Now().Add(ttl)

	if node, ok := sh.entries[key]; ok {
		node.entry = memoryEntry{state: state, version: node.entry.version + 1, expiresAt: expiresAt}
		sh.lru.touch(node)
		return
	}

	if len(sh.entries) >= s.maxKeysPerShard {
		s.evictLRU(sh)
	}

	node := &lruNode{key: key, entry: memoryEntry{state: state, version: 1, expiresAt: expiresAt}}
	sh.entries[key] = node
	sh.lru.touch(node)
}

// evictLRU evicts the least recently used keys of a full shard.
//
// This method evicts 10% of the shard to avoid frequent evictions.
//
// This method must be called while holding the shard lock.
func (s *MemoryKeyStore) evictLRU(sh *memoryShard) {
	evictCount := s.maxKeysPerShard / 10
	if evictCount < 1 {
		evictCount = 1
	}

	evicted := 0
	for evicted < evictCount && sh.lru.tail != nil {
		node := sh.lru.tail
		sh.lru.remove(node)
		delete(sh.entries, node.key)
		evicted++
	}

	s.metrics.RecordEviction("lru", evicted)
}

// Sweep removes every entry whose TTL elapsed before now.
//
// Shards are locked one at a time, so concurrent checks on other shards
// continue while a sweep runs.
func (s *MemoryKeyStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	for i := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		sh := &s.shards[i]
		sh.mu.Lock()
		for key, node := range sh.entries {
			if !now.Before(node.entry.expiresAt) {
				sh.lru.remove(node)
				delete(sh.entries, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}

	if removed > 0 {
		s.metrics.RecordEviction("idle", removed)
	}
	return removed, nil
}

// KeyCount returns the number of keys currently in storage, including
// expired entries that have not been swept yet.
func (s *MemoryKeyStore) KeyCount(ctx context.Context) (int, error) {
	total := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		total += len(sh.entries)
		sh.mu.Unlock()
	}
	return total, nil
}

// MemoryUsage returns the estimated memory usage in bytes.
//
// This calculation includes:
//   - Map overhead (approximately 48 bytes per entry)
//   - The key string
//   - LRU node and entry overhead
//   - The state as estimated by LimiterState.SizeBytes
func (s *MemoryKeyStore) MemoryUsage(ctx context.Context) (int64, error) {
	const (
		mapEntryOverhead = 48 // Approximate bytes per map entry
		lruNodeSize      = 88 // lruNode including the embedded entry
	)

	var totalBytes int64
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, node := range sh.entries {
			totalBytes += mapEntryOverhead + lruNodeSize + int64(len(key))
			if node.entry.state != nil {
				totalBytes += int64(node.entry.state.SizeBytes())
			}
		}
		sh.mu.Unlock()
	}
	return totalBytes, nil
}

// touch moves node to the front (most recently used position), inserting
// it if it is not linked yet.
func (l *lruList) touch(node *lruNode) {
	if l.head == node {
		return
	}
	if node.prev != nil || node.next != nil || l.tail == node {
		l.remove(node)
	}

	node.prev = nil
	node.next = l.head
	if l.head != nil {
		l.head.prev = node
	}
	l.head = node

	if l.tail == nil {
		l.tail = node
	}
}

// remove unlinks node from the list.
func (l *lruList) remove(node *lruNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else if l.head == node {
		l.head = node.next
	}

	if node.next != nil {
		node.next.prev = node.prev
	} else if l.tail == node {
		l.tail = node.prev
	}

	node.prev = nil
	node.next = nil
}

// fnv32a is FNV-1a 32-bit without the allocation of hash/fnv.
func fnv32a(s string) uint32 {
	const offset32 = 2166136261
	const prime32 = 16777619
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
