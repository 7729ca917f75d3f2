package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// MockClock implements Clock interface for testing
type MockClock struct {
	mu  sync.RWMutex
	now time.Time
}

func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

func (m *MockClock) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

func newTestMemoryStore(clock Clock, maxKeys int) *MemoryKeyStore {
	return NewMemoryKeyStore(MemoryStoreConfig{MaxKeys: maxKeys, Clock: clock})
}

// sameShardKeys returns n distinct keys that hash to the same shard.
func sameShardKeys(n int) []string {
	var keys []string
	var shard uint32
	for i := 0; len(keys) < n; i++ {
		key := fmt.Sprintf("key-%d", i)
		idx := fnv32a(key) % shardCount
		if len(keys) == 0 {
			shard = idx
		}
		if idx == shard {
			keys = append(keys, key)
		}
	}
	return keys
}

func TestNewMemoryKeyStore_Defaults(t *testing.T) {
	store := NewMemoryKeyStore(MemoryStoreConfig{})

	if store.clock == nil {
		t.Error("clock should default to SystemClock")
	}
	if store.metrics == nil {
		t.Error("metrics should default to no-op")
	}
	if store.maxKeysPerShard != 100000/shardCount {
		t.Errorf("maxKeysPerShard = %d, want %d", store.maxKeysPerShard, 100000/shardCount)
	}
	if store.StorageType() != StorageMemory {
		t.Errorf("StorageType() = %v, want memory", store.StorageType())
	}
}

func TestMemoryKeyStore_GetMissing(t *testing.T) {
	store := newTestMemoryStore(NewMockClock(testBase), 100)

	state, version, err := store.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if state != nil || version != 0 {
		t.Errorf("Get() = (%v, %d), want (nil, 0)", state, version)
	}
}

func TestMemoryKeyStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := newTestMemoryStore(NewMockClock(testBase), 100)
	first := &FixedWindowState{WindowStart: testBase, Count: 1}
	second := &FixedWindowState{WindowStart: testBase, Count: 2}

	ok, err := store.CompareAndSwap(ctx, "k", 0, first, time.Minute)
	if err != nil || !ok {
		t.Fatalf("create CompareAndSwap() = (%v, %v), want (true, nil)", ok, err)
	}

	ok, _ = store.CompareAndSwap(ctx, "k", 0, second, time.Minute)
	if ok {
		t.Error("create-only CompareAndSwap must fail when the key exists")
	}

	state, version, _ := store.Get(ctx, "k")
	if state != first || version != 1 {
		t.Fatalf("Get() = (%v, %d), want (first, 1)", state, version)
	}

	ok, _ = store.CompareAndSwap(ctx, "k", 7, second, time.Minute)
	if ok {
		t.Error("CompareAndSwap with a stale version must fail")
	}

	ok, _ = store.CompareAndSwap(ctx, "k", version, second, time.Minute)
	if !ok {
		t.Fatal("CompareAndSwap with the current version should succeed")
	}

	state, version, _ = store.Get(ctx, "k")
	if state != second || version != 2 {
		t.Errorf("Get() = (%v, %d), want (second, 2)", state, version)
	}
}

func TestMemoryKeyStore_TTL(t *testing.T) {
	ctx := context.Background()
	clock := NewMockClock(testBase)
	store := newTestMemoryStore(clock, 100)
	st := &LeakyBucketState{QueueSize: 1, LastLeak: testBase}

	if err := store.Put(ctx, "k", st, 10*time.Second); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	clock.Advance(9 * time.Second)
	if state, _, _ := store.Get(ctx, "k"); state == nil {
		t.Fatal("entry should still be live before its TTL")
	}

	clock.Advance(time.Second)
	state, version, _ := store.Get(ctx, "k")
	if state != nil {
		t.Error("entry should read as absent once its TTL elapsed")
	}
	if version != 1 {
		t.Errorf("expired entry version = %d, want 1", version)
	}

	ok, _ := store.CompareAndSwap(ctx, "k", version, st, 10*time.Second)
	if !ok {
		t.Error("CompareAndSwap should replace an expired entry")
	}
}

func TestMemoryKeyStore_Sweep(t *testing.T) {
	ctx := context.Background()
	clock := NewMockClock(testBase)
	store := newTestMemoryStore(clock, 1000)
	st := &FixedWindowState{WindowStart: testBase}

	for i := 0; i < 10; i++ {
		_ = store.Put(ctx, fmt.Sprintf("short-%d", i), st, time.Second)
		_ = store.Put(ctx, fmt.Sprintf("long-%d", i), st, time.Hour)
	}

	removed, err := store.Sweep(ctx, testBase.Add(time.Minute))
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if removed != 10 {
		t.Errorf("Sweep() removed %d, want 10", removed)
	}

	count, _ := store.KeyCount(ctx)
	if count != 10 {
		t.Errorf("KeyCount() = %d, want 10", count)
	}
}

func TestMemoryKeyStore_SweepHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := newTestMemoryStore(NewMockClock(testBase), 100)
	if _, err := store.Sweep(ctx, testBase); err == nil {
		t.Error("Sweep() with a cancelled context should return an error")
	}
}

func TestMemoryKeyStore_LRUEviction(t *testing.T) {
	ctx := context.Background()
	// One key per shard.
	store := newTestMemoryStore(NewMockClock(testBase), shardCount)
	keys := sameShardKeys(3)
	st := &FixedWindowState{WindowStart: testBase}

	_ = store.Put(ctx, keys[0], st, time.Hour)
	_ = store.Put(ctx, keys[1], st, time.Hour)

	if state, _, _ := store.Get(ctx, keys[0]); state != nil {
		t.Error("least recently used key should have been evicted")
	}
	if state, _, _ := store.Get(ctx, keys[1]); state == nil {
		t.Error("newest key should be present")
	}

	count, _ := store.KeyCount(ctx)
	if count != 1 {
		t.Errorf("KeyCount() = %d, want 1", count)
	}
}

func TestMemoryKeyStore_LRUOrderFollowsWrites(t *testing.T) {
	ctx := context.Background()
	store := newTestMemoryStore(NewMockClock(testBase), 2*shardCount)
	keys := sameShardKeys(3)
	st := &FixedWindowState{WindowStart: testBase}

	_ = store.Put(ctx, keys[0], st, time.Hour)
	_ = store.Put(ctx, keys[1], st, time.Hour)
	_ = store.Put(ctx, keys[0], st, time.Hour) // keys[0] is now the most recent
	_ = store.Put(ctx, keys[2], st, time.Hour)

	if state, _, _ := store.Get(ctx, keys[1]); state != nil {
		t.Error("keys[1] should have been evicted")
	}
	if state, _, _ := store.Get(ctx, keys[0]); state == nil {
		t.Error("keys[0] should survive eviction")
	}
}

func TestMemoryKeyStore_Delete(t *testing.T) {
	ctx := context.Background()
	store := newTestMemoryStore(NewMockClock(testBase), 100)

	_ = store.Put(ctx, "k", &FixedWindowState{}, time.Hour)
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}
	if state, version, _ := store.Get(ctx, "k"); state != nil || version != 0 {
		t.Errorf("Get() after Delete = (%v, %d), want (nil, 0)", state, version)
	}
}

func TestMemoryKeyStore_MemoryUsage(t *testing.T) {
	ctx := context.Background()
	store := newTestMemoryStore(NewMockClock(testBase), 100)

	empty, _ := store.MemoryUsage(ctx)
	if empty != 0 {
		t.Errorf("MemoryUsage() of empty store = %d, want 0", empty)
	}

	_ = store.Put(ctx, "k", &SlidingWindowState{Segments: make([]Segment, 4)}, time.Hour)
	used, _ := store.MemoryUsage(ctx)
	if used <= 0 {
		t.Errorf("MemoryUsage() = %d, want > 0", used)
	}
}

func TestMemoryKeyStore_ConcurrentCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := newTestMemoryStore(NewMockClock(testBase), 1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := store.CompareAndSwap(ctx, "shared", 0, &FixedWindowState{}, time.Minute)
			if ok {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("create-only CompareAndSwap succeeded %d times, want 1", successes)
	}
}
