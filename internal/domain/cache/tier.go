package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/rota/internal/domain/fault"
	"github.com/okian/rota/pkg/logger"
	"github.com/okian/rota/pkg/metrics"
)

// Entry is a cached payload plus its bookkeeping.
type Entry[T any] struct {
	Value    T
	StoredAt time.Time
	Version  uint64
	// Partial marks entries produced by an incremental patch rather than a full fetch.
	Partial bool
}

// Tier is one independently keyed TTL store.
type Tier[T any] struct {
	name       string
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	version    *atomic.Uint64
	clone      func(T) T
	logger     logger.Logger

	mu      sync.Mutex
	entries map[string]Entry[T]
}

func newTier[T any](name string, ttl time.Duration, s *Store, clone func(T) T) *Tier[T] {
	return &Tier[T]{
		name:       name,
		ttl:        ttl,
		maxEntries: s.maxEntries,
		now:        s.now,
		version:    &s.version,
		clone:      clone,
		logger:     s.logger,
		entries:    make(map[string]Entry[T]),
	}
}

// Name returns the tier label used in logs and metrics.
func (t *Tier[T]) Name() string { return t.name }

// TTL returns the tier's time to live.
func (t *Tier[T]) TTL() time.Duration { return t.ttl }

func (t *Tier[T]) expired(e Entry[T], now time.Time) bool {
	return now.Sub(e.StoredAt) >= t.ttl
}

// Get returns a copy of the value stored under key. Expired entries are evicted.
func (t *Tier[T]) Get(key string) (T, bool) {
	e, ok := t.Peek(key)
	if !ok {
		var zero T
		return zero, false
	}
	return e.Value, true
}

// Peek is Get with the entry metadata.
func (t *Tier[T]) Peek(key string) (Entry[T], bool) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if ok && t.expired(e, t.now()) {
		delete(t.entries, key)
		ok = false
		metrics.RecordCacheEviction(t.name, 1)
	}
	t.mu.Unlock()

	if !ok {
		metrics.RecordCacheMiss(t.name)
		return Entry[T]{}, false
	}
	metrics.RecordCacheHit(t.name)
	if t.clone != nil {
		e.Value = t.clone(e.Value)
	}
	return e, true
}

// Set stores value under key. A rejected write is logged and otherwise ignored.
func (t *Tier[T]) Set(ctx context.Context, key string, value T) {
	t.set(ctx, key, value, false)
}

// SetPartial stores value flagged as the result of an incremental patch.
func (t *Tier[T]) SetPartial(ctx context.Context, key string, value T) {
	t.set(ctx, key, value, true)
}

func (t *Tier[T]) set(ctx context.Context, key string, value T, partial bool) {
	if key == "" {
		t.reject(ctx, key, "empty key")
		return
	}
	if t.clone != nil {
		value = t.clone(value)
	}
	now := t.now()

	t.mu.Lock()
	if _, exists := t.entries[key]; !exists && t.maxEntries > 0 && len(t.entries) >= t.maxEntries {
		t.purgeLocked(now)
		if len(t.entries) >= t.maxEntries {
			t.mu.Unlock()
			t.reject(ctx, key, "tier is full")
			return
		}
	}
	t.entries[key] = Entry[T]{
		Value:    value,
		StoredAt: now,
		Version:  t.version.Add(1),
		Partial:  partial,
	}
	t.mu.Unlock()
}

func (t *Tier[T]) reject(ctx context.Context, key, reason string) {
	err := fault.New(fault.CacheError, "cache.set", reason).With("tier", t.name).With("key", key)
	metrics.RecordCacheWriteFailure(t.name)
	metrics.RecordError("cache", string(fault.CacheError))
	t.logger.Warn(ctx, "cache write rejected; continuing without cache",
		logger.String("tier", t.name),
		logger.String("key", key),
		logger.Error(err),
	)
}

// purgeLocked drops every expired entry. Caller holds t.mu.
func (t *Tier[T]) purgeLocked(now time.Time) {
	n := 0
	for k, e := range t.entries {
		if t.expired(e, now) {
			delete(t.entries, k)
			n++
		}
	}
	if n > 0 {
		metrics.RecordCacheEviction(t.name, n)
	}
}

// Delete removes key and reports how many entries were removed.
func (t *Tier[T]) Delete(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[key]; !ok {
		return 0
	}
	delete(t.entries, key)
	metrics.RecordCacheEviction(t.name, 1)
	return 1
}

// DeletePrefix removes every key starting with prefix.
func (t *Tier[T]) DeletePrefix(prefix string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k := range t.entries {
		if strings.HasPrefix(k, prefix) {
			delete(t.entries, k)
			n++
		}
	}
	if n > 0 {
		metrics.RecordCacheEviction(t.name, n)
	}
	return n
}

// Clear drops every entry.
func (t *Tier[T]) Clear() {
	t.mu.Lock()
	n := len(t.entries)
	t.entries = make(map[string]Entry[T])
	t.mu.Unlock()
	if n > 0 {
		metrics.RecordCacheEviction(t.name, n)
	}
}

// Len returns the number of stored entries, expired or not.
func (t *Tier[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
