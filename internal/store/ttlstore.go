// Package store provides generic in-memory storage with TTL support.
package store

import (
	"sort"
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	storedAt  time.Time
	expiresAt time.Time
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// TTLStore is an in-memory map whose entries expire after a retention
// period. A background loop evicts expired entries.
type TTLStore[K comparable, V any] struct {
	mu      sync.RWMutex
	items   map[K]*entry[V]
	onEvict func(key K, value V)
	stopCh  chan struct{}
	once    sync.Once
	now     func() time.Time
}

// NewTTLStore creates a store and starts its cleanup loop. onEvict may be
// nil; when set it runs outside the store lock for every expired entry.
func NewTTLStore[K comparable, V any](cleanupInterval time.Duration, onEvict func(key K, value V)) *TTLStore[K, V] {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Second
	}
	s := &TTLStore[K, V]{
		items:   make(map[K]*entry[V]),
		onEvict: onEvict,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go s.cleanupLoop(cleanupInterval)
	return s
}

// Set stores value under key for ttl.
func (s *TTLStore[K, V]) Set(key K, value V, ttl time.Duration) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = &entry[V]{value: value, storedAt: now, expiresAt: now.Add(ttl)}
}

// Get returns the value if present and not expired.
func (s *TTLStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.items[key]
	if !ok || e.expired(s.now()) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Has returns true if key is present and not expired.
func (s *TTLStore[K, V]) Has(key K) bool {
	_, ok := s.Get(key)
	return ok
}

// Delete removes key without invoking the eviction callback.
func (s *TTLStore[K, V]) Delete(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; ok {
		delete(s.items, key)
		return true
	}
	return false
}

// Len returns the number of live entries.
func (s *TTLStore[K, V]) Len() int {
	return len(s.Values())
}

// Values returns live values, most recently stored first.
func (s *TTLStore[K, V]) Values() []V {
	now := s.now()
	s.mu.RLock()
	live := make([]*entry[V], 0, len(s.items))
	for _, e := range s.items {
		if !e.expired(now) {
			live = append(live, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(live, func(i, j int) bool {
		return live[i].storedAt.After(live[j].storedAt)
	})
	out := make([]V, len(live))
	for i, e := range live {
		out[i] = e.value
	}
	return out
}

// Close stops the cleanup loop and clears the store.
func (s *TTLStore[K, V]) Close() {
	s.once.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	s.items = make(map[K]*entry[V])
	s.mu.Unlock()
}

func (s *TTLStore[K, V]) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// cleanup removes expired entries and runs the eviction callback.
func (s *TTLStore[K, V]) cleanup() {
	now := s.now()
	type evicted struct {
		key   K
		value V
	}

	s.mu.Lock()
	var expired []evicted
	for k, e := range s.items {
		if e.expired(now) {
			expired = append(expired, evicted{k, e.value})
			delete(s.items, k)
		}
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	if onEvict != nil {
		for _, e := range expired {
			onEvict(e.key, e.value)
		}
	}
}
