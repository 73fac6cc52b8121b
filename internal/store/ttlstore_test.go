package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLStoreExpiry(t *testing.T) {
	s := NewTTLStore[string, int](time.Hour, nil)
	defer s.Close()

	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	s.Set("a", 1, 10*time.Second)
	v, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(11 * time.Second)
	_, ok = s.Get("a")
	assert.False(t, ok)
	assert.False(t, s.Has("a"))
	assert.Equal(t, 0, s.Len())
}

func TestTTLStoreValuesNewestFirst(t *testing.T) {
	s := NewTTLStore[string, string](time.Hour, nil)
	defer s.Close()

	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	s.Set("first", "first", time.Minute)
	now = now.Add(time.Second)
	s.Set("second", "second", time.Minute)

	assert.Equal(t, []string{"second", "first"}, s.Values())
}

func TestTTLStoreCleanupEvicts(t *testing.T) {
	var mu sync.Mutex
	var evicted []string

	s := NewTTLStore[string, int](time.Hour, func(k string, v int) {
		mu.Lock()
		defer mu.Unlock()
		evicted = append(evicted, k)
	})
	defer s.Close()

	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	s.Set("gone", 1, time.Second)
	s.Set("kept", 2, time.Hour)
	now = now.Add(2 * time.Second)

	s.cleanup()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"gone"}, evicted)
	assert.True(t, s.Has("kept"))
}

func TestTTLStoreDelete(t *testing.T) {
	s := NewTTLStore[int, int](time.Hour, nil)
	defer s.Close()

	s.Set(1, 1, time.Minute)
	assert.True(t, s.Delete(1))
	assert.False(t, s.Delete(1))
}
