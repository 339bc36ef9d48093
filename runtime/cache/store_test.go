package cache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"socketley/runtime/cache"
)

// TestStoreLRUEvictionOrder is property 5: eviction always drops the
// entry with the oldest last-access time, not the oldest insertion time.
func TestStoreLRUEvictionOrder(t *testing.T) {
	val := make([]byte, 64)
	// key+overhead+value ~= 2+48+64 = 114 bytes per entry; 250 bytes
	// holds two but not three.
	s := cache.NewStore(250, cache.EvictionLRU)

	require.True(t, s.Set("k0", val, 0))
	require.True(t, s.Set("k1", val, 0))
	require.True(t, s.Set("k2", val, 0)) // evicts k0, the LRU tail

	_, ok := s.Get("k0")
	require.False(t, ok, "k0 should have been evicted first")

	_, ok = s.Get("k1") // touches k1 to the MRU end
	require.True(t, ok)

	require.True(t, s.Set("k3", val, 0)) // must evict k2, not k1

	_, ok = s.Get("k2")
	require.False(t, ok, "k2 was least recently used and should have been evicted")

	_, ok = s.Get("k1")
	require.True(t, ok, "k1 was touched after k2 and must survive")

	_, ok = s.Get("k3")
	require.True(t, ok)
}

// TestStoreNoEvictionRejectsOverflow checks the noeviction policy
// refuses a write that would exceed maxBytes instead of dropping keys.
func TestStoreNoEvictionRejectsOverflow(t *testing.T) {
	val := make([]byte, 64)
	s := cache.NewStore(120, cache.EvictionNone)

	require.True(t, s.Set("k0", val, 0))
	require.False(t, s.Set("k1", val, 0))

	_, ok := s.Get("k0")
	require.True(t, ok)
	_, ok = s.Get("k1")
	require.False(t, ok)
}

// TestStoreTTLLazyExpiry checks a key past its expiry is treated as
// absent on the next access, and TTL reports the documented sentinels
// for no-expiry (-1s) and absent (-2s) keys.
func TestStoreTTLLazyExpiry(t *testing.T) {
	s := cache.NewStore(0, cache.EvictionNone)

	require.True(t, s.Set("foo", []byte("bar"), 0))
	require.Equal(t, -1*time.Second, s.TTL("foo"))
	require.Equal(t, -2*time.Second, s.TTL("missing"))

	require.True(t, s.Set("expiring", []byte("v"), 20*time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	_, ok := s.Get("expiring")
	require.False(t, ok)
	require.Equal(t, 1, s.Size())
}

// TestStoreWrongTypeErrors checks a list operation against a string key
// reports ErrorWrongType rather than silently reinterpreting it.
func TestStoreWrongTypeErrors(t *testing.T) {
	s := cache.NewStore(0, cache.EvictionNone)

	require.True(t, s.Set("foo", []byte("bar"), 0))

	_, err := s.LLen("foo")
	require.Error(t, err)

	_, _, err = s.LPop("foo")
	require.Error(t, err)
}
