package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/orneryd/bifrost/pkg/query"
)

func testKey(s string) query.Key {
	return query.KeyOf(&query.Request{SQL: s, Format: query.FormatArrow})
}

// =============================================================================
// NewResultCache Tests
// =============================================================================

func TestNewResultCache(t *testing.T) {
	t.Run("valid parameters", func(t *testing.T) {
		c, err := NewResultCache(100, 1<<20, 5*time.Minute)
		if err != nil {
			t.Fatalf("NewResultCache: %v", err)
		}
		if c.maxEntries != 100 {
			t.Errorf("maxEntries = %d, want 100", c.maxEntries)
		}
		if c.maxBytes != 1<<20 {
			t.Errorf("maxBytes = %d, want %d", c.maxBytes, 1<<20)
		}
		if !c.enabled {
			t.Error("cache should be enabled by default")
		}
	})

	t.Run("zero entry budget is rejected", func(t *testing.T) {
		if _, err := NewResultCache(0, 1<<20, 0); err == nil {
			t.Error("expected error for zero entry budget")
		}
	})

	t.Run("negative byte budget is rejected", func(t *testing.T) {
		if _, err := NewResultCache(100, -1, 0); err == nil {
			t.Error("expected error for negative byte budget")
		}
	})

	t.Run("zero TTL is valid (no expiration)", func(t *testing.T) {
		c, err := NewResultCache(100, 1<<20, 0)
		if err != nil {
			t.Fatalf("NewResultCache: %v", err)
		}
		if c.ttl != 0 {
			t.Errorf("ttl = %v, want 0", c.ttl)
		}
	})
}

// =============================================================================
// Get/Put Tests
// =============================================================================

func TestResultCache_GetPut(t *testing.T) {
	t.Run("put and get", func(t *testing.T) {
		c, _ := NewResultCache(100, 1<<20, time.Minute)
		key := testKey("SELECT 1")

		c.Put(key, []byte("payload"))

		got, ok := c.Get(key)
		if !ok {
			t.Fatal("Get returned false for existing key")
		}
		if string(got) != "payload" {
			t.Errorf("Get returned %q, want %q", got, "payload")
		}
	})

	t.Run("get non-existent key", func(t *testing.T) {
		c, _ := NewResultCache(100, 1<<20, time.Minute)

		got, ok := c.Get(testKey("SELECT missing"))
		if ok {
			t.Error("Get returned true for non-existent key")
		}
		if got != nil {
			t.Errorf("Get returned %v for non-existent key, want nil", got)
		}
	})

	t.Run("update existing key adjusts byte accounting", func(t *testing.T) {
		c, _ := NewResultCache(100, 1<<20, time.Minute)
		key := testKey("SELECT 1")

		c.Put(key, []byte("first"))
		c.Put(key, []byte("replacement"))

		got, ok := c.Get(key)
		if !ok {
			t.Fatal("Get returned false")
		}
		if string(got) != "replacement" {
			t.Errorf("Get returned %q, want replacement", got)
		}
		if c.Len() != 1 {
			t.Errorf("Len = %d, want 1", c.Len())
		}
		if c.Bytes() != int64(len("replacement")) {
			t.Errorf("Bytes = %d, want %d", c.Bytes(), len("replacement"))
		}
	})

	t.Run("concurrent update and read of one key", func(t *testing.T) {
		// A replacement must swap the entry wholesale; mutating the
		// stored payload in place would race with readers.
		c, _ := NewResultCache(100, 1<<20, 0)
		key := testKey("SELECT 1")
		c.Put(key, []byte("v-0"))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				c.Put(key, []byte(fmt.Sprintf("v-%d", i)))
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if got, ok := c.Get(key); ok && string(got[:2]) != "v-" {
					t.Errorf("Get observed torn payload %q", got)
				}
			}
		}()
		wg.Wait()
	})

	t.Run("oversized payload is not stored", func(t *testing.T) {
		c, _ := NewResultCache(100, 8, 0)
		key := testKey("SELECT big")

		c.Put(key, []byte("way too large for the budget"))

		if _, ok := c.Get(key); ok {
			t.Error("oversized payload should not be cached")
		}
		if c.Bytes() != 0 {
			t.Errorf("Bytes = %d, want 0", c.Bytes())
		}
	})
}

// =============================================================================
// TTL Tests
// =============================================================================

func TestResultCache_TTL(t *testing.T) {
	t.Run("entry expires after TTL", func(t *testing.T) {
		c, _ := NewResultCache(100, 1<<20, 50*time.Millisecond)
		key := testKey("SELECT 1")

		c.Put(key, []byte("payload"))

		if _, ok := c.Get(key); !ok {
			t.Error("entry should exist before TTL")
		}

		time.Sleep(100 * time.Millisecond)

		if _, ok := c.Get(key); ok {
			t.Error("entry should be expired after TTL")
		}
		if c.Bytes() != 0 {
			t.Errorf("Bytes = %d after expiry, want 0", c.Bytes())
		}
	})

	t.Run("zero TTL means no expiration", func(t *testing.T) {
		c, _ := NewResultCache(100, 1<<20, 0)
		key := testKey("SELECT 1")

		c.Put(key, []byte("payload"))
		time.Sleep(50 * time.Millisecond)

		if _, ok := c.Get(key); !ok {
			t.Error("entry should not expire with zero TTL")
		}
	})
}

// =============================================================================
// Eviction Tests
// =============================================================================

func TestResultCache_EntryEviction(t *testing.T) {
	t.Run("evicts oldest when entry budget exceeded", func(t *testing.T) {
		c, _ := NewResultCache(3, 1<<20, 0)

		k1, k2, k3, k4 := testKey("q1"), testKey("q2"), testKey("q3"), testKey("q4")
		c.Put(k1, []byte("r1"))
		c.Put(k2, []byte("r2"))
		c.Put(k3, []byte("r3"))
		c.Put(k4, []byte("r4"))

		if c.Len() != 3 {
			t.Errorf("Len = %d, want 3", c.Len())
		}
		if _, ok := c.Get(k1); ok {
			t.Error("oldest key should have been evicted")
		}
		if _, ok := c.Get(k4); !ok {
			t.Error("newest key should exist")
		}
		if got := c.Stats().Evictions; got != 1 {
			t.Errorf("Evictions = %d, want 1", got)
		}
	})

	t.Run("access promotes entry", func(t *testing.T) {
		c, _ := NewResultCache(3, 1<<20, 0)

		k1, k2, k3, k4 := testKey("q1"), testKey("q2"), testKey("q3"), testKey("q4")
		c.Put(k1, []byte("r1"))
		c.Put(k2, []byte("r2"))
		c.Put(k3, []byte("r3"))

		c.Get(k1)
		c.Put(k4, []byte("r4"))

		if _, ok := c.Get(k1); !ok {
			t.Error("promoted key should still exist")
		}
		if _, ok := c.Get(k2); ok {
			t.Error("key 2 should have been evicted")
		}
	})
}

func TestResultCache_ByteEviction(t *testing.T) {
	// Entry budget is generous; the 10-byte payload budget forces eviction.
	c, _ := NewResultCache(100, 10, 0)

	k1, k2, k3 := testKey("q1"), testKey("q2"), testKey("q3")
	c.Put(k1, []byte("aaaa")) // 4 bytes
	c.Put(k2, []byte("bbbb")) // 8 bytes total
	c.Put(k3, []byte("cccc")) // 12 bytes: evicts k1

	if _, ok := c.Get(k1); ok {
		t.Error("k1 should have been evicted by the byte budget")
	}
	if _, ok := c.Get(k2); !ok {
		t.Error("k2 should survive")
	}
	if _, ok := c.Get(k3); !ok {
		t.Error("k3 should survive")
	}
	if c.Bytes() > 10 {
		t.Errorf("Bytes = %d, exceeds budget 10", c.Bytes())
	}
}

// =============================================================================
// Invalidate and Clear Tests
// =============================================================================

func TestResultCache_Invalidate(t *testing.T) {
	c, _ := NewResultCache(100, 1<<20, 0)
	k1, k2 := testKey("q1"), testKey("q2")

	c.Put(k1, []byte("r1"))
	c.Put(k2, []byte("r2"))

	if !c.Invalidate(k1) {
		t.Error("Invalidate should report removal of existing entry")
	}
	if c.Invalidate(k1) {
		t.Error("Invalidate should report false for absent entry")
	}

	if _, ok := c.Get(k1); ok {
		t.Error("invalidated key should not exist")
	}
	if _, ok := c.Get(k2); !ok {
		t.Error("other key should still exist")
	}
	if c.Bytes() != 2 {
		t.Errorf("Bytes = %d, want 2", c.Bytes())
	}
}

func TestResultCache_Clear(t *testing.T) {
	c, _ := NewResultCache(100, 1<<20, 0)

	c.Put(testKey("q1"), []byte("r1"))
	c.Put(testKey("q2"), []byte("r2"))

	c.Clear()

	if c.Len() != 0 {
		t.Errorf("Len = %d after clear, want 0", c.Len())
	}
	if c.Bytes() != 0 {
		t.Errorf("Bytes = %d after clear, want 0", c.Bytes())
	}
}

// =============================================================================
// Statistics Tests
// =============================================================================

func TestResultCache_Stats(t *testing.T) {
	c, _ := NewResultCache(100, 1<<20, 0)

	c.Put(testKey("q1"), []byte("r1"))
	c.Put(testKey("q2"), []byte("r2"))

	c.Get(testKey("q1"))
	c.Get(testKey("q2"))
	c.Get(testKey("missing1"))
	c.Get(testKey("missing2"))

	stats := c.Stats()

	if stats.Entries != 2 {
		t.Errorf("Entries = %d, want 2", stats.Entries)
	}
	if stats.Bytes != 4 {
		t.Errorf("Bytes = %d, want 4", stats.Bytes)
	}
	if stats.Hits != 2 {
		t.Errorf("Hits = %d, want 2", stats.Hits)
	}
	if stats.Misses != 2 {
		t.Errorf("Misses = %d, want 2", stats.Misses)
	}
	if stats.HitRate != 50.0 {
		t.Errorf("HitRate = %.2f, want 50.00", stats.HitRate)
	}
}

// =============================================================================
// SetEnabled Tests
// =============================================================================

func TestResultCache_SetEnabled(t *testing.T) {
	t.Run("disable clears cache", func(t *testing.T) {
		c, _ := NewResultCache(100, 1<<20, 0)

		c.Put(testKey("q1"), []byte("r1"))
		c.SetEnabled(false)

		if c.Len() != 0 {
			t.Errorf("disabled cache Len = %d, want 0", c.Len())
		}
	})

	t.Run("disabled cache returns miss", func(t *testing.T) {
		c, _ := NewResultCache(100, 1<<20, 0)
		c.SetEnabled(false)

		c.Put(testKey("q1"), []byte("r1"))

		if _, ok := c.Get(testKey("q1")); ok {
			t.Error("disabled cache should return miss")
		}
	})
}

// =============================================================================
// Concurrent Access Tests
// =============================================================================

func TestResultCache_ConcurrentAccess(t *testing.T) {
	c, _ := NewResultCache(1000, 1<<20, 0)

	const goroutines = 50
	const iterations = 100

	var wg sync.WaitGroup
	wg.Add(goroutines * 2)

	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				c.Put(testKey(fmt.Sprintf("q-%d-%d", id, j)), []byte("payload"))
			}
		}(i)
	}

	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				c.Get(testKey(fmt.Sprintf("q-%d-%d", id, j)))
			}
		}(i)
	}

	wg.Wait()

	stats := c.Stats()
	if stats.Hits+stats.Misses == 0 {
		t.Error("expected some operations")
	}
	if c.Len() > 1000 {
		t.Errorf("Len = %d, exceeds entry budget", c.Len())
	}
}

func TestResultCache_ConcurrentEviction(t *testing.T) {
	c, _ := NewResultCache(10, 200, 0) // small budgets force evictions

	const goroutines = 20
	const iterations = 100

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				key := testKey(fmt.Sprintf("q-%d-%d", id, j))
				c.Put(key, []byte("twenty-byte-payload!"))
				c.Get(key)
			}
		}(i)
	}

	wg.Wait()

	if c.Len() > 10 {
		t.Errorf("Len = %d, should not exceed entry budget 10", c.Len())
	}
	if c.Bytes() > 200 {
		t.Errorf("Bytes = %d, should not exceed byte budget 200", c.Bytes())
	}
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkResultCache_Put(b *testing.B) {
	c, _ := NewResultCache(10000, 1<<30, 0)
	payload := make([]byte, 512)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Put(testKey(fmt.Sprintf("q-%d", i)), payload)
	}
}

func BenchmarkResultCache_Get_Hit(b *testing.B) {
	c, _ := NewResultCache(10000, 1<<30, 0)
	keys := make([]query.Key, 1000)
	for i := range keys {
		keys[i] = testKey(fmt.Sprintf("q-%d", i))
		c.Put(keys[i], []byte("payload"))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Get(keys[i%1000])
	}
}
