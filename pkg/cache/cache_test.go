package cache

import "testing"

func TestLookupMissIncrementsCounters(t *testing.T) {
	c := New(1<<20, 4)
	if _, ok := c.Lookup("missing"); ok {
		t.Fatalf("expected miss")
	}
	if c.LookupCount() != 1 {
		t.Fatalf("LookupCount = %d, want 1", c.LookupCount())
	}
	if c.HitCount() != 0 {
		t.Fatalf("HitCount = %d, want 0", c.HitCount())
	}
}

func TestInsertThenLookupHits(t *testing.T) {
	c := New(1<<20, 4)
	h := c.Insert("k", "v", 100, Normal, nil)
	defer h.Release()

	h2, ok := c.Lookup("k")
	if !ok {
		t.Fatalf("expected hit after insert")
	}
	defer h2.Release()
	if h2.Value().(string) != "v" {
		t.Fatalf("Value() = %v, want v", h2.Value())
	}
	if c.HitCount() != 1 {
		t.Fatalf("HitCount = %d, want 1", c.HitCount())
	}
}

func TestZeroCapacityEvictsImmediately(t *testing.T) {
	c := New(0, 1)
	released := false
	h := c.Insert("k", "v", 1, Normal, func(key string, value any) {
		released = true
	})
	h.Release()
	if !released {
		t.Fatalf("expected deleter to run once refcount reached zero at zero capacity")
	}
	if _, ok := c.Lookup("k"); ok {
		t.Fatalf("expected miss: entry should be evictable at zero capacity")
	}
}

func TestLRUWeightAccounting(t *testing.T) {
	const mib = 1 << 20
	c := New(4*mib, 1)

	var handles []*Handle
	for i := 0; i < 8; i++ {
		key := string(rune('a' + i))
		h := c.Insert(key, key, mib, Normal, nil)
		handles = append(handles, h)
		if c.MemoryUsage() > 4*mib {
			t.Fatalf("memory usage %d exceeds capacity %d after inserting %d entries", c.MemoryUsage(), 4*mib, i+1)
		}
	}
	for _, h := range handles {
		h.Release()
	}

	// Most recently inserted entries should still be resident; the
	// earliest ones should have been evicted under pressure.
	if _, ok := c.Lookup("h"); !ok {
		t.Fatalf("expected most-recently-inserted entry to remain cached")
	}
}

func TestDurableSurvivesNormalEviction(t *testing.T) {
	const mib = 1 << 20
	c := New(2*mib, 1)

	hd := c.Insert("durable", "d", mib, Durable, nil)
	defer hd.Release()

	for i := 0; i < 4; i++ {
		key := string(rune('a' + i))
		h := c.Insert(key, key, mib, Normal, nil)
		h.Release()
	}

	if _, ok := c.Lookup("durable"); !ok {
		t.Fatalf("expected durable entry to survive while normal entries were evicted")
	}
}

func TestConcurrentInsertSameKeyResolvesToOneHandle(t *testing.T) {
	c := New(1<<20, 1)
	deleted := 0
	h1 := c.Insert("k", "first", 10, Normal, func(string, any) { deleted++ })
	h2 := c.Insert("k", "second", 10, Normal, func(string, any) { deleted++ })

	if h1.Value().(string) != "first" || h2.Value().(string) != "first" {
		t.Fatalf("expected both handles to reference the winning stored value")
	}
	h1.Release()
	h2.Release()

	c.Erase("k")
	if deleted != 2 {
		t.Fatalf("deleted = %d, want exactly 2 (loser released immediately, winner released on erase)", deleted)
	}
}
