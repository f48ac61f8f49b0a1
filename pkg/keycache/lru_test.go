package keycache_test

import (
	"bytes"
	"testing"

	"github.com/calvinalkan/keycache/pkg/keycache"
)

func Test_Eviction_Under_Pressure_Keeps_Most_Recent_Pages(t *testing.T) {
	t.Parallel()

	c, mem := newTestCache(t, 8, nil)
	mem.SeedPattern(1, 16*testBlockSize)

	out := make([]byte, testBlockSize)
	for k := 0; k < 16; k++ {
		if err := c.Read(1, int64(k)*testBlockSize, 8, out); err != nil {
			t.Fatalf("Read page %d: %v", k, err)
		}
		mustCheck(t, c)
	}

	// Every page was a miss: 16 preads, and the cache can only retain
	// the last 8 pages; the least recently used ones were evicted in
	// order.
	if got := mem.ReadCount(1); got != 16 {
		t.Fatalf("pread called %d times, want 16", got)
	}
	for k := 0; k < 8; k++ {
		if resident, _, _ := c.BlockState(1, int64(k)*testBlockSize); resident {
			t.Fatalf("page %d must have been evicted", k)
		}
	}
	for k := 8; k < 16; k++ {
		if resident, _, _ := c.BlockState(1, int64(k)*testBlockSize); !resident {
			t.Fatalf("page %d must still be cached", k)
		}
	}
	mustCheck(t, c)
}

func Test_Eviction_Writes_Dirty_Victim_Before_Reuse(t *testing.T) {
	t.Parallel()

	c, mem := newTestCache(t, 8, nil)
	mem.SeedPattern(1, 32*testBlockSize)

	// Dirty the first page, then push it out with reads.
	data := make([]byte, testBlockSize)
	stamp(data, 0xBD)
	if err := c.Write(1, 0, 8, data, true); err != nil {
		t.Fatalf("Write: %v", err)
	}

	out := make([]byte, testBlockSize)
	for k := 1; k < 16; k++ {
		if err := c.Read(1, int64(k)*testBlockSize, 8, out); err != nil {
			t.Fatalf("Read page %d: %v", k, err)
		}
		mustCheck(t, c)
	}

	// The victim's dirty contents were pushed out during eviction.
	if !bytes.Equal(mem.Bytes(1)[:testBlockSize], data) {
		t.Fatalf("dirty victim was not written to file before reuse")
	}

	// Reading page 0 again faults it in from the file with the written
	// bytes.
	if err := c.Read(1, 0, 8, out); err != nil {
		t.Fatalf("Read page 0: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("re-read of evicted dirty page returned wrong bytes")
	}
	mustCheck(t, c)
}

func Test_Idle_Blocks_Age_From_Hot_Tail_Into_Warm_Segment(t *testing.T) {
	t.Parallel()

	c, mem := newTestCache(t, 8, func(o *keycache.Options) {
		o.DivisionLimit = 50
		o.AgeThreshold = 25 // demote after 2 idle ticks
	})
	mem.SeedPattern(1, 16*testBlockSize)

	out := make([]byte, testBlockSize)
	for k := 0; k < 8; k++ {
		if err := c.Read(1, int64(k)*testBlockSize, 8, out); err != nil {
			t.Fatalf("fill read page %d: %v", k, err)
		}
	}

	// Re-hitting one page advances the clock; the untouched blocks age
	// across the division point.
	for i := 0; i < 8; i++ {
		if err := c.Read(1, 7*testBlockSize, 8, out); err != nil {
			t.Fatalf("re-hit read: %v", err)
		}
		mustCheck(t, c)
	}

	if got := c.WarmBlockCount(); got == 0 {
		t.Fatalf("idle blocks did not age into the warm segment")
	}
	mustCheck(t, c)
}

func Test_Repeated_Hits_Promote_Pages_Across_The_Division_Point(t *testing.T) {
	t.Parallel()

	c, mem := newTestCache(t, 8, func(o *keycache.Options) {
		o.DivisionLimit = 25 // warm floor of 3 blocks
	})
	mem.SeedPattern(1, 16*testBlockSize)

	out := make([]byte, testBlockSize)

	// Fill the cache with pages 2..9.
	for k := 2; k < 10; k++ {
		if err := c.Read(1, int64(k)*testBlockSize, 8, out); err != nil {
			t.Fatalf("fill read page %d: %v", k, err)
		}
	}

	// Hammer pages 8 and 9 until their hit counters run out. The idle
	// blocks age across the division point one by one; once the warm
	// segment exceeds its floor, the hammered pages graduate to hot.
	before := mem.ReadCount(1)
	for i := 0; i < 10; i++ {
		for k := 8; k < 10; k++ {
			if err := c.Read(1, int64(k)*testBlockSize, 1, out); err != nil {
				t.Fatalf("hot read page %d: %v", k, err)
			}
			mustCheck(t, c)
		}
	}
	if got := mem.ReadCount(1); got != before {
		t.Fatalf("hammering cached pages issued %d preads", got-before)
	}

	// All six idle blocks are warm now; the two hammered ones were
	// promoted out of the warm accounting.
	if got := c.WarmBlockCount(); got != 6 {
		t.Fatalf("WarmBlockCount() = %d, want 6 (idle blocks warm, hot pages out)", got)
	}
	mustCheck(t, c)
}

func Test_ChangeParam_Adjusts_Tunables_On_A_Live_Cache(t *testing.T) {
	t.Parallel()

	c, mem := newTestCache(t, 8, nil)
	mem.SeedPattern(1, 16*testBlockSize)

	out := make([]byte, testBlockSize)
	for k := 0; k < 8; k++ {
		if err := c.Read(1, int64(k)*testBlockSize, 8, out); err != nil {
			t.Fatalf("Read page %d: %v", k, err)
		}
	}

	c.ChangeParam(50, 25)
	mustCheck(t, c)

	// The cache keeps operating under the new tunables.
	for k := 8; k < 16; k++ {
		if err := c.Read(1, int64(k)*testBlockSize, 8, out); err != nil {
			t.Fatalf("Read page %d after ChangeParam: %v", k, err)
		}
		mustCheck(t, c)
	}
}
