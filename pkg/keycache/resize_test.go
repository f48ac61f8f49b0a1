package keycache_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/calvinalkan/keycache/pkg/keycache"
	"github.com/calvinalkan/keycache/pkg/keycache/internal/iotest"
)

func Test_Resize_With_Same_Geometry_Only_Updates_Tunables(t *testing.T) {
	t.Parallel()

	c, mem := newTestCache(t, 16, nil)
	mem.SeedPattern(1, 4*testBlockSize)

	out := make([]byte, testBlockSize)
	if err := c.Read(1, 0, 8, out); err != nil {
		t.Fatalf("Read: %v", err)
	}

	blocks, err := c.Resize(testBlockSize, keycache.MemoryForBlocks(testBlockSize, 16), 50, 25)
	if err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if blocks != 16 {
		t.Fatalf("Resize returned %d blocks, want 16", blocks)
	}

	// The cached page survived: no new pread.
	mem.ResetLog()
	if err := c.Read(1, 0, 8, out); err != nil {
		t.Fatalf("Read after tunable change: %v", err)
	}
	if got := mem.ReadCount(1); got != 0 {
		t.Fatalf("tunable-only resize dropped cached pages (%d preads)", got)
	}
	mustCheck(t, c)
}

func Test_Resize_Smaller_Flushes_Dirty_Pages_And_Empties_Cache(t *testing.T) {
	t.Parallel()

	c, mem := newTestCache(t, 16, nil)

	// 8 dirty pages across two files.
	var want [8][]byte
	for k := 0; k < 8; k++ {
		file := 1 + k%2
		data := make([]byte, testBlockSize)
		stamp(data, byte(0x40+k))
		want[k] = data
		if err := c.Write(file, int64(k/2)*testBlockSize, 8, data, true); err != nil {
			t.Fatalf("Write %d: %v", k, err)
		}
	}

	blocks, err := c.Resize(testBlockSize, keycache.MemoryForBlocks(testBlockSize, 8), 0, 0)
	if err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if blocks != 8 {
		t.Fatalf("Resize returned %d blocks, want 8", blocks)
	}

	// Phase 1 wrote all 8 dirty pages.
	if got := mem.WriteCount(1) + mem.WriteCount(2); got != 8 {
		t.Fatalf("resize flush wrote %d pages, want 8", got)
	}
	for k := 0; k < 8; k++ {
		file := 1 + k%2
		off := (k / 2) * testBlockSize
		if !bytes.Equal(mem.Bytes(file)[off:off+testBlockSize], want[k]) {
			t.Fatalf("file %d page %d differs after resize flush", file, k/2)
		}
	}

	// Phase 2 left the cache empty; the next read faults in fresh.
	if !c.CacheEmpty() {
		t.Fatalf("cache must be empty after resize")
	}
	mem.ResetLog()
	out := make([]byte, 100)
	if err := c.Read(1, 0, 8, out); err != nil {
		t.Fatalf("Read after resize: %v", err)
	}
	if got := mem.ReadCount(1); got != 1 {
		t.Fatalf("read after resize must pread once, got %d", got)
	}
	if !bytes.Equal(out, want[0][:100]) {
		t.Fatalf("content lost across resize")
	}
	mustCheck(t, c)
}

func Test_Resize_Larger_Grows_Block_Count(t *testing.T) {
	t.Parallel()

	c, mem := newTestCache(t, 8, nil)
	mem.SeedPattern(1, 4*testBlockSize)

	out := make([]byte, testBlockSize)
	if err := c.Read(1, 0, 8, out); err != nil {
		t.Fatalf("Read: %v", err)
	}

	blocks, err := c.Resize(testBlockSize, keycache.MemoryForBlocks(testBlockSize, 64), 0, 0)
	if err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if blocks != 64 {
		t.Fatalf("Resize returned %d blocks, want 64", blocks)
	}
	if got := c.Blocks(); got != 64 {
		t.Fatalf("Blocks() = %d, want 64", got)
	}

	if err := c.Read(1, 0, 8, out); err != nil {
		t.Fatalf("Read after grow: %v", err)
	}
	if !bytes.Equal(out, patternBytes(1, 0, testBlockSize)) {
		t.Fatalf("content wrong after grow")
	}
	mustCheck(t, c)
}

func Test_Resize_Changes_Block_Size(t *testing.T) {
	t.Parallel()

	c, mem := newTestCache(t, 16, nil)
	mem.SeedPattern(1, 16*4096)

	data := make([]byte, testBlockSize)
	stamp(data, 0x71)
	if err := c.Write(1, 0, 8, data, true); err != nil {
		t.Fatalf("Write: %v", err)
	}

	blocks, err := c.Resize(4096, keycache.MemoryForBlocks(4096, 16), 0, 0)
	if err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if blocks != 16 {
		t.Fatalf("Resize returned %d blocks, want 16", blocks)
	}
	if got := c.BlockSize(); got != 4096 {
		t.Fatalf("BlockSize() = %d, want 4096", got)
	}

	// The flushed write is visible through the new geometry.
	out := make([]byte, testBlockSize)
	if err := c.Read(1, 0, 8, out); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("content lost across block-size change")
	}
	mustCheck(t, c)
}

func Test_Resize_Disables_Cache_When_Flush_Fails(t *testing.T) {
	t.Parallel()

	c, mem := newTestCache(t, 16, nil)
	mem.SeedPattern(1, 4*testBlockSize)

	data := make([]byte, testBlockSize)
	stamp(data, 0x13)
	if err := c.Write(1, 0, 8, data, true); err != nil {
		t.Fatalf("Write: %v", err)
	}

	mem.FailPwrite = func(file int, off int64) error {
		return iotest.ErrInjected
	}
	blocks, err := c.Resize(testBlockSize, keycache.MemoryForBlocks(testBlockSize, 8), 0, 0)
	if !errors.Is(err, keycache.ErrIO) {
		t.Fatalf("Resize with failing flush must return ErrIO, got %v", err)
	}
	if blocks != 0 {
		t.Fatalf("failed resize returned %d blocks, want 0", blocks)
	}
	if got := c.Blocks(); got != 0 {
		t.Fatalf("cache must be disabled after failed resize flush, Blocks()=%d", got)
	}

	// Subsequent I/O bypasses the cache.
	mem.FailPwrite = nil
	out := make([]byte, 100)
	if err := c.Read(1, 0, 8, out); err != nil {
		t.Fatalf("Read through disabled cache: %v", err)
	}
	if !bytes.Equal(out, patternBytes(1, 0, 100)) {
		t.Fatalf("direct read returned wrong bytes")
	}
	if err := c.Write(1, 0, 8, data, true); err != nil {
		t.Fatalf("Write through disabled cache: %v", err)
	}
	if !bytes.Equal(mem.Bytes(1)[:testBlockSize], data) {
		t.Fatalf("direct write did not reach the file")
	}
}

func Test_Resize_Rejects_Invalid_Geometry(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, 16, nil)
	if _, err := c.Resize(100, keycache.MemoryForBlocks(testBlockSize, 16), 0, 0); !errors.Is(err, keycache.ErrInvalidInput) {
		t.Fatalf("Resize with bad block size must return ErrInvalidInput, got %v", err)
	}
}
