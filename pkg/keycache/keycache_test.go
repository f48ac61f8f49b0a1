package keycache_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/calvinalkan/keycache/pkg/keycache"
	"github.com/calvinalkan/keycache/pkg/keycache/internal/iotest"
)

func Test_New_Rejects_Invalid_Options(t *testing.T) {
	t.Parallel()

	mem := iotest.New()
	cases := []struct {
		name string
		mod  func(*keycache.Options)
	}{
		{"nil io", func(o *keycache.Options) { o.IO = nil }},
		{"block size too small", func(o *keycache.Options) { o.BlockSize = 256 }},
		{"block size not power of two", func(o *keycache.Options) { o.BlockSize = 1000 }},
		{"zero memory", func(o *keycache.Options) { o.Memory = 0 }},
		{"division limit out of range", func(o *keycache.Options) { o.DivisionLimit = 101 }},
		{"age threshold out of range", func(o *keycache.Options) { o.AgeThreshold = -1 }},
		{"negative max threads", func(o *keycache.Options) { o.MaxThreads = -1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			opts := keycache.Options{
				BlockSize: testBlockSize,
				Memory:    keycache.MemoryForBlocks(testBlockSize, 16),
				IO:        mem,
			}
			tc.mod(&opts)

			_, err := keycache.New(opts)
			if !errors.Is(err, keycache.ErrInvalidInput) {
				t.Fatalf("New must return ErrInvalidInput, got %v", err)
			}
		})
	}
}

func Test_New_Yields_Requested_Block_Count(t *testing.T) {
	t.Parallel()

	for _, blocks := range []int{8, 16, 64, 100} {
		c, _ := newTestCache(t, blocks, nil)
		if got := c.Blocks(); got != blocks {
			t.Fatalf("Blocks() = %d, want %d", got, blocks)
		}
		mustCheck(t, c)
	}
}

func Test_New_Disables_Cache_When_Memory_Yields_Too_Few_Blocks(t *testing.T) {
	t.Parallel()

	mem := iotest.New()
	mem.SeedPattern(1, 4*testBlockSize)

	c, err := keycache.New(keycache.Options{
		BlockSize: testBlockSize,
		Memory:    keycache.MemoryForBlocks(testBlockSize, 4),
		IO:        mem,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = c.Close() }()

	if got := c.Blocks(); got != 0 {
		t.Fatalf("disabled cache must report 0 blocks, got %d", got)
	}

	// Operations still work as direct file I/O.
	out := make([]byte, 100)
	if err := c.Read(1, 0, 1, out); err != nil {
		t.Fatalf("Read through disabled cache: %v", err)
	}
	want := patternBytes(1, 0, 100)
	if string(out) != string(want) {
		t.Fatalf("disabled-cache read returned wrong bytes")
	}

	data := []byte("direct write")
	if err := c.Write(1, 0, 1, data, true); err != nil {
		t.Fatalf("Write through disabled cache: %v", err)
	}
	if got := mem.Bytes(1)[:len(data)]; string(got) != string(data) {
		t.Fatalf("disabled-cache write must go directly to file, file has %q", got)
	}
}

func Test_New_Retries_With_Fewer_Blocks_When_Allocator_Fails(t *testing.T) {
	t.Parallel()

	mem := iotest.New()
	failures := 2
	var sizes []int

	c, err := keycache.New(keycache.Options{
		BlockSize: testBlockSize,
		Memory:    keycache.MemoryForBlocks(testBlockSize, 64),
		IO:        mem,
		Allocator: func(size int) ([]byte, error) {
			sizes = append(sizes, size)
			if failures > 0 {
				failures--
				return nil, fmt.Errorf("no large pages")
			}
			return make([]byte, size), nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = c.Close() }()

	// 64 -> 48 -> 36 blocks.
	if got := c.Blocks(); got != 36 {
		t.Fatalf("Blocks() = %d, want 36 after two failed allocations", got)
	}
	if len(sizes) != 3 {
		t.Fatalf("allocator called %d times, want 3", len(sizes))
	}
	mustCheck(t, c)
}

func Test_New_Disables_Cache_When_Allocator_Keeps_Failing(t *testing.T) {
	t.Parallel()

	mem := iotest.New()
	c, err := keycache.New(keycache.Options{
		BlockSize: testBlockSize,
		Memory:    keycache.MemoryForBlocks(testBlockSize, 64),
		IO:        mem,
		Allocator: func(size int) ([]byte, error) {
			return nil, fmt.Errorf("out of memory")
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = c.Close() }()

	if got := c.Blocks(); got != 0 {
		t.Fatalf("Blocks() = %d, want 0 when allocation never succeeds", got)
	}
}

func Test_Close_Makes_Operations_Return_ErrClosed(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, 16, nil)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	buf := make([]byte, 10)
	if err := c.Read(1, 0, 1, buf); !errors.Is(err, keycache.ErrClosed) {
		t.Fatalf("Read after Close must return ErrClosed, got %v", err)
	}
	if err := c.Write(1, 0, 1, buf, true); !errors.Is(err, keycache.ErrClosed) {
		t.Fatalf("Write after Close must return ErrClosed, got %v", err)
	}
	if err := c.Insert(1, 0, 1, buf); !errors.Is(err, keycache.ErrClosed) {
		t.Fatalf("Insert after Close must return ErrClosed, got %v", err)
	}
	if err := c.Flush(1, keycache.FlushKeep); !errors.Is(err, keycache.ErrClosed) {
		t.Fatalf("Flush after Close must return ErrClosed, got %v", err)
	}
	if _, err := c.Resize(testBlockSize, keycache.MemoryForBlocks(testBlockSize, 8), 0, 0); !errors.Is(err, keycache.ErrClosed) {
		t.Fatalf("Resize after Close must return ErrClosed, got %v", err)
	}
}

func Test_End_Without_Cleanup_Leaves_PassThrough_Cache(t *testing.T) {
	t.Parallel()

	c, mem := newTestCache(t, 16, nil)
	mem.SeedPattern(1, 2*testBlockSize)

	c.End(false)

	out := make([]byte, 64)
	if err := c.Read(1, 0, 1, out); err != nil {
		t.Fatalf("Read after End(false): %v", err)
	}
	if string(out) != string(patternBytes(1, 0, 64)) {
		t.Fatalf("pass-through read returned wrong bytes")
	}
	if got := c.Blocks(); got != 0 {
		t.Fatalf("Blocks() = %d after End(false), want 0", got)
	}
}

func Test_Stats_Counts_Requests_And_IO(t *testing.T) {
	t.Parallel()

	c, mem := newTestCache(t, 16, nil)
	mem.SeedPattern(1, 8*testBlockSize)

	buf := make([]byte, testBlockSize)
	if err := c.Read(1, 0, 1, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := c.Read(1, 0, 1, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}

	s := c.Stats()
	if s.ReadRequests != 2 {
		t.Fatalf("ReadRequests = %d, want 2", s.ReadRequests)
	}
	if s.Reads != 1 {
		t.Fatalf("Reads = %d, want 1 (second read is a hit)", s.Reads)
	}

	if err := c.Write(1, 0, 1, buf, true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s = c.Stats()
	if s.WriteRequests != 1 || s.BlocksChanged != 1 {
		t.Fatalf("WriteRequests = %d BlocksChanged = %d, want 1 and 1",
			s.WriteRequests, s.BlocksChanged)
	}

	c.ResetCounters()
	s = c.Stats()
	if s.ReadRequests != 0 || s.Reads != 0 || s.WriteRequests != 0 || s.Writes != 0 || s.BlocksChanged != 0 {
		t.Fatalf("counters not reset: %+v", s)
	}
	mustCheck(t, c)
}
