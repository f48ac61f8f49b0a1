package keycache_test

import (
	"testing"
	"time"

	"github.com/calvinalkan/keycache/pkg/keycache"
	"github.com/calvinalkan/keycache/pkg/keycache/internal/iotest"
)

const testBlockSize = 1024

// newTestCache builds a cache over an in-memory IO with the given
// number of blocks. Extra tunables can be adjusted via mod.
func newTestCache(t *testing.T, blocks int, mod func(*keycache.Options)) (*keycache.Cache, *iotest.Mem) {
	t.Helper()

	mem := iotest.New()
	opts := keycache.Options{
		BlockSize: testBlockSize,
		Memory:    keycache.MemoryForBlocks(testBlockSize, blocks),
		IO:        mem,
		// Trap lost wakeups instead of hanging the test run.
		WaitTimeout: 30 * time.Second,
	}
	if mod != nil {
		mod(&opts)
	}

	c, err := keycache.New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	return c, mem
}

// mustCheck fails the test if the invariant sweep reports a violation.
func mustCheck(t *testing.T, c *keycache.Cache) {
	t.Helper()
	if err := c.CheckInvariants(); err != nil {
		t.Fatalf("invariant violated: %v", err)
	}
}

// patternBytes returns length bytes of the iotest seed pattern of file
// starting at off.
func patternBytes(file int, off int64, length int) []byte {
	p := make([]byte, length)
	for i := range p {
		p[i] = iotest.Pattern(file, off+int64(i))
	}
	return p
}

// stamp fills a buffer with a recognizable per-write value.
func stamp(b []byte, tag byte) {
	for i := range b {
		b[i] = tag ^ byte(i)
	}
}
