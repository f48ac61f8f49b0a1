package keycache

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// minBlockSize is the smallest supported page size.
	minBlockSize = 512

	// minBlocks is the smallest useful cache. Below this the cache is
	// disabled and operations run as direct file I/O.
	minBlocks = 8

	// fileHashBuckets sizes the per-file clean/dirty chain hash.
	fileHashBuckets = 128

	// flushBurst is how many blocks a flush sorts and writes at once.
	flushBurst = 2000

	// Estimated in-memory footprint of the bookkeeping that accompanies
	// each page buffer: one block descriptor, two hash links, and the
	// 5/4 bucket-pointer share. Used only for sizing, so that
	// Options.Memory bounds the cache's total footprint, not just the
	// buffer pool.
	blockLinkFootprint = 120
	hashLinkFootprint  = 56
	bucketShare        = 20

	perBlockOverhead = blockLinkFootprint + 2*hashLinkFootprint + bucketShare
)

// Allocator obtains the buffer pool. The default allocates with make.
// A custom Allocator may fail; New then retries with 75% of the
// previous block count until the cache fits or falls below the minimum
// and is disabled.
type Allocator func(size int) ([]byte, error)

func defaultAllocator(size int) ([]byte, error) {
	return make([]byte, size), nil
}

// Options configures a Cache.
type Options struct {
	// BlockSize is the page size in bytes. Power of two, >= 512.
	BlockSize int

	// Memory is the total byte budget for the cache (buffers plus
	// bookkeeping overhead).
	Memory int64

	// DivisionLimit (0..100) is the percentage of blocks reserved as
	// the warm floor of the LRU ring. 0 disables the hot/warm split
	// (plain LRU).
	DivisionLimit int

	// AgeThreshold (0..100) derives the logical-time gap after which
	// untouched hot blocks demote to warm. 0 uses the block count.
	AgeThreshold int

	// MaxThreads, when set, raises the hash-link table so that up to
	// this many concurrent operations cannot exhaust it.
	MaxThreads int

	// IO is the positional file I/O facility. Required.
	IO FileIO

	// Allocator obtains the buffer pool. Nil uses make.
	Allocator Allocator

	// Logger receives trace output. Nil discards it.
	Logger log.FieldLogger

	// SerializedReads keeps the cache mutex held across buffer copies
	// into and out of caller buffers. Default false: the mutex is
	// dropped around copies for throughput.
	SerializedReads bool

	// DisableFlush turns Flush with FlushKeep into a no-op. Matches
	// the engine tunable for delaying key block flushes.
	DisableFlush bool

	// WaitTimeout, when non-zero, bounds every internal condition wait
	// and panics with a state dump on expiry. Debug aid only.
	WaitTimeout time.Duration
}

func (o *Options) validate() error {
	if o.IO == nil {
		return fmt.Errorf("io facility is required: %w", ErrInvalidInput)
	}
	if o.BlockSize < minBlockSize {
		return fmt.Errorf("block_size must be >= %d, got %d: %w",
			minBlockSize, o.BlockSize, ErrInvalidInput)
	}
	if o.BlockSize&(o.BlockSize-1) != 0 {
		return fmt.Errorf("block_size must be a power of two, got %d: %w",
			o.BlockSize, ErrInvalidInput)
	}
	if o.Memory <= 0 {
		return fmt.Errorf("memory must be > 0, got %d: %w", o.Memory, ErrInvalidInput)
	}
	if o.DivisionLimit < 0 || o.DivisionLimit > 100 {
		return fmt.Errorf("division_limit must be in 0..100, got %d: %w",
			o.DivisionLimit, ErrInvalidInput)
	}
	if o.AgeThreshold < 0 || o.AgeThreshold > 100 {
		return fmt.Errorf("age_threshold must be in 0..100, got %d: %w",
			o.AgeThreshold, ErrInvalidInput)
	}
	if o.MaxThreads < 0 {
		return fmt.Errorf("max_threads must be >= 0, got %d: %w",
			o.MaxThreads, ErrInvalidInput)
	}
	return nil
}

// MemoryForBlocks returns the Memory value that yields exactly blocks
// cache blocks of the given size (with MaxThreads unset). Convenient
// for tests and tools that think in block counts.
func MemoryForBlocks(blockSize, blocks int) int64 {
	return int64(blocks) * int64(blockSize+perBlockOverhead)
}

// nextPower returns the smallest power of two strictly greater than
// value's highest set bit (i.e. for a power of two it doubles it).
func nextPower(value int) int {
	old := 1
	for value != 0 {
		old = value
		value &= value - 1
	}
	return old << 1
}
