package keycache

import (
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Cache is a shared disk page cache. All methods are safe for
// concurrent use. A Cache must be obtained via [New]; the zero value is
// not usable.
type Cache struct {
	_ [0]func() // prevent external construction

	// mu serializes every state transition. It is released only
	// around file I/O, around buffer copies (unless SerializedReads),
	// and inside condition waits.
	mu sync.Mutex

	// Collaborators and tunables that survive resize.
	io              FileIO
	logger          log.FieldLogger
	alloc           Allocator
	serializedReads bool
	disableFlush    bool
	waitTimeout     time.Duration
	maxThreads      int

	inited         bool
	closed         bool
	canBeUsed      bool // false: operations bypass the cache
	inResize       bool // a resize is in progress; no new blocks enter
	resizeInFlush  bool // resize is in its flush phase
	cntForResizeOp int  // in-flight operations a resizer must wait out

	blockSize int
	memory    int64

	// Geometry and tables, rebuilt by resize.
	diskBlocks    int // number of blocks; 0 disabled, -1 torn down
	hashEntries   int
	hashLinks     int
	hashLinksUsed int
	freeHashList  *hashLink
	hashRoot      []*hashLink
	hashLinkRoot  []hashLink
	blockRoot     []blockLink
	blockMem      []byte

	blocksUsed    int
	blocksUnused  int // free list length + never-used count
	blocksChanged int
	warmBlocks    int
	minWarmBlocks int
	ageThreshold  uint64 // demotion gap in logical ticks
	cacheTime     uint64 // logical clock, ticks on every LRU insert

	freeBlockList *blockLink
	usedLast      *blockLink // warm tail; usedLast.nextUsed is the eviction victim
	usedIns       *blockLink // hot tail

	changedBlocks [fileHashBuckets]*blockLink // per-file dirty chains
	fileBlocks    [fileHashBuckets]*blockLink // per-file clean chains

	waitingForHashLink  waitQueue // hash-link table exhausted
	waitingForBlock     waitQueue // LRU ring empty, new block needed
	resizeQueue         waitQueue // operations parked during resize
	waitingForResizeCnt waitQueue // resizer waiting for in-flight I/O

	// Statistics. All mutated under mu.
	readRequests        uint64
	reads               uint64
	writeRequests       uint64
	writes              uint64
	globalBlocksChanged int // dirty count surviving resize, reset by ResetCounters
}

// New creates a cache per opts and allocates its buffer pool and
// tables. If the memory budget yields fewer than 8 blocks (directly or
// after allocator retries), the cache is created disabled: operations
// work but bypass it with direct file I/O, and Blocks reports 0.
func New(opts Options) (*Cache, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		l := log.New()
		l.SetOutput(io.Discard)
		logger = l
	}

	alloc := opts.Allocator
	if alloc == nil {
		alloc = defaultAllocator
	}

	c := &Cache{
		io:              opts.IO,
		logger:          logger,
		alloc:           alloc,
		serializedReads: opts.SerializedReads,
		disableFlush:    opts.DisableFlush,
		waitTimeout:     opts.WaitTimeout,
		maxThreads:      opts.MaxThreads,
	}
	c.mu.Lock()
	c.init(opts.BlockSize, opts.Memory, opts.DivisionLimit, opts.AgeThreshold)
	c.mu.Unlock()

	return c, nil
}

// init builds the tables for the given geometry. Caller holds mu.
// Returns the resulting block count (0 when the cache is disabled).
// Idempotent: a cache that already has blocks is left alone, and 0 is
// returned.
func (c *Cache) init(blockSize int, memory int64, divisionLimit, ageThreshold int) int {
	if c.inited && c.diskBlocks > 0 {
		c.logger.Warn("keycache already in use")
		return 0
	}

	c.readRequests, c.reads = 0, 0
	c.writeRequests, c.writes = 0, 0
	c.diskBlocks = -1
	if !c.inited {
		c.inited = true
		// These survive re-initialization during resizing.
		c.inResize = false
		c.resizeInFlush = false
		c.cntForResizeOp = 0
	}

	c.blockSize = blockSize
	c.memory = memory

	blocks := int(memory / int64(blockSize+perBlockOverhead))
	if blocks < minBlocks {
		// Memory is specified too small. Disable the cache.
		c.canBeUsed = false
		c.diskBlocks = 0
		c.logger.Warnf("keycache disabled: %d bytes yields %d blocks (min %d)",
			memory, blocks, minBlocks)
		return 0
	}

	var hashLinks int
	for {
		// Bucket count is the next power of two covering 5/4 of the
		// block count.
		c.hashEntries = nextPower(blocks)
		if c.hashEntries < blocks*5/4 {
			c.hashEntries <<= 1
		}
		hashLinks = 2 * blocks
		if c.maxThreads > 0 && hashLinks < c.maxThreads+blocks-1 {
			hashLinks = c.maxThreads + blocks - 1
		}
		for tableFootprint(blocks, hashLinks, c.hashEntries)+
			int64(blocks)*int64(c.blockSize) > memory {
			blocks--
		}
		if blocks < minBlocks {
			c.canBeUsed = false
			c.diskBlocks = 0
			c.logger.Warnf("keycache disabled: bookkeeping overhead leaves %d blocks (min %d)",
				blocks, minBlocks)
			return 0
		}
		mem, err := c.alloc(blocks * c.blockSize)
		if err == nil {
			c.blockMem = mem
			break
		}
		blocks = blocks / 4 * 3
		if blocks < minBlocks {
			c.logger.Errorf("keycache disabled: buffer pool allocation failed: %v", err)
			c.canBeUsed = false
			c.diskBlocks = 0
			c.blockMem = nil
			return 0
		}
	}

	c.diskBlocks = blocks
	c.hashLinks = hashLinks
	c.hashLinksUsed = 0
	c.freeHashList = nil
	c.hashRoot = make([]*hashLink, c.hashEntries)
	c.hashLinkRoot = make([]hashLink, hashLinks)
	c.blockRoot = make([]blockLink, blocks)

	c.blocksUsed = 0
	c.blocksUnused = blocks
	c.blocksChanged = 0
	c.warmBlocks = 0
	c.freeBlockList = nil
	c.usedLast, c.usedIns = nil, nil
	c.cacheTime = 0
	c.changedBlocks = [fileHashBuckets]*blockLink{}
	c.fileBlocks = [fileHashBuckets]*blockLink{}

	c.setParamLocked(divisionLimit, ageThreshold)

	c.canBeUsed = true
	c.logger.Debugf("keycache initialized: blocks=%d block_size=%d hash_entries=%d hash_links=%d",
		blocks, blockSize, c.hashEntries, hashLinks)

	return blocks
}

// tableFootprint is the bookkeeping size estimate for the sizing loop.
func tableFootprint(blocks, hashLinks, hashEntries int) int64 {
	return int64(blocks)*blockLinkFootprint +
		int64(hashLinks)*hashLinkFootprint +
		int64(hashEntries)*8
}

// setParamLocked recomputes the midpoint-insertion tunables. Caller
// holds mu. A zero division limit turns the whole ring warm (plain
// LRU); a zero age threshold uses the block count as the demotion gap.
func (c *Cache) setParamLocked(divisionLimit, ageThreshold int) {
	if divisionLimit > 0 {
		c.minWarmBlocks = c.diskBlocks*divisionLimit/100 + 1
	} else {
		c.minWarmBlocks = c.diskBlocks
	}
	if ageThreshold > 0 {
		c.ageThreshold = uint64(c.diskBlocks * ageThreshold / 100)
	} else {
		c.ageThreshold = uint64(c.diskBlocks)
	}
}

// ChangeParam adjusts the midpoint-insertion tunables of a running
// cache without resizing it.
func (c *Cache) ChangeParam(divisionLimit, ageThreshold int) {
	c.mu.Lock()
	c.setParamLocked(divisionLimit, ageThreshold)
	c.mu.Unlock()
}

// Blocks returns the number of cache blocks (0 if the cache is
// disabled).
func (c *Cache) Blocks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.canBeUsed && c.diskBlocks > 0 {
		return c.diskBlocks
	}
	return 0
}

// BlockSize returns the configured page size.
func (c *Cache) BlockSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockSize
}

// end tears the tables down. Caller holds mu. With cleanup the cache
// becomes unusable; without, it stays alive as a pass-through (resize
// rebuilds it right after).
func (c *Cache) end(cleanup bool) {
	if !c.inited {
		return
	}
	if c.diskBlocks > 0 {
		c.blockMem = nil
		c.blockRoot = nil
		c.hashRoot = nil
		c.hashLinkRoot = nil
		c.freeBlockList = nil
		c.freeHashList = nil
		c.usedLast, c.usedIns = nil, nil
		c.changedBlocks = [fileHashBuckets]*blockLink{}
		c.fileBlocks = [fileHashBuckets]*blockLink{}
		c.diskBlocks = -1
		// Keep flushAll safe if it runs after teardown.
		c.blocksChanged = 0
		// Without tables every operation must take the direct-I/O
		// path; resize re-enables the cache when it rebuilds them.
		c.canBeUsed = false
	}
	c.logger.Debugf("keycache end: used=%d changed=%d w_requests=%d writes=%d r_requests=%d reads=%d",
		c.blocksUsed, c.globalBlocksChanged,
		c.writeRequests, c.writes, c.readRequests, c.reads)
	c.blocksUsed = 0
	c.blocksUnused = 0
	if cleanup {
		c.inited = false
		c.canBeUsed = false
		c.closed = true
	}
}

// End frees the buffer pool and tables. With cleanup the cache is shut
// down for good and subsequent operations fail with [ErrClosed];
// without, it remains usable as a direct-I/O pass-through.
func (c *Cache) End(cleanup bool) {
	c.mu.Lock()
	c.end(cleanup)
	c.mu.Unlock()
}

// Close shuts the cache down. Dirty pages are not flushed; call
// [Cache.Flush] first if they must survive.
func (c *Cache) Close() error {
	c.End(true)
	return nil
}
