package keycache

// Block status bits. Every transition is a read-modify-write under the
// cache mutex. Where setting a bit implies other state, the implication
// is noted; the debug sweep in invariants.go checks them.
const (
	// blockError: file I/O failed for this block. Error blocks never
	// enter the LRU ring; they are freed by the operation that owns
	// them.
	blockError uint32 = 1 << iota

	// blockRead: the buffer holds valid file data.
	blockRead

	// blockInSwitch: the block is being reassigned to a new key.
	// Implies a request is registered and a qSaved release follows.
	blockInSwitch

	// blockReassigned: the block no longer accepts requests for its
	// old key. Implies blockInSwitch or an ongoing free.
	blockReassigned

	// blockInFlush: the block is selected for flush. Implies a qSaved
	// release when the flush episode ends.
	blockInFlush

	// blockChanged: the buffer holds a dirty page. Set and cleared
	// only by linkToFileList / linkToChangedList, which keep the
	// dirty-chain membership and the changed counters in sync.
	blockChanged

	// blockInUse: the block is not free. Holds iff hashLink != nil.
	blockInUse

	// blockInEviction: the block was handed to waiting evictors by
	// linkBlock while the LRU ring was empty.
	blockInEviction

	// blockInFlushWrite: the buffer is being written to file right
	// now. Implies blockInFlush.
	blockInFlushWrite

	// blockForUpdate: a writer is about to modify the buffer; flushers
	// must skip the block until the bit clears.
	blockForUpdate
)

// Page status returned by findKeyBlock.
const (
	pageRead         = 0 // page is in the buffer
	pageToBeRead     = 1 // page must be read by the current goroutine
	pageWaitToBeRead = 2 // page is being read by another goroutine
)

// temperature determines in which LRU sub-chain the block currently is.
// Free blocks are cold. A new block enters the ring still cold and
// becomes warm only when it is aged out of the hot segment; pinning a
// block takes it out of the ring without changing its temperature.
type temperature uint8

const (
	tempCold temperature = iota
	tempWarm
	tempHot
)

// hashLink is the directory entry for one in-use (file, diskpos) key.
// Bucket chains are singly linked with a back pointer to the referring
// cell, so a link can unlink itself without knowing the bucket head.
type hashLink struct {
	next *hashLink
	prev **hashLink // cell pointing at this link (bucket head or a next field)

	block    *blockLink // block holding the page, or nil
	file     File
	diskpos  int64
	requests int // active operations holding this key
}

// blockLink is the descriptor for one page buffer.
type blockLink struct {
	// LRU ring links. Valid only while the block is in the ring.
	// nextUsed doubles as the free-list link for free blocks.
	nextUsed *blockLink
	prevUsed *blockLink

	// Clean/dirty chain links; prevChanged points at the cell that
	// refers to this block (a chain head or another block's
	// nextChanged), so unlinking needs no head.
	nextChanged *blockLink
	prevChanged **blockLink

	hashLink *hashLink // owning (or last owning) hash entry

	qRequested waitQueue // waiters for the page to become readable
	qSaved     waitQueue // waiters for flush/reassignment to complete

	condvar *waiter // single "last reader left" waiter, or nil

	requests int    // pinned count; > 0 means not in the LRU ring
	buffer   []byte // page buffer, len == blockSize

	offset int // begin of modified data in the buffer
	length int // end of valid data in the buffer

	status      uint32
	temperature temperature
	hitsLeft    int    // hits remaining until promotion to hot
	lastHitTime uint64 // logical timestamp of the last hit
}
