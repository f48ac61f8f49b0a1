package keycache

import (
	"fmt"
	"sort"
)

// FlushType selects what Flush does with the dirty (and clean) pages of
// a file.
type FlushType int

const (
	// FlushKeep writes dirty pages and keeps all pages cached. It does
	// not wait for pages other goroutines are flushing or updating.
	FlushKeep FlushType = iota

	// FlushRelease writes dirty pages and drops all of the file's
	// pages from the cache.
	FlushRelease

	// FlushIgnoreChanged drops dirty pages without writing them
	// (used for files whose contents are disposable).
	FlushIgnoreChanged

	// FlushForceWrite writes dirty pages, waiting out concurrent
	// flushes and updates, and keeps the pages cached.
	FlushForceWrite
)

// maxFlushErrRetries bounds restarts after repeated identical write
// errors, so a dead file cannot wedge Flush forever.
const maxFlushErrRetries = 5

// Flush persists dirty pages of file per typ. When it returns, every
// page of the file that was dirty at entry has been handed to Pwrite
// (except with FlushIgnoreChanged, which discards instead).
func (c *Cache) Flush(file File, typ FlushType) error {
	if typ < FlushKeep || typ > FlushForceWrite {
		return fmt.Errorf("invalid flush type %d: %w", typ, ErrInvalidInput)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.inited {
		return nil
	}
	// While waiting for the lock, the cache could have been ended.
	if c.diskBlocks <= 0 {
		return nil
	}

	c.cntForResizeOp++
	defer c.decResizeOp()
	return c.flushFileLocked(file, typ)
}

// cmpByDiskpos orders a write burst by on-disk position for sequential
// writes.
func cmpByDiskpos(cache []*blockLink) {
	sort.Slice(cache, func(i, j int) bool {
		return cache[i].hashLink.diskpos < cache[j].hashLink.diskpos
	})
}

// flushBurstBlocks writes one burst of dirty blocks (all marked
// blockInFlush and pinned by the caller) and puts each block into its
// after-flush state: clean chain, qSaved released, freed or back in the
// LRU ring. Returns the first write error.
func (c *Cache) flushBurstBlocks(file File, cache []*blockLink, typ FlushType) error {
	var firstErr error

	// Don't hold the lock during the sort; the blocks are fenced by
	// blockInFlush.
	c.mu.Unlock()
	cmpByDiskpos(cache)
	c.mu.Lock()

	// Note: no early return. A request is registered on every block in
	// the burst and must be dropped by freeBlock or unregRequest.
	for _, block := range cache {
		// If the block's contents are about to be changed, abandon its
		// flush; the restart in flushFileLocked picks it up again.
		if block.status&blockForUpdate == 0 {
			block.status |= blockInFlushWrite
			err := c.pwriteBlock(block)
			c.writes++
			if err != nil {
				block.status |= blockError
				if firstErr == nil {
					firstErr = fmt.Errorf("%w: flush file=%d pos=%d: %v",
						ErrIO, file, block.hashLink.diskpos, err)
				}
			}
			block.status &^= blockInFlushWrite
			// Move to the clean chain. freeBlock must not see the
			// block dirty, and waiting readers must find it in the
			// right chain.
			c.linkToFileList(block, file, true)
		}
		block.status &^= blockInFlush
		c.releaseQueue(&block.qSaved)

		untouched := block.status&(blockInEviction|blockInSwitch|blockForUpdate) == 0
		switch {
		case typ != FlushKeep && typ != FlushForceWrite && untouched:
			c.freeBlock(block)
		case block.status&blockError != 0 && untouched && block.requests == 1:
			// A failed write leaves the block clean but unusable; if
			// nobody else holds it, drop it rather than strand it
			// outside the LRU ring.
			c.freeBlock(block)
		default:
			c.unregRequest(block, true)
		}
	}
	return firstErr
}

// flushFileLocked flushes the dirty chain of one file. Caller holds mu
// and has registered the operation for resize. The scan restarts until
// no dirty block of the file remains (except with FlushKeep, which
// only covers the blocks dirty at entry and skips pages other
// goroutines are working on).
func (c *Cache) flushFileLocked(file File, typ FlushType) error {
	if c.disableFlush && typ == FlushKeep {
		return nil
	}

	var firstErr error
	var lastErr error
	lastErrCnt := 0
	note := func(err error) bool {
		// Do not loop forever trying to flush in vain.
		if firstErr == nil {
			firstErr = err
		}
		if lastErr != nil && err.Error() == lastErr.Error() {
			lastErrCnt++
			if lastErrCnt > maxFlushErrRetries {
				return false
			}
		} else {
			lastErr = err
			lastErrCnt = 1
		}
		return true
	}

	// Size the burst so that one scan can cover all currently dirty
	// blocks of the file; new dirt appearing while we wait still fits
	// the next restart.
	burst := flushBurst
	if typ != FlushIgnoreChanged {
		count := 0
		for b := c.changedBlocks[fileBucket(file)]; b != nil; b = b.nextChanged {
			if b.hashLink.file == file && b.status&blockInFlush == 0 {
				count++
			}
		}
		if count > burst {
			burst = count
		}
	}
	cache := make([]*blockLink, 0, burst)

	// Blocks found mid-switch are parked on a local chain; their
	// switching goroutines relink them to clean file chains while we
	// wait at the end.
	var firstInSwitch *blockLink

restart:
	for {
		var lastInFlush, lastForUpdate *blockLink
		cache = cache[:0]

		var next *blockLink
		for block := c.changedBlocks[fileBucket(file)]; block != nil; block = next {
			next = block.nextChanged
			if block.hashLink.file != file {
				continue
			}
			if block.status&(blockInFlush|blockForUpdate) == 0 {
				if block.status&blockInSwitch == 0 {
					// Pin it; this unlinks it from the LRU ring and
					// protects it against eviction.
					c.regRequests(block, 1)
					if typ != FlushIgnoreChanged {
						if len(cache) == burst {
							// Burst full. Flush it and rescan; some
							// other goroutine may have changed the
							// dirty chain meanwhile.
							c.unregRequest(block, false)
							if err := c.flushBurstBlocks(file, cache, typ); err != nil {
								if !note(err) {
									return firstErr
								}
							}
							continue restart
						}
						// Fence the block against reuse and parallel
						// flushes until the burst is written.
						block.status |= blockInFlush
						cache = append(cache, block)
					} else {
						// Disposable contents: discard the dirty state
						// and drop the block.
						c.linkToFileList(block, file, true)
						if block.status&(blockInEviction|blockInSwitch) == 0 {
							c.freeBlock(block)
						} else {
							c.unregRequest(block, true)
						}
					}
				} else {
					// In switch; its evictor will flush it.
					unlinkChanged(block)
					linkChanged(block, &firstInSwitch)
				}
			} else if typ != FlushKeep {
				// Everything but the end-of-statement flush must not
				// leave any dirty block of this file behind, including
				// blocks other goroutines flush or update right now.
				if block.status&blockInFlush != 0 {
					lastInFlush = block
				} else {
					lastForUpdate = block
				}
			}
		}

		if len(cache) > 0 {
			if err := c.flushBurstBlocks(file, cache, typ); err != nil {
				if !note(err) {
					return firstErr
				}
			}
			// FlushKeep covers only the blocks dirty at entry; all
			// others rescan until the chain stays empty.
			if typ != FlushKeep {
				continue restart
			}
		}
		if lastInFlush != nil {
			// Nothing left for us, but another goroutine still
			// flushes. Re-check after the lock gaps above, then wait
			// for one block to finish and rescan; blocks complete in
			// any order.
			if lastInFlush.status&blockInFlush != 0 {
				c.waitOnQueue(&lastInFlush.qSaved, c.newWaiter())
			}
			continue restart
		}
		if lastForUpdate != nil {
			if lastForUpdate.status&blockForUpdate != 0 {
				c.waitOnQueue(&lastForUpdate.qRequested, c.newWaiter())
			}
			// The block is now changed. Flush it.
			continue restart
		}
		break
	}

	// Wait until the in-switch chain drains; the switching goroutines
	// relink those blocks to clean chains.
	for firstInSwitch != nil {
		c.waitOnQueue(&firstInSwitch.qSaved, c.newWaiter())
	}

	if typ != FlushKeep && typ != FlushForceWrite {
		if err := c.freeFileBlocksLocked(file); err != nil {
			// Re-flush: a clean block may have become dirty while we
			// waited on its readers.
			err = c.flushFileLocked(file, typ)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// errRescan signals freeFileBlocksLocked had to wait and the caller
// must rescan the dirty chain.
var errRescan = fmt.Errorf("keycache: rescan")

// freeFileBlocksLocked drops all clean blocks of file from the cache
// (the release phase of FlushRelease / FlushIgnoreChanged). Returns
// errRescan if it waited in a way that may have let new dirty blocks
// appear.
func (c *Cache) freeFileBlocksLocked(file File) error {
	totalFound := 0
	var lastForUpdate, lastInSwitch *blockLink

	found := 1
	for found > 0 {
		found = 0
		var next *blockLink
		for block := c.fileBlocks[fileBucket(file)]; block != nil; block = next {
			// Remember the successor; after freeing we cannot get
			// at it.
			next = block.nextChanged
			if block.hashLink.file != file {
				continue
			}
			if block.status&blockForUpdate != 0 {
				// Skip blocks that will be changed.
				lastForUpdate = block
				continue
			}
			if block.status&(blockInEviction|blockInSwitch|blockReassigned) != 0 {
				lastInSwitch = block
				continue
			}

			totalFound++
			found++
			c.regRequests(block, 1)

			// freeBlock may wait for readers of the block; while
			// we are suspended, the chain can change under us.
			// Snapshot the successor's identity to detect that.
			var nextHash *hashLink
			var nextStatus uint32
			var nextFile File
			var nextPos int64
			hashRequests := block.hashLink.requests
			if next != nil && hashRequests > 0 {
				nextStatus = next.status
				nextHash = next.hashLink
				nextFile = nextHash.file
				nextPos = nextHash.diskpos
			}

			c.freeBlock(block)

			if next != nil && hashRequests > 0 &&
				(nextStatus != next.status ||
					nextHash != next.hashLink ||
					nextFile != nextHash.file ||
					nextPos != nextHash.diskpos ||
					next != nextHash.block) {
				// The successor moved while we waited; it may no
				// longer be on this chain. Rescan the chain, but
				// do not give up the whole pass: the chain can be
				// long and shared between files.
				break
			}
		}
	}

	if totalFound > 0 {
		// We may have waited for readers; a clean block could have
		// become dirty meanwhile (a write request that existed
		// before this flush started).
		return errRescan
	}

	if lastForUpdate != nil {
		c.waitOnQueue(&lastForUpdate.qRequested, c.newWaiter())
		return errRescan
	}
	if lastInSwitch != nil {
		c.waitOnQueue(&lastInSwitch.qSaved, c.newWaiter())
		return errRescan
	}
	return nil
}

// dropErrorBlock unpins an erroneous block. The last requester drops
// it from the cache entirely; earlier ones only release their pin
// (error blocks never enter the LRU ring), leaving the free to
// whichever holder finishes last.
func (c *Cache) dropErrorBlock(b *blockLink) {
	if b.requests == 1 && b.status&(blockReassigned|blockInSwitch|blockInEviction) == 0 {
		c.freeBlock(b)
		return
	}
	c.unregRequest(b, true)
}

// freeBlock detaches a clean, pinned block from its page and puts it on
// the free list. The caller must hold the only request on the block;
// the block must be clean, on a clean chain, attached to a hash link,
// and not in flush, switch, or eviction.
func (c *Cache) freeBlock(b *blockLink) {
	// New requesters for the page wait on qSaved while we wait for the
	// current readers to leave; they are signalled at the end.
	b.status |= blockReassigned
	c.waitForReaders(b)
	b.status &^= blockReassigned

	// Drop the request. If the LRU ring was empty and goroutines wait
	// for a block, it is handed over for eviction right here and must
	// not be touched any more.
	c.unregRequest(b, false)
	if b.status&blockInEviction != 0 {
		return
	}

	// Error blocks were never linked into the LRU ring.
	if b.status&blockError == 0 {
		c.unlinkBlock(b)
	}
	if b.temperature == tempWarm {
		c.warmBlocks--
	}
	b.temperature = tempCold

	unlinkChanged(b)
	c.unlinkHash(b.hashLink)
	b.hashLink = nil
	b.status = 0
	b.length = 0
	b.offset = c.blockSize

	b.nextUsed = c.freeBlockList
	b.prevUsed = nil
	c.freeBlockList = b
	c.blocksUnused++

	// Requests parked on the old page resubmit from scratch.
	c.releaseQueue(&b.qSaved)
}

// flushAllLocked writes out every dirty block and then empties the
// cache. Phase 1 force-writes dirty blocks per file until none remain;
// phase 2 releases the then-clean blocks. Phase 2 waits may allow new
// dirt (from writes that pre-date the resize), so the whole dance
// restarts until both hashes stay empty. Caller holds mu.
func (c *Cache) flushAllLocked() error {
	for {
		totalFound := 0

		// Phase 1: flush all changed blocks, waiting for them if
		// necessary, until there is no changed block left.
		for {
			found := 0
			for idx := range c.changedBlocks {
				// Flush whole files: the first block of a bucket
				// names one; all its blocks leave the bucket, so the
				// loop terminates even with several files per bucket.
				if block := c.changedBlocks[idx]; block != nil {
					found++
					if err := c.flushFileLocked(block.hashLink.file, FlushForceWrite); err != nil {
						return err
					}
				}
			}
			if found == 0 {
				break
			}
		}

		// Phase 2: free all clean blocks.
		for {
			found := 0
			for idx := range c.fileBlocks {
				if block := c.fileBlocks[idx]; block != nil {
					totalFound++
					found++
					if err := c.flushFileLocked(block.hashLink.file, FlushRelease); err != nil {
						return err
					}
				}
			}
			if found == 0 {
				break
			}
		}

		if totalFound == 0 {
			return nil
		}
	}
}
