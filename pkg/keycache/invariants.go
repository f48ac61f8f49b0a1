package keycache

import "fmt"

// checkLocked sweeps the whole cache state and returns the first
// violated invariant, or nil. It is meant for tests (via an exported
// hook in export_test.go); it is O(n^2)
// in the block count and never called on production paths.
//
// Invariants checked:
//  1. inUse <=> hashLink != nil; requests > 0 => not in the LRU ring.
//  2. changed <=> the block is on the dirty chain of its file.
//  3. warmBlocks == |{b : b.temperature == warm}|.
//  4. blocksUnused == |free list| + never-used; used + unused >= total.
//  5. list membership is exclusive: free list, LRU ring, or pinned.
func (c *Cache) checkLocked() error {
	if c.diskBlocks <= 0 {
		return nil
	}

	inRing := map[*blockLink]bool{}
	if c.usedLast != nil {
		b := c.usedLast.nextUsed
		for i := 0; ; i++ {
			if i > c.diskBlocks {
				return fmt.Errorf("keycache: LRU ring does not close")
			}
			inRing[b] = true
			if b == c.usedLast {
				break
			}
			b = b.nextUsed
		}
	}

	inFree := map[*blockLink]bool{}
	freeLen := 0
	for b := c.freeBlockList; b != nil; b = b.nextUsed {
		if inFree[b] {
			return fmt.Errorf("keycache: free list cycles at block %p", b)
		}
		inFree[b] = true
		freeLen++
	}

	onChain := func(head *blockLink, b *blockLink) bool {
		for x := head; x != nil; x = x.nextChanged {
			if x == b {
				return true
			}
		}
		return false
	}

	warm := 0
	for i := 0; i < c.blocksUsed; i++ {
		b := &c.blockRoot[i]

		if b.temperature == tempWarm {
			warm++
		}

		inUse := b.status&blockInUse != 0
		if inUse != (b.hashLink != nil) {
			return fmt.Errorf("keycache: block %d: inUse=%v but hashLink=%v", i, inUse, b.hashLink)
		}
		if b.requests > 0 && inRing[b] {
			return fmt.Errorf("keycache: block %d: pinned (%d requests) but in LRU ring", i, b.requests)
		}
		if inFree[b] && (inUse || inRing[b]) {
			return fmt.Errorf("keycache: block %d: free but in use or in ring", i)
		}

		if b.hashLink != nil {
			dirty := onChain(c.changedBlocks[fileBucket(b.hashLink.file)], b)
			clean := onChain(c.fileBlocks[fileBucket(b.hashLink.file)], b)
			if dirty && clean {
				return fmt.Errorf("keycache: block %d: on both chains", i)
			}
			changed := b.status&blockChanged != 0
			// A changed block mid-switch may sit on a flusher's local
			// chain instead of the bucket.
			if changed != dirty && !(changed && b.status&blockInSwitch != 0) {
				return fmt.Errorf("keycache: block %d: changed=%v dirty-chain=%v status=%#x",
					i, changed, dirty, b.status)
			}
			if b.hashLink.block == b && b.status&blockReassigned == 0 &&
				!dirty && !clean && b.status&blockInSwitch == 0 {
				return fmt.Errorf("keycache: block %d: on no file chain, status=%#x", i, b.status)
			}
		}

		if b.offset < 0 || b.offset > c.blockSize || b.length < 0 || b.length > c.blockSize {
			return fmt.Errorf("keycache: block %d: bad dirty bounds offset=%d length=%d",
				i, b.offset, b.length)
		}
	}

	if warm != c.warmBlocks {
		return fmt.Errorf("keycache: warmBlocks=%d but %d warm blocks exist", c.warmBlocks, warm)
	}

	neverUsed := c.diskBlocks - c.blocksUsed
	if freeLen+neverUsed != c.blocksUnused {
		return fmt.Errorf("keycache: blocksUnused=%d but free=%d never-used=%d",
			c.blocksUnused, freeLen, neverUsed)
	}
	if c.blocksUsed+c.blocksUnused < c.diskBlocks {
		// blocksUsed counts blocks taken from the never-used pool;
		// freed blocks stay counted there and appear in blocksUnused.
		return fmt.Errorf("keycache: used=%d unused=%d do not cover %d blocks",
			c.blocksUsed, c.blocksUnused, c.diskBlocks)
	}

	dirty := 0
	for i := range c.changedBlocks {
		for b := c.changedBlocks[i]; b != nil; b = b.nextChanged {
			dirty++
		}
	}
	if dirty != c.blocksChanged {
		return fmt.Errorf("keycache: blocksChanged=%d but dirty chains hold %d", c.blocksChanged, dirty)
	}

	return nil
}

// cacheEmptyLocked reports whether no block is in use (used after the
// resize flush, which must leave the cache empty).
func (c *Cache) cacheEmptyLocked() bool {
	if c.diskBlocks <= 0 {
		return true
	}
	for i := 0; i < c.blocksUsed; i++ {
		if c.blockRoot[i].status != 0 {
			return false
		}
	}
	return true
}

// dumpLocked logs a compact picture of the cache state. Debug aid for
// the WaitTimeout deadlock trap.
func (c *Cache) dumpLocked() {
	c.logger.Errorf("keycache dump: blocks=%d used=%d unused=%d changed=%d warm=%d in_resize=%v can_be_used=%v resize_ops=%d",
		c.diskBlocks, c.blocksUsed, c.blocksUnused, c.blocksChanged,
		c.warmBlocks, c.inResize, c.canBeUsed, c.cntForResizeOp)
	for i := 0; i < c.blocksUsed; i++ {
		b := &c.blockRoot[i]
		if b.status == 0 {
			continue
		}
		var file File
		var pos int64 = -1
		if b.hashLink != nil {
			file = b.hashLink.file
			pos = b.hashLink.diskpos
		}
		c.logger.Errorf("  block %d: status=%#x temp=%d requests=%d file=%d pos=%d offset=%d length=%d waiters(req=%d saved=%d)",
			i, b.status, b.temperature, b.requests, file, pos,
			b.offset, b.length, len(b.qRequested.ws), len(b.qSaved.ws))
	}
}
