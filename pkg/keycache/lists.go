package keycache

// unlinkChanged removes a block from whichever clean/dirty chain it is
// on. prevChanged points at the referring cell, so no head is needed.
func unlinkChanged(b *blockLink) {
	if b.nextChanged != nil {
		b.nextChanged.prevChanged = b.prevChanged
	}
	*b.prevChanged = b.nextChanged
	b.nextChanged = nil
	b.prevChanged = nil
}

// linkChanged adds a block at the head of a clean/dirty chain.
func linkChanged(b *blockLink, head **blockLink) {
	b.prevChanged = head
	if b.nextChanged = *head; b.nextChanged != nil {
		b.nextChanged.prevChanged = &b.nextChanged
	}
	*head = b
}

// linkToFileList links a block into the clean chain of file, unlinking
// it from its current chain first if asked to. Flipping blockChanged
// happens only here and in linkToChangedList, which keeps the dirty
// counters and chain membership consistent.
func (c *Cache) linkToFileList(b *blockLink, file File, unlink bool) {
	if unlink {
		unlinkChanged(b)
	}
	linkChanged(b, &c.fileBlocks[fileBucket(file)])
	if b.status&blockChanged != 0 {
		b.status &^= blockChanged
		c.blocksChanged--
		c.globalBlocksChanged--
	}
}

// linkToChangedList moves a clean block to the dirty chain of its file.
func (c *Cache) linkToChangedList(b *blockLink) {
	unlinkChanged(b)
	linkChanged(b, &c.changedBlocks[fileBucket(b.hashLink.file)])
	b.status |= blockChanged
	c.blocksChanged++
	c.globalBlocksChanged++
}

// linkBlock inserts an unpinned block into the LRU ring, hot or warm,
// at the head or the tail of the sub-chain.
//
// The ring is circular with two marks: usedLast is the warm tail (its
// successor is the next eviction victim) and usedIns is the hot tail.
//
// Handoff: when the block is released warm and goroutines are waiting
// for a block (the ring was empty), the block is not linked at all.
// Every waiter asking for the same page as the first in the queue is
// woken with a request registered on its behalf, the block is assigned
// to that page's hash link, and it is flagged blockInEviction so that
// flush and free leave it alone. The first woken goroutine takes charge
// of the switch; the flag is not blockInSwitch yet precisely so that
// exactly one of them picks up the eviction.
func (c *Cache) linkBlock(b *blockLink, hot, atEnd bool) {
	if !hot && !c.waitingForBlock.empty() {
		first := c.waitingForBlock.ws[0]
		h := first.hash
		kept := c.waitingForBlock.ws[:0]
		for _, w := range c.waitingForBlock.ws {
			if w.hash == h {
				w.queued = false
				w.cond.Signal()
				b.requests++
			} else {
				kept = append(kept, w)
			}
		}
		c.waitingForBlock.ws = kept
		h.block = b
		b.status |= blockInEviction
		return
	}

	pins := &c.usedLast
	if hot {
		pins = &c.usedIns
	}
	if ins := *pins; ins != nil {
		next := ins.nextUsed
		b.nextUsed = next
		b.prevUsed = ins
		next.prevUsed = b
		ins.nextUsed = b
		if atEnd {
			*pins = b
		}
	} else {
		// The LRU ring is empty. Let the block point to itself.
		b.nextUsed = b
		b.prevUsed = b
		c.usedLast = b
		c.usedIns = b
	}
}

// unlinkBlock removes a block from the LRU ring.
func (c *Cache) unlinkBlock(b *blockLink) {
	if b.nextUsed == b {
		c.usedLast, c.usedIns = nil, nil
	} else {
		b.nextUsed.prevUsed = b.prevUsed
		b.prevUsed.nextUsed = b.nextUsed
		if c.usedLast == b {
			c.usedLast = b.prevUsed
		}
		if c.usedIns == b {
			c.usedIns = b.prevUsed
		}
	}
	b.nextUsed = nil
	b.prevUsed = nil
}

// regRequests pins a block. The first request takes it out of the LRU
// ring, protecting it against eviction.
func (c *Cache) regRequests(b *blockLink, count int) {
	if b.requests == 0 && b.nextUsed != nil {
		c.unlinkBlock(b)
	}
	b.requests += count
}

// unregRequest drops one request; the last one links the block back
// into the LRU ring, which re-enables eviction.
//
// With atEnd the block goes to the end of the warm sub-chain, or to the
// end of the hot sub-chain once its hit counter reached zero and the
// warm sub-chain is above its floor. Without atEnd it goes to the warm
// head (next eviction victim). After linking, the block at the hot tail
// is demoted to warm if it has not been touched for ageThreshold ticks.
//
// Error blocks never enter the ring.
func (c *Cache) unregRequest(b *blockLink, atEnd bool) {
	b.requests--
	if b.requests > 0 {
		return
	}
	if b.status&blockError != 0 {
		// Error blocks never enter the ring, but a goroutine waiting
		// for a block may still take the buffer over; the handoff in
		// linkBlock reinitializes it for a new page. Without this, a
		// waiter could be stranded when the last usable block errors.
		if !c.waitingForBlock.empty() {
			c.linkBlock(b, false, false)
		}
		return
	}

	if b.hitsLeft > 0 {
		b.hitsLeft--
	}
	hot := b.hitsLeft == 0 && atEnd && c.warmBlocks > c.minWarmBlocks
	if hot {
		if b.temperature == tempWarm {
			c.warmBlocks--
		}
		b.temperature = tempHot
	}
	c.linkBlock(b, hot, atEnd)
	b.lastHitTime = c.cacheTime
	c.cacheTime++
	// The block may have been handed to a waiting evictor instead of
	// entering the ring; the aging check below then works on whatever
	// block is at the hot tail (nil if the ring stayed empty).

	b = c.usedIns
	if b != nil && c.cacheTime-b.lastHitTime > c.ageThreshold {
		c.unlinkBlock(b)
		c.linkBlock(b, false, false)
		if b.temperature != tempWarm {
			c.warmBlocks++
			b.temperature = tempWarm
		}
	}
}

// removeReader drops one page request from the block's hash link and
// wakes a goroutine waiting for the last reader to leave.
func removeReader(b *blockLink) {
	b.hashLink.requests--
	if b.hashLink.requests == 0 && b.condvar != nil {
		b.condvar.cond.Signal()
	}
}

// waitForReaders parks the caller until the last reader of the block's
// page has left. At most one goroutine may wait here per block.
func (c *Cache) waitForReaders(b *blockLink) {
	if b.hashLink.requests == 0 {
		return
	}
	w := c.newWaiter()
	b.condvar = w
	c.suspend(w, func() bool { return b.hashLink.requests > 0 })
	b.condvar = nil
}
