package keycache

// findKeyBlock returns the block for the page (file, pos), pinned by a
// request on both the block and its hash link, together with a page
// status:
//
//	pageRead         - the page is in the buffer
//	pageToBeRead     - the caller must read it (primary requester)
//	pageWaitToBeRead - another goroutine is reading it (secondary)
//
// A nil block means the cache is disabled or the request arrived during
// a resize and must run as direct file I/O. Caller holds mu; pos must
// be block aligned. If there is no block for the page, a free or
// never-used one is taken; failing that, the oldest warm block is
// evicted, writing its old page out first if dirty, and reassigned to
// the new key. If the LRU ring is empty the caller is parked until some
// operation releases a block.
func (c *Cache) findKeyBlock(file File, pos int64, initHitsLeft int, writeMode bool) (*blockLink, int) {
restart:
	// If the flush phase of a resize fails, the cache is left
	// disabled. Detected only after a restart.
	if !c.canBeUsed {
		return nil, 0
	}

	// The hash link registers our request, so no other goroutine can
	// re-key it until we release it (usually via removeReader). It may
	// have a block assigned or not; an assigned block may belong to
	// this hash link or still to the old key it is being evicted from.
	h := c.getHashLink(file, pos)

	pageStatus := -1
	block := h.block
	if block != nil && block.hashLink == h && block.status&blockRead != 0 {
		// Assigned block with valid (changed or unchanged) contents.
		pageStatus = pageRead
	}

	if c.inResize {
		return c.findDuringResize(h, block, pageStatus, file, pos, initHitsLeft, writeMode)
	}

	if pageStatus == pageRead &&
		block.status&(blockInEviction|blockInSwitch|blockReassigned) != 0 {
		// The block holds our page with valid data but is marked for
		// eviction or free. Readers may pin it and proceed as long as
		// it is not reassigned yet; everyone else waits out the
		// eviction and resubmits, so the evicting goroutine can make
		// progress instead of meeting the same block again and again.
		if !writeMode && block.status&blockReassigned == 0 {
			c.regRequests(block, 1)
		} else {
			h.requests--
			w := c.newWaiter()
			c.waitOnQueue(&block.qSaved, w)
			// The block is no longer assigned to this hash link.
			// Get another one.
			goto restart
		}
	} else if block == nil {
		if c.blocksUnused > 0 {
			// Take a free or never-used block.
			if c.freeBlockList != nil {
				block = c.freeBlockList
				c.freeBlockList = block.nextUsed
				block.nextUsed = nil
			} else {
				block = &c.blockRoot[c.blocksUsed]
				block.buffer = c.blockMem[c.blocksUsed*c.blockSize : (c.blocksUsed+1)*c.blockSize]
				c.blocksUsed++
			}
			c.blocksUnused--
			block.status = blockInUse
			block.length = 0
			block.offset = c.blockSize
			block.requests = 1
			block.temperature = tempCold
			block.hitsLeft = initHitsLeft
			block.lastHitTime = 0
			block.hashLink = h
			h.block = block
			c.linkToFileList(block, file, false)
			pageStatus = pageToBeRead
		} else {
			// No free blocks; evict from the LRU ring.
			if c.usedLast == nil {
				// The ring is empty. Wait until an operation hands a
				// block over via linkBlock. Several goroutines might
				// wait here for the same hash link; all of them get
				// the same block.
				w := c.newWaiter()
				w.hash = h
				c.waitOnQueue(&c.waitingForBlock, w)
			}

			// If we waited above, linkBlock assigned a block to our
			// hash link. Otherwise grab the eviction victim ourselves.
			block = h.block
			if block == nil {
				block = c.usedLast.nextUsed
				block.hitsLeft = initHitsLeft
				block.lastHitTime = 0
				h.block = block
				// Pinning takes the victim out of the ring. No need
				// for blockInEviction: blockInSwitch follows without
				// releasing the mutex in between.
				c.regRequests(block, 1)
			}

			if block.hashLink != h && block.status&blockInSwitch == 0 {
				// Primary request for the new page: run the switch.
				block.status |= blockInSwitch

				var switchErr error
				if block.status&blockChanged != 0 {
					// The old page is dirty; push it out first.
					if block.status&blockInFlush != 0 {
						// A flusher writes it already. If we did not
						// wait, our reassignment could race the
						// flusher into writing the buffer (old
						// contents!) to the new page's position.
						w := c.newWaiter()
						c.waitOnQueue(&block.qSaved, w)
					} else {
						block.status |= blockInFlush | blockInFlushWrite
						switchErr = c.pwriteBlock(block)
						c.writes++
						if switchErr != nil {
							block.status |= blockError
						}
					}
				}

				block.status |= blockReassigned
				if block.hashLink != nil {
					// Resubmit all pending requests for the old page,
					// before and after waiting for its readers:
					// flushers may find the block while we wait and
					// must see it clean and not in flush.
					block.status &^= blockInFlush | blockInFlushWrite
					c.linkToFileList(block, block.hashLink.file, true)
					c.releaseQueue(&block.qSaved)
					// The block is still assigned to its old hash
					// link; wait until pending reads of the old page
					// are done.
					c.waitForReaders(block)
					c.releaseQueue(&block.qSaved)
					c.unlinkHash(block.hashLink)
					unlinkChanged(block)
				}
				// Only this switch's own write failure matters; a
				// stale error bit from the block's previous life is
				// cleared with the rest of the old state.
				if switchErr != nil {
					block.status = blockError | blockInUse
				} else {
					block.status = blockInUse
				}
				block.length = 0
				block.offset = c.blockSize
				block.hashLink = h
				c.linkToFileList(block, file, false)
				pageStatus = pageToBeRead
			} else {
				// Secondary request for a new page: the block is
				// already destined for this hash link (assigned while
				// we waited, or in eviction by another goroutine).
				if block.hashLink == h && block.status&blockRead != 0 {
					pageStatus = pageRead
				} else {
					pageStatus = pageWaitToBeRead
				}
			}
		}
	} else {
		// The hash link points at a block that is either destined for
		// this page (in eviction, not yet switched) or assigned with
		// data that will not be reassigned or freed. Pin it.
		c.regRequests(block, 1)
		if block.hashLink == h && block.status&blockRead != 0 {
			pageStatus = pageRead
		} else {
			pageStatus = pageWaitToBeRead
		}
	}

	return block, pageStatus
}

// findDuringResize handles a request that arrived while a resize is in
// progress: cached pages stay readable, dirty cached pages stay
// writable, everything else bypasses the cache. Caller holds mu and has
// registered a request on h.
func (c *Cache) findDuringResize(h *hashLink, block *blockLink, pageStatus int,
	file File, pos int64, initHitsLeft int, writeMode bool) (*blockLink, int) {

	if block == nil {
		// The page is not cached and shall not go in: direct I/O.
		if h.requests == 1 {
			// We are the only one to request this page; release the
			// hash link again.
			h.requests--
			c.unlinkHash(h)
			return nil, 0
		}

		// More requests on the hash link: someone is evicting a block
		// into this page (started before the resize), so the LRU ring
		// is empty. Behave like a goroutine waiting for a block and
		// re-check once one is assigned.
		w := c.newWaiter()
		w.hash = h
		c.waitOnQueue(&c.waitingForBlock, w)
		h.requests--
		return c.findKeyBlock(file, pos, initHitsLeft, writeMode)
	}

	// There is a block for this page. Pin it for the caller (and for
	// removeReader/freeBlock below).
	c.regRequests(block, 1)

	if pageStatus != pageRead {
		// A block in eviction, not yet readable. Wait like a
		// secondary requester until the data is in.
		w := c.newWaiter()
		c.waitOnQueue(&block.qRequested, w)
	}

	if !writeMode {
		return block, pageRead
	}

	// A writer. Wait out a running flush first; at most one writer per
	// page exists, which outside locks assure.
	for block.status&blockInFlush != 0 {
		w := c.newWaiter()
		c.waitOnQueue(&block.qSaved, w)
		if !c.inResize {
			// The resize finished (or its flush failed) while we
			// waited. Resubmit.
			removeReader(block)
			c.unregRequest(block, true)
			return c.findKeyBlock(file, pos, initHitsLeft, writeMode)
		}
	}

	if block.status&blockChanged != 0 {
		// Dirty block: the caller merges its changes into the buffer.
		// No new dirt enters the cache this way, the page only stays
		// dirty.
		return block, pageRead
	}

	// A write to a clean cached page during resize: drop the page and
	// write directly to file.
	removeReader(block)
	if block.status&(blockInEviction|blockInSwitch|blockReassigned) == 0 {
		c.freeBlock(block)
		return nil, 0
	}

	// Eviction or free is underway; let it finish, otherwise the
	// direct write could complete before all readers of this page are
	// done with the old block contents.
	c.unregRequest(block, true)
	for {
		w := c.newWaiter()
		c.waitOnQueue(&block.qSaved, w)
		if !c.inResize {
			return c.findKeyBlock(file, pos, initHitsLeft, writeMode)
		}
		if block.hashLink == nil || block.hashLink.file != file || block.hashLink.diskpos != pos {
			return nil, 0
		}
	}
}

// pwriteBlock writes the modified region of the block to its current
// page, with the mutex released around the call. Only the caller may
// change block.hashLink, so reading it without the mutex is safe.
func (c *Cache) pwriteBlock(b *blockLink) error {
	h := b.hashLink
	buf := b.buffer[b.offset:b.length]
	off := h.diskpos + int64(b.offset)
	c.mu.Unlock()
	err := c.io.Pwrite(h.file, buf, off)
	c.mu.Lock()
	if err != nil {
		c.logger.Errorf("keycache: pwrite file=%d pos=%d len=%d failed: %v",
			h.file, off, len(buf), err)
	}
	return err
}
