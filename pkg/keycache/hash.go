package keycache

// pageBucket selects the hash bucket for a (file, block-aligned
// offset) key.
func (c *Cache) pageBucket(file File, pos int64) int {
	return int((uint64(pos/int64(c.blockSize)) + uint64(file)) & uint64(c.hashEntries-1))
}

// fileBucket selects the clean/dirty chain bucket for a file.
func fileBucket(file File) int {
	return int(uint(file) & (fileHashBuckets - 1))
}

// linkHash adds a hash link at the head of a bucket chain.
func linkHash(start **hashLink, h *hashLink) {
	if *start != nil {
		(*start).prev = &h.next
	}
	h.next = *start
	h.prev = start
	*start = h
}

// unlinkHash releases a hash link that has no requests left. If
// goroutines are parked waiting for a free hash link, the link is
// re-keyed to the first waiter's page, re-inserted, and all waiters for
// that page are woken; otherwise it goes to the free stack.
func (c *Cache) unlinkHash(h *hashLink) {
	if *h.prev = h.next; h.next != nil {
		h.next.prev = h.prev
	}
	h.block = nil

	if !c.waitingForHashLink.empty() {
		// Hand the link to the waiters of one page. Every waiter
		// that asks for the same page as the first in the queue is
		// woken; the rest keep waiting for the next free link.
		first := c.waitingForHashLink.ws[0]
		h.file = first.file
		h.diskpos = first.pos
		kept := c.waitingForHashLink.ws[:0]
		for _, w := range c.waitingForHashLink.ws {
			if w.hasPage && w.file == h.file && w.pos == h.diskpos {
				w.queued = false
				w.cond.Signal()
			} else {
				kept = append(kept, w)
			}
		}
		c.waitingForHashLink.ws = kept
		linkHash(&c.hashRoot[c.pageBucket(h.file, h.diskpos)], h)
		return
	}

	h.next = c.freeHashList
	c.freeHashList = h
}

// getHashLink finds or creates the hash link for (file, pos) and
// registers a request on it. When the hash-link table is exhausted the
// caller is parked until a link frees up, then the lookup restarts
// from scratch. Caller holds mu; pos must be block aligned.
func (c *Cache) getHashLink(file File, pos int64) *hashLink {
restart:
	start := &c.hashRoot[c.pageBucket(file, pos)]
	h := *start
	for h != nil && (h.diskpos != pos || h.file != file) {
		h = h.next
	}
	if h == nil {
		switch {
		case c.freeHashList != nil:
			h = c.freeHashList
			c.freeHashList = h.next
		case c.hashLinksUsed < c.hashLinks:
			h = &c.hashLinkRoot[c.hashLinksUsed]
			c.hashLinksUsed++
		default:
			// Wait for a free hash link. unlinkHash may re-key one
			// directly to our page, but we restart and look it up
			// regardless.
			w := c.newWaiter()
			w.file = file
			w.pos = pos
			w.hasPage = true
			c.waitOnQueue(&c.waitingForHashLink, w)
			goto restart
		}
		h.file = file
		h.diskpos = pos
		linkHash(start, h)
	}
	h.requests++
	return h
}
