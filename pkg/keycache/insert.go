package keycache

// Insert populates the cache with data the caller already read from
// file (for example while preloading an index). It behaves like Read
// except that the page contents come from buf instead of a Pread —
// unless the supplied chunk does not cover a whole page, in which case
// the remainder is read from file so that parallel readers always see
// full pages.
//
// Insert never writes to file and never inserts into a disabled or
// resizing cache.
func (c *Cache) Insert(file File, pos int64, hits int, buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if len(buf) == 0 {
		return nil
	}
	if !c.canBeUsed || c.inResize {
		return nil
	}

	// Register the pseudo I/O for the next resize.
	c.cntForResizeOp++
	defer c.decResizeOp()

	var firstErr error
	offset := int(pos % int64(c.blockSize))
	length := len(buf)
	for length > 0 {
		// The cache could be disabled or resizing in a later iteration.
		if !c.canBeUsed || c.inResize {
			break
		}

		pos -= int64(offset)
		readLength := min(length, c.blockSize-offset)

		// The page has been read by the caller already.
		c.reads++
		c.readRequests++
		block, pageSt := c.findKeyBlock(file, pos, hits, false)
		if block == nil {
			// Request submitted during a resize; stop loading.
			break
		}

		if block.status&blockError == 0 {
			if pageSt == pageWaitToBeRead ||
				(pageSt == pageToBeRead && (offset != 0 || readLength < c.blockSize)) {
				// Secondary request, or a primary one whose chunk does
				// not fill the whole page: get the full page from
				// file. Re-reading what the caller read already is
				// expensive but needed for correctness; parallel
				// readers may want more of the page than we got.
				err := c.readBlock(block, c.blockSize, readLength+offset, pageSt == pageToBeRead)
				if err != nil && firstErr == nil {
					firstErr = err
				}
			} else if pageSt == pageToBeRead {
				// A new page and we have all its data.
				if c.serializedReads {
					copy(block.buffer[offset:], buf[:readLength])
				} else {
					dst := block.buffer[offset : offset+readLength]
					c.mu.Unlock()
					// Other goroutines may register as secondary
					// readers on qRequested here.
					copy(dst, buf)
					c.mu.Lock()
				}
				// With the data in the buffer the page is valid;
				// further requests need not go secondary.
				block.status |= blockRead
				block.length = readLength + offset
				// Only a writer may lower block.offset.
				c.releaseQueue(&block.qRequested)
			}
			// pageRead: the page is in the buffer with at least as
			// much data as the caller supplies. Nothing to do.
		}

		removeReader(block)

		// Erroneous blocks are not linked into the LRU ring but
		// dropped from the cache.
		if block.status&blockError == 0 {
			c.unregRequest(block, true)
		} else {
			c.dropErrorBlock(block)
			break
		}

		buf = buf[readLength:]
		pos += int64(readLength + offset)
		length -= readLength
		offset = 0
	}

	return firstErr
}
