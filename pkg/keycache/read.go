package keycache

import "fmt"

// Read copies len(buf) bytes starting at pos in file into buf, through
// the cache. Pages not yet resident are read from file with exactly one
// Pread per page, no matter how many goroutines ask for the same page
// concurrently. hits is the number of further hits a freshly cached
// page needs before it may be promoted to the hot LRU segment.
//
// During a cache resize (or with the cache disabled) the data is read
// directly from the file.
func (c *Cache) Read(file File, pos int64, hits int, buf []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if len(buf) == 0 {
		c.mu.Unlock()
		return nil
	}

	// Resizing has two phases: flushing and re-initializing. During
	// the flush phase reads may bypass the cache for pages not in it;
	// after that, new I/O must wait for the re-initialization, because
	// the block size (and with it the page division) can change.
	for c.inResize && !c.resizeInFlush {
		c.waitOnQueue(&c.resizeQueue, c.newWaiter())
	}
	// Register the I/O for the next resize.
	c.cntForResizeOp++

	var firstErr error
	offset := int(pos % int64(c.blockSize))
	length := len(buf)
	for length > 0 {
		// The cache could have become disabled in a later iteration.
		if !c.canBeUsed {
			c.readRequests++
			c.mu.Unlock()
			err := c.preadExact(file, buf[:length], pos)
			c.mu.Lock()
			c.reads++
			if err != nil && firstErr == nil {
				firstErr = err
			}
			break
		}

		// Operate on whole cache pages: start at the page beginning,
		// do not read beyond the page end.
		pos -= int64(offset)
		readLength := min(length, c.blockSize-offset)

		c.readRequests++
		block, pageSt := c.findKeyBlock(file, pos, hits, false)
		if block == nil {
			// Request submitted during a resize; the page is not in
			// the cache and shall not go in. Read directly.
			c.reads++
			c.mu.Unlock()
			err := c.preadExact(file, buf[:readLength], pos+int64(offset))
			c.mu.Lock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
		} else {
			if block.status&blockError == 0 {
				if pageSt != pageRead {
					err := c.readBlock(block, c.blockSize, readLength+offset, pageSt == pageToBeRead)
					if err != nil && firstErr == nil {
						firstErr = err
					}
				} else if block.length < readLength+offset {
					// Possible only when reading past the end of a
					// file with short pages.
					block.status |= blockError
					if firstErr == nil {
						firstErr = fmt.Errorf("page file=%d pos=%d has %d bytes, need %d: %w",
							file, pos, block.length, readLength+offset, ErrShortRead)
					}
				}
			}

			if block.status&blockError == 0 {
				src := block.buffer[offset : offset+readLength]
				if c.serializedReads {
					copy(buf, src)
				} else {
					c.mu.Unlock()
					copy(buf, src)
					c.mu.Lock()
				}
			}

			removeReader(block)

			// Erroneous blocks are not linked into the LRU ring but
			// dropped from the cache.
			if block.status&blockError == 0 {
				c.unregRequest(block, true)
			} else {
				c.dropErrorBlock(block)
				if firstErr == nil {
					firstErr = fmt.Errorf("read page file=%d pos=%d: %w", file, pos, ErrIO)
				}
				break
			}
		}

		buf = buf[readLength:]
		pos += int64(readLength + offset)
		length -= readLength
		offset = 0
	}

	c.decResizeOp()
	c.mu.Unlock()
	return firstErr
}

// decResizeOp unregisters an in-flight operation; the last one lets a
// waiting resizer proceed. Caller holds mu.
func (c *Cache) decResizeOp() {
	c.cntForResizeOp--
	if c.cntForResizeOp == 0 {
		c.releaseQueue(&c.waitingForResizeCnt)
	}
}

// preadExact reads exactly len(p) bytes. Called with mu released.
func (c *Cache) preadExact(file File, p []byte, off int64) error {
	n, err := c.io.Pread(file, p, off)
	if err != nil {
		return fmt.Errorf("%w: pread file=%d pos=%d: %v", ErrIO, file, off, err)
	}
	if n < len(p) {
		return fmt.Errorf("pread file=%d pos=%d got %d of %d bytes: %w",
			file, off, n, len(p), ErrShortRead)
	}
	return nil
}

// pwriteDirect writes p at off, bypassing the cache. Called with mu
// released.
func (c *Cache) pwriteDirect(file File, p []byte, off int64) error {
	if err := c.io.Pwrite(file, p, off); err != nil {
		return fmt.Errorf("%w: pwrite file=%d pos=%d: %v", ErrIO, file, off, err)
	}
	return nil
}
