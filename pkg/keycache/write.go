package keycache

import "fmt"

// Write copies buf into the cache pages covering [pos, pos+len(buf))
// of file. With dontWrite the data stays buffered: the pages become
// dirty and are written out by Flush or when evicted. Without
// dontWrite the data is written to file first and the cached pages are
// updated afterwards (write-through).
//
// At most one writer per page may run at a time; this must be assured
// by locks outside of the cache.
func (c *Cache) Write(file File, pos int64, hits int, buf []byte, dontWrite bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if len(buf) == 0 {
		c.mu.Unlock()
		return nil
	}

	if !dontWrite {
		// Write-through mode: force the data to file up front. The
		// cache copy is updated below so readers see it.
		c.writeRequests++
		c.writes++
		c.mu.Unlock()
		if err := c.pwriteDirect(file, buf, pos); err != nil {
			return err
		}
		c.mu.Lock()
	}

	// See Read for the two resize phases.
	for c.inResize && !c.resizeInFlush {
		c.waitOnQueue(&c.resizeQueue, c.newWaiter())
	}
	c.cntForResizeOp++

	var firstErr error
	offset := int(pos % int64(c.blockSize))
	length := len(buf)
	for length > 0 {
		// The cache could have become disabled in a later iteration.
		if !c.canBeUsed {
			if dontWrite {
				c.writeRequests++
				c.writes++
				c.mu.Unlock()
				err := c.pwriteDirect(file, buf[:length], pos)
				c.mu.Lock()
				if err != nil && firstErr == nil {
					firstErr = err
				}
			}
			break
		}

		pos -= int64(offset)
		readLength := min(length, c.blockSize-offset)

		c.writeRequests++
		block, pageSt := c.findKeyBlock(file, pos, hits, true)
		if block == nil {
			// Request submitted during a resize; the page is not in
			// the cache and shall not go in.
			if dontWrite {
				c.writes++
				c.mu.Unlock()
				err := c.pwriteDirect(file, buf[:readLength], pos+int64(offset))
				c.mu.Lock()
				if err != nil && firstErr == nil {
					firstErr = err
				}
			}
			buf = buf[readLength:]
			pos += int64(readLength + offset)
			length -= readLength
			offset = 0
			continue
		}

		// Forbid flushing and freeing the block while we mutate the
		// buffer with the mutex released. Must not be set before the
		// block is assigned to this page.
		if pageSt != pageWaitToBeRead {
			block.status |= blockForUpdate
		}

		// Load the page first if we do not replace all of its
		// contents, or if another goroutine's load is in flight (its
		// completion would otherwise overwrite our fresh data with
		// old file contents).
		if block.status&blockError == 0 &&
			((pageSt == pageToBeRead && (offset != 0 || readLength < c.blockSize)) ||
				pageSt == pageWaitToBeRead) {
			readLen := c.blockSize
			if offset+readLength >= c.blockSize {
				// The tail of the page is overwritten entirely; only
				// the head before offset is needed from file.
				readLen = offset
			}
			err := c.readBlock(block, readLen, offset, pageSt == pageToBeRead)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			block.status |= blockForUpdate
		}

		// Wait out a flush write in progress; modifying the buffer
		// during the pwrite would put unpredictable bytes in the
		// file. The block cannot be reassigned while we hold our
		// requests on it.
		for block.status&blockInFlushWrite != 0 {
			c.waitOnQueue(&block.qSaved, c.newWaiter())
		}

		if block.status&blockError == 0 {
			dst := block.buffer[offset : offset+readLength]
			if c.serializedReads {
				copy(dst, buf)
			} else {
				c.mu.Unlock()
				copy(dst, buf)
				c.mu.Lock()
			}
		}

		if !dontWrite {
			// The data is already on file. A dirty block that is now
			// fully covered by file contents can be relinked clean.
			if block.status&blockChanged != 0 &&
				offset == 0 && readLength >= c.blockSize {
				c.linkToFileList(block, block.hashLink.file, true)
			}
		} else if block.status&blockChanged == 0 {
			c.linkToChangedList(block)
		}
		block.status |= blockRead
		// Let the block be flushed or freed again. Being dirty it
		// won't be freed without a flush.
		block.status &^= blockForUpdate
		if offset < block.offset {
			block.offset = offset
		}
		if readLength+offset > block.length {
			block.length = readLength + offset
		}

		// Flushers may be waiting for the update to be complete.
		c.releaseQueue(&block.qRequested)

		removeReader(block)

		// Erroneous blocks are not linked into the LRU ring but
		// dropped from the cache.
		if block.status&blockError == 0 {
			c.unregRequest(block, true)
		} else {
			// Drop the dirty state through the linker so chain
			// membership and the dirty counters stay consistent,
			// then drop the block.
			if block.status&blockChanged != 0 {
				c.linkToFileList(block, block.hashLink.file, true)
			}
			c.dropErrorBlock(block)
			if firstErr == nil {
				firstErr = fmt.Errorf("write page file=%d pos=%d: %w", file, pos, ErrIO)
			}
			break
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
