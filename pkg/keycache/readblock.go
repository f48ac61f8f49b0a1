package keycache

import "fmt"

// readBlock fills a block's buffer from disk, or waits until another
// goroutine has done so.
//
// A primary requester (the one findKeyBlock gave pageToBeRead) performs
// the read with the mutex released; secondary requesters park on
// qRequested until the page becomes readable. On failure the block is
// marked with blockError and the error is returned. Reading less than
// readLength but at least minLength is not an error (the file may
// simply end there); a read below minLength is.
func (c *Cache) readBlock(b *blockLink, readLength, minLength int, primary bool) error {
	if !primary {
		// Until blockRead is set, all other requests for the page are
		// secondary and wait here.
		c.waitOnQueue(&b.qRequested, c.newWaiter())
		return nil
	}

	c.reads++
	h := b.hashLink
	buf := b.buffer[:readLength]
	c.mu.Unlock()
	// Other goroutines may step in here and register as secondary
	// readers on qRequested.
	got, err := c.io.Pread(h.file, buf, h.diskpos)
	c.mu.Lock()

	switch {
	case err != nil:
		b.status |= blockError
		c.logger.Errorf("keycache: pread file=%d pos=%d len=%d failed: %v",
			h.file, h.diskpos, readLength, err)
		err = fmt.Errorf("%w: pread file=%d pos=%d: %v", ErrIO, h.file, h.diskpos, err)
	case got < minLength:
		b.status |= blockError
		err = fmt.Errorf("pread file=%d pos=%d got %d of %d bytes: %w",
			h.file, h.diskpos, got, minLength, ErrShortRead)
	default:
		b.status |= blockRead
		b.length = got
		// Do not touch b.offset here: if the block gets dirty later,
		// only the modified region is flushed, so only a writer may
		// lower offset from blockSize.
	}

	// All pending requests for this page can now be processed.
	c.releaseQueue(&b.qRequested)
	return err
}
