package keycache

import "fmt"

// Resize rebuilds the cache with a new geometry while it is in use.
//
// Existing operations drain in two phases: first all dirty pages are
// flushed out (reads and dirty-page writes still use the cache; other
// requests bypass it with direct I/O), then the resizer waits until the
// in-flight direct I/O is done and swaps the tables. If only the
// tunables change, they are updated in place.
//
// Returns the new block count. If the flush phase fails the cache is
// disabled: subsequent operations run as direct file I/O and Blocks
// reports 0.
func (c *Cache) Resize(blockSize int, memory int64, divisionLimit, ageThreshold int) (int, error) {
	probe := Options{
		BlockSize:     blockSize,
		Memory:        memory,
		DivisionLimit: divisionLimit,
		AgeThreshold:  ageThreshold,
		IO:            c.io,
	}
	if err := probe.validate(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	if !c.inited {
		blocks := c.diskBlocks
		if blocks < 0 {
			blocks = 0
		}
		return blocks, nil
	}

	if blockSize == c.blockSize && memory == c.memory {
		// Nothing changes in size; just update the tunables.
		c.setParamLocked(divisionLimit, ageThreshold)
		return c.diskBlocks, nil
	}

	// Wait for another resize in flight; one resizer at a time.
	for c.inResize {
		c.waitOnQueue(&c.resizeQueue, c.newWaiter())
	}

	// From here on no new blocks enter the cache; read/write requests
	// can bypass it during the flush phase.
	c.inResize = true
	defer func() {
		c.inResize = false
		c.releaseQueue(&c.resizeQueue)
	}()

	if c.canBeUsed {
		c.resizeInFlush = true
		err := c.flushAllLocked()
		c.resizeInFlush = false
		if err != nil {
			// Dirty pages could not be saved; the cache contents
			// cannot be trusted across the rebuild. Disable it.
			c.canBeUsed = false
			c.logger.Errorf("keycache disabled: resize flush failed: %v", err)
			return 0, fmt.Errorf("resize flush: %w", err)
		}
		if !c.cacheEmptyLocked() {
			c.logger.Error("keycache: resize flush left blocks in use")
		}
	}

	// Some direct I/O (bypassing the cache) may still be unfinished.
	// It works in increments of the old block size; wait it out before
	// the division changes, or it could probe pages that no longer
	// exist.
	for c.cntForResizeOp > 0 {
		c.waitOnQueue(&c.waitingForResizeCnt, c.newWaiter())
	}

	// Free the old structures and build the new ones. The mutex and
	// the resize queue live on untouched.
	c.end(false)
	blocks := c.init(blockSize, memory, divisionLimit, ageThreshold)

	return blocks, nil
}
