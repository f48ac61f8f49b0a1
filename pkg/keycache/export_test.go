package keycache

// CheckInvariants runs the debug sweep over the whole cache state.
// Tests call it after operations to catch protocol violations early.
func (c *Cache) CheckInvariants() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkLocked()
}

// CacheEmpty reports whether no block is in use.
func (c *Cache) CacheEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cacheEmptyLocked()
}

// WarmBlockCount returns the current warm-block counter.
func (c *Cache) WarmBlockCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.warmBlocks
}

// BlockState returns (resident, dirty, length) for the page at
// (file, pos), for white-box assertions.
func (c *Cache) BlockState(file File, pos int64) (resident, dirty bool, length int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.diskBlocks <= 0 {
		return false, false, 0
	}
	start := c.hashRoot[c.pageBucket(file, pos)]
	for h := start; h != nil; h = h.next {
		if h.file == file && h.diskpos == pos && h.block != nil && h.block.hashLink == h {
			b := h.block
			return b.status&blockRead != 0, b.status&blockChanged != 0, b.length
		}
	}
	return false, false, 0
}

// DirtyBlockBounds returns the dirty-region bounds of the page at
// (file, pos); ok is false when the page is not resident.
func (c *Cache) DirtyBlockBounds(file File, pos int64) (offset, length int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.diskBlocks <= 0 {
		return 0, 0, false
	}
	for h := c.hashRoot[c.pageBucket(file, pos)]; h != nil; h = h.next {
		if h.file == file && h.diskpos == pos && h.block != nil && h.block.hashLink == h {
			return h.block.offset, h.block.length, true
		}
	}
	return 0, 0, false
}
