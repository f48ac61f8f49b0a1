package keycache

// Stats is a point-in-time snapshot of the cache counters.
type Stats struct {
	Blocks        int // total cache blocks (0 when disabled)
	BlockSize     int
	BlocksUsed    int // blocks that ever left the never-used pool
	BlocksUnused  int // free blocks plus never-used blocks
	BlocksChanged int // dirty-page gauge; survives resizes, zeroed by ResetCounters
	WarmBlocks    int

	ReadRequests  uint64 // page lookups for reading
	Reads         uint64 // Pread calls (cache misses and direct I/O) plus pages supplied by Insert
	WriteRequests uint64 // page lookups for writing
	Writes        uint64 // Pwrite calls
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		BlockSize:     c.blockSize,
		BlocksUsed:    c.blocksUsed,
		BlocksUnused:  c.blocksUnused,
		BlocksChanged: c.globalBlocksChanged,
		WarmBlocks:    c.warmBlocks,
		ReadRequests:  c.readRequests,
		Reads:         c.reads,
		WriteRequests: c.writeRequests,
		Writes:        c.writes,
	}
	if c.canBeUsed && c.diskBlocks > 0 {
		s.Blocks = c.diskBlocks
	}
	return s
}

// ResetCounters zeroes the request and I/O counters and the
// dirty-pages gauge that survives resizes.
func (c *Cache) ResetCounters() {
	c.mu.Lock()
	c.globalBlocksChanged = 0
	c.readRequests = 0
	c.reads = 0
	c.writeRequests = 0
	c.writes = 0
	c.mu.Unlock()
}
