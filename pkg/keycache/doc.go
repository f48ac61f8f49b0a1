// Package keycache provides a shared, thread-safe disk page cache for
// fixed-size index blocks.
//
// One Cache instance serves many backing files concurrently. Pages are
// identified by an opaque file handle and a block-aligned file offset.
// The cache tracks dirty pages, supports live flushing per file, and can
// be resized at runtime while keeping partial availability for direct
// I/O.
//
// # Basic Usage
//
//	c, err := keycache.New(keycache.Options{
//	    BlockSize: 1024,
//	    Memory:    keycache.MemoryForBlocks(1024, 512),
//	    IO:        io, // your keycache.FileIO implementation
//	})
//	if err != nil {
//	    // invalid configuration
//	}
//	defer c.Close()
//
//	// Read through the cache
//	buf := make([]byte, 100)
//	err = c.Read(file, 0, 8, buf)
//
//	// Buffered write (dirty page, flushed later)
//	err = c.Write(file, 512, 8, data, true)
//
//	// Persist all dirty pages of a file
//	err = c.Flush(file, keycache.FlushKeep)
//
// # Concurrency
//
// All methods on Cache are safe for concurrent use by any number of
// goroutines. A single mutex serializes every state transition; the
// mutex is released around file I/O and (by default) around buffer
// copies, so concurrent operations on different pages overlap their
// I/O. Goroutines that need a page which is being loaded, flushed, or
// evicted by another goroutine suspend on internal wait queues and are
// woken when the page changes state. All waits loop on their condition,
// so stray wakeups are harmless.
//
// The cache guarantees, per (file, offset) key: a Read that returns
// after a Write observes the written bytes, and a Flush that returns
// has handed every page that was dirty at entry to the write primitive.
// At most one writer may modify a given page at a time; this must be
// assured by locks outside of the cache (a table engine holds key-range
// locks above it).
//
// # Eviction
//
// Unpinned pages live on a circular LRU ring split into a hot and a
// warm segment. New pages enter at the midpoint (end of the warm
// segment) and are promoted to the hot segment only after a configured
// number of hits, which protects the hot working set from scans. Hot
// pages that go unused for long enough age back into the warm segment.
// Eviction always takes the oldest warm page.
//
// # Errors
//
// Operational failures are reported via wrapped sentinel errors; classify
// with errors.Is. An I/O error affects only the operation that hit it
// (and the page involved, which is dropped from the cache); it never
// disables the cache. Only a failed resize flush disables the cache, after
// which operations transparently bypass it with direct file I/O.
package keycache
