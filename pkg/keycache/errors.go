package keycache

import "errors"

// Error classification codes.
//
// Methods MAY wrap these errors with additional context.
// Callers MUST classify errors using errors.Is.
var (
	// ErrInvalidInput indicates invalid configuration or arguments.
	ErrInvalidInput = errors.New("keycache: invalid input")

	// ErrIO indicates that the underlying pread/pwrite facility failed.
	// The original error's message is included in the error text; the
	// original error itself is not part of the chain.
	ErrIO = errors.New("keycache: io")

	// ErrShortRead indicates a page read returned fewer bytes than the
	// operation required (typically a read past the end of the file).
	ErrShortRead = errors.New("keycache: short read")

	// ErrClosed indicates the cache has been closed.
	ErrClosed = errors.New("keycache: closed")
)
