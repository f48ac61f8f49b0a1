// Package fs provides positional file I/O on raw descriptors, plus
// small filesystem helpers used by the keycache tools.
//
// The main types are:
//   - [PositionalIO]: interface for pread/pwrite-style access
//   - [UnixIO]: production implementation using unix syscalls
//   - [Chaos]: testing implementation that injects random failures
//
// Example usage:
//
//	fd, err := fs.Open("index.dat")
//	if err != nil {
//	    return err
//	}
//	defer fs.Close(fd)
//
//	io := fs.NewUnixIO()
//	n, err := io.Pread(fd, buf, 4096)
package fs

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PositionalIO is blocking pread/pwrite access to files identified by
// raw descriptors. Implementations must be safe for concurrent use.
//
// Pread returns the number of bytes read; reading past the end of the
// file returns n < len(p) with a nil error. Pwrite writes all of p or
// fails.
type PositionalIO interface {
	Pread(fd int, p []byte, off int64) (int, error)
	Pwrite(fd int, p []byte, off int64) error
}

// UnixIO implements PositionalIO with pread(2)/pwrite(2). The zero
// value is ready to use.
type UnixIO struct{}

// NewUnixIO returns a UnixIO.
func NewUnixIO() *UnixIO { return &UnixIO{} }

// Pread reads up to len(p) bytes at off. Short reads are retried until
// the buffer is full or the file ends; EINTR is transparent.
func (*UnixIO) Pread(fd int, p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) {
		n, err := unix.Pread(fd, p[total:], off+int64(total))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return total, fmt.Errorf("pread fd=%d off=%d: %w", fd, off, err)
		}
		if n == 0 {
			break // end of file
		}
		total += n
	}
	return total, nil
}

// Pwrite writes all of p at off; EINTR and short writes are retried.
func (*UnixIO) Pwrite(fd int, p []byte, off int64) error {
	total := 0
	for total < len(p) {
		n, err := unix.Pwrite(fd, p[total:], off+int64(total))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("pwrite fd=%d off=%d: %w", fd, off, err)
		}
		if n == 0 {
			return fmt.Errorf("pwrite fd=%d off=%d: wrote 0 of %d bytes", fd, off, len(p)-total)
		}
		total += n
	}
	return nil
}

// Open opens path read-write, creating it if missing, and returns the
// raw descriptor.
func Open(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o644)
	if err != nil {
		return -1, fmt.Errorf("open %s: %w", path, err)
	}
	return fd, nil
}

// Close closes a descriptor returned by Open.
func Close(fd int) error {
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close fd=%d: %w", fd, err)
	}
	return nil
}

// Size returns the current size of the file behind fd.
func Size(fd int) (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, fmt.Errorf("fstat fd=%d: %w", fd, err)
	}
	return st.Size, nil
}

// Sync flushes the file behind fd to stable storage.
func Sync(fd int) error {
	if err := unix.Fsync(fd); err != nil {
		return fmt.Errorf("fsync fd=%d: %w", fd, err)
	}
	return nil
}
