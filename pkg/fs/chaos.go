package fs

import (
	"errors"
	"math/rand"
	"sync"
)

// ErrInjected is returned by Chaos for injected failures.
var ErrInjected = errors.New("fs: injected failure")

// Chaos wraps a PositionalIO and fails a configurable fraction of
// calls, for exercising error paths under realistic timing. Safe for
// concurrent use.
type Chaos struct {
	mu   sync.Mutex
	rng  *rand.Rand
	next PositionalIO

	// Failure probabilities in [0,1].
	PreadFailRate  float64
	PwriteFailRate float64
}

// NewChaos wraps next with the given failure rates and seed.
func NewChaos(next PositionalIO, preadRate, pwriteRate float64, seed int64) *Chaos {
	return &Chaos{
		rng:            rand.New(rand.NewSource(seed)),
		next:           next,
		PreadFailRate:  preadRate,
		PwriteFailRate: pwriteRate,
	}
}

func (c *Chaos) roll(rate float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Float64() < rate
}

func (c *Chaos) Pread(fd int, p []byte, off int64) (int, error) {
	if c.roll(c.PreadFailRate) {
		return 0, ErrInjected
	}
	return c.next.Pread(fd, p, off)
}

func (c *Chaos) Pwrite(fd int, p []byte, off int64) error {
	if c.roll(c.PwriteFailRate) {
		return ErrInjected
	}
	return c.next.Pwrite(fd, p, off)
}
