package resource

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds resource limits for a Controller.
type Config struct {
	// MaxConcurrency bounds simultaneous foreground operations.
	// If 0, the tier's MaxConcurrency is used via NewControllerForTier.
	MaxConcurrency int64

	// MaxBackgroundWorkers is the maximum number of concurrent background
	// jobs (snapshot flushes, cache hydration). If 0, defaults to 1.
	MaxBackgroundWorkers int64

	// IOLimitBytesPerSec throttles background IO. If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller meters foreground concurrency and background work.
type Controller struct {
	cfg Config

	fgSem    *semaphore.Weighted
	bgSem    *semaphore.Weighted
	inFlight atomic.Int64

	ioLimiter *rate.Limiter
}

// NewController creates a controller from explicit limits.
func NewController(cfg Config) *Controller {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = TierDesktop.MaxConcurrency()
	}
	if cfg.MaxBackgroundWorkers <= 0 {
		cfg.MaxBackgroundWorkers = 1
	}

	c := &Controller{
		cfg:   cfg,
		fgSem: semaphore.NewWeighted(cfg.MaxConcurrency),
		bgSem: semaphore.NewWeighted(cfg.MaxBackgroundWorkers),
	}

	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return c
}

// NewControllerForTier creates a controller sized for the given tier.
func NewControllerForTier(t Tier) *Controller {
	return NewController(Config{MaxConcurrency: t.MaxConcurrency()})
}

// Acquire reserves a foreground operation slot, blocking until one is
// available or ctx is done.
func (c *Controller) Acquire(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if err := c.fgSem.Acquire(ctx, 1); err != nil {
		return err
	}
	c.inFlight.Add(1)
	return nil
}

// Release returns a foreground slot.
func (c *Controller) Release() {
	if c == nil {
		return
	}
	c.inFlight.Add(-1)
	c.fgSem.Release(1)
}

// InFlight returns the number of operations currently holding a slot.
func (c *Controller) InFlight() int64 {
	if c == nil {
		return 0
	}
	return c.inFlight.Load()
}

// TryAcquireBackground reserves a background worker slot without blocking.
func (c *Controller) TryAcquireBackground() bool {
	if c == nil {
		return true
	}
	return c.bgSem.TryAcquire(1)
}

// ReleaseBackground returns a background worker slot.
func (c *Controller) ReleaseBackground() {
	if c == nil {
		return
	}
	c.bgSem.Release(1)
}

// WaitIO blocks until n bytes of background IO budget are available.
// A nil controller or unlimited budget returns immediately.
func (c *Controller) WaitIO(ctx context.Context, n int) error {
	if c == nil || c.ioLimiter == nil || n <= 0 {
		return nil
	}
	burst := c.ioLimiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := c.ioLimiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
