package device

import (
	"fmt"
	"sync"
	"time"
)

// GuardedGateway bounds every call with a deadline. The driver is not
// reentrant, so a call that overruns is never followed by another one: the
// gateway latches as wedged and every later call fails with ErrNotAvailable
// without reaching the driver.
type GuardedGateway struct {
	inner   Gateway
	timeout time.Duration

	mu     sync.Mutex
	wedged string
}

// NewGuardedGateway wraps inner. A timeout <= 0 disables the deadline.
func NewGuardedGateway(inner Gateway, timeout time.Duration) *GuardedGateway {
	return &GuardedGateway{inner: inner, timeout: timeout}
}

// Wedged reports the call that overran, or "" if none has.
func (g *GuardedGateway) Wedged() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.wedged
}

type outcome[T any] struct {
	val T
	err error
}

// guard runs fn under g's deadline. The result travels back on the channel
// only, so a call that overruns writes nothing the caller can still see.
func guard[T any](g *GuardedGateway, op string, fn func() (T, error)) (T, error) {
	var zero T
	if w := g.Wedged(); w != "" {
		return zero, fmt.Errorf("%s: %w (driver stuck in %s)", op, ErrNotAvailable, w)
	}
	if g.timeout <= 0 {
		return fn()
	}

	done := make(chan outcome[T], 1)
	go func() {
		v, err := fn()
		done <- outcome[T]{val: v, err: err}
	}()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.val, r.err
	case <-timer.C:
		g.mu.Lock()
		g.wedged = op
		g.mu.Unlock()
		return zero, fmt.Errorf("%s after %s: %w", op, g.timeout, ErrTimeout)
	}
}

func (g *GuardedGateway) do(op string, fn func() error) error {
	_, err := guard(g, op, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func (g *GuardedGateway) Size() (int, int) { return g.inner.Size() }

func (g *GuardedGateway) AllocateSlot(bitDepth, capacity int) (SlotHandle, error) {
	return guard(g, "allocate", func() (SlotHandle, error) {
		return g.inner.AllocateSlot(bitDepth, capacity)
	})
}

func (g *GuardedGateway) FreeSlot(h SlotHandle) error {
	return g.do("free", func() error { return g.inner.FreeSlot(h) })
}

func (g *GuardedGateway) SetTiming(h SlotHandle, t Timing) error {
	return g.do("set timing", func() error { return g.inner.SetTiming(h, t) })
}

func (g *GuardedGateway) SetBinaryMode(h SlotHandle, uninterrupted bool) error {
	return g.do("set binary mode", func() error { return g.inner.SetBinaryMode(h, uninterrupted) })
}

func (g *GuardedGateway) Upload(h SlotHandle, offset, frames int, data []byte) error {
	return g.do("upload", func() error { return g.inner.Upload(h, offset, frames, data) })
}

func (g *GuardedGateway) StartProjection(h SlotHandle) error {
	return g.do("start projection", func() error { return g.inner.StartProjection(h) })
}

func (g *GuardedGateway) QueryProgress() (ProgressSnapshot, error) {
	return guard(g, "query progress", g.inner.QueryProgress)
}

func (g *GuardedGateway) ProjectingActive() (bool, error) {
	return guard(g, "query projection state", g.inner.ProjectingActive)
}

func (g *GuardedGateway) HaltProjection() error {
	return g.do("halt", g.inner.HaltProjection)
}

func (g *GuardedGateway) SetQueueMode() error {
	return g.do("set queue mode", g.inner.SetQueueMode)
}

func (g *GuardedGateway) SetProjectionMode(mode ProjectionMode) error {
	return g.do("set projection mode", func() error { return g.inner.SetProjectionMode(mode) })
}
