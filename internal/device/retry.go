package device

import (
	"errors"
	"fmt"
	"log/slog"
)

// RetryGateway applies the device retry policy: a call that fails with
// ErrComm or ErrDeviceRemoved triggers one reconnect and, if that succeeds,
// one retry of the same call. Every other failure is returned as is.
// Errors are wrapped in *CallError.
type RetryGateway struct {
	inner     Gateway
	reconnect Reconnector
	log       *slog.Logger
	onRetry   func()
}

// NewRetryGateway wraps inner. If inner does not implement Reconnector the
// policy degrades to plain error wrapping. onRetry, if non-nil, runs after
// each successful reconnect.
func NewRetryGateway(inner Gateway, log *slog.Logger, onRetry func()) *RetryGateway {
	rc, _ := inner.(Reconnector)
	return &RetryGateway{inner: inner, reconnect: rc, log: log, onRetry: onRetry}
}

func (g *RetryGateway) call(op string, slot SlotHandle, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if !Recoverable(err) || g.reconnect == nil {
		return &CallError{Op: op, Slot: slot, Err: err}
	}

	g.log.Warn("device call failed, reconnecting",
		slog.String("op", op),
		slog.Int64("slot_id", int64(slot)),
		slog.String("error", err.Error()))

	if rerr := g.reconnect.Reconnect(); rerr != nil {
		return &CallError{Op: op, Slot: slot, Err: errors.Join(err, fmt.Errorf("reconnect: %w", rerr))}
	}
	if g.onRetry != nil {
		g.onRetry()
	}
	if err := fn(); err != nil {
		return &CallError{Op: op, Slot: slot, Err: err}
	}
	g.log.Info("device call succeeded after reconnect", slog.String("op", op))
	return nil
}

func (g *RetryGateway) Size() (int, int) { return g.inner.Size() }

func (g *RetryGateway) AllocateSlot(bitDepth, capacity int) (SlotHandle, error) {
	var h SlotHandle
	err := g.call("allocate", NoSlot, func() error {
		var err error
		h, err = g.inner.AllocateSlot(bitDepth, capacity)
		return err
	})
	return h, err
}

func (g *RetryGateway) FreeSlot(h SlotHandle) error {
	return g.call("free", h, func() error { return g.inner.FreeSlot(h) })
}

func (g *RetryGateway) SetTiming(h SlotHandle, t Timing) error {
	return g.call("set timing", h, func() error { return g.inner.SetTiming(h, t) })
}

func (g *RetryGateway) SetBinaryMode(h SlotHandle, uninterrupted bool) error {
	return g.call("set binary mode", h, func() error { return g.inner.SetBinaryMode(h, uninterrupted) })
}

func (g *RetryGateway) Upload(h SlotHandle, offset, frames int, data []byte) error {
	return g.call("upload", h, func() error { return g.inner.Upload(h, offset, frames, data) })
}

func (g *RetryGateway) StartProjection(h SlotHandle) error {
	return g.call("start projection", h, func() error { return g.inner.StartProjection(h) })
}

func (g *RetryGateway) QueryProgress() (ProgressSnapshot, error) {
	var p ProgressSnapshot
	err := g.call("query progress", NoSlot, func() error {
		var err error
		p, err = g.inner.QueryProgress()
		return err
	})
	return p, err
}

func (g *RetryGateway) ProjectingActive() (bool, error) {
	var active bool
	err := g.call("query projection state", NoSlot, func() error {
		var err error
		active, err = g.inner.ProjectingActive()
		return err
	})
	return active, err
}

func (g *RetryGateway) HaltProjection() error {
	return g.call("halt", NoSlot, g.inner.HaltProjection)
}

func (g *RetryGateway) SetQueueMode() error {
	return g.call("set queue mode", NoSlot, g.inner.SetQueueMode)
}

func (g *RetryGateway) SetProjectionMode(mode ProjectionMode) error {
	return g.call("set projection mode", NoSlot, func() error { return g.inner.SetProjectionMode(mode) })
}
