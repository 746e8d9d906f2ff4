// Package device describes the DMD the presenter drives. The presenter only
// ever talks to a Gateway; the vendor driver binding lives outside this
// module and the in-memory simulator in simdev implements the same contract.
package device

import (
	"errors"
	"fmt"
	"time"
)

// SlotHandle is the opaque id the device assigns to an allocated slot.
type SlotHandle int64

// NoSlot marks device-wide calls in a CallError.
const NoSlot SlotHandle = -1

// ProjectionMode selects who times frame advances.
type ProjectionMode int

const (
	// ModeMaster lets the device time frames itself from the slot timing.
	ModeMaster ProjectionMode = iota
	// ModeSlave advances frames on an external trigger.
	ModeSlave
)

func (m ProjectionMode) String() string {
	switch m {
	case ModeMaster:
		return "master"
	case ModeSlave:
		return "slave"
	default:
		return fmt.Sprintf("ProjectionMode(%d)", int(m))
	}
}

// Timing is the per-slot timing block applied once at setup.
type Timing struct {
	PictureTime    time.Duration
	SyncPulseWidth time.Duration
}

// ProgressSnapshot is a point-in-time read of the device's playback queue.
type ProgressSnapshot struct {
	// ActiveSlot is the slot being projected. Once projection has halted the
	// device may report any value here.
	ActiveSlot SlotHandle
	// Waiting is the number of started slots queued behind ActiveSlot.
	Waiting int

	QueueID         int64
	SequenceCounter int64
	FrameCounter    int64
}

// Gateway is the set of device calls the presenter needs. Calls block until
// the device has answered and must not be made from two goroutines at once.
type Gateway interface {
	// Size reports the mirror array resolution in pixels.
	Size() (width, height int)

	AllocateSlot(bitDepth, capacity int) (SlotHandle, error)
	// FreeSlot fails with ErrInUse while the slot is queued or playing.
	FreeSlot(h SlotHandle) error
	SetTiming(h SlotHandle, t Timing) error
	// SetBinaryMode only has an effect on 1-bit slots. Uninterrupted mode
	// removes the dark phase between frames.
	SetBinaryMode(h SlotHandle, uninterrupted bool) error
	// Upload copies frames [offset, offset+frames) into the slot. It blocks
	// until the transfer is complete.
	Upload(h SlotHandle, offset, frames int, data []byte) error

	// StartProjection appends the slot to the tail of the playback queue and
	// returns immediately.
	StartProjection(h SlotHandle) error
	QueryProgress() (ProgressSnapshot, error)
	ProjectingActive() (bool, error)
	HaltProjection() error

	SetQueueMode() error
	SetProjectionMode(mode ProjectionMode) error
}

// Reconnector is implemented by gateways that can re-establish a dropped
// connection.
type Reconnector interface {
	Reconnect() error
}

var (
	// ErrNotAvailable means the device is absent or no longer usable.
	ErrNotAvailable = errors.New("device not available")
	// ErrComm is a transfer failure on the device link; one reconnect may fix it.
	ErrComm = errors.New("device communication error")
	// ErrDeviceRemoved means the device disappeared from the bus; one reconnect may fix it.
	ErrDeviceRemoved = errors.New("device removed")
	// ErrNotIdle is returned for calls that need projection halted first.
	ErrNotIdle = errors.New("device not idle")
	// ErrInUse is returned when freeing or rewriting a slot that is queued or playing.
	ErrInUse = errors.New("slot in use")
	// ErrInvalidParam is returned for out-of-range arguments or unknown handles.
	ErrInvalidParam = errors.New("invalid parameter")
	// ErrMemoryFull is returned when the device cannot fit another slot.
	ErrMemoryFull = errors.New("device memory full")
	// ErrTimeout is returned when a call did not answer within the guard deadline.
	ErrTimeout = errors.New("device call timed out")
)

// Recoverable reports whether err is in the class a single reconnect can fix.
func Recoverable(err error) bool {
	return errors.Is(err, ErrComm) || errors.Is(err, ErrDeviceRemoved)
}

// CallError records which gateway call failed.
type CallError struct {
	Op   string
	Slot SlotHandle
	Err  error
}

func (e *CallError) Error() string {
	if e.Slot != NoSlot {
		return fmt.Sprintf("device %s (slot %d): %v", e.Op, e.Slot, e.Err)
	}
	return fmt.Sprintf("device %s: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }
