package presenter

import (
	"cmp"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"dmd-presenter/internal/device"
)

// Slot is one device-resident frame buffer.
type Slot struct {
	ID       device.SlotHandle
	Capacity int
	BitDepth int
	// SyncPulseWidth identifies the slot in the recorded sync output.
	SyncPulseWidth time.Duration
	PictureTime    time.Duration
}

// PulseConfig constrains sync pulse widths. Widths are drawn from
// [Min, pictureTime-Margin).
type PulseConfig struct {
	Min           time.Duration
	MinSeparation time.Duration
	Margin        time.Duration
	MaxAttempts   int
}

// DefaultPulseConfig matches the rig's recording thresholds.
func DefaultPulseConfig() PulseConfig {
	return PulseConfig{
		Min:           100 * time.Microsecond,
		MinSeparation: 100 * time.Microsecond,
		Margin:        500 * time.Microsecond,
		MaxAttempts:   DefaultPulseAttempts,
	}
}

// Range returns the half-open interval widths are drawn from.
func (c PulseConfig) Range(pictureTime time.Duration) (lo, hi time.Duration) {
	return c.Min, pictureTime - c.Margin
}

// AllocateSlots allocates count slots, gives each a unique sync pulse width,
// applies timing and display mode, and puts the device in queue and master
// mode. On failure every slot allocated so far is freed again. The returned
// slots are in ascending id order.
func AllocateSlots(gw device.Gateway, rng *rand.Rand, count, bitDepth, capacity int, pictureTime time.Duration, pulses PulseConfig) ([]*Slot, error) {
	lo, hi := pulses.Range(pictureTime)
	widths, err := AssignPulseWidths(rng, count, lo, hi, pulses.MinSeparation, pulses.MaxAttempts)
	if err != nil {
		return nil, err
	}

	slots := make([]*Slot, 0, count)
	fail := func(err error) ([]*Slot, error) {
		return nil, errors.Join(err, FreeSlots(gw, slots))
	}
	for i := 0; i < count; i++ {
		h, err := gw.AllocateSlot(bitDepth, capacity)
		if err != nil {
			return fail(fmt.Errorf("allocate slot %d of %d: %w", i+1, count, err))
		}
		s := &Slot{ID: h, Capacity: capacity, BitDepth: bitDepth, SyncPulseWidth: widths[i], PictureTime: pictureTime}
		slots = append(slots, s)

		if err := gw.SetTiming(h, device.Timing{PictureTime: pictureTime, SyncPulseWidth: s.SyncPulseWidth}); err != nil {
			return fail(err)
		}
		if bitDepth == 1 {
			if err := gw.SetBinaryMode(h, true); err != nil {
				return fail(err)
			}
		}
	}
	if err := gw.SetQueueMode(); err != nil {
		return fail(err)
	}
	if err := gw.SetProjectionMode(device.ModeMaster); err != nil {
		return fail(err)
	}

	slices.SortFunc(slots, func(a, b *Slot) int { return cmp.Compare(a.ID, b.ID) })
	return slots, nil
}

// FreeSlots frees every slot, returning all failures joined.
func FreeSlots(gw device.Gateway, slots []*Slot) error {
	var errs []error
	for _, s := range slots {
		if err := gw.FreeSlot(s.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
