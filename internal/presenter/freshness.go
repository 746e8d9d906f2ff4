package presenter

import (
	"errors"
	"fmt"
	"slices"

	"dmd-presenter/internal/device"
)

// ErrConsistency is returned when the device reports an active slot the
// scheduler does not own while projection is still running.
var ErrConsistency = errors.New("device reported an unknown active slot")

// Tracker records which slots hold content the device has yet to play. It
// also keeps the order slots were started in, which is the device queue
// order, so a transition missed between two polls is still caught: every
// slot queued ahead of the active one has finished.
type Tracker struct {
	fresh map[device.SlotHandle]bool
	queue []device.SlotHandle
}

func NewTracker() *Tracker {
	return &Tracker{fresh: make(map[device.SlotHandle]bool)}
}

// Register makes id known. A registered slot starts stale.
func (t *Tracker) Register(id device.SlotHandle) {
	if _, ok := t.fresh[id]; !ok {
		t.fresh[id] = false
	}
}

// Known reports whether id was registered.
func (t *Tracker) Known(id device.SlotHandle) bool {
	_, ok := t.fresh[id]
	return ok
}

// Fresh reports whether id holds content not yet played.
func (t *Tracker) Fresh(id device.SlotHandle) bool { return t.fresh[id] }

// MarkFresh records that id was uploaded and started, joining the tail of
// the device queue.
func (t *Tracker) MarkFresh(id device.SlotHandle) {
	t.fresh[id] = true
	t.queue = append(t.queue, id)
}

// MarkStale takes the active slot from a fresh progress read and marks every
// slot that finished since the last read as stale, each exactly once. It
// returns the slots it marked.
//
// An active id that is not a registered slot is ignored if projecting
// reports that playback has stopped, since the device reports garbage then.
// While playback is running it is ErrConsistency.
func (t *Tracker) MarkStale(active device.SlotHandle, projecting func() (bool, error)) ([]device.SlotHandle, error) {
	if !t.Known(active) {
		running, err := projecting()
		if err != nil {
			return nil, err
		}
		if running {
			return nil, fmt.Errorf("%w: slot %d", ErrConsistency, active)
		}
		return nil, nil
	}

	i := slices.Index(t.queue, active)
	if i <= 0 {
		return nil, nil
	}
	done := slices.Clone(t.queue[:i])
	t.queue = slices.Delete(t.queue, 0, i)
	for _, id := range done {
		t.fresh[id] = false
	}
	return done, nil
}

// RefillCandidates lists the stale slots other than active, lowest id first.
func (t *Tracker) RefillCandidates(active device.SlotHandle) []device.SlotHandle {
	var out []device.SlotHandle
	for id, fresh := range t.fresh {
		if !fresh && id != active {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}
