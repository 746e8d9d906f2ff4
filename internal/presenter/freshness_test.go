package presenter

import (
	"errors"
	"slices"
	"testing"

	"dmd-presenter/internal/device"
)

func running(v bool) func() (bool, error) {
	return func() (bool, error) { return v, nil }
}

func newTestTracker(ids ...device.SlotHandle) *Tracker {
	tr := NewTracker()
	for _, id := range ids {
		tr.Register(id)
		tr.MarkFresh(id)
	}
	return tr
}

func TestTracker_marks_previous_slot_once(t *testing.T) {
	tr := newTestTracker(1, 2, 3)

	got, err := tr.MarkStale(1, running(true))
	if err != nil || len(got) != 0 {
		t.Fatalf("no transition yet: got %v, %v", got, err)
	}

	got, _ = tr.MarkStale(2, running(true))
	if !slices.Equal(got, []device.SlotHandle{1}) {
		t.Fatalf("got %v, want [1]", got)
	}
	got, _ = tr.MarkStale(2, running(true))
	if len(got) != 0 {
		t.Fatalf("same active slot marked again: %v", got)
	}
	if tr.Fresh(1) || !tr.Fresh(2) || !tr.Fresh(3) {
		t.Error("unexpected freshness after one transition")
	}
}

func TestTracker_catches_up_missed_transitions(t *testing.T) {
	tr := newTestTracker(1, 2, 3)
	got, _ := tr.MarkStale(3, running(true))
	if !slices.Equal(got, []device.SlotHandle{1, 2}) {
		t.Fatalf("got %v, want [1 2]", got)
	}

	tr.MarkFresh(1)
	got, _ = tr.MarkStale(1, running(true))
	if !slices.Equal(got, []device.SlotHandle{3}) {
		t.Fatalf("got %v, want [3]", got)
	}
}

func TestTracker_unknown_active_slot(t *testing.T) {
	t.Run("tolerated_after_halt", func(t *testing.T) {
		tr := newTestTracker(1, 2)
		if _, err := tr.MarkStale(99, running(false)); err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
	})

	t.Run("fatal_while_projecting", func(t *testing.T) {
		tr := newTestTracker(1, 2)
		_, err := tr.MarkStale(99, running(true))
		if !errors.Is(err, ErrConsistency) {
			t.Fatalf("expected ErrConsistency, got %v", err)
		}
	})

	t.Run("projection_state_error_propagates", func(t *testing.T) {
		tr := newTestTracker(1)
		boom := errors.New("boom")
		_, err := tr.MarkStale(99, func() (bool, error) { return false, boom })
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
	})
}

func TestTracker_RefillCandidates(t *testing.T) {
	tr := NewTracker()
	for _, id := range []device.SlotHandle{7, 3, 5} {
		tr.Register(id)
	}
	if got := tr.RefillCandidates(5); !slices.Equal(got, []device.SlotHandle{3, 7}) {
		t.Fatalf("got %v, want [3 7]", got)
	}

	// the active slot is never offered, even when it is stale
	for _, id := range []device.SlotHandle{3, 5, 7} {
		for _, c := range tr.RefillCandidates(id) {
			if c == id {
				t.Fatalf("active slot %d offered for refill", id)
			}
		}
	}

	tr.MarkFresh(3)
	if got := tr.RefillCandidates(device.NoSlot); !slices.Equal(got, []device.SlotHandle{5, 7}) {
		t.Fatalf("got %v, want [5 7]", got)
	}
}

func TestProgress_never_decreases(t *testing.T) {
	p := NewProgress(250)
	reads := []struct{ uploaded, waiting int }{
		{750, 2}, {750, 1}, {1000, 2}, {1000, 2}, {1000, 3}, {1000, 1}, {1000, 2}, {1000, 0},
	}
	last := 0
	for i, r := range reads {
		p.Update(r.uploaded, r.waiting)
		if p.Presented() < last {
			t.Fatalf("read %d: presented went from %d to %d", i, last, p.Presented())
		}
		last = p.Presented()
	}
	if last != 750 {
		t.Errorf("presented: got %d, want 750", last)
	}
	if p.Update(1000, 3) {
		t.Error("expected a lower estimate to be dropped")
	}
	p.Finish(1000)
	if p.Presented() != 1000 {
		t.Errorf("after finish: got %d, want 1000", p.Presented())
	}
}

func TestProgress_finish_covers_stale_estimate(t *testing.T) {
	p := NewProgress(250)
	p.Update(1000, 2)
	// two slots ran out between the last reads
	p.Finish(1000)
	if p.Presented() != 1000 {
		t.Errorf("got %d, want 1000", p.Presented())
	}

	p = NewProgress(250)
	p.Finish(250)
	if p.Presented() != 250 {
		t.Errorf("single slot: got %d, want 250", p.Presented())
	}
}
