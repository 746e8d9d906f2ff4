package presenter

import (
	"context"
	"errors"
	"slices"
	"testing"

	"dmd-presenter/internal/platform/logger"
	"dmd-presenter/internal/storage"
)

type recordingAnnouncer struct {
	groups []string
	err    error
}

func (a *recordingAnnouncer) RecordPresentation(_ context.Context, group string) error {
	a.groups = append(a.groups, group)
	return a.err
}

func TestRunner_splits_into_runs(t *testing.T) {
	dev := newSim(100, nil)
	ann := &recordingAnnouncer{}
	board := NewStatusBoard()
	r := &Runner{
		Config:       testConfig(0),
		FramesPerRun: 1000,
		Gateway:      dev,
		Source:       testSource(t),
		Sink:         newFakeSink(),
		Announcer:    ann,
		Log:          logger.Discard(),
		Status:       board,
	}

	sum, err := r.Run(context.Background(), 2500)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"aaa", "aab", "aac"}
	if !slices.Equal(sum.Groups, want) || !slices.Equal(ann.groups, want) {
		t.Errorf("groups: summary %v, announced %v, want %v", sum.Groups, ann.groups, want)
	}
	// 1000 and 1000 need a refill each; the 500-frame run is covered by the
	// initial fill.
	if sum.Runs != 3 || sum.Uploads != 11 {
		t.Errorf("runs %d, uploads %d", sum.Runs, sum.Uploads)
	}
	if sum.FramesPresented != 2750 {
		t.Errorf("frames presented: got %d, want 2750", sum.FramesPresented)
	}
	if dev.Allocated() != 0 {
		t.Errorf("%d slots left allocated", dev.Allocated())
	}

	st := board.Snapshot()
	if st.Run != 3 || st.Runs != 3 || st.TotalPresented != 2750 || st.State != Stopped.String() {
		t.Errorf("status: %+v", st)
	}
}

func TestRunner_announce_failure_stops_before_run(t *testing.T) {
	dev := newSim(100, nil)
	boom := errors.New("rig offline")
	r := &Runner{
		Config:    testConfig(0),
		Gateway:   dev,
		Source:    testSource(t),
		Sink:      newFakeSink(),
		Announcer: &recordingAnnouncer{err: boom},
		Log:       logger.Discard(),
	}
	sum, err := r.Run(context.Background(), 1000)
	if !errors.Is(err, boom) {
		t.Fatalf("expected announce error, got %v", err)
	}
	if sum.Runs != 0 || len(dev.Uploads()) != 0 {
		t.Errorf("run started anyway: %+v", sum)
	}
}

// closedGroups refuses to open further groups, like a closed storage.Sink.
type closedGroups struct{ *fakeSink }

func (closedGroups) NewGroup() (string, error) { return "", storage.ErrClosed }

func TestRunner_group_failure_is_not_announced(t *testing.T) {
	dev := newSim(100, nil)
	ann := &recordingAnnouncer{}
	r := &Runner{
		Config:       testConfig(0),
		FramesPerRun: 1000,
		Gateway:      dev,
		Source:       testSource(t),
		Sink:         closedGroups{newFakeSink()},
		Announcer:    ann,
		Log:          logger.Discard(),
	}
	sum, err := r.Run(context.Background(), 2000)
	if !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if sum.Runs != 1 || !slices.Equal(ann.groups, []string{"aaa"}) {
		t.Errorf("runs %d, announced %v", sum.Runs, ann.groups)
	}
}
