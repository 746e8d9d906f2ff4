// Package presenter keeps a DMD fed: it owns the device slots, polls playback
// progress, refills slots the device has finished with and hands every fill
// to the persistence sink before it is uploaded.
package presenter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"dmd-presenter/internal/device"
	"dmd-presenter/internal/pattern"
	"dmd-presenter/internal/platform/metrics"
	"dmd-presenter/internal/storage"
)

// State is the scheduler lifecycle stage.
type State int

const (
	Idle State = iota
	Filling
	Presenting
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Filling:
		return "filling"
	case Presenting:
		return "presenting"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrReused is returned when Run is called on a scheduler that already ran.
var ErrReused = errors.New("scheduler already ran")

// Sink is the part of storage.Sink the scheduler writes through.
type Sink interface {
	Submit(b *pattern.FrameBatch, meta storage.Meta) (storage.LeafRef, error)
	CheckErrors() error
	Flush(ctx context.Context) error
	Group() string
}

// Config sizes one run.
type Config struct {
	Slots         int
	FramesPerSlot int
	BitDepth      int
	PictureTime   time.Duration
	Scale         int
	// TotalFrames stops refilling once this many frames were uploaded.
	TotalFrames  int
	PollInterval time.Duration
	Pulses       PulseConfig
	// Rand draws sync pulse widths. Nil seeds one from the clock.
	Rand *rand.Rand
}

// RunResult summarises a finished run.
type RunResult struct {
	Group           string
	Uploads         int
	FramesUploaded  int
	FramesPresented int
	State           State
}

// Scheduler runs one presentation: fill every slot, start them, then keep
// refilling whatever the device has finished until TotalFrames are uploaded
// and playback runs dry. A Scheduler is used once.
type Scheduler struct {
	cfg     Config
	gw      device.Gateway
	src     pattern.Source
	sink    Sink
	log     *slog.Logger
	metrics *metrics.Metrics
	status  *StatusBoard

	state    State
	slots    []*Slot
	byID     map[device.SlotHandle]*Slot
	tracker  *Tracker
	progress *Progress
	batch    *pattern.FrameBatch
	uploaded int
	uploads  int
}

// New returns a scheduler. m and status may be nil.
func New(cfg Config, gw device.Gateway, src pattern.Source, sink Sink, log *slog.Logger, m *metrics.Metrics, status *StatusBoard) *Scheduler {
	if cfg.Pulses == (PulseConfig{}) {
		cfg.Pulses = DefaultPulseConfig()
	}
	if cfg.Rand == nil {
		seed := uint64(time.Now().UnixNano())
		cfg.Rand = rand.New(rand.NewPCG(seed, seed>>1))
	}
	return &Scheduler{
		cfg:      cfg,
		gw:       gw,
		src:      src,
		sink:     sink,
		log:      log,
		metrics:  m,
		status:   status,
		byID:     make(map[device.SlotHandle]*Slot),
		tracker:  NewTracker(),
		progress: NewProgress(cfg.FramesPerSlot),
	}
}

// Run presents until the device stops after the last upload, ctx is
// cancelled or a device or persistence call fails. Whatever ends the run,
// the sink is flushed and every slot freed before Run returns.
func (s *Scheduler) Run(ctx context.Context) (RunResult, error) {
	if s.state != Idle {
		return RunResult{}, ErrReused
	}
	s.setState(Filling)

	w, h := s.gw.Size()
	batch, err := pattern.NewFrameBatch(s.cfg.FramesPerSlot, w, h, s.cfg.Scale)
	if err != nil {
		s.setState(Stopped)
		return s.result(), err
	}
	// The sink copies on submit, so one working batch is refilled in place.
	s.batch = batch

	slots, err := AllocateSlots(s.gw, s.cfg.Rand, s.cfg.Slots, s.cfg.BitDepth, s.cfg.FramesPerSlot, s.cfg.PictureTime, s.cfg.Pulses)
	if err != nil {
		s.setState(Stopped)
		return s.result(), err
	}
	s.slots = slots
	for _, sl := range slots {
		s.byID[sl.ID] = sl
		s.tracker.Register(sl.ID)
		s.log.Debug("slot allocated",
			slog.Int64("slot_id", int64(sl.ID)),
			slog.Duration("sync_pulse", sl.SyncPulseWidth))
	}

	err = s.present(ctx)
	err = s.drain(ctx, err)
	res := s.result()
	if err != nil {
		s.log.Error("run ended with error",
			slog.String("group", res.Group),
			slog.Int("frames_presented", res.FramesPresented),
			slog.String("error", err.Error()))
	} else {
		s.log.Info("run complete",
			slog.String("group", res.Group),
			slog.Int("uploads", res.Uploads),
			slog.Int("frames_presented", res.FramesPresented))
	}
	return res, err
}

func (s *Scheduler) present(ctx context.Context) error {
	for _, sl := range s.slots {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.fill(sl); err != nil {
			return err
		}
	}

	s.setState(Presenting)
	for _, sl := range s.slots {
		if err := s.gw.StartProjection(sl.ID); err != nil {
			return err
		}
		s.tracker.MarkFresh(sl.ID)
	}
	if _, err := s.poll(); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.sink.CheckErrors(); err != nil {
			return err
		}
		running, err := s.gw.ProjectingActive()
		if err != nil {
			return err
		}
		if !running {
			break
		}

		snap, err := s.poll()
		if err != nil {
			return err
		}
		if s.uploaded < s.cfg.TotalFrames {
			for _, id := range s.tracker.RefillCandidates(snap.ActiveSlot) {
				if s.uploaded >= s.cfg.TotalFrames {
					break
				}
				if id == snap.ActiveSlot {
					continue
				}
				if err := s.refill(s.byID[id]); err != nil {
					return err
				}
				if snap, err = s.poll(); err != nil {
					return err
				}
			}
		}

		if err := sleep(ctx, s.cfg.PollInterval); err != nil {
			return err
		}
	}

	s.progress.Finish(s.uploaded)
	s.publish(device.ProgressSnapshot{ActiveSlot: device.NoSlot})
	return nil
}

// fill generates a batch for sl, submits it and uploads it.
func (s *Scheduler) fill(sl *Slot) error {
	if err := s.src.Generate(s.batch); err != nil {
		return fmt.Errorf("generate frames for slot %d: %w", sl.ID, err)
	}
	ref, err := s.sink.Submit(s.batch, storage.Meta{
		SlotID:         int64(sl.ID),
		SyncPulseWidth: sl.SyncPulseWidth,
		PictureTime:    sl.PictureTime,
	})
	if err != nil {
		return err
	}
	if err := s.gw.Upload(sl.ID, 0, sl.Capacity, s.batch.Device); err != nil {
		return err
	}
	s.uploaded += sl.Capacity
	s.uploads++
	s.metrics.IncUploads()
	s.log.Debug("slot filled",
		slog.Int64("slot_id", int64(sl.ID)),
		slog.String("group", ref.Group),
		slog.Int("leaf", ref.Index),
		slog.Int("frames_uploaded", s.uploaded))
	return nil
}

// refill replaces the content of a finished slot and queues it again.
func (s *Scheduler) refill(sl *Slot) error {
	if err := s.fill(sl); err != nil {
		return err
	}
	if err := s.gw.StartProjection(sl.ID); err != nil {
		return err
	}
	s.tracker.MarkFresh(sl.ID)
	s.metrics.IncRefills()
	return nil
}

// poll reads progress, marks finished slots stale and advances the
// presented estimate.
func (s *Scheduler) poll() (device.ProgressSnapshot, error) {
	snap, err := s.gw.QueryProgress()
	if err != nil {
		return snap, err
	}
	known := s.tracker.Known(snap.ActiveSlot)
	if _, err := s.tracker.MarkStale(snap.ActiveSlot, s.gw.ProjectingActive); err != nil {
		return snap, err
	}
	if known {
		s.progress.Update(s.uploaded, snap.Waiting)
	}
	s.publish(snap)
	return snap, nil
}

// drain stops playback if it is still running, flushes the sink and frees
// every slot. It runs on every exit path and joins its own failures to cause.
func (s *Scheduler) drain(ctx context.Context, cause error) error {
	s.setState(Draining)
	errs := []error{cause}

	running, err := s.gw.ProjectingActive()
	if err != nil || running {
		if err := s.gw.HaltProjection(); err != nil {
			errs = append(errs, fmt.Errorf("halt projection: %w", err))
		}
	}
	if err := s.sink.Flush(context.WithoutCancel(ctx)); err != nil {
		errs = append(errs, err)
	}
	if err := FreeSlots(s.gw, s.slots); err != nil {
		errs = append(errs, fmt.Errorf("free slots: %w", err))
	}
	s.slots = nil

	s.setState(Stopped)
	return errors.Join(errs...)
}

func (s *Scheduler) result() RunResult {
	return RunResult{
		Group:           s.sink.Group(),
		Uploads:         s.uploads,
		FramesUploaded:  s.uploaded,
		FramesPresented: s.progress.Presented(),
		State:           s.state,
	}
}

func (s *Scheduler) setState(st State) {
	s.state = st
	s.log.Info("scheduler state", slog.String("state", st.String()))
	s.status.update(func(v *Status) { v.State = st.String() })
}

func (s *Scheduler) publish(snap device.ProgressSnapshot) {
	s.metrics.SetFrames(s.uploaded, s.progress.Presented())
	s.status.update(func(v *Status) {
		v.Group = s.sink.Group()
		v.ActiveSlot = int64(snap.ActiveSlot)
		v.Waiting = snap.Waiting
		v.Uploads = s.uploads
		v.FramesUploaded = s.uploaded
		v.FramesPresented = s.progress.Presented()
		v.RunFrames = s.cfg.TotalFrames
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
