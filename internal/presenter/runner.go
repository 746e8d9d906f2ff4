package presenter

import (
	"context"
	"fmt"
	"log/slog"

	"dmd-presenter/internal/device"
	"dmd-presenter/internal/pattern"
	"dmd-presenter/internal/platform/metrics"
)

// DefaultFramesPerRun is the per-run ceiling used when none is configured.
const DefaultFramesPerRun = 60000

// GroupSink is a Sink that can open presentation groups.
type GroupSink interface {
	Sink
	NewGroup() (string, error)
}

// Announcer tells the recording rig a presentation group is about to start.
type Announcer interface {
	RecordPresentation(ctx context.Context, group string) error
}

// Summary totals every run of a Runner.
type Summary struct {
	Runs            int
	Groups          []string
	Uploads         int
	FramesUploaded  int
	FramesPresented int
}

// Runner splits a long presentation into runs of at most FramesPerRun
// frames, each in its own presentation group with its own slot allocation.
type Runner struct {
	Config       Config
	FramesPerRun int

	Gateway   device.Gateway
	Source    pattern.Source
	Sink      GroupSink
	Announcer Announcer
	Log       *slog.Logger
	Metrics   *metrics.Metrics
	Status    *StatusBoard
}

// Run presents totalFrames frames and returns what was shown, stopping at the
// first failed run.
func (r *Runner) Run(ctx context.Context, totalFrames int) (Summary, error) {
	perRun := r.FramesPerRun
	if perRun <= 0 {
		perRun = DefaultFramesPerRun
	}
	runs := (totalFrames + perRun - 1) / perRun
	r.Status.update(func(s *Status) {
		s.Runs = runs
		s.TotalFrames = totalFrames
	})

	var sum Summary
	for i := 0; i < runs; i++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		group := r.Sink.Group()
		if i > 0 {
			var err error
			if group, err = r.Sink.NewGroup(); err != nil {
				return sum, fmt.Errorf("open group for run %d: %w", i+1, err)
			}
		}
		if r.Announcer != nil {
			if err := r.Announcer.RecordPresentation(ctx, group); err != nil {
				return sum, fmt.Errorf("announce group %s: %w", group, err)
			}
		}

		cfg := r.Config
		cfg.TotalFrames = min(perRun, totalFrames-i*perRun)
		r.Status.update(func(s *Status) { s.Run = i + 1 })
		r.Log.Info("starting run",
			slog.Int("run", i+1),
			slog.Int("runs", runs),
			slog.String("group", group),
			slog.Int("frames", cfg.TotalFrames))

		res, err := New(cfg, r.Gateway, r.Source, r.Sink, r.Log, r.Metrics, r.Status).Run(ctx)
		sum.Runs++
		sum.Groups = append(sum.Groups, group)
		sum.Uploads += res.Uploads
		sum.FramesUploaded += res.FramesUploaded
		sum.FramesPresented += res.FramesPresented
		r.Status.update(func(s *Status) { s.TotalPresented = sum.FramesPresented })
		if err != nil {
			return sum, fmt.Errorf("run %d of %d (group %s): %w", i+1, runs, group, err)
		}
		r.Metrics.IncRuns()
	}

	r.Log.Info("presentation complete",
		slog.Int("runs", sum.Runs),
		slog.Int("frames_presented", sum.FramesPresented))
	return sum, nil
}
