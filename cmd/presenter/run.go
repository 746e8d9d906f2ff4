package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"dmd-presenter/internal/device"
	"dmd-presenter/internal/device/simdev"
	"dmd-presenter/internal/ephys"
	"dmd-presenter/internal/monitor"
	"dmd-presenter/internal/pattern"
	"dmd-presenter/internal/platform/config"
	"dmd-presenter/internal/platform/logger"
	"dmd-presenter/internal/platform/metrics"
	"dmd-presenter/internal/presenter"
	"dmd-presenter/internal/storage"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd(cfg *config.Presentation) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Present patterns until the requested number of frames has been shown",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPresentation(cmd.Context(), *cfg)
		},
	}

	f := cmd.Flags()
	f.IntVar(&cfg.Slots, "slots", cfg.Slots, "Number of device slots")
	f.IntVar(&cfg.FramesPerSlot, "frames-per-slot", cfg.FramesPerSlot, "Frames held by each slot")
	f.IntVar(&cfg.BitDepth, "bit-depth", cfg.BitDepth, "Bits per pixel")
	f.DurationVar(&cfg.PictureTime, "picture-time", cfg.PictureTime, "Display time of one frame")
	f.IntVar(&cfg.Scale, "scale", cfg.Scale, "Mirrors per logical pixel along each axis")
	f.IntVarP(&cfg.TotalFrames, "frames", "n", cfg.TotalFrames, "Total frames to present")
	f.IntVar(&cfg.FramesPerRun, "frames-per-run", cfg.FramesPerRun, "Frames per presentation group")
	f.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Delay between progress polls")
	f.DurationVar(&cfg.DeviceTimeout, "device-timeout", cfg.DeviceTimeout, "Deadline for a single device call (0 disables)")
	f.IntVar(&cfg.DeviceWidth, "device-width", cfg.DeviceWidth, "Simulated mirror columns")
	f.IntVar(&cfg.DeviceHeight, "device-height", cfg.DeviceHeight, "Simulated mirror rows")
	f.BoolVar(&cfg.RealTime, "real-time", cfg.RealTime, "Play the simulated device back in wall-clock time")
	f.StringVarP(&cfg.OutputPath, "output", "o", cfg.OutputPath, "Run file to write")
	f.BoolVar(&cfg.Overwrite, "overwrite", cfg.Overwrite, "Replace an existing run file")
	f.StringVar(&cfg.MaskPath, "mask", cfg.MaskPath, "PNG mask, non-black pixels are stimulated")
	f.StringVar(&cfg.AffinePath, "affine", cfg.AffinePath, "YAML file holding the camera-to-device affine matrix")
	f.StringVar(&cfg.Description, "description", cfg.Description, "Free text stored with the run")
	f.StringToStringVar(&cfg.RunAttributes, "attr", cfg.RunAttributes, "Run attribute key=value, repeatable")
	f.StringVar(&cfg.Pattern, "pattern", cfg.Pattern, "Pattern kind (sparse, biased, scanner, counter)")
	f.Float64Var(&cfg.FractionOn, "fraction-on", cfg.FractionOn, "Sparse noise probability of a pixel being on")
	f.StringVar(&cfg.BiasPath, "bias", cfg.BiasPath, "Per-pixel probabilities for biased noise")
	f.IntVar(&cfg.ScanPixels, "scan-pixels", cfg.ScanPixels, "Spots per scanner frame")
	f.IntVar(&cfg.ScanGapFrames, "scan-gap", cfg.ScanGapFrames, "Blank frames between scanner frames")
	f.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "Random seed (0 picks one)")
	f.StringVar(&cfg.EphysURL, "ephys-url", cfg.EphysURL, "Recording rig HTTP endpoint")
	f.BoolVar(&cfg.NoPhys, "no-phys", cfg.NoPhys, "Do not notify the recording rig")
	f.StringVar(&cfg.MonitorAddr, "monitor-addr", cfg.MonitorAddr, "Monitor listen address (empty disables)")
	return cmd
}

func runPresentation(ctx context.Context, cfg config.Presentation) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	met := metrics.New()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	log.Info("presenter starting",
		slog.String("output", cfg.OutputPath),
		slog.String("pattern", cfg.Pattern),
		slog.Int("frames", cfg.TotalFrames),
		slog.Uint64("seed", seed))

	sim := simdev.New(simdev.Config{
		Width:          cfg.DeviceWidth,
		Height:         cfg.DeviceHeight,
		MemoryFrames:   cfg.Slots * cfg.FramesPerSlot,
		FramesPerQuery: max(1, cfg.FramesPerSlot/4),
		RealTime:       cfg.RealTime,
	})
	gw := device.NewGuardedGateway(device.NewRetryGateway(sim, log, met.IncDeviceRetries), cfg.DeviceTimeout)

	w, h := gw.Size()
	mask := pattern.FullMask(w, h)
	if cfg.MaskPath != "" {
		m, err := pattern.LoadMaskPNG(cfg.MaskPath)
		if err != nil {
			return err
		}
		if m.Width != w || m.Height != h {
			return fmt.Errorf("mask %s is %dx%d, device is %dx%d", cfg.MaskPath, m.Width, m.Height, w, h)
		}
		mask = m
	}
	src, err := buildSource(cfg, mask, rand.New(rand.NewPCG(seed, 1)))
	if err != nil {
		return err
	}

	path, err := filepath.Abs(cfg.OutputPath)
	if err != nil {
		return err
	}
	store, err := storage.Create(path, cfg.Overwrite)
	if err != nil {
		return err
	}
	manifest := storage.NewManifest(path, cfg.Description, cfg.RunAttributes)
	sink := storage.NewSink(store, manifest, log, met)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := sink.Close(closeCtx); err != nil {
			log.Error("close run file", slog.String("error", err.Error()))
		}
	}()

	if err := sink.StoreMask(ctx, mask); err != nil {
		return err
	}
	if cfg.AffinePath != "" {
		affine, err := loadAffine(cfg.AffinePath)
		if err != nil {
			return err
		}
		if err := sink.StoreAffine(ctx, affine); err != nil {
			return err
		}
	}

	var notifier ephys.Notifier = ephys.Nop{}
	if !cfg.NoPhys {
		notifier = ephys.NewClient(cfg.EphysURL, ephys.DefaultTimeout, log)
	}
	if err := notifier.RecordStart(ctx, manifest.RunID, manifest.Path); err != nil {
		return err
	}

	board := presenter.NewStatusBoard()
	runner := &presenter.Runner{
		Config: presenter.Config{
			Slots:         cfg.Slots,
			FramesPerSlot: cfg.FramesPerSlot,
			BitDepth:      cfg.BitDepth,
			PictureTime:   cfg.PictureTime,
			Scale:         cfg.Scale,
			PollInterval:  cfg.PollInterval,
			Pulses: presenter.PulseConfig{
				Min:           cfg.MinPulse,
				MinSeparation: cfg.PulseSep,
				Margin:        cfg.PulseMargin,
				MaxAttempts:   presenter.DefaultPulseAttempts,
			},
			Rand: rand.New(rand.NewPCG(seed, 2)),
		},
		FramesPerRun: cfg.FramesPerRun,
		Gateway:      gw,
		Source:       src,
		Sink:         sink,
		Announcer:    notifier,
		Log:          log,
		Metrics:      met,
		Status:       board,
	}

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	g.Go(func() error {
		defer close(done)
		sum, err := runner.Run(gctx, cfg.TotalFrames)
		log.Info("presentation finished",
			slog.Int("runs", sum.Runs),
			slog.Int("uploads", sum.Uploads),
			slog.Int("frames_presented", sum.FramesPresented))
		if wedged := gw.Wedged(); wedged != "" {
			log.Error("device stopped answering", slog.String("op", wedged))
		}
		return err
	})

	if cfg.MonitorAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MonitorAddr,
			Handler:           monitor.NewRouter(monitor.NewHandler(board, sink, sink, log, met), monitor.DefaultRateLimit),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("monitor listening", slog.String("addr", cfg.MonitorAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("monitor: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-done:
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			log.Info("presentation interrupted")
		}
		return err
	}
	return nil
}

func buildSource(cfg config.Presentation, mask pattern.Mask, rng *rand.Rand) (pattern.Source, error) {
	switch cfg.Pattern {
	case config.PatternSparse:
		return pattern.NewSparseNoise(cfg.FractionOn, mask, cfg.Scale, rng)
	case config.PatternBiased:
		bias, err := pattern.LoadBias(cfg.BiasPath)
		if err != nil {
			return nil, err
		}
		return pattern.NewBiasedNoise(bias, mask, cfg.Scale, rng)
	case config.PatternScanner:
		return pattern.NewScanner(cfg.ScanPixels, cfg.ScanGapFrames, mask, cfg.Scale, rng)
	case config.PatternCounter:
		return pattern.NewCounter(mask, cfg.Scale)
	default:
		return nil, fmt.Errorf("%w: unknown pattern %q", config.ErrInvalid, cfg.Pattern)
	}
}

func loadAffine(path string) ([][]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read affine: %w", err)
	}
	var m [][]float64
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse affine %s: %w", path, err)
	}
	return m, nil
}
