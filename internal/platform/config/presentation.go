package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned by Validate when a setting is out of range.
var ErrInvalid = errors.New("invalid configuration")

// Pattern kinds understood by the presenter.
const (
	PatternSparse  = "sparse"
	PatternBiased  = "biased"
	PatternScanner = "scanner"
	PatternCounter = "counter"
)

// Presentation holds every setting a presentation run needs. Values come from
// the environment first, then an optional YAML profile, then CLI flags.
type Presentation struct {
	Slots         int
	FramesPerSlot int
	BitDepth      int
	PictureTime   time.Duration
	Scale         int
	TotalFrames   int
	FramesPerRun  int
	PollInterval  time.Duration
	MinPulse      time.Duration
	PulseSep      time.Duration
	PulseMargin   time.Duration
	DeviceTimeout time.Duration
	DeviceWidth   int
	DeviceHeight  int
	RealTime      bool
	OutputPath    string
	Overwrite     bool
	MaskPath      string
	AffinePath    string
	Description   string
	Pattern       string
	FractionOn    float64
	BiasPath      string
	ScanPixels    int
	ScanGapFrames int
	EphysURL      string
	NoPhys        bool
	MonitorAddr   string
	LogLevel      string
	LogFormat     string
	Seed          uint64
	RunAttributes map[string]string
}

// FromEnv builds a Presentation from environment variables, using the
// defaults of the lab rig for anything unset.
func FromEnv() Presentation {
	return Presentation{
		Slots:         GetEnvInt("SLOTS", 3),
		FramesPerSlot: GetEnvInt("FRAMES_PER_SLOT", 250),
		BitDepth:      GetEnvInt("BIT_DEPTH", 1),
		PictureTime:   GetEnvDuration("PICTURE_TIME", 10*time.Millisecond),
		Scale:         GetEnvInt("IMAGE_SCALE", 4),
		TotalFrames:   GetEnvInt("TOTAL_FRAMES", 750000),
		FramesPerRun:  GetEnvInt("FRAMES_PER_RUN", 60000),
		PollInterval:  GetEnvDuration("POLL_INTERVAL", 100*time.Millisecond),
		MinPulse:      GetEnvDuration("MIN_PULSE", 100*time.Microsecond),
		PulseSep:      GetEnvDuration("PULSE_SEPARATION", 100*time.Microsecond),
		PulseMargin:   GetEnvDuration("PULSE_MARGIN", 500*time.Microsecond),
		DeviceTimeout: GetEnvDuration("DEVICE_CALL_TIMEOUT", 5*time.Second),
		DeviceWidth:   GetEnvInt("DEVICE_WIDTH", 1024),
		DeviceHeight:  GetEnvInt("DEVICE_HEIGHT", 768),
		RealTime:      GetEnvBool("SIM_REAL_TIME", true),
		OutputPath:    GetEnv("OUTPUT_PATH", "patterns.db"),
		Overwrite:     GetEnvBool("OVERWRITE", false),
		MaskPath:      GetEnv("MASK_PATH", ""),
		AffinePath:    GetEnv("AFFINE_PATH", ""),
		Description:   GetEnv("RUN_DESCRIPTION", ""),
		Pattern:       GetEnv("PATTERN", PatternSparse),
		FractionOn:    GetEnvFloat("FRACTION_ON", 0.05),
		BiasPath:      GetEnv("BIAS_PATH", ""),
		ScanPixels:    GetEnvInt("SCAN_PIXELS", 1),
		ScanGapFrames: GetEnvInt("SCAN_GAP_FRAMES", 0),
		EphysURL:      GetEnv("EPHYS_URL", "http://localhost:37497"),
		NoPhys:        GetEnvBool("NO_PHYS", false),
		MonitorAddr:   GetEnv("MONITOR_ADDR", ":9109"),
		LogLevel:      GetEnv("LOG_LEVEL", "info"),
		LogFormat:     GetEnv("LOG_FORMAT", "text"),
		Seed:          uint64(GetEnvInt("SEED", 0)),
	}
}

// profile mirrors Presentation with pointer fields so that a YAML file only
// overrides the keys it actually sets. Durations are written as strings
// ("10ms", "100us").
type profile struct {
	Slots         *int              `yaml:"slots"`
	FramesPerSlot *int              `yaml:"frames_per_slot"`
	BitDepth      *int              `yaml:"bit_depth"`
	PictureTime   *string           `yaml:"picture_time"`
	Scale         *int              `yaml:"scale"`
	TotalFrames   *int              `yaml:"total_frames"`
	FramesPerRun  *int              `yaml:"frames_per_run"`
	PollInterval  *string           `yaml:"poll_interval"`
	MinPulse      *string           `yaml:"min_pulse"`
	PulseSep      *string           `yaml:"pulse_separation"`
	PulseMargin   *string           `yaml:"pulse_margin"`
	DeviceTimeout *string           `yaml:"device_timeout"`
	OutputPath    *string           `yaml:"output_path"`
	MaskPath      *string           `yaml:"mask_path"`
	AffinePath    *string           `yaml:"affine_path"`
	Description   *string           `yaml:"description"`
	Pattern       *string           `yaml:"pattern"`
	FractionOn    *float64          `yaml:"fraction_on"`
	BiasPath      *string           `yaml:"bias_path"`
	ScanPixels    *int              `yaml:"scan_pixels"`
	ScanGapFrames *int              `yaml:"scan_gap_frames"`
	Seed          *uint64           `yaml:"seed"`
	Attributes    map[string]string `yaml:"attributes"`
}

// ApplyProfile overlays the YAML profile at path onto p.
func (p *Presentation) ApplyProfile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read profile: %w", err)
	}
	var pr profile
	if err := yaml.Unmarshal(data, &pr); err != nil {
		return fmt.Errorf("parse profile %s: %w", path, err)
	}

	setInt(&p.Slots, pr.Slots)
	setInt(&p.FramesPerSlot, pr.FramesPerSlot)
	setInt(&p.BitDepth, pr.BitDepth)
	setInt(&p.Scale, pr.Scale)
	setInt(&p.TotalFrames, pr.TotalFrames)
	setInt(&p.FramesPerRun, pr.FramesPerRun)
	setInt(&p.ScanPixels, pr.ScanPixels)
	setInt(&p.ScanGapFrames, pr.ScanGapFrames)
	setString(&p.OutputPath, pr.OutputPath)
	setString(&p.MaskPath, pr.MaskPath)
	setString(&p.AffinePath, pr.AffinePath)
	setString(&p.Description, pr.Description)
	setString(&p.Pattern, pr.Pattern)
	setString(&p.BiasPath, pr.BiasPath)
	if pr.FractionOn != nil {
		p.FractionOn = *pr.FractionOn
	}
	if pr.Seed != nil {
		p.Seed = *pr.Seed
	}
	if len(pr.Attributes) > 0 {
		if p.RunAttributes == nil {
			p.RunAttributes = make(map[string]string, len(pr.Attributes))
		}
		for k, v := range pr.Attributes {
			p.RunAttributes[k] = v
		}
	}

	durations := []struct {
		dst *time.Duration
		src *string
		key string
	}{
		{&p.PictureTime, pr.PictureTime, "picture_time"},
		{&p.PollInterval, pr.PollInterval, "poll_interval"},
		{&p.MinPulse, pr.MinPulse, "min_pulse"},
		{&p.PulseSep, pr.PulseSep, "pulse_separation"},
		{&p.PulseMargin, pr.PulseMargin, "pulse_margin"},
		{&p.DeviceTimeout, pr.DeviceTimeout, "device_timeout"},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("profile %s: %s: %w", path, d.key, err)
		}
		*d.dst = v
	}
	return nil
}

// Validate checks ranges that would otherwise surface as device errors
// mid-run.
func (p Presentation) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(p.Slots >= 2, "slots must be at least 2, got %d", p.Slots)
	check(p.FramesPerSlot > 0, "frames_per_slot must be positive, got %d", p.FramesPerSlot)
	check(p.BitDepth >= 1 && p.BitDepth <= 8, "bit_depth must be 1..8, got %d", p.BitDepth)
	check(p.PictureTime > 0, "picture_time must be positive")
	check(p.Scale >= 1, "scale must be at least 1, got %d", p.Scale)
	check(p.TotalFrames > 0, "total_frames must be positive, got %d", p.TotalFrames)
	check(p.FramesPerRun > 0, "frames_per_run must be positive, got %d", p.FramesPerRun)
	check(p.PollInterval > 0, "poll_interval must be positive")
	check(p.OutputPath != "", "output_path is required")
	check(p.FractionOn >= 0 && p.FractionOn <= 1, "fraction_on must be within [0, 1], got %g", p.FractionOn)

	switch p.Pattern {
	case PatternSparse, PatternCounter:
	case PatternBiased:
		check(p.BiasPath != "", "biased pattern needs bias_path")
	case PatternScanner:
		check(p.ScanPixels >= 1, "scan_pixels must be at least 1, got %d", p.ScanPixels)
		check(p.ScanGapFrames >= 0, "scan_gap_frames must not be negative")
	default:
		check(false, "unknown pattern %q", p.Pattern)
	}

	return errors.Join(errs...)
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}
