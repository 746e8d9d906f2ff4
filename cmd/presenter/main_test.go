package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dmd-presenter/internal/pattern"
	"dmd-presenter/internal/platform/config"
	"dmd-presenter/internal/storage"

	"github.com/spf13/pflag"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("PROFILE", "")
	cfg := config.FromEnv()
	root := newRootCmd(&cfg)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestApplyProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rig.yaml")
	body := "slots: 5\nscale: 2\nattributes:\n  rig: two\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.FromEnv()
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.IntVar(&cfg.Scale, "scale", cfg.Scale, "")
	fs.IntVar(&cfg.Slots, "slots", cfg.Slots, "")
	fs.StringToStringVar(&cfg.RunAttributes, "attr", cfg.RunAttributes, "")
	if err := fs.Parse([]string{"--scale", "3", "--attr", "mouse=m1"}); err != nil {
		t.Fatal(err)
	}

	if err := applyProfile(fs, &cfg, path); err != nil {
		t.Fatal(err)
	}
	if cfg.Slots != 5 {
		t.Errorf("Slots = %d, want profile value 5", cfg.Slots)
	}
	if cfg.Scale != 3 {
		t.Errorf("Scale = %d, want flag value 3", cfg.Scale)
	}
	if cfg.RunAttributes["rig"] != "two" || cfg.RunAttributes["mouse"] != "m1" {
		t.Errorf("RunAttributes = %v", cfg.RunAttributes)
	}
}

func TestBuildSource(t *testing.T) {
	mask := pattern.FullMask(8, 4)
	rng := rand.New(rand.NewPCG(1, 2))

	for _, kind := range []string{config.PatternSparse, config.PatternScanner, config.PatternCounter} {
		t.Run(kind, func(t *testing.T) {
			cfg := config.FromEnv()
			cfg.Pattern, cfg.Scale = kind, 2
			src, err := buildSource(cfg, mask, rng)
			if err != nil {
				t.Fatal(err)
			}
			b, err := pattern.NewFrameBatch(3, 8, 4, 2)
			if err != nil {
				t.Fatal(err)
			}
			if err := src.Generate(b); err != nil {
				t.Errorf("Generate: %v", err)
			}
		})
	}

	t.Run("biased_missing_file", func(t *testing.T) {
		cfg := config.FromEnv()
		cfg.Pattern, cfg.BiasPath = config.PatternBiased, filepath.Join(t.TempDir(), "bias.yaml")
		if _, err := buildSource(cfg, mask, rng); err == nil {
			t.Error("expected an error for a missing bias file")
		}
	})
}

func TestPulsesCommand(t *testing.T) {
	out, err := execute(t, "pulses", "--slots", "4", "--seed", "7")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, ", 9.5ms), separation") {
		t.Errorf("missing range line:\n%s", out)
	}
	for _, want := range []string{"slot 1:", "slot 4:"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q:\n%s", want, out)
		}
	}

	if _, err := execute(t, "pulses", "--slots", "200", "--picture-time", "1ms"); err == nil {
		t.Error("expected an error when the widths cannot fit")
	}
}

func TestInspectCommand(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "run.db")
	store, err := storage.Create(path, false)
	if err != nil {
		t.Fatal(err)
	}
	sink := storage.NewSink(store, storage.NewManifest(path, "counter check", map[string]string{"rig": "bench"}),
		slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	mask := pattern.FullMask(8, 4)
	src, err := pattern.NewCounter(mask, 1)
	if err != nil {
		t.Fatal(err)
	}
	b, err := pattern.NewFrameBatch(4, 8, 4, 1)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if i == 2 {
			if _, err := sink.NewGroup(); err != nil {
				t.Fatal(err)
			}
		}
		if err := src.Generate(b); err != nil {
			t.Fatal(err)
		}
		if _, err := sink.Submit(b, storage.Meta{SlotID: int64(i + 1)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := sink.StoreMask(ctx, mask); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(ctx); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "inspect", "--leaves", "--check-counter", path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"description: counter check",
		"attr:        rig=bench",
		"aaa",
		"aab",
		"aab/000000",
		"counter ok: 12 frames in order",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q:\n%s", want, out)
		}
	}

	t.Run("missing_file", func(t *testing.T) {
		if _, err := execute(t, "inspect", filepath.Join(t.TempDir(), "none.db")); err == nil {
			t.Error("expected an error")
		}
	})
}
