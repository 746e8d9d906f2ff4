package presenter

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"
)

const us = time.Microsecond

func TestAssignPulseWidths_fit(t *testing.T) {
	t.Run("five_fit_in_range", func(t *testing.T) {
		widths, err := AssignPulseWidths(rand.New(rand.NewPCG(1, 2)), 5, 100*us, 900*us, 100*us, 0)
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
		if len(widths) != 5 {
			t.Fatalf("got %d widths", len(widths))
		}
	})

	t.Run("nine_do_not_fit", func(t *testing.T) {
		_, err := AssignPulseWidths(rand.New(rand.NewPCG(1, 2)), 9, 100*us, 900*us, 100*us, 0)
		if !errors.Is(err, ErrPulseRange) {
			t.Fatalf("expected ErrPulseRange, got %v", err)
		}
	})

	t.Run("empty_range", func(t *testing.T) {
		_, err := AssignPulseWidths(rand.New(rand.NewPCG(1, 2)), 1, 500*us, 500*us, 100*us, 0)
		if !errors.Is(err, ErrPulseRange) {
			t.Fatalf("expected ErrPulseRange, got %v", err)
		}
	})
}

func TestAssignPulseWidths_separation_and_range(t *testing.T) {
	lo, hi, sep := 100*us, 9500*us, 100*us
	for seed := uint64(0); seed < 200; seed++ {
		rng := rand.New(rand.NewPCG(seed, seed+7))
		n := 2 + int(seed%6)
		widths, err := AssignPulseWidths(rng, n, lo, hi, sep, 0)
		if err != nil {
			t.Fatalf("seed %d: %v", seed, err)
		}
		for i, a := range widths {
			if a < lo || a >= hi {
				t.Fatalf("seed %d: width %s outside [%s, %s)", seed, a, lo, hi)
			}
			if a%us != 0 {
				t.Fatalf("seed %d: width %s not on the microsecond grid", seed, a)
			}
			for _, b := range widths[i+1:] {
				d := a - b
				if d < 0 {
					d = -d
				}
				if d < sep {
					t.Fatalf("seed %d: %s and %s closer than %s", seed, a, b, sep)
				}
			}
		}
	}
}
