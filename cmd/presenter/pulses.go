package main

import (
	"fmt"
	"math/rand/v2"
	"time"

	"dmd-presenter/internal/platform/config"
	"dmd-presenter/internal/presenter"

	"github.com/spf13/cobra"
)

func newPulsesCmd(cfg *config.Presentation) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pulses",
		Short: "Print a sync pulse width assignment for the configured slots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			seed := cfg.Seed
			if seed == 0 {
				seed = uint64(time.Now().UnixNano())
			}
			pc := presenter.PulseConfig{Min: cfg.MinPulse, MinSeparation: cfg.PulseSep, Margin: cfg.PulseMargin}
			lo, hi := pc.Range(cfg.PictureTime)
			widths, err := presenter.AssignPulseWidths(rand.New(rand.NewPCG(seed, 2)), cfg.Slots, lo, hi, pc.MinSeparation, presenter.DefaultPulseAttempts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "range [%s, %s), separation %s\n", lo, hi, pc.MinSeparation)
			for i, w := range widths {
				fmt.Fprintf(out, "slot %d: %s\n", i+1, w)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&cfg.Slots, "slots", cfg.Slots, "Number of slots")
	f.DurationVar(&cfg.PictureTime, "picture-time", cfg.PictureTime, "Display time of one frame")
	f.DurationVar(&cfg.MinPulse, "min-pulse", cfg.MinPulse, "Shortest pulse width")
	f.DurationVar(&cfg.PulseSep, "separation", cfg.PulseSep, "Minimum distance between widths")
	f.DurationVar(&cfg.PulseMargin, "margin", cfg.PulseMargin, "Gap kept below the picture time")
	f.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "Random seed (0 picks one)")
	return cmd
}
