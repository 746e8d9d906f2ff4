package main

import (
	"fmt"
	"os"

	"dmd-presenter/internal/platform/config"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func main() {
	_ = config.Load()
	cfg := config.FromEnv()

	if err := newRootCmd(&cfg).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Presentation) *cobra.Command {
	var profile string
	root := &cobra.Command{
		Use:           "presenter",
		Short:         "Drive a DMD with continuously refilled pattern sequences",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if profile == "" {
				profile = config.GetEnv("PROFILE", "")
			}
			if profile == "" {
				return nil
			}
			return applyProfile(cmd.Flags(), cfg, profile)
		},
	}
	root.PersistentFlags().StringVar(&profile, "profile", "", "YAML profile overlaying environment settings")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (json, text)")

	root.AddCommand(newRunCmd(cfg), newInspectCmd(cfg), newPulsesCmd(cfg))
	return root
}

// applyProfile loads the profile at path onto cfg, keeping any value set
// explicitly on the command line.
func applyProfile(flags *pflag.FlagSet, cfg *config.Presentation, path string) error {
	changed := map[string]string{}
	flagAttrs := map[string]string{}
	flags.Visit(func(f *pflag.Flag) {
		if f.Name == "attr" {
			return
		}
		changed[f.Name] = f.Value.String()
	})
	for k, v := range cfg.RunAttributes {
		flagAttrs[k] = v
	}

	if err := cfg.ApplyProfile(path); err != nil {
		return err
	}
	for name, v := range changed {
		if err := flags.Set(name, v); err != nil {
			return fmt.Errorf("reapply --%s: %w", name, err)
		}
	}
	if len(flagAttrs) > 0 && cfg.RunAttributes == nil {
		cfg.RunAttributes = make(map[string]string, len(flagAttrs))
	}
	for k, v := range flagAttrs {
		cfg.RunAttributes[k] = v
	}
	return nil
}
