package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/okian/ocufatigue/internal/simulate"
)

func newSimulateCmd() *cobra.Command {
	cfg := simulate.DefaultConfig()
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Stream synthetic eye-tracker sessions to a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := simulate.Run(cmd.Context(), cfg)
			if stats != nil {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "sessions=%d sent=%d accepted=%d rejected=%d failed=%d summaries=%d duration=%s\n",
					stats.SessionsStarted, stats.EventsSent, stats.EventsAccepted, stats.EventsRejected,
					stats.EventsFailed, stats.Summaries, stats.Duration)
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.BaseURL, "url", cfg.BaseURL, "base URL of the service")
	f.IntVar(&cfg.Sessions, "sessions", cfg.Sessions, "number of concurrent sessions")
	f.DurationVar(&cfg.Length, "length", cfg.Length, "how long each session streams")
	f.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "HTTP request timeout")
	f.Int64Var(&cfg.Seed, "seed", cfg.Seed, "seed of the signal generators")
	f.DurationVar(&cfg.Profile.Interval, "interval", cfg.Profile.Interval, "time between samples")
	f.Float64Var(&cfg.Profile.BlinkPerMin, "blinks-per-min", cfg.Profile.BlinkPerMin, "rested blink rate")
	f.DurationVar(&cfg.Profile.FatigueOnset, "onset", cfg.Profile.FatigueOnset, "elapsed time at which fatigue starts")
	f.DurationVar(&cfg.Profile.FatigueRamp, "ramp", cfg.Profile.FatigueRamp, "time to reach full fatigue")
	f.Float64Var(&cfg.Profile.Drift, "drift", cfg.Profile.Drift, "relative feature change at full fatigue")
	f.BoolVar(&cfg.Verbose, "verbose", false, "log every rejected event")
	return cmd
}
