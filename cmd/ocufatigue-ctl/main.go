// Command ocufatigue-ctl replays recordings, trains forest artifacts and
// simulates sensor traffic.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/okian/ocufatigue/internal/config"
	"github.com/okian/ocufatigue/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		logFormat  string
	)

	root := &cobra.Command{
		Use:           "ocufatigue-ctl",
		Short:         "Ocular fatigue pipeline tools",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// stdout carries command output, so logs go to stderr
			if err := logger.Init(logger.WithFormat(logFormat), logger.WithOutput(cmd.ErrOrStderr())); err != nil {
				return err
			}
			if configPath != "" {
				if err := os.Setenv(config.EnvFile, configPath); err != nil {
					return err
				}
			}
			return logger.SetLevelString(logLevel)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (overrides "+config.EnvFile+")")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text|json")

	root.AddCommand(newReplayCmd())
	root.AddCommand(newTrainCmd())
	root.AddCommand(newSimulateCmd())
	return root
}
