package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/okian/ocufatigue/internal/adapters/publish"
	service "github.com/okian/ocufatigue/internal/app"
	"github.com/okian/ocufatigue/internal/config"
	"github.com/okian/ocufatigue/internal/replay"
)

const defaultReplayQueue = 1 << 16

func newReplayCmd() *cobra.Command {
	var (
		outPath   string
		queueSize int
	)
	cmd := &cobra.Command{
		Use:   "replay <events.jsonl|->",
		Short: "Replay recorded events offline and print scores and summaries as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Context())
			if err != nil {
				return err
			}
			in, closeIn, err := openInput(cmd, args[0])
			if err != nil {
				return err
			}
			defer closeIn()
			out, closeOut, err := openOutput(cmd, outPath)
			if err != nil {
				return err
			}
			defer closeOut()

			res, err := runReplay(cmd.Context(), cfg, in, out, queueSize)
			if res != nil {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "lines=%d accepted=%d rejected=%d sessions=%d\n",
					res.Lines, res.Accepted, res.Rejected, len(res.Sessions))
				for reason, n := range res.Rejections {
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "  %s=%d\n", reason, n)
				}
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "-", "output file, - for stdout")
	cmd.Flags().IntVar(&queueSize, "queue-size", defaultReplayQueue, "window job queue size")
	return cmd
}

func runReplay(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer, queueSize int) (*replay.Result, error) {
	scorer, err := cfg.Scorer(nil)
	if err != nil {
		return nil, err
	}
	return replay.Run(ctx, in, publish.NewJSONLines(out), replay.Options{
		PixelsPerMM: cfg.PixelsPerMM,
		Service: []service.Option{
			service.WithSessionConfig(cfg.Session()),
			service.WithValidator(cfg.Validator()),
			service.WithScorer(scorer),
			service.WithWorkerCount(cfg.WorkerCount),
			service.WithQueueSize(queueSize),
			service.WithMailboxSize(cfg.MailboxSize),
			service.WithMaxSessions(cfg.MaxSessions),
			service.WithDedupeSize(cfg.DedupeSize),
		},
	})
}

func openInput(cmd *cobra.Command, path string) (io.Reader, func(), error) {
	if path == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func openOutput(cmd *cobra.Command, path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return cmd.OutOrStdout(), func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}
