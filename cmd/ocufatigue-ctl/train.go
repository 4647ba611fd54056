package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/okian/ocufatigue/internal/domain/scoring"
)

const maxVectorLine = 1 << 20

func newTrainCmd() *cobra.Command {
	var (
		outPath  string
		opts     scoring.TrainOptions
		features []string
	)
	cmd := &cobra.Command{
		Use:   "train <vectors.jsonl|->",
		Short: "Train an isolation forest artifact from feature vectors",
		Long: "Each input line is a JSON object mapping slot names (blink_rate, z_blink_rate,\n" +
			"cusum_pos_blink_rate, alarm_count, elapsed_min, ...) to numbers.\n" +
			"Reference the result with score_model_reference: file:<path>.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if outPath == "" {
				return errors.New("--out is required")
			}
			in, closeIn, err := openInput(cmd, args[0])
			if err != nil {
				return err
			}
			defer closeIn()

			vectors, err := readVectors(in)
			if err != nil {
				return err
			}
			opts.Features = features
			a, err := scoring.Train(vectors, opts)
			if err != nil {
				return err
			}
			if err := scoring.SaveArtifact(outPath, a); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "trained %d trees on %d vectors (sample %d, %d features) -> %s\n",
				len(a.Trees), len(vectors), a.SampleSize, len(a.Features), outPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "artifact output path (YAML)")
	cmd.Flags().IntVar(&opts.Trees, "trees", scoring.DefaultTrees, "number of trees")
	cmd.Flags().IntVar(&opts.SampleSize, "sample-size", scoring.DefaultSampleSize, "rows per tree")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 1, "random seed")
	cmd.Flags().StringSliceVar(&features, "features", nil, "restrict split candidates to these slots")
	return cmd
}

// readVectors parses one vector per non-blank line.
func readVectors(r io.Reader) ([]scoring.Vector, error) {
	var out []scoring.Vector
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxVectorLine)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var v scoring.Vector
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, v)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
