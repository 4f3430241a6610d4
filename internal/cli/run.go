package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/carderne/raster-vision/observer"
	"github.com/carderne/raster-vision/pipeline"
)

type runFlags struct {
	splits            int
	workers           int
	maxAttempts       int
	retryInterval     time.Duration
	shardTimeout      time.Duration
	record            string
	runID             string
	continueOnFailure bool
}

func newRunCmd(g *globals) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run CONFIG [COMMAND...]",
		Short: "Run pipeline commands locally (all of them when none are given).",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, p, err := g.load(cmd, args[0])
			if err != nil {
				return err
			}
			log := rc.Logger()
			opts := &pipeline.RunOptions{
				RunID:             f.runID,
				NumSplits:         f.splits,
				MaxAttempts:       f.maxAttempts,
				RetryInterval:     f.retryInterval,
				ShardTimeout:      f.shardTimeout,
				ContinueOnFailure: f.continueOnFailure,
			}
			if f.record != "" {
				store, err := observer.Open(f.record)
				if err != nil {
					return err
				}
				defer store.Close()
				opts.Observer = observer.NewDBObserver(store)
			}

			runner := pipeline.NewLocalRunner(f.workers, log)
			defer runner.Close()
			res, err := runner.Run(cmd.Context(), p, args[1:], opts)
			if res != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", res.RunID, res.State)
				for _, s := range res.Failed() {
					log.Error("Shard failed", "command", s.Command, "split", s.Split.String(), "attempts", s.Attempts, "error", s.Err)
				}
			}
			return err
		},
	}
	cmd.Flags().IntVar(&f.splits, "splits", 1, "number of shards for each split command")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "shards run at once (default number of CPUs)")
	cmd.Flags().IntVar(&f.maxAttempts, "max-attempts", 1, "attempts per shard before it fails")
	cmd.Flags().DurationVar(&f.retryInterval, "retry-interval", 0, "initial backoff between attempts")
	cmd.Flags().DurationVar(&f.shardTimeout, "shard-timeout", 0, "deadline for each shard attempt (0 means none)")
	cmd.Flags().StringVar(&f.record, "record", "", "SQLite database recording the run")
	cmd.Flags().StringVar(&f.runID, "run-id", "", "run identifier (generated when empty)")
	cmd.Flags().BoolVar(&f.continueOnFailure, "continue-on-failure", false, "keep running later commands after a shard failed")
	return cmd
}

func newRunCommandCmd(g *globals) *cobra.Command {
	var splitInd, numSplits int
	cmd := &cobra.Command{
		Use:   "run-command CONFIG COMMAND",
		Short: "Run one shard of one command. The exit status reports the outcome.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, p, err := g.load(cmd, args[0])
			if err != nil {
				return err
			}
			split := pipeline.NoSplit
			if numSplits > 1 {
				split = pipeline.Split{Index: splitInd, Num: numSplits}
			}
			return p.Invoke(cmd.Context(), args[1], split)
		},
	}
	cmd.Flags().IntVar(&splitInd, "split-ind", 0, "index of this shard")
	cmd.Flags().IntVar(&numSplits, "num-splits", 1, "total number of shards")
	return cmd
}

func newResumeCmd(g *globals) *cobra.Command {
	var record string
	cmd := &cobra.Command{
		Use:   "resume CONFIG RUN_ID",
		Short: "Rerun the failed shards of a recorded run, then the commands it never reached.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if record == "" {
				return errors.New("--record is required")
			}
			rc, p, err := g.load(cmd, args[0])
			if err != nil {
				return err
			}
			store, err := observer.Open(record)
			if err != nil {
				return err
			}
			defer store.Close()

			lookup := func(name string) (*pipeline.Pipeline, error) {
				if name != p.Name {
					return nil, fmt.Errorf("run belongs to %q, config builds %q", name, p.Name)
				}
				return p, nil
			}
			runner := pipeline.NewLocalRunner(0, rc.Logger())
			defer runner.Close()
			r := observer.NewResumer(store, lookup, runner)
			r.Logger = rc.Logger()
			state, err := r.Resume(cmd.Context(), args[1])
			if state != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[1], state)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&record, "record", "", "SQLite database the run was recorded in")
	return cmd
}
