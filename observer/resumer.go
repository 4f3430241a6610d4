package observer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/carderne/raster-vision/pipeline"
)

// PipelineLookup returns the pipeline recorded under name.
type PipelineLookup func(name string) (*pipeline.Pipeline, error)

// Resumer finishes recorded runs that aborted: it reruns their failed shards
// and then the commands that never started.
type Resumer struct {
	store  *Store
	lookup PipelineLookup
	runner *pipeline.LocalRunner
	Logger *slog.Logger
}

// NewResumer returns a resumer reading runs from store.
func NewResumer(store *Store, lookup PipelineLookup, runner *pipeline.LocalRunner) *Resumer {
	return &Resumer{store: store, lookup: lookup, runner: runner}
}

func (r *Resumer) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return r.Logger
}

// Resume reruns the shards of runID that did not finish one by one, then
// runs the recorded commands that have no shard yet. A completed run is left
// alone. The run ends completed only if every shard succeeded.
func (r *Resumer) Resume(ctx context.Context, runID string) (pipeline.State, error) {
	rec, err := r.store.Run(ctx, runID)
	if err != nil {
		return "", err
	}
	if rec.Status == pipeline.StateCompleted {
		return rec.Status, nil
	}
	p, err := r.lookup(rec.Pipeline)
	if err != nil {
		return "", fmt.Errorf("pipeline %q for run %s: %w", rec.Pipeline, runID, err)
	}
	shards, err := r.store.Shards(ctx, runID)
	if err != nil {
		return "", err
	}
	log := r.logger().With("run_id", runID, "pipeline", rec.Pipeline)
	obs := NewDBObserver(r.store)
	if err := obs.BeforeRun(ctx, runID, rec.Pipeline, rec.Commands); err != nil {
		return "", err
	}

	numSplits := 1
	var order []string
	recorded := make(map[string]map[int]ShardRecord)
	width := make(map[string]int)
	for _, s := range shards {
		if recorded[s.Command] == nil {
			recorded[s.Command] = make(map[int]ShardRecord)
			order = append(order, s.Command)
		}
		recorded[s.Command][s.Split.Index] = s
		width[s.Command] = max(width[s.Command], s.Split.Num)
		numSplits = max(numSplits, s.Split.Num)
	}
	// Shards cut off by cancellation leave no record; they rerun like
	// failed ones.
	var failures []error
	for _, c := range order {
		for i := range width[c] {
			s, ok := recorded[c][i]
			if ok && s.Status == pipeline.StateDone {
				continue
			}
			if !ok {
				s = ShardRecord{RunID: runID, Command: c, Split: pipeline.Split{Index: i, Num: width[c]}}
			}
			log.Info("Rerunning shard", "command", c, "split", s.Split.String(), "previous_error", s.Error)
			if err := r.rerun(ctx, obs, p, runID, s); err != nil {
				failures = append(failures, err)
			}
		}
	}
	if len(failures) > 0 {
		runErr := fmt.Errorf("%w: %w", pipeline.ErrAborted, errors.Join(failures...))
		return pipeline.StateAborted, errors.Join(runErr, obs.AfterRun(ctx, runID, pipeline.StateAborted, runErr))
	}

	var remaining []string
	for _, c := range rec.Commands {
		if recorded[c] == nil {
			remaining = append(remaining, c)
		}
	}
	if len(remaining) == 0 {
		return pipeline.StateCompleted, obs.AfterRun(ctx, runID, pipeline.StateCompleted, nil)
	}
	log.Info("Running remaining commands", "commands", remaining)
	res, err := r.runner.Run(ctx, p, remaining, &pipeline.RunOptions{RunID: runID, Observer: obs, NumSplits: numSplits})
	if res == nil {
		return pipeline.StateAborted, err
	}
	return res.State, err
}

// ResumeAborted resumes every aborted run. All runs are attempted; their
// errors are joined.
func (r *Resumer) ResumeAborted(ctx context.Context) error {
	ids, err := r.store.RunIDs(ctx, pipeline.StateAborted)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		if _, err := r.Resume(ctx, id); err != nil {
			r.logger().Error("Resume failed", "run_id", id, "error", err)
			errs = append(errs, fmt.Errorf("run %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Resumer) rerun(ctx context.Context, obs *DBObserver, p *pipeline.Pipeline, runID string, s ShardRecord) error {
	if !slices.Contains(p.CommandNames(), s.Command) {
		return fmt.Errorf("%w: %q", pipeline.ErrUnknownCommand, s.Command)
	}
	if err := obs.BeforeShard(ctx, runID, s.Command, s.Split); err != nil {
		return err
	}
	start := r.store.clock.Now()
	err := pipeline.WithRecover(func(ctx context.Context, split pipeline.Split) error {
		return p.Invoke(ctx, s.Command, split)
	})(ctx, s.Split)
	state := pipeline.StateDone
	if err != nil {
		state = pipeline.StateFailed
	}
	if postErr := obs.AfterShard(ctx, runID, s.Command, s.Split, state, err, r.store.clock.Since(start)); postErr != nil && err == nil {
		err = postErr
	}
	return err
}
