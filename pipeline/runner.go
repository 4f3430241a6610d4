package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// RunOptions configures one run of a pipeline.
type RunOptions struct {
	// RunID identifies the run to the Observer. Generated when empty.
	RunID string

	// Observer receives run and shard hooks. Optional.
	Observer Observer

	// NumSplits is the number of shards launched for each split command.
	// Values below 1 mean 1. Unsharded commands always run once.
	NumSplits int

	// MaxAttempts bounds how often a failed shard is retried, with
	// exponential backoff starting at RetryInterval. Values below 1 mean 1.
	MaxAttempts   int
	RetryInterval time.Duration

	// ShardTimeout bounds each attempt of a shard when positive.
	ShardTimeout time.Duration

	// ContinueOnFailure keeps running later commands after a shard failed.
	// The run still ends Aborted.
	ContinueOnFailure bool
}

// ShardResult is the outcome of one shard invocation.
type ShardResult struct {
	Command  string
	Split    Split
	State    State
	Attempts int
	Err      error
	Duration time.Duration
}

// RunResult is the outcome of a run.
type RunResult struct {
	RunID  string
	State  State
	Shards []ShardResult
}

// Failed returns the shards that ended Failed.
func (r *RunResult) Failed() []ShardResult {
	var out []ShardResult
	for _, s := range r.Shards {
		if s.State == StateFailed {
			out = append(out, s)
		}
	}
	return out
}

// LocalRunner drives pipeline commands in-process: split commands fan out to
// concurrent shards on a worker pool, GPU commands run one at a time. A
// failed shard is retried per RunOptions and otherwise aborts the run.
type LocalRunner struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	workers int
	poolMu  sync.RWMutex
	pool    pond.Pool
	gpu     sync.Mutex
}

// NewLocalRunner returns a runner executing at most workers shards at once
// (runtime.NumCPU() when workers < 1).
func NewLocalRunner(workers int, logger *slog.Logger) *LocalRunner {
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LocalRunner{Logger: logger, Clock: clockwork.NewRealClock(), workers: workers}
}

// workerPool returns the pool with poolMu read-locked; the caller releases it
// once its shards are done so Close cannot stop the pool under them.
func (r *LocalRunner) workerPool() (pond.Pool, func()) {
	for {
		r.poolMu.RLock()
		if r.pool != nil {
			return r.pool, r.poolMu.RUnlock
		}
		r.poolMu.RUnlock()

		r.poolMu.Lock()
		if r.pool == nil {
			workers := r.workers
			if workers < 1 {
				workers = runtime.NumCPU()
			}
			r.pool = pond.NewPool(workers)
		}
		r.poolMu.Unlock()
	}
}

// Close waits for running shards and stops the worker pool. A later Run
// starts a new pool.
func (r *LocalRunner) Close() {
	r.poolMu.Lock()
	defer r.poolMu.Unlock()
	if r.pool != nil {
		r.pool.StopAndWait()
		r.pool = nil
	}
}

func (r *LocalRunner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return r.Logger
}

func (r *LocalRunner) clock() clockwork.Clock {
	if r.Clock == nil {
		return clockwork.NewRealClock()
	}
	return r.Clock
}

// Run executes the requested commands (all of them when commands is empty) in
// declaration order. It returns the run result and, when the run was
// aborted, an error wrapping ErrAborted and every shard error.
func (r *LocalRunner) Run(ctx context.Context, p *Pipeline, commands []string, opts *RunOptions) (*RunResult, error) {
	if opts == nil {
		opts = &RunOptions{}
	}
	cmds, err := p.Select(commands)
	if err != nil {
		return nil, err
	}
	obs := opts.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	names := make([]string, len(cmds))
	for i, c := range cmds {
		names[i] = c.Name
	}

	log := r.logger().With("run_id", runID, "pipeline", p.Name)
	if err := obs.BeforeRun(ctx, runID, p.Name, names); err != nil {
		return nil, fmt.Errorf("before run: %w", err)
	}

	result := &RunResult{RunID: runID, State: StateRunning}
	var failures []error
	for _, c := range cmds {
		n := 1
		if c.Split && opts.NumSplits > 1 {
			n = opts.NumSplits
		}
		log.Info("Running command", "command", c.Name, "shards", n, "gpu", c.GPU)
		shards := r.runCommand(ctx, p, c, n, runID, obs, opts)
		result.Shards = append(result.Shards, shards...)

		var failed int
		for _, s := range shards {
			if s.State == StateFailed {
				failed++
				failures = append(failures, s.Err)
			}
		}
		if failed == 0 {
			continue
		}
		log.Error("Command failed", "command", c.Name, "failed_shards", failed, "shards", n)
		if !opts.ContinueOnFailure || ctx.Err() != nil {
			break
		}
	}

	var runErr error
	if len(failures) > 0 {
		result.State = StateAborted
		runErr = fmt.Errorf("%w: %w", ErrAborted, errors.Join(failures...))
	} else {
		result.State = StateCompleted
	}
	if postErr := obs.AfterRun(ctx, runID, result.State, runErr); postErr != nil {
		// Don't mask the run error.
		if runErr == nil {
			runErr = fmt.Errorf("after run: %w", postErr)
		}
	}
	log.Info("Run finished", "state", result.State)
	return result, runErr
}

func (r *LocalRunner) runCommand(ctx context.Context, p *Pipeline, c Command, n int, runID string, obs Observer, opts *RunOptions) []ShardResult {
	results := make([]ShardResult, n)
	if c.GPU {
		// GPU commands of every pipeline sharing this runner are serialized.
		r.gpu.Lock()
		defer r.gpu.Unlock()
	}
	if n == 1 {
		results[0] = r.runShard(ctx, p, c, NoSplit, runID, obs, opts)
		return results
	}

	// Every submitted shard runs to completion; a cancelled context makes the
	// remaining ones fail fast inside runShard.
	pool, release := r.workerPool()
	defer release()
	group := pool.NewGroup()
	for i := 0; i < n; i++ {
		split := Split{Index: i, Num: n}
		group.Submit(func() {
			results[i] = r.runShard(ctx, p, c, split, runID, obs, opts)
		})
	}
	if err := group.Wait(); err != nil {
		r.logger().Warn("Shard group interrupted", "command", c.Name, "error", err)
	}
	return results
}

func (r *LocalRunner) runShard(ctx context.Context, p *Pipeline, c Command, split Split, runID string, obs Observer, opts *RunOptions) ShardResult {
	res := ShardResult{Command: c.Name, Split: split, State: StateRunning}
	log := r.logger().With("run_id", runID, "command", c.Name, "split", split.String())
	if err := ctx.Err(); err != nil {
		res.State = StateFailed
		res.Err = err
		return res
	}
	if err := obs.BeforeShard(ctx, runID, c.Name, split); err != nil {
		res.State = StateFailed
		res.Err = fmt.Errorf("before shard: %w", err)
		return res
	}

	clock := r.clock()
	start := clock.Now()
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	b := backoff.NewExponentialBackOff()
	if opts.RetryInterval > 0 {
		b.InitialInterval = opts.RetryInterval
	}
	invoke := WithRecover(func(ctx context.Context, split Split) error {
		return p.Invoke(ctx, c.Name, split)
	})
	if opts.ShardTimeout > 0 {
		invoke = WithTimeout(invoke, opts.ShardTimeout)
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		res.Attempts++
		err := invoke(ctx, split)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, ErrNotSplittable) || errors.Is(err, ErrInvalidSplit) || errors.Is(err, ErrUnknownCommand) {
			return struct{}{}, backoff.Permanent(err)
		}
		if res.Attempts < maxAttempts {
			log.Warn("Shard failed, retrying", "attempt", res.Attempts, "error", err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(maxAttempts)))
	res.Duration = clock.Since(start)

	if err != nil {
		res.State = StateFailed
		res.Err = err
		log.Error("Shard failed", "attempts", res.Attempts, "error", err)
	} else {
		res.State = StateDone
		log.Debug("Shard done", "duration", res.Duration)
	}
	if postErr := obs.AfterShard(ctx, runID, c.Name, split, res.State, res.Err, res.Duration); postErr != nil {
		if res.Err == nil {
			res.State = StateFailed
			res.Err = fmt.Errorf("after shard: %w", postErr)
		}
	}
	return res
}
