package pipeline

import (
	"context"
	"errors"
	"time"
)

// State is the lifecycle state of a run or of one shard. A run goes
// Pending → Running → Completed | Aborted; each shard goes
// Running → Done | Failed.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateDone      State = "done"
	StateFailed    State = "failed"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
)

// Terminal reports whether s is a final state for a run or shard.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateCompleted, StateAborted:
		return true
	}
	return false
}

// Observer provides pre/post hooks around a run and each shard so run state
// can be persisted (e.g. to a DB) for monitoring and retry decisions.
// BeforeRun is called before any command runs; BeforeShard/AfterShard around
// every shard invocation (possibly concurrently for split commands);
// AfterRun when the run reaches Completed or Aborted.
type Observer interface {
	BeforeRun(ctx context.Context, runID, pipelineName string, commands []string) error
	AfterRun(ctx context.Context, runID string, state State, err error) error
	BeforeShard(ctx context.Context, runID, command string, split Split) error
	AfterShard(ctx context.Context, runID, command string, split Split, state State, shardErr error, duration time.Duration) error
}

// MultiObserver calls each observer in order. Every observer is called even
// if an earlier one fails; the errors are joined.
func MultiObserver(observers ...Observer) Observer {
	list := make([]Observer, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	return multiObserver(list)
}

type multiObserver []Observer

func (m multiObserver) BeforeRun(ctx context.Context, runID, name string, commands []string) error {
	var errs []error
	for _, o := range m {
		errs = append(errs, o.BeforeRun(ctx, runID, name, commands))
	}
	return errors.Join(errs...)
}

func (m multiObserver) AfterRun(ctx context.Context, runID string, state State, err error) error {
	var errs []error
	for _, o := range m {
		errs = append(errs, o.AfterRun(ctx, runID, state, err))
	}
	return errors.Join(errs...)
}

func (m multiObserver) BeforeShard(ctx context.Context, runID, command string, split Split) error {
	var errs []error
	for _, o := range m {
		errs = append(errs, o.BeforeShard(ctx, runID, command, split))
	}
	return errors.Join(errs...)
}

func (m multiObserver) AfterShard(ctx context.Context, runID, command string, split Split, state State, shardErr error, d time.Duration) error {
	var errs []error
	for _, o := range m {
		errs = append(errs, o.AfterShard(ctx, runID, command, split, state, shardErr, d))
	}
	return errors.Join(errs...)
}

type nopObserver struct{}

func (nopObserver) BeforeRun(context.Context, string, string, []string) error { return nil }
func (nopObserver) AfterRun(context.Context, string, State, error) error      { return nil }
func (nopObserver) BeforeShard(context.Context, string, string, Split) error  { return nil }
func (nopObserver) AfterShard(context.Context, string, string, Split, State, error, time.Duration) error {
	return nil
}
