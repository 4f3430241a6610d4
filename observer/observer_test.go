package observer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carderne/raster-vision/pipeline"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// flaky is a chip/train/eval pipeline whose chip shards fail while broken
// holds their split index.
type flaky struct {
	mu     sync.Mutex
	broken map[int]bool
	calls  map[string]int
	// onFail runs when a broken chip shard fails.
	onFail func()
}

func newFlaky(broken ...int) *flaky {
	f := &flaky{broken: make(map[int]bool), calls: make(map[string]int)}
	for _, i := range broken {
		f.broken[i] = true
	}
	return f
}

func (f *flaky) fix() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broken = map[int]bool{}
}

func (f *flaky) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *flaky) pipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	record := func(name string) pipeline.CommandFunc {
		return func(_ context.Context, split pipeline.Split) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.calls[name]++
			if name == "chip" && f.broken[split.Index] {
				if f.onFail != nil {
					f.onFail()
				}
				return errors.New("corrupt scene")
			}
			return nil
		}
	}
	p, err := pipeline.New("flaky", nil, t.TempDir(),
		pipeline.Command{Name: "chip", Split: true, Run: record("chip")},
		pipeline.Command{Name: "train", GPU: true, Run: record("train")},
		pipeline.Command{Name: "eval", Run: record("eval")},
	)
	require.NoError(t, err)
	return p
}

func TestDBObserver_RecordsCompletedRun(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	store := openStore(t).WithClock(clock)
	p := newFlaky().pipeline(t)
	runner := pipeline.NewLocalRunner(2, nil)
	defer runner.Close()

	res, err := runner.Run(ctx, p, nil, &pipeline.RunOptions{
		RunID:     "run-1",
		Observer:  NewDBObserver(store),
		NumSplits: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateCompleted, res.State)

	run, err := store.Run(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "flaky", run.Pipeline)
	assert.Equal(t, []string{"chip", "train", "eval"}, run.Commands)
	assert.Equal(t, pipeline.StateCompleted, run.Status)
	assert.Empty(t, run.Error)
	assert.True(t, run.StartedAt.Equal(clock.Now()))
	assert.False(t, run.FinishedAt.IsZero())

	shards, err := store.Shards(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, shards, 5)
	seen := make(map[string]int)
	for _, s := range shards {
		seen[s.Command]++
		assert.Equal(t, pipeline.StateDone, s.Status)
		assert.Equal(t, 1, s.Attempts)
	}
	assert.Equal(t, map[string]int{"chip": 3, "train": 1, "eval": 1}, seen)
}

func TestDBObserver_RecordsFailedShard(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	p := newFlaky(1).pipeline(t)
	runner := pipeline.NewLocalRunner(2, nil)
	defer runner.Close()

	_, err := runner.Run(ctx, p, nil, &pipeline.RunOptions{
		RunID:     "run-2",
		Observer:  NewDBObserver(store),
		NumSplits: 3,
	})
	require.Error(t, err)
	assert.True(t, pipeline.IsAborted(err))

	run, err := store.Run(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateAborted, run.Status)
	assert.Contains(t, run.Error, "corrupt scene")

	failed, err := store.FailedShards(ctx, "run-2")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "chip", failed[0].Command)
	assert.Equal(t, pipeline.Split{Index: 1, Num: 3}, failed[0].Split)
	assert.Contains(t, failed[0].Error, "corrupt scene")

	ids, err := store.RunIDs(ctx, pipeline.StateAborted)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-2"}, ids)
}

func TestStore_RunNotFound(t *testing.T) {
	_, err := openStore(t).Run(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestStore_StartShardCountsAttempts(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	split := pipeline.Split{Index: 0, Num: 2}
	require.NoError(t, store.startRun(ctx, "r", "p", []string{"chip"}))
	for range 3 {
		require.NoError(t, store.startShard(ctx, "r", "chip", split))
	}
	require.NoError(t, store.finishShard(ctx, "r", "chip", split, pipeline.StateDone, nil, 1500*time.Millisecond))

	shards, err := store.Shards(ctx, "r")
	require.NoError(t, err)
	require.Len(t, shards, 1)
	assert.Equal(t, 3, shards[0].Attempts)
	assert.Equal(t, 1500*time.Millisecond, shards[0].Duration)
	assert.Equal(t, pipeline.StateDone, shards[0].Status)
}

func TestStore_RestartKeepsCommands(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	require.NoError(t, store.startRun(ctx, "r", "p", []string{"chip", "train"}))
	require.NoError(t, store.finishRun(ctx, "r", pipeline.StateAborted, errors.New("boom")))
	require.NoError(t, store.startRun(ctx, "r", "p", []string{"train"}))

	run, err := store.Run(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, []string{"chip", "train"}, run.Commands)
	assert.Equal(t, pipeline.StateRunning, run.Status)
	assert.Empty(t, run.Error)
}

func TestResumer_RerunsFailedShardsThenRemainingCommands(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	f := newFlaky(2)
	p := f.pipeline(t)
	runner := pipeline.NewLocalRunner(2, nil)
	defer runner.Close()

	_, err := runner.Run(ctx, p, nil, &pipeline.RunOptions{
		RunID:     "run-3",
		Observer:  NewDBObserver(store),
		NumSplits: 4,
	})
	require.Error(t, err)
	assert.Equal(t, 4, f.count("chip"))
	assert.Zero(t, f.count("train"))

	f.fix()
	lookup := func(name string) (*pipeline.Pipeline, error) {
		if name == p.Name {
			return p, nil
		}
		return nil, pipeline.ErrUnknownCommand
	}
	state, err := NewResumer(store, lookup, runner).Resume(ctx, "run-3")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateCompleted, state)

	// Only the failed chip shard runs again.
	assert.Equal(t, 5, f.count("chip"))
	assert.Equal(t, 1, f.count("train"))
	assert.Equal(t, 1, f.count("eval"))

	run, err := store.Run(ctx, "run-3")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateCompleted, run.Status)

	shards, err := store.Shards(ctx, "run-3")
	require.NoError(t, err)
	require.Len(t, shards, 6)
	for _, s := range shards {
		assert.Equal(t, pipeline.StateDone, s.Status, "%s %s", s.Command, s.Split)
		if s.Command == "chip" && s.Split.Index == 2 {
			assert.Equal(t, 2, s.Attempts)
			assert.Equal(t, 4, s.Split.Num)
		}
	}
}

func TestResumer_RerunsShardsCutOffByCancel(t *testing.T) {
	store := openStore(t)
	f := newFlaky(0)
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.onFail = cancel
	p := f.pipeline(t)
	runner := pipeline.NewLocalRunner(1, nil)
	defer runner.Close()

	_, err := runner.Run(runCtx, p, nil, &pipeline.RunOptions{
		RunID:     "run-cancel",
		Observer:  NewDBObserver(store),
		NumSplits: 4,
	})
	require.Error(t, err)

	ctx := context.Background()
	shards, err := store.Shards(ctx, "run-cancel")
	require.NoError(t, err)
	require.Len(t, shards, 1)
	assert.Equal(t, pipeline.StateFailed, shards[0].Status)
	run, err := store.Run(ctx, "run-cancel")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateAborted, run.Status)

	f.fix()
	lookup := func(string) (*pipeline.Pipeline, error) { return p, nil }
	state, err := NewResumer(store, lookup, runner).Resume(ctx, "run-cancel")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateCompleted, state)
	assert.Equal(t, 5, f.count("chip"))
	assert.Equal(t, 1, f.count("train"))

	shards, err = store.Shards(ctx, "run-cancel")
	require.NoError(t, err)
	done := map[int]bool{}
	for _, s := range shards {
		assert.Equal(t, pipeline.StateDone, s.Status, "%s %s", s.Command, s.Split)
		if s.Command == "chip" {
			assert.Equal(t, 4, s.Split.Num)
			done[s.Split.Index] = true
		}
	}
	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true, 3: true}, done)
}

func TestResumer_StillFailingStaysAborted(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	f := newFlaky(0)
	p := f.pipeline(t)
	runner := pipeline.NewLocalRunner(1, nil)
	defer runner.Close()

	_, err := runner.Run(ctx, p, nil, &pipeline.RunOptions{RunID: "run-4", Observer: NewDBObserver(store), NumSplits: 2})
	require.Error(t, err)

	lookup := func(string) (*pipeline.Pipeline, error) { return p, nil }
	r := NewResumer(store, lookup, runner)
	state, err := r.Resume(ctx, "run-4")
	require.Error(t, err)
	assert.True(t, pipeline.IsAborted(err))
	assert.Equal(t, pipeline.StateAborted, state)
	assert.Zero(t, f.count("train"))

	failed, err := store.FailedShards(ctx, "run-4")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].Attempts)

	f.fix()
	require.NoError(t, r.ResumeAborted(ctx))
	ids, err := store.RunIDs(ctx, pipeline.StateAborted)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, 1, f.count("train"))
}

func TestResumer_CompletedRunUntouched(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	f := newFlaky()
	p := f.pipeline(t)
	runner := pipeline.NewLocalRunner(1, nil)
	defer runner.Close()

	_, err := runner.Run(ctx, p, nil, &pipeline.RunOptions{RunID: "run-5", Observer: NewDBObserver(store)})
	require.NoError(t, err)

	state, err := NewResumer(store, func(string) (*pipeline.Pipeline, error) { return p, nil }, runner).Resume(ctx, "run-5")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateCompleted, state)
	assert.Equal(t, 1, f.count("chip"))
}

func TestResumer_UnknownPipeline(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	require.NoError(t, store.startRun(ctx, "r", "gone", []string{"chip"}))
	require.NoError(t, store.finishRun(ctx, "r", pipeline.StateAborted, nil))

	lookup := func(name string) (*pipeline.Pipeline, error) { return nil, errors.New("not registered") }
	_, err := NewResumer(store, lookup, pipeline.NewLocalRunner(1, nil)).Resume(ctx, "r")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gone")
}
