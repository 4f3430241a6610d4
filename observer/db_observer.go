package observer

import (
	"context"
	"time"

	"github.com/carderne/raster-vision/pipeline"
)

// DBObserver persists every run and shard to a Store (pipeline_run,
// pipeline_run_shard) so runs can be monitored and failed shards rerun.
type DBObserver struct {
	store *Store
}

// NewDBObserver returns an Observer writing to store.
func NewDBObserver(store *Store) *DBObserver {
	return &DBObserver{store: store}
}

// BeforeRun implements pipeline.Observer. Upserts the run as running so a
// resumed run (same run ID) is tracked in the same row.
func (o *DBObserver) BeforeRun(ctx context.Context, runID, name string, commands []string) error {
	return o.store.startRun(ctx, runID, name, commands)
}

// AfterRun implements pipeline.Observer. The outcome is written even when ctx
// was cancelled.
func (o *DBObserver) AfterRun(ctx context.Context, runID string, state pipeline.State, err error) error {
	return o.store.finishRun(context.WithoutCancel(ctx), runID, state, err)
}

// BeforeShard implements pipeline.Observer. Each start counts as one attempt.
func (o *DBObserver) BeforeShard(ctx context.Context, runID, command string, split pipeline.Split) error {
	return o.store.startShard(ctx, runID, command, split)
}

// AfterShard implements pipeline.Observer. Like AfterRun it ignores
// cancellation of ctx.
func (o *DBObserver) AfterShard(ctx context.Context, runID, command string, split pipeline.Split, state pipeline.State, shardErr error, d time.Duration) error {
	return o.store.finishShard(context.WithoutCancel(ctx), runID, command, split, state, shardErr, d)
}

var _ pipeline.Observer = (*DBObserver)(nil)
