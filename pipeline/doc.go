// Package pipeline provides the runtime command model for resolved pipeline
// configs and an in-process runner.
//
// A Pipeline declares an ordered list of Commands. Each command says whether
// it is a split command (its work can be partitioned into NumSplits
// independent shards, see Partition) and whether it is a GPU command (it must
// run on a GPU worker, unsharded). A runner consults that metadata to decide
// how many shards to launch and where:
//
//	p, err := pipeline.Load("config.yaml", tmpDir)
//	runner := pipeline.NewLocalRunner(4, logger)
//	defer runner.Close()
//	res, err := runner.Run(ctx, p, []string{"chip", "train"}, &pipeline.RunOptions{NumSplits: 4})
//
// Every command is invoked with a Split{Index, Num}; unsharded commands get
// NoSplit and reject Num > 1. A failing shard is fatal for that shard; the
// runner decides whether to retry it (RunOptions.MaxAttempts) and whether the
// run continues. A run goes Pending → Running → Completed | Aborted.
//
// Shards write their intermediate output under ShardURI(base) so concurrent
// shards never collide; the next unsharded command merges everything under
// base.
//
// Optional pre/post hooks (Observer) let you persist run and shard state for
// monitoring: BeforeRun, BeforeShard/AfterShard (state, error, duration) and
// AfterRun (Completed or Aborted). Pass RunOptions{Observer: myObserver}.
//
// Pipelines are built from configs through a Registry of factories keyed by
// the config's tag (Register, Build); Resolve runs the root config's Update
// pass, which must finish before any command is dispatched.
package pipeline
