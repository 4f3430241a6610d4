// Package observer records pipeline runs in SQLite so they can be monitored
// and finished later.
//
//   - Store: opens the database and applies the schema (pipeline_run,
//     pipeline_run_shard). Run, Shards and FailedShards read records back.
//   - DBObserver: a pipeline.Observer writing each run and shard through a
//     Store. Pass it as RunOptions.Observer.
//   - Resumer: reruns the failed shards of an aborted run, then the commands
//     that never started, under the same run ID.
package observer
