package observer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/carderne/raster-vision/pipeline"
	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"
)

// ErrRunNotFound is returned when no record exists for a run ID.
var ErrRunNotFound = errors.New("observer: run not found")

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_run (
	run_id      TEXT PRIMARY KEY,
	pipeline    TEXT NOT NULL,
	commands    TEXT NOT NULL,
	status      TEXT NOT NULL,
	error       TEXT,
	started_at  TEXT NOT NULL,
	finished_at TEXT
);
CREATE TABLE IF NOT EXISTS pipeline_run_shard (
	run_id      TEXT NOT NULL REFERENCES pipeline_run(run_id) ON DELETE CASCADE,
	command     TEXT NOT NULL,
	split_index INTEGER NOT NULL,
	num_splits  INTEGER NOT NULL,
	status      TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	error       TEXT,
	duration_ms INTEGER,
	started_at  TEXT NOT NULL,
	finished_at TEXT,
	PRIMARY KEY (run_id, command, split_index, num_splits)
);
`

// Store persists runs and shards in SQLite.
type Store struct {
	db    *sql.DB
	clock clockwork.Clock
}

// Open opens (creating if needed) the SQLite database at path and applies
// the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run db: %w", err)
	}
	// Shards report concurrently; one connection serializes the writes.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, clock: clockwork.NewRealClock()}, nil
}

// WithClock sets the clock used for timestamps.
func (s *Store) WithClock(c clockwork.Clock) *Store {
	s.clock = c
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) now() string { return s.clock.Now().UTC().Format(time.RFC3339Nano) }

// RunRecord is one row of pipeline_run.
type RunRecord struct {
	RunID      string
	Pipeline   string
	Commands   []string
	Status     pipeline.State
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// ShardRecord is one row of pipeline_run_shard.
type ShardRecord struct {
	RunID      string
	Command    string
	Split      pipeline.Split
	Status     pipeline.State
	Attempts   int
	Error      string
	Duration   time.Duration
	StartedAt  time.Time
	FinishedAt time.Time
}

// startRun inserts the run, or marks an existing one running again. The
// recorded commands of an existing run are kept.
func (s *Store) startRun(ctx context.Context, runID, name string, commands []string) error {
	cmds, err := json.Marshal(commands)
	if err != nil {
		return fmt.Errorf("marshal commands: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO pipeline_run (run_id, pipeline, commands, status, started_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET status = excluded.status, error = NULL, finished_at = NULL`,
		runID, name, string(cmds), string(pipeline.StateRunning), s.now())
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", runID, err)
	}
	return nil
}

func (s *Store) finishRun(ctx context.Context, runID string, state pipeline.State, runErr error) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_run SET status = ?, error = ?, finished_at = ? WHERE run_id = ?`,
		string(state), errText(runErr), s.now(), runID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	return nil
}

func (s *Store) startShard(ctx context.Context, runID, command string, split pipeline.Split) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO pipeline_run_shard (run_id, command, split_index, num_splits, status, attempts, started_at)
VALUES (?, ?, ?, ?, ?, 1, ?)
ON CONFLICT(run_id, command, split_index, num_splits) DO UPDATE SET
	status = excluded.status, attempts = attempts + 1, error = NULL,
	duration_ms = NULL, started_at = excluded.started_at, finished_at = NULL`,
		runID, command, split.Index, split.Num, string(pipeline.StateRunning), s.now())
	if err != nil {
		return fmt.Errorf("upsert shard %s %s %s: %w", runID, command, split, err)
	}
	return nil
}

func (s *Store) finishShard(ctx context.Context, runID, command string, split pipeline.Split, state pipeline.State, shardErr error, d time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE pipeline_run_shard SET status = ?, error = ?, duration_ms = ?, finished_at = ?
WHERE run_id = ? AND command = ? AND split_index = ? AND num_splits = ?`,
		string(state), errText(shardErr), d.Milliseconds(), s.now(), runID, command, split.Index, split.Num)
	if err != nil {
		return fmt.Errorf("update shard %s %s %s: %w", runID, command, split, err)
	}
	return nil
}

// Run returns the record of runID, or ErrRunNotFound.
func (s *Store) Run(ctx context.Context, runID string) (*RunRecord, error) {
	var (
		r                RunRecord
		cmds, status     string
		errStr, finished sql.NullString
		started          string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT run_id, pipeline, commands, status, error, started_at, finished_at
FROM pipeline_run WHERE run_id = ?`, runID).
		Scan(&r.RunID, &r.Pipeline, &cmds, &status, &errStr, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	if err := json.Unmarshal([]byte(cmds), &r.Commands); err != nil {
		return nil, fmt.Errorf("decode commands of run %s: %w", runID, err)
	}
	r.Status = pipeline.State(status)
	r.Error = errStr.String
	r.StartedAt = parseTime(started)
	r.FinishedAt = parseTime(finished.String)
	return &r, nil
}

// RunIDs returns the IDs of runs in state, oldest first.
func (s *Store) RunIDs(ctx context.Context, state pipeline.State) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id FROM pipeline_run WHERE status = ? ORDER BY started_at, rowid`, string(state))
	if err != nil {
		return nil, fmt.Errorf("list %s runs: %w", state, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Shards returns the shard records of runID in the order they started.
func (s *Store) Shards(ctx context.Context, runID string) ([]ShardRecord, error) {
	return s.shards(ctx, `WHERE run_id = ?`, runID)
}

// FailedShards returns the shards of runID that ended failed.
func (s *Store) FailedShards(ctx context.Context, runID string) ([]ShardRecord, error) {
	return s.shards(ctx, `WHERE run_id = ? AND status = ?`, runID, string(pipeline.StateFailed))
}

func (s *Store) shards(ctx context.Context, where string, args ...any) ([]ShardRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, command, split_index, num_splits, status, attempts, error, duration_ms, started_at, finished_at
FROM pipeline_run_shard `+where+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("list shards: %w", err)
	}
	defer rows.Close()
	var out []ShardRecord
	for rows.Next() {
		var (
			r                ShardRecord
			status, started  string
			errStr, finished sql.NullString
			durationMs       sql.NullInt64
		)
		if err := rows.Scan(&r.RunID, &r.Command, &r.Split.Index, &r.Split.Num, &status, &r.Attempts,
			&errStr, &durationMs, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan shard: %w", err)
		}
		r.Status = pipeline.State(status)
		r.Error = errStr.String
		r.Duration = time.Duration(durationMs.Int64) * time.Millisecond
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished.String)
		out = append(out, r)
	}
	return out, rows.Err()
}

func errText(err error) sql.NullString {
	if err == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: err.Error(), Valid: true}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
