package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/internal/util"
	"github.com/hupe1980/agentcore/logging"
)

// checkpointSchema is append-only: rows are inserted, never updated or
// deleted. seq provides a process-independent total order per thread.
const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	seq                  INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id            TEXT NOT NULL,
	checkpoint_id        TEXT NOT NULL,
	parent_checkpoint_id TEXT,
	state                BLOB NOT NULL,
	created_at           TEXT NOT NULL,
	UNIQUE (thread_id, checkpoint_id)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints (thread_id, seq);
`

// SQLiteStore is a durable Store backed by a single SQLite database file.
// WAL journaling plus synchronous=FULL gives Put write-ahead-log semantics:
// the row is flushed to stable storage before Put returns.
type SQLiteStore struct {
	db     *sql.DB
	logger logging.Logger
}

// SQLiteOptions configures construction of a SQLiteStore.
type SQLiteOptions struct {
	// Logger for store diagnostics. Defaults to NoOpLogger.
	Logger logging.Logger
}

// NewSQLiteStore opens (or creates) the database at path and prepares the
// checkpoint schema.
func NewSQLiteStore(path string, optFns ...func(o *SQLiteOptions)) (*SQLiteStore, error) {
	opts := SQLiteOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(checkpointSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create checkpoint schema: %w", err)
	}

	return &SQLiteStore{db: db, logger: opts.Logger}, nil
}

// Put implements Store. The parent lookup and insert run in one transaction
// so concurrent writers on distinct threads cannot interleave a chain.
func (s *SQLiteStore) Put(ctx context.Context, threadID string, state *core.AgentState) (string, error) {
	blob, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("serialize state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var parentID sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT checkpoint_id FROM checkpoints WHERE thread_id = ? ORDER BY seq DESC LIMIT 1`,
		threadID,
	).Scan(&parentID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("lookup parent checkpoint: %w", err)
	}

	id := util.NewID()
	createdAt := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, checkpoint_id, parent_checkpoint_id, state, created_at) VALUES (?, ?, ?, ?, ?)`,
		threadID, id, parentID.String, blob, createdAt,
	); err != nil {
		return "", fmt.Errorf("insert checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit checkpoint: %w", err)
	}

	s.logger.Debug("checkpoint.put", "thread_id", threadID, "checkpoint_id", id, "parent_id", parentID.String)
	return id, nil
}

// Latest implements Store.
func (s *SQLiteStore) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT thread_id, checkpoint_id, parent_checkpoint_id, state, created_at
		   FROM checkpoints WHERE thread_id = ? ORDER BY seq DESC LIMIT 1`,
		threadID,
	)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cp, err
}

// Chain implements Store, returning checkpoints ordered first to latest.
func (s *SQLiteStore) Chain(ctx context.Context, threadID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, checkpoint_id, parent_checkpoint_id, state, created_at
		   FROM checkpoints WHERE thread_id = ? ORDER BY seq ASC`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("query checkpoint chain: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var chain []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		chain = append(chain, *cp)
	}
	return chain, rows.Err()
}

// Resumable implements Store: threads whose latest state is non-terminal.
func (s *SQLiteStore) Resumable(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.thread_id, c.state
		   FROM checkpoints c
		   JOIN (SELECT thread_id, MAX(seq) AS max_seq FROM checkpoints GROUP BY thread_id) latest
		     ON c.thread_id = latest.thread_id AND c.seq = latest.max_seq`,
	)
	if err != nil {
		return nil, fmt.Errorf("query resumable threads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var threads []string
	for rows.Next() {
		var threadID string
		var blob []byte
		if err := rows.Scan(&threadID, &blob); err != nil {
			return nil, fmt.Errorf("scan resumable row: %w", err)
		}
		status, err := blobStatus(blob)
		if err != nil {
			s.logger.Warn("checkpoint.resumable.undecodable", "thread_id", threadID, "error", err.Error())
			continue
		}
		if !status.Terminal() {
			threads = append(threads, threadID)
		}
	}
	return threads, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// rowScanner abstracts *sql.Row and *sql.Rows for scanCheckpoint.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var cp Checkpoint
	var parent sql.NullString
	var createdAt string
	if err := row.Scan(&cp.ThreadID, &cp.ID, &parent, &cp.State, &createdAt); err != nil {
		return nil, err
	}
	cp.ParentID = parent.String
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint timestamp: %w", err)
	}
	cp.CreatedAt = ts
	return &cp, nil
}
