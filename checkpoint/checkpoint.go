// Package checkpoint persists immutable snapshots of agent state, one per
// completed workflow transition. Checkpoints for a thread form an append-only,
// singly-linked ancestry chain; the store never updates or deletes rows.
// A startup recovery scan surfaces threads whose latest snapshot is not
// terminal so interrupted runs can be resumed transparently.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/agentcore/core"
)

// ErrNotFound is returned when a thread has no checkpoints.
var ErrNotFound = errors.New("checkpoint: not found")

// Checkpoint is an immutable snapshot of agent state tied to one completed
// workflow transition. ParentID is empty for a thread's first checkpoint.
type Checkpoint struct {
	ThreadID  string    `json:"thread_id"`
	ID        string    `json:"checkpoint_id"`
	ParentID  string    `json:"parent_checkpoint_id,omitempty"`
	State     []byte    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentState decodes the serialized state snapshot.
func (c *Checkpoint) AgentState() (*core.AgentState, error) {
	var state core.AgentState
	if err := json.Unmarshal(c.State, &state); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", c.ID, err)
	}
	return &state, nil
}

// Store persists checkpoint chains keyed by thread. Implementations must make
// Put durable before returning: callers rely on write-ahead semantics for
// crash recovery.
type Store interface {
	// Put appends a new checkpoint whose parent is the thread's current
	// latest checkpoint and returns the new checkpoint id.
	Put(ctx context.Context, threadID string, state *core.AgentState) (string, error)

	// Latest returns the thread's most recent checkpoint, or ErrNotFound.
	Latest(ctx context.Context, threadID string) (*Checkpoint, error)

	// Chain returns the thread's full checkpoint chain ordered from first
	// to latest. The result is finite and safe to iterate repeatedly.
	Chain(ctx context.Context, threadID string) ([]Checkpoint, error)

	// Resumable returns the ids of threads whose latest checkpoint carries
	// a non-terminal status. Used by the startup recovery scan.
	Resumable(ctx context.Context) ([]string, error)

	// Close releases underlying resources.
	Close() error
}

// statusProbe decodes just enough of a state blob to read its status.
type statusProbe struct {
	Status core.Status `json:"status"`
}

// blobStatus extracts the run status from a serialized state snapshot.
func blobStatus(blob []byte) (core.Status, error) {
	var probe statusProbe
	if err := json.Unmarshal(blob, &probe); err != nil {
		return "", fmt.Errorf("decode state status: %w", err)
	}
	return probe.Status, nil
}
