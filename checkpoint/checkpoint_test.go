package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentcore/core"
)

// Interface compliance (compile-time assertions)
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*InMemoryStore)(nil)
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleState(iteration int, status core.Status) *core.AgentState {
	state := core.NewAgentState()
	state.Append(core.UserMessage{Text: "schedule a meeting"})
	state.Append(core.AssistantMessage{
		FunctionCall: &core.FunctionCall{ID: "call-1", Name: "schedule_meeting", Arguments: `{"when":"2pm"}`},
	})
	state.MarkToolUsed("schedule_meeting")
	state.PendingCall = &core.FunctionCall{ID: "call-1", Name: "schedule_meeting", Arguments: `{"when":"2pm"}`}
	state.Iteration = iteration
	state.Status = status
	return state
}

func runStoreTests(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("latest on empty thread", func(t *testing.T) {
		_, err := store.Latest(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("round trip fidelity", func(t *testing.T) {
		state := sampleState(1, core.StatusRunning)
		id, err := store.Put(ctx, "thread-rt", state)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		latest, err := store.Latest(ctx, "thread-rt")
		require.NoError(t, err)
		assert.Equal(t, id, latest.ID)
		assert.Empty(t, latest.ParentID)

		restored, err := latest.AgentState()
		require.NoError(t, err)
		assert.Equal(t, state.Messages, restored.Messages)
		assert.Equal(t, state.ToolsUsed, restored.ToolsUsed)
		assert.Equal(t, state.PendingCall, restored.PendingCall)
	})

	t.Run("chain is linear ancestry", func(t *testing.T) {
		threadID := "thread-chain"
		var ids []string
		for i := 0; i < 4; i++ {
			status := core.StatusRunning
			if i == 3 {
				status = core.StatusDone
			}
			id, err := store.Put(ctx, threadID, sampleState(i, status))
			require.NoError(t, err)
			ids = append(ids, id)
		}

		chain, err := store.Chain(ctx, threadID)
		require.NoError(t, err)
		require.Len(t, chain, 4)

		// Strictly ordered ancestry: each node's parent is its predecessor,
		// the first node has no parent, no cycles possible.
		assert.Empty(t, chain[0].ParentID)
		for i := 1; i < len(chain); i++ {
			assert.Equal(t, chain[i-1].ID, chain[i].ParentID)
			assert.Equal(t, ids[i], chain[i].ID)
		}

		latest, err := store.Latest(ctx, threadID)
		require.NoError(t, err)
		assert.Equal(t, chain[len(chain)-1].ID, latest.ID)
	})

	t.Run("recovery scan marks only non-terminal threads", func(t *testing.T) {
		_, err := store.Put(ctx, "thread-crashed", sampleState(2, core.StatusRunning))
		require.NoError(t, err)
		_, err = store.Put(ctx, "thread-done", sampleState(2, core.StatusDone))
		require.NoError(t, err)
		_, err = store.Put(ctx, "thread-failed", sampleState(5, core.StatusFailed))
		require.NoError(t, err)

		resumable, err := store.Resumable(ctx)
		require.NoError(t, err)
		assert.Contains(t, resumable, "thread-crashed")
		assert.NotContains(t, resumable, "thread-done")
		assert.NotContains(t, resumable, "thread-failed")
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreTests(t, openTestStore(t))
}

func TestInMemoryStore(t *testing.T) {
	runStoreTests(t, NewInMemoryStore())
}

func TestSQLiteStore_ReopenKeepsChain(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoints.db")

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	_, err = store.Put(ctx, "thread-1", sampleState(0, core.StatusRunning))
	require.NoError(t, err)
	id2, err := store.Put(ctx, "thread-1", sampleState(1, core.StatusRunning))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	latest, err := reopened.Latest(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, id2, latest.ID)

	resumable, err := reopened.Resumable(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"thread-1"}, resumable)
}
