package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/hupe1980/agentcore/checkpoint"
	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/provider"
	"github.com/hupe1980/agentcore/tool"
	"github.com/hupe1980/agentcore/verify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func schedulingTool(t *testing.T) *tool.FunctionTool {
	t.Helper()
	return tool.NewFunctionTool(
		"schedule_meeting",
		"Schedule a meeting with an attendee at a given time.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"attendee": map[string]any{"type": "string"},
				"time":     map[string]any{"type": "string"},
			},
			"required": []any{"attendee", "time"},
		},
		func(_ context.Context, args map[string]any) (any, error) {
			return fmt.Sprintf("meeting with %v at %v confirmed", args["attendee"], args["time"]), nil
		},
	)
}

func newTestEngine(t *testing.T, model *provider.MockModel, optFns ...func(o *Options)) (*Engine, checkpoint.Store, *tool.Registry) {
	t.Helper()
	store := checkpoint.NewInMemoryStore()
	registry := tool.NewRegistry()
	require.NoError(t, registry.Register(schedulingTool(t)))
	router := provider.NewRouter()
	require.NoError(t, router.Register("primary", provider.TierStandard, model))
	return New(store, registry, router, optFns...), store, registry
}

func TestEngine_ToolLoopScenario(t *testing.T) {
	model := provider.NewMockModel("m")
	model.Enqueue(
		provider.MockStep{FunctionCall: &core.FunctionCall{
			Name:      "schedule_meeting",
			Arguments: `{"attendee": "Alex", "time": "tomorrow 2pm"}`,
		}},
		provider.MockStep{Text: "Meeting scheduled with Alex tomorrow at 2pm."},
	)
	e, store, _ := newTestEngine(t, model)

	result, err := e.Run(context.Background(), "thread-1", "Schedule a meeting with Alex tomorrow at 2pm")
	require.NoError(t, err)

	assert.Equal(t, core.StatusDone, result.Status)
	assert.Equal(t, "Meeting scheduled with Alex tomorrow at 2pm.", result.FinalAnswer)
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, 2, result.Checkpoints)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "schedule_meeting", result.ToolCalls[0].Tool)
	assert.Equal(t, "success", result.ToolCalls[0].Status)

	chain, err := store.Chain(context.Background(), "thread-1")
	require.NoError(t, err)
	assert.Len(t, chain, 2)

	state, err := chain[len(chain)-1].AgentState()
	require.NoError(t, err)
	assert.Equal(t, core.StatusDone, state.Status)
	assert.True(t, state.ToolsUsed["schedule_meeting"])
	assert.Nil(t, state.PendingCall)
}

func TestEngine_IterationLimit(t *testing.T) {
	model := provider.NewMockModel("m")
	for i := 0; i < 10; i++ {
		model.Enqueue(provider.MockStep{FunctionCall: &core.FunctionCall{
			Name:      "schedule_meeting",
			Arguments: `{"attendee": "Alex", "time": "noon"}`,
		}})
	}
	e, _, _ := newTestEngine(t, model)

	result, err := e.Run(context.Background(), "thread-1", "loop forever")
	require.ErrorIs(t, err, ErrIterationLimit)
	assert.Equal(t, core.StatusFailed, result.Status)
	assert.Equal(t, DefaultMaxIterations, result.Iterations)
}

func TestEngine_UnparseableDecisionRetries(t *testing.T) {
	model := provider.NewMockModel("m")
	model.Enqueue(
		provider.MockStep{}, // neither content nor function call
		provider.MockStep{Text: "recovered"},
	)
	e, _, _ := newTestEngine(t, model)

	result, err := e.Run(context.Background(), "thread-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.FinalAnswer)
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, 2, result.Checkpoints)
}

func TestEngine_ResumeFromNonTerminalCheckpoint(t *testing.T) {
	model := provider.NewMockModel("m")
	model.Enqueue(provider.MockStep{Text: "picking up where we left off"})
	e, store, _ := newTestEngine(t, model)

	// Simulate a crashed run: the latest checkpoint never reached a
	// terminal status.
	crashed := core.NewAgentState()
	crashed.Append(core.UserMessage{Text: "original request"})
	crashed.Iteration = 2
	crashed.Status = core.StatusRunning
	_, err := store.Put(context.Background(), "thread-1", crashed)
	require.NoError(t, err)

	result, err := e.Run(context.Background(), "thread-1", "continue")
	require.NoError(t, err)
	assert.Equal(t, core.StatusDone, result.Status)
	assert.Equal(t, 3, result.Iterations)
}

func TestEngine_TerminalCheckpointStartsFresh(t *testing.T) {
	model := provider.NewMockModel("m")
	model.Enqueue(provider.MockStep{Text: "new conversation"})
	e, store, _ := newTestEngine(t, model)

	done := core.NewAgentState()
	done.Iteration = 4
	done.Status = core.StatusDone
	_, err := store.Put(context.Background(), "thread-1", done)
	require.NoError(t, err)

	result, err := e.Run(context.Background(), "thread-1", "hi again")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Iterations)
}

func TestEngine_ProviderFallbackDuringRun(t *testing.T) {
	primary := provider.NewMockModel("primary")
	primary.Enqueue(provider.MockStep{Err: errors.New("provider down")})
	secondary := provider.NewMockModel("secondary")
	secondary.Enqueue(provider.MockStep{Text: "served by secondary"})

	store := checkpoint.NewInMemoryStore()
	registry := tool.NewRegistry()
	router := provider.NewRouter()
	require.NoError(t, router.Register("primary", provider.TierStandard, primary))
	require.NoError(t, router.Register("secondary", provider.TierStandard, secondary))
	e := New(store, registry, router)

	result, err := e.Run(context.Background(), "thread-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "served by secondary", result.FinalAnswer)
}

func TestEngine_ChainExhaustedFailsRun(t *testing.T) {
	only := provider.NewMockModel("only")
	only.Enqueue(provider.MockStep{Err: errors.New("down")})

	store := checkpoint.NewInMemoryStore()
	registry := tool.NewRegistry()
	router := provider.NewRouter()
	require.NoError(t, router.Register("only", provider.TierStandard, only))
	e := New(store, registry, router)

	result, err := e.Run(context.Background(), "thread-1", "hello")
	require.ErrorIs(t, err, provider.ErrProviderUnavailable)
	assert.Equal(t, core.StatusFailed, result.Status)
}

type failingStore struct{ checkpoint.Store }

func (failingStore) Put(context.Context, string, *core.AgentState) (string, error) {
	return "", errors.New("disk full")
}

func (failingStore) Latest(context.Context, string) (*checkpoint.Checkpoint, error) {
	return nil, checkpoint.ErrNotFound
}

func TestEngine_PersistenceFailureIsFatal(t *testing.T) {
	model := provider.NewMockModel("m")
	model.Enqueue(provider.MockStep{Text: "answer"})

	registry := tool.NewRegistry()
	router := provider.NewRouter()
	require.NoError(t, router.Register("primary", provider.TierStandard, model))
	e := New(failingStore{}, registry, router)

	_, err := e.Run(context.Background(), "thread-1", "hello")
	require.ErrorIs(t, err, ErrPersistence)
}

func TestEngine_RunStream(t *testing.T) {
	model := provider.NewMockModel("m")
	model.Enqueue(provider.MockStep{Text: "hi!"})
	e, _, _ := newTestEngine(t, model)

	chunks, errCh := e.RunStream(context.Background(), "thread-1", "hello")

	var partial string
	var final *Chunk
	for c := range chunks {
		if c.Final {
			cc := c
			final = &cc
			continue
		}
		partial += c.Text
	}
	require.NoError(t, <-errCh)
	require.NotNil(t, final)
	assert.Equal(t, "hi!", final.Text)
	assert.Equal(t, "hi!", partial)
}

func TestEngine_SameThreadSerializes(t *testing.T) {
	model := provider.NewMockModel("m")
	for i := 0; i < 4; i++ {
		model.Enqueue(provider.MockStep{Text: "ok"})
	}
	e, store, _ := newTestEngine(t, model)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Run(context.Background(), "thread-1", "hello")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// All four runs persisted without interleaving; the chain stays linear.
	chain, err := store.Chain(context.Background(), "thread-1")
	require.NoError(t, err)
	require.Len(t, chain, 4)
	for i := 1; i < len(chain); i++ {
		assert.Equal(t, chain[i-1].ID, chain[i].ParentID)
	}
}

func TestEngine_VerifyFinalEscalates(t *testing.T) {
	standard := provider.NewMockModel("standard")
	standard.Enqueue(provider.MockStep{Text: "maybe A"})
	// Disagreeing verification samples push agreement below threshold.
	standard.Enqueue(
		provider.MockStep{Text: "A"},
		provider.MockStep{Text: "B"},
		provider.MockStep{Text: "C"},
	)
	heavy := provider.NewMockModel("heavy")
	heavy.Enqueue(provider.MockStep{Text: "definitely A"})

	store := checkpoint.NewInMemoryStore()
	registry := tool.NewRegistry()
	router := provider.NewRouter()
	require.NoError(t, router.Register("standard", provider.TierStandard, standard))
	require.NoError(t, router.Register("heavy", provider.TierHeavy, heavy))

	e := New(store, registry, router, func(o *Options) {
		o.Verifier = verify.NewVerifier()
		o.VerifyFinal = true
		o.VerifySamples = 3
	})

	result, err := e.Run(context.Background(), "thread-1", "ambiguous question")
	require.NoError(t, err)
	assert.Equal(t, "definitely A", result.FinalAnswer)
	assert.Equal(t, 1, heavy.Calls())
}

func TestEngine_VerifyFinalAcceptsAgreement(t *testing.T) {
	standard := provider.NewMockModel("standard")
	standard.Enqueue(provider.MockStep{Text: "blue"})
	standard.Enqueue(
		provider.MockStep{Text: "blue"},
		provider.MockStep{Text: "Blue"},
		provider.MockStep{Text: " blue "},
	)
	heavy := provider.NewMockModel("heavy")

	store := checkpoint.NewInMemoryStore()
	registry := tool.NewRegistry()
	router := provider.NewRouter()
	require.NoError(t, router.Register("standard", provider.TierStandard, standard))
	require.NoError(t, router.Register("heavy", provider.TierHeavy, heavy))

	e := New(store, registry, router, func(o *Options) {
		o.Verifier = verify.NewVerifier()
		o.VerifyFinal = true
		o.VerifySamples = 3
	})

	result, err := e.Run(context.Background(), "thread-1", "what color is the sky")
	require.NoError(t, err)
	assert.Equal(t, "blue", result.FinalAnswer)
	assert.Equal(t, 0, heavy.Calls())
}

func TestFSM_RejectsInvalidTransition(t *testing.T) {
	m := newFSM()
	require.NoError(t, m.to(PhaseDeciding))
	require.Error(t, m.to(PhaseExecuting))
	require.NoError(t, m.to(PhaseToolPending))
	require.NoError(t, m.to(PhaseExecuting))
	require.NoError(t, m.to(PhaseDeciding))
	require.NoError(t, m.to(PhaseDone))
	require.Error(t, m.to(PhaseDeciding))
}
