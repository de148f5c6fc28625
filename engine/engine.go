package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/agentcore/checkpoint"
	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/internal/util"
	"github.com/hupe1980/agentcore/logging"
	"github.com/hupe1980/agentcore/provider"
	"github.com/hupe1980/agentcore/tool"
	"github.com/hupe1980/agentcore/verify"
)

var (
	// ErrIterationLimit marks a run that hit the iteration cap before
	// converging. The RunResult still carries the best partial answer.
	ErrIterationLimit = errors.New("engine: iteration limit exceeded")

	// ErrPersistence marks a failed checkpoint write. Persistence failures
	// are fatal for the run; no transition completes without its checkpoint.
	ErrPersistence = errors.New("engine: checkpoint write failed")
)

const (
	// DefaultMaxIterations caps decide/act cycles per run.
	DefaultMaxIterations = 5
	// DefaultContextWindow is the number of recent context items in prompts.
	DefaultContextWindow = 3
	// DefaultErrorWindow is the number of recent errors in prompts.
	DefaultErrorWindow = 2

	defaultInstructions = "You are a helpful assistant. Use the available tools when a task requires external action; otherwise answer directly."
)

// Options configures an Engine.
type Options struct {
	// MaxIterations caps decide/act cycles per run (default 5).
	MaxIterations int

	// ContextWindow bounds the recent-context items folded into each
	// prompt (default 3).
	ContextWindow int

	// ErrorWindow bounds the recent errors folded into each prompt
	// (default 2).
	ErrorWindow int

	// Instructions is the base system prompt.
	Instructions string

	// Logger defaults to NoOpLogger.
	Logger logging.Logger

	// Verifier, when set together with VerifyFinal, runs a self-consistency
	// round on the final answer.
	Verifier *verify.Verifier

	// VerifyFinal enables the verification hook on direct (tool-free) final
	// answers.
	VerifyFinal bool

	// VerifySamples is k for the verification round (default verifier's).
	VerifySamples int

	// EscalationPolicy decides what to do with a verification result.
	// Defaults to ThresholdPolicy(0.6). At most one escalation (a single
	// heavy-tier re-route) happens per run.
	EscalationPolicy verify.EscalationPolicy
}

// ToolCall records one tool invocation made during a run.
type ToolCall struct {
	Tool    string        `json:"tool"`
	CallID  string        `json:"call_id"`
	Status  string        `json:"status"`
	Latency time.Duration `json:"latency"`
}

// RunResult is the outcome of one Run call.
type RunResult struct {
	ThreadID    string      `json:"thread_id"`
	FinalAnswer string      `json:"final_answer"`
	Status      core.Status `json:"status"`
	ToolCalls   []ToolCall  `json:"tool_calls"`
	Iterations  int         `json:"iterations"`
	Checkpoints int         `json:"checkpoints"`
}

// Chunk is one streaming fragment emitted by RunStream. The final chunk
// carries the complete answer.
type Chunk struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// Engine drives the decide/act loop. It is safe for concurrent use; shared
// collaborators (store, registry, router) are long-lived and injected once.
type Engine struct {
	opts     Options
	store    checkpoint.Store
	registry *tool.Registry
	router   *provider.Router
	locks    *threadLocks
}

// New creates an Engine around its four collaborators.
func New(store checkpoint.Store, registry *tool.Registry, router *provider.Router, optFns ...func(o *Options)) *Engine {
	opts := Options{
		MaxIterations: DefaultMaxIterations,
		ContextWindow: DefaultContextWindow,
		ErrorWindow:   DefaultErrorWindow,
		Instructions:  defaultInstructions,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.EscalationPolicy == nil {
		opts.EscalationPolicy = verify.ThresholdPolicy(verify.DefaultThreshold)
	}
	return &Engine{
		opts:     opts,
		store:    store,
		registry: registry,
		router:   router,
		locks:    newThreadLocks(),
	}
}

// Run executes one request to completion and returns the final answer.
func (e *Engine) Run(ctx context.Context, threadID, userMessage string) (*RunResult, error) {
	return e.run(ctx, threadID, userMessage, nil)
}

// RunStream executes one request, emitting incremental chunks as the model
// produces them. The chunk channel closes after the final chunk; a run-level
// failure arrives on the error channel instead. Cancelling ctx stops token
// consumption without invalidating checkpoints already written.
func (e *Engine) RunStream(ctx context.Context, threadID, userMessage string) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 64)
	errCh := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errCh)
		result, err := e.run(ctx, threadID, userMessage, func(c Chunk) {
			select {
			case chunks <- c:
			case <-ctx.Done():
			}
		})
		if err != nil {
			errCh <- err
			return
		}
		chunks <- Chunk{Text: result.FinalAnswer, Final: true}
	}()
	return chunks, errCh
}

// run is the shared loop behind Run and RunStream. sink, when non-nil,
// receives partial text chunks.
func (e *Engine) run(ctx context.Context, threadID, userMessage string, sink func(Chunk)) (*RunResult, error) {
	runID := util.NewID()
	log := e.opts.Logger
	if rl, ok := log.(*logging.RuntimeLogger); ok {
		log = rl.WithThread(threadID, runID)
	}
	start := time.Now()

	lock := e.locks.get(threadID)
	lock.Lock()
	defer lock.Unlock()

	machine := newFSM()
	state, err := e.loadState(ctx, threadID)
	if err != nil {
		return nil, err
	}
	state.Append(core.UserMessage{Text: userMessage})
	state.PushContext(userMessage, e.opts.ContextWindow)
	state.Status = core.StatusRunning

	tier := e.router.Classify(ctx, userMessage)
	log.Info("run started", "tier", string(tier), "resumed_iteration", state.Iteration)

	result := &RunResult{ThreadID: threadID}
	if err := machine.to(PhaseDeciding); err != nil {
		return nil, err
	}

	escalated := false
	for {
		if state.Iteration >= e.opts.MaxIterations {
			state.Status = core.StatusFailed
			result.FinalAnswer = state.LastAssistantText()
			result.Status = state.Status
			if err := machine.to(PhaseFailed); err != nil {
				return nil, err
			}
			if err := e.persist(ctx, threadID, state, result); err != nil {
				return nil, err
			}
			log.Warn("iteration limit exceeded", "iterations", state.Iteration)
			e.logRun(log, threadID, state, start, false, ErrIterationLimit)
			return result, ErrIterationLimit
		}

		resp, providerName, err := e.decide(ctx, state, tier, sink)
		if err != nil {
			state.Status = core.StatusFailed
			result.Status = state.Status
			if ferr := machine.to(PhaseFailed); ferr != nil {
				return nil, ferr
			}
			if perr := e.persist(ctx, threadID, state, result); perr != nil {
				return nil, perr
			}
			e.logRun(log, threadID, state, start, false, err)
			return result, err
		}
		state.Iteration++
		result.Iterations = state.Iteration

		switch {
		case resp.FunctionCall != nil:
			// TOOL_PENDING -> EXECUTING
			if err := machine.to(PhaseToolPending); err != nil {
				return nil, err
			}
			call := resp.FunctionCall
			if call.ID == "" {
				call.ID = util.NewID()
			}
			state.PendingCall = call
			state.Append(core.AssistantMessage{Text: resp.Text, FunctionCall: call})

			if err := machine.to(PhaseExecuting); err != nil {
				return nil, err
			}
			env := e.registry.Call(ctx, call.Name, call.ID, call.Arguments)
			e.applyEnvelope(state, env)
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				Tool:    env.Tool,
				CallID:  env.CallID,
				Status:  env.Status,
				Latency: env.Latency,
			})
			log.Info("tool executed", "tool", env.Tool, "status", env.Status, "attempts", env.Attempts)

			if err := machine.to(PhaseDeciding); err != nil {
				return nil, err
			}
			if err := e.persist(ctx, threadID, state, result); err != nil {
				return nil, err
			}

		case resp.Text == "":
			// Neither content nor a function call parsed: record and retry.
			state.RecordError("unparseable model output: empty decision", e.opts.ErrorWindow)
			if err := e.persist(ctx, threadID, state, result); err != nil {
				return nil, err
			}
			log.Warn("model decision unparseable", "provider", providerName)

		default:
			final := resp.Text
			if e.shouldVerify() && !escalated {
				if better, ok := e.verifyFinal(ctx, state, tier, log); ok {
					final = better
					escalated = true
				}
			}
			state.Append(core.AssistantMessage{Text: final})
			state.PushContext(final, e.opts.ContextWindow)
			state.Status = core.StatusDone
			result.FinalAnswer = final
			result.Status = state.Status
			if err := machine.to(PhaseDone); err != nil {
				return nil, err
			}
			if err := e.persist(ctx, threadID, state, result); err != nil {
				return nil, err
			}
			e.logRun(log, threadID, state, start, true, nil)
			return result, nil
		}
	}
}

// loadState resumes from the thread's latest checkpoint when it captured a
// still-running state; terminal checkpoints start a fresh conversation.
func (e *Engine) loadState(ctx context.Context, threadID string) (*core.AgentState, error) {
	cp, err := e.store.Latest(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return core.NewAgentState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	state, err := cp.AgentState()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if state.Status.Terminal() {
		return core.NewAgentState(), nil
	}
	// Resuming a crashed run: iteration count and messages carry over.
	state.PendingCall = nil
	return state, nil
}

// decide performs one DECIDING step: route within the tier, generate with
// the router's timeout and fall through the fallback chain on provider
// failure. Providers that fail during this request are excluded from
// re-routing so each candidate is attempted at most once.
func (e *Engine) decide(ctx context.Context, state *core.AgentState, tier provider.Tier, sink func(Chunk)) (*provider.Response, string, error) {
	req := e.buildRequest(state, sink != nil)

	var tried []string
	for {
		desc, err := e.router.Route(ctx, tier, tried...)
		if err != nil {
			return nil, "", err
		}
		resp, latency, err := e.generate(ctx, desc.Model, req, sink)
		if err != nil {
			e.router.Record(desc.Name, latency, false)
			e.logModelCall(desc.Name, 0, latency, false, err)
			tried = append(tried, desc.Name)
			e.opts.Logger.Warn("generation failed, advancing fallback chain", "provider", desc.Name, "error", err)
			continue
		}
		e.router.Record(desc.Name, latency, true)
		e.logModelCall(desc.Name, resp.Usage.TotalTokens, latency, true, nil)
		return resp, desc.Name, nil
	}
}

// generate runs one bounded generation call, forwarding partial chunks to
// sink and returning the final response with the call's latency.
func (e *Engine) generate(ctx context.Context, model provider.Model, req provider.Request, sink func(Chunk)) (*provider.Response, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, e.router.GenerateTimeout())
	defer cancel()

	start := time.Now()
	respCh, errCh := model.Generate(ctx, req)

	var final *provider.Response
	for resp := range respCh {
		if resp.Partial {
			if sink != nil && resp.Text != "" {
				sink(Chunk{Text: resp.Text})
			}
			continue
		}
		r := resp
		final = &r
	}
	if err := <-errCh; err != nil {
		return nil, time.Since(start), err
	}
	if final == nil {
		return nil, time.Since(start), fmt.Errorf("model closed stream without final response")
	}
	return final, time.Since(start), nil
}

// buildRequest assembles the bounded prompt: base instructions plus the
// recent context and error windows, the message tail, and definitions of
// every non-tripped tool.
func (e *Engine) buildRequest(state *core.AgentState, stream bool) provider.Request {
	instructions := e.opts.Instructions
	if len(state.Context) > 0 {
		instructions += "\n\nRecent context:"
		for _, item := range state.Context {
			instructions += "\n- " + item
		}
	}
	if len(state.RecentErrors) > 0 {
		instructions += "\n\nRecent errors:"
		for _, item := range state.RecentErrors {
			instructions += "\n- " + item
		}
	}

	var tools []provider.ToolDefinition
	for _, desc := range e.registry.Descriptors() {
		tools = append(tools, provider.NewToolDefinition(desc.Name, desc.Description, desc.Parameters))
	}

	return provider.Request{
		Instructions: instructions,
		Messages:     messageTail(state.Messages, e.opts.ContextWindow),
		Tools:        tools,
		Stream:       stream,
	}
}

// messageTail bounds the conversation sent to the model to roughly window
// exchanges, taking care not to lead with an orphaned tool result.
func messageTail(messages []core.Message, window int) []core.Message {
	limit := window*2 + 2
	if len(messages) <= limit {
		return messages
	}
	tail := messages[len(messages)-limit:]
	for len(tail) > 0 {
		if _, orphaned := tail[0].(core.ToolResultMessage); !orphaned {
			break
		}
		tail = tail[1:]
	}
	return tail
}

// applyEnvelope folds a tool result into agent state.
func (e *Engine) applyEnvelope(state *core.AgentState, env *tool.Envelope) {
	msg := core.ToolResultMessage{
		CallID: env.CallID,
		Tool:   env.Tool,
		Status: env.Status,
	}
	if env.Succeeded() {
		msg.Result = env.ResultText()
	} else {
		msg.Error = env.Error
		state.RecordError(fmt.Sprintf("tool %s failed: %s", env.Tool, env.Error), e.opts.ErrorWindow)
	}
	state.Append(msg)
	state.PushContext(fmt.Sprintf("%s: %s", env.Tool, env.ResultText()), e.opts.ContextWindow)
	state.MarkToolUsed(env.Tool)
	state.PendingCall = nil
}

// persist writes one checkpoint for the completed iteration. A failed write
// aborts the run with ErrPersistence.
func (e *Engine) persist(ctx context.Context, threadID string, state *core.AgentState, result *RunResult) error {
	if _, err := e.store.Put(ctx, threadID, state); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	result.Checkpoints++
	return nil
}

func (e *Engine) shouldVerify() bool {
	return e.opts.VerifyFinal && e.opts.Verifier != nil
}

// verifyFinal runs a self-consistency round on the would-be final answer.
// When the policy asks for escalation, the query is re-routed once to the
// heavy tier; its answer replaces the original on success.
func (e *Engine) verifyFinal(ctx context.Context, state *core.AgentState, tier provider.Tier, log logging.Logger) (string, bool) {
	prompt := state.LastUserText()
	desc, err := e.router.Route(ctx, tier)
	if err != nil {
		return "", false
	}
	res, err := e.opts.Verifier.Verify(ctx, prompt, e.opts.VerifySamples, desc.Model)
	if err != nil {
		log.Warn("verification round failed", "error", err)
		return "", false
	}
	log.Info("verification round", "agreement", res.AgreementRatio, "majority_count", res.MajorityCount)
	if e.opts.EscalationPolicy(*res) != verify.ActionEscalate {
		return "", false
	}

	heavy, err := e.router.Route(ctx, provider.TierHeavy)
	if err != nil {
		log.Warn("escalation requested but heavy tier unavailable", "error", err)
		return "", false
	}
	req := e.buildRequest(state, false)
	resp, latency, err := e.generate(ctx, heavy.Model, req, nil)
	if err != nil || resp.Text == "" {
		e.router.Record(heavy.Name, latency, false)
		return "", false
	}
	e.router.Record(heavy.Name, latency, true)
	log.Info("escalated final answer to heavy tier", "provider", heavy.Name)
	return resp.Text, true
}

func (e *Engine) logRun(log logging.Logger, threadID string, state *core.AgentState, start time.Time, success bool, err error) {
	if rl, ok := log.(*logging.RuntimeLogger); ok {
		rl.LogRun(threadID, state.Iteration, time.Since(start), success, err)
		return
	}
	log.Info("run finished", "thread_id", threadID, "iterations", state.Iteration, "success", success)
}

func (e *Engine) logModelCall(name string, tokens int, d time.Duration, success bool, err error) {
	if rl, ok := e.opts.Logger.(*logging.RuntimeLogger); ok {
		rl.LogModelCall(name, tokens, d, success, err)
	}
}
