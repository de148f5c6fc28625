package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentcore/logging"
)

// ErrUnavailable is returned by Get when a tool is unknown or its circuit
// breaker is tripped.
var ErrUnavailable = errors.New("tool: unavailable")

// Envelope is the uniform result of a registry call: either a success result
// or an error, plus observability metadata.
type Envelope struct {
	Tool     string        `json:"tool"`
	CallID   string        `json:"call_id,omitempty"`
	Status   string        `json:"status"` // "success" or "error"
	Result   any           `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
	Attempts int           `json:"attempts"`
	Latency  time.Duration `json:"latency"`
}

// Succeeded reports whether the call produced a success result.
func (e *Envelope) Succeeded() bool { return e.Status == "success" }

// ResultText serializes the result payload for inclusion in model context.
func (e *Envelope) ResultText() string {
	if !e.Succeeded() {
		return e.Error
	}
	switch v := e.Result.(type) {
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// Metrics is a snapshot of per-tool observability counters.
type Metrics struct {
	Calls               int64         `json:"calls"`
	Successes           int64         `json:"successes"`
	CumulativeLatency   time.Duration `json:"cumulative_latency"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Tripped             bool          `json:"tripped"`
}

// entry pairs a tool with its policy and mutable breaker/metric state. Each
// entry carries its own lock so unrelated tools never contend.
type entry struct {
	tool Tool
	desc Descriptor

	mu                  sync.Mutex
	consecutiveFailures int
	tripped             bool
	calls               int64
	successes           int64
	cumulativeLatency   time.Duration
}

// available reports whether calls may be routed to this tool.
func (e *entry) available() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.tripped
}

// recordSuccess resets breaker state; a single success clears a trip.
func (e *entry) recordSuccess(latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.successes++
	e.cumulativeLatency += latency
	e.consecutiveFailures = 0
	e.tripped = false
}

// recordFailure counts one exhausted call and trips the breaker at threshold.
func (e *entry) recordFailure(latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.cumulativeLatency += latency
	e.consecutiveFailures++
	e.tripped = e.consecutiveFailures >= e.desc.BreakerThreshold
}

// Registry holds the set of callable tools. It is constructed once at
// startup, registration is immutable thereafter, and all breaker mutation
// goes through its locked methods. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	backoffBase time.Duration
	logger      logging.Logger
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// BackoffBase is the base delay for exponential retry backoff
	// (base × 2^attempt). Defaults to 100ms.
	BackoffBase time.Duration
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// NewRegistry constructs an empty tool registry.
func NewRegistry(optFns ...func(o *RegistryOptions)) *Registry {
	opts := RegistryOptions{
		BackoffBase: defaultBackoffBase,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Registry{
		entries:     make(map[string]*entry),
		backoffBase: opts.BackoffBase,
		logger:      opts.Logger,
	}
}

// Register adds a tool with its execution policy. Policy fields left unset
// fall back to defaults (10s timeout, 2 retries, breaker threshold 3).
// Registering a duplicate name is an error.
func (r *Registry) Register(t Tool, optFns ...func(d *Descriptor)) error {
	desc := Descriptor{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Parameters(),
	}
	desc.applyDefaults()
	for _, fn := range optFns {
		fn(&desc)
	}
	desc.applyDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[desc.Name]; exists {
		return fmt.Errorf("tool %q already registered", desc.Name)
	}
	r.entries[desc.Name] = &entry{tool: t, desc: desc}
	r.logger.Debug("tool.registered", "tool", desc.Name, "timeout", desc.Timeout, "max_retries", desc.MaxRetries)
	return nil
}

// Get returns the named tool, or ErrUnavailable when the tool is unknown or
// its breaker is tripped. The underlying executor is never touched here.
func (r *Registry) Get(name string) (Tool, error) {
	e := r.lookup(name)
	if e == nil {
		return nil, fmt.Errorf("unknown tool %q: %w", name, ErrUnavailable)
	}
	if !e.available() {
		return nil, fmt.Errorf("tool %q circuit breaker open: %w", name, ErrUnavailable)
	}
	return e.tool, nil
}

// Descriptors returns the descriptors of all currently available tools
// (breaker-tripped tools are excluded), for prompt construction.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descs := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		if e.available() {
			descs = append(descs, e.desc)
		}
	}
	return descs
}

// Call executes the named tool with JSON-encoded arguments. One attempt per
// Descriptor.Timeout; failures retry up to MaxRetries with exponential
// backoff; exhausting retries counts one breaker failure. The returned
// Envelope is never nil.
func (r *Registry) Call(ctx context.Context, name, callID, argsJSON string) *Envelope {
	env := &Envelope{Tool: name, CallID: callID, Status: "error"}

	e := r.lookup(name)
	if e == nil || !e.available() {
		env.Error = fmt.Sprintf("tool %q not found or circuit breaker open", name)
		return env
	}

	args := map[string]any{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			env.Error = fmt.Sprintf("invalid arguments for %q: %v", name, err)
			return env
		}
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= e.desc.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := r.sleep(ctx, r.backoffBase<<(attempt-1)); err != nil {
				lastErr = err
				break
			}
		}

		env.Attempts = attempt + 1
		result, err := r.execute(ctx, e, args)
		if err == nil {
			env.Status = "success"
			env.Result = result
			env.Latency = time.Since(start)
			e.recordSuccess(env.Latency)
			r.logToolCall(name, env.Latency, true, nil)
			r.logger.Debug("tool.call.success", "tool", name, "attempts", env.Attempts, "latency_ms", env.Latency.Milliseconds())
			return env
		}
		lastErr = err
		r.logger.Warn("tool.call.attempt_failed", "tool", name, "attempt", attempt+1, "error", err.Error())
		if ctx.Err() != nil {
			break
		}
	}

	env.Latency = time.Since(start)
	env.Error = lastErr.Error()
	e.recordFailure(env.Latency)
	r.logToolCall(name, env.Latency, false, lastErr)
	r.logger.Error("tool.call.exhausted", "tool", name, "attempts", env.Attempts, "error", env.Error)
	return env
}

// logToolCall emits the structured tool-call record when the configured
// logger supports it.
func (r *Registry) logToolCall(name string, d time.Duration, success bool, err error) {
	if rl, ok := r.logger.(*logging.RuntimeLogger); ok {
		rl.LogToolCall(name, d, success, err)
	}
}

// execute runs a single bounded attempt. The executor runs in its own
// goroutine so a non-cooperative tool cannot stall the caller past the
// timeout; an abandoned attempt finishes (or leaks) in the background.
func (r *Registry) execute(ctx context.Context, e *entry, args map[string]any) (any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.desc.Timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("tool %q panicked: %v", e.desc.Name, rec)}
			}
		}()
		result, err := e.tool.Call(attemptCtx, args)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-attemptCtx.Done():
		return nil, fmt.Errorf("tool %q: %w", e.desc.Name, attemptCtx.Err())
	case out := <-done:
		return out.result, out.err
	}
}

// sleep waits for the backoff delay honoring cancellation.
func (r *Registry) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Metrics returns a snapshot of per-tool counters and breaker state.
func (r *Registry) Metrics() map[string]Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Metrics, len(r.entries))
	for name, e := range r.entries {
		e.mu.Lock()
		out[name] = Metrics{
			Calls:               e.calls,
			Successes:           e.successes,
			CumulativeLatency:   e.cumulativeLatency,
			ConsecutiveFailures: e.consecutiveFailures,
			Tripped:             e.tripped,
		}
		e.mu.Unlock()
	}
	return out
}

// Reset manually clears the named tool's breaker state. Tripped breakers do
// not auto-reset; recovery is via this call or a process restart.
func (r *Registry) Reset(name string) error {
	e := r.lookup(name)
	if e == nil {
		return fmt.Errorf("unknown tool %q: %w", name, ErrUnavailable)
	}
	e.mu.Lock()
	e.consecutiveFailures = 0
	e.tripped = false
	e.mu.Unlock()
	r.logger.Info("tool.breaker.reset", "tool", name)
	return nil
}

// ResetAll clears breaker state for every registered tool.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, e := range r.entries {
		e.mu.Lock()
		e.consecutiveFailures = 0
		e.tripped = false
		e.mu.Unlock()
		r.logger.Info("tool.breaker.reset", "tool", name)
	}
}

func (r *Registry) lookup(name string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}
