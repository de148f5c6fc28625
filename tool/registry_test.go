package tool

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hupe1980/agentcore/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Interface compliance (compile-time assertions)
var (
	_ Tool = (*FunctionTool)(nil)
	_ Tool = (*SearchTool)(nil)
)

func newTestRegistry() *Registry {
	return NewRegistry(func(o *RegistryOptions) {
		o.BackoffBase = time.Millisecond
	})
}

// flakyTool fails a configurable number of times before succeeding.
type flakyTool struct {
	name      string
	failures  int32
	callCount int32
}

func (t *flakyTool) Name() string        { return t.name }
func (t *flakyTool) Description() string { return "test tool" }
func (t *flakyTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (t *flakyTool) Call(_ context.Context, _ map[string]any) (any, error) {
	n := atomic.AddInt32(&t.callCount, 1)
	if n <= atomic.LoadInt32(&t.failures) {
		return nil, errors.New("simulated timeout")
	}
	return "ok", nil
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	reg := newTestRegistry()
	require.NoError(t, reg.Register(&flakyTool{name: "search_web"}))
	assert.Error(t, reg.Register(&flakyTool{name: "search_web"}))
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg := newTestRegistry()
	_, err := reg.Get("nope")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRegistry_CallRetriesThenSucceeds(t *testing.T) {
	reg := newTestRegistry()
	tool := &flakyTool{name: "search_web", failures: 2}
	require.NoError(t, reg.Register(tool, func(d *Descriptor) {
		d.MaxRetries = 2
	}))

	env := reg.Call(context.Background(), "search_web", "call-1", "")
	assert.True(t, env.Succeeded())
	assert.Equal(t, 3, env.Attempts)
	assert.Equal(t, "ok", env.Result)

	metrics := reg.Metrics()["search_web"]
	assert.Equal(t, int64(1), metrics.Calls)
	assert.Equal(t, int64(1), metrics.Successes)
	assert.Zero(t, metrics.ConsecutiveFailures)
}

func TestRegistry_BreakerTripsAfterThreshold(t *testing.T) {
	reg := newTestRegistry()
	tool := &flakyTool{name: "search_web", failures: 1 << 20}
	require.NoError(t, reg.Register(tool, func(d *Descriptor) {
		d.MaxRetries = 0
		d.BreakerThreshold = 3
	}))

	for i := 0; i < 3; i++ {
		env := reg.Call(context.Background(), "search_web", "", "")
		assert.False(t, env.Succeeded())
	}

	metrics := reg.Metrics()["search_web"]
	assert.Equal(t, 3, metrics.ConsecutiveFailures)
	assert.True(t, metrics.Tripped)

	// The 4th lookup returns unavailable without invoking the executor.
	executed := atomic.LoadInt32(&tool.callCount)
	_, err := reg.Get("search_web")
	assert.ErrorIs(t, err, ErrUnavailable)
	env := reg.Call(context.Background(), "search_web", "", "")
	assert.False(t, env.Succeeded())
	assert.Equal(t, executed, atomic.LoadInt32(&tool.callCount))
}

func TestRegistry_SingleSuccessClearsBreaker(t *testing.T) {
	reg := newTestRegistry()
	tool := &flakyTool{name: "search_web", failures: 3}
	require.NoError(t, reg.Register(tool, func(d *Descriptor) {
		d.MaxRetries = 0
		d.BreakerThreshold = 3
	}))

	for i := 0; i < 3; i++ {
		reg.Call(context.Background(), "search_web", "", "")
	}
	assert.True(t, reg.Metrics()["search_web"].Tripped)

	// Manual reset is the only recovery path; the next call succeeds and
	// zeroes the failure count.
	require.NoError(t, reg.Reset("search_web"))
	env := reg.Call(context.Background(), "search_web", "", "")
	assert.True(t, env.Succeeded())

	metrics := reg.Metrics()["search_web"]
	assert.False(t, metrics.Tripped)
	assert.Zero(t, metrics.ConsecutiveFailures)
}

func TestRegistry_DescriptorsExcludeTripped(t *testing.T) {
	reg := newTestRegistry()
	require.NoError(t, reg.Register(&flakyTool{name: "healthy"}))
	broken := &flakyTool{name: "broken", failures: 1 << 20}
	require.NoError(t, reg.Register(broken, func(d *Descriptor) {
		d.MaxRetries = 0
		d.BreakerThreshold = 1
	}))

	reg.Call(context.Background(), "broken", "", "")

	descs := reg.Descriptors()
	require.Len(t, descs, 1)
	assert.Equal(t, "healthy", descs[0].Name)
}

func TestRegistry_TimeoutBoundsAttempt(t *testing.T) {
	reg := newTestRegistry()
	slow := NewFunctionTool("slow", "sleeps forever", map[string]any{"type": "object", "properties": map[string]any{}},
		func(ctx context.Context, _ map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	require.NoError(t, reg.Register(slow, func(d *Descriptor) {
		d.Timeout = 10 * time.Millisecond
		d.MaxRetries = 0
	}))

	start := time.Now()
	env := reg.Call(context.Background(), "slow", "", "")
	assert.False(t, env.Succeeded())
	assert.Less(t, time.Since(start), time.Second)
}

func TestRegistry_InvalidArguments(t *testing.T) {
	reg := newTestRegistry()
	require.NoError(t, reg.Register(&flakyTool{name: "search_web"}))

	env := reg.Call(context.Background(), "search_web", "", `{"broken`)
	assert.False(t, env.Succeeded())
	assert.Contains(t, env.Error, "invalid arguments")
	// Malformed arguments never count against the breaker.
	assert.Zero(t, reg.Metrics()["search_web"].ConsecutiveFailures)
}

func TestFunctionTool_Validation(t *testing.T) {
	sum := NewFunctionTool(
		"calculate_sum",
		"Calculate the sum of two numbers",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
			"required": []string{"a", "b"},
		},
		func(_ context.Context, args map[string]any) (any, error) {
			return args["a"].(float64) + args["b"].(float64), nil
		},
	)

	result, err := sum.Call(context.Background(), map[string]any{"a": 2.0, "b": 3.0})
	require.NoError(t, err)
	assert.Equal(t, 5.0, result)

	_, err = sum.Call(context.Background(), map[string]any{"a": 2.0})
	var toolErr *Error
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "VALIDATION_ERROR", toolErr.Code)
}

// stubRetriever returns canned scored results.
type stubRetriever struct{ results []SearchResult }

func (s *stubRetriever) Search(_ context.Context, _ string, _ int) ([]SearchResult, error) {
	return s.results, nil
}

func TestSearchTool_FiltersLowRelevance(t *testing.T) {
	retriever := &stubRetriever{results: []SearchResult{
		{ID: "1", Content: "relevant", Score: 0.9},
		{ID: "2", Content: "borderline", Score: 0.2},
		{ID: "3", Content: "noise", Score: 0.1},
	}}
	search := NewSearchTool(retriever)

	result, err := search.Call(context.Background(), map[string]any{"query": "anything"})
	require.NoError(t, err)

	filtered, ok := result.([]SearchResult)
	require.True(t, ok)
	require.Len(t, filtered, 2)
	assert.Equal(t, "1", filtered[0].ID)
	assert.Equal(t, "2", filtered[1].ID)
}

func TestRegistry_CallEmitsStructuredToolRecord(t *testing.T) {
	buf := &bytes.Buffer{}
	cfg := logging.DefaultLoggerConfig()
	cfg.Output = buf
	cfg.AddSource = false
	reg := NewRegistry(func(o *RegistryOptions) {
		o.BackoffBase = time.Millisecond
		o.Logger = logging.NewLogger(cfg)
	})
	require.NoError(t, reg.Register(&flakyTool{name: "search_web"}))

	env := reg.Call(context.Background(), "search_web", "call-1", "")
	require.True(t, env.Succeeded())

	out := buf.String()
	assert.Contains(t, out, `"msg":"Tool execution completed"`)
	assert.Contains(t, out, `"tool_name":"search_web"`)
	assert.Contains(t, out, `"success":true`)
}
