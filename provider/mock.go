package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/agentcore/core"
)

// MockStep scripts one Generate call of a MockModel. Err short-circuits the
// call; otherwise Text and/or FunctionCall form the final response.
type MockStep struct {
	Text         string
	FunctionCall *core.FunctionCall
	FinishReason string
	Err          error
}

// MockModel is a lightweight in-memory Model useful for tests & examples.
// Scripted steps are consumed in order, one per Generate call; once the
// script is exhausted it falls back to canned prompt/response pairs.
type MockModel struct {
	mu        sync.Mutex
	info      Info
	steps     []MockStep
	responses map[string]string
	calls     int
}

// NewMockModel constructs a MockModel with tool support enabled.
func NewMockModel(name string) *MockModel {
	return &MockModel{
		info: Info{
			Name:          name,
			Provider:      "mock",
			SupportsTools: true,
		},
		responses: make(map[string]string),
	}
}

// Enqueue appends scripted steps consumed by subsequent Generate calls.
func (m *MockModel) Enqueue(steps ...MockStep) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, steps...)
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// Calls reports how many Generate calls the model has served.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Generate implements Model; emits optional streaming char chunks then the
// scripted (or canned) final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	m.mu.Lock()
	m.calls++
	var step *MockStep
	if len(m.steps) > 0 {
		s := m.steps[0]
		m.steps = m.steps[1:]
		step = &s
	}
	m.mu.Unlock()

	go func() {
		defer close(respCh)
		defer close(errCh)

		if step != nil {
			if step.Err != nil {
				errCh <- step.Err
				return
			}
			m.emit(ctx, req, *step, respCh, errCh)
			return
		}

		var inputText string
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if um, ok := req.Messages[i].(core.UserMessage); ok {
				inputText = um.Text
				break
			}
		}
		full := m.lookup(inputText)
		m.emit(ctx, req, MockStep{Text: full}, respCh, errCh)
	}()
	return respCh, errCh
}

func (m *MockModel) lookup(inputText string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if full, ok := m.responses[inputText]; ok {
		return full
	}
	return fmt.Sprintf("Mock response to: %s", inputText)
}

func (m *MockModel) emit(ctx context.Context, req Request, step MockStep, respCh chan<- Response, errCh chan<- error) {
	if req.Stream && step.Text != "" {
		for _, r := range step.Text {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case respCh <- Response{Partial: true, Text: string(r)}:
			}
		}
	}
	finish := step.FinishReason
	if finish == "" {
		finish = "stop"
		if step.FunctionCall != nil {
			finish = "tool_calls"
		}
	}
	respCh <- Response{
		Partial:      false,
		Text:         step.Text,
		FunctionCall: step.FunctionCall,
		FinishReason: finish,
	}
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }
