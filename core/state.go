package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// AgentState is the mutable state of one workflow run. It carries the ordered
// message history, a bounded window of recent context items, a bounded window
// of recent error strings, the set of tools used so far, an optional pending
// tool call, the iteration counter and the run start timestamp.
//
// Contract:
//   - Mutated only by the workflow engine, once per loop iteration
//   - Serializes losslessly to JSON for checkpointing (round-trip fidelity
//     for messages, tools used and the pending call)
//   - Clone performs deep copies for safe divergence.
type AgentState struct {
	Messages     []Message
	Context      []string
	RecentErrors []string
	ToolsUsed    map[string]bool
	PendingCall  *FunctionCall
	Iteration    int
	Status       Status
	StartedAt    time.Time
}

// NewAgentState creates a fresh state for a new run.
func NewAgentState() *AgentState {
	return &AgentState{
		ToolsUsed: map[string]bool{},
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
}

// Append adds a message to the ordered history.
func (s *AgentState) Append(m Message) { s.Messages = append(s.Messages, m) }

// PushContext appends a context item, evicting the oldest entries beyond max.
func (s *AgentState) PushContext(item string, max int) {
	s.Context = append(s.Context, item)
	if max > 0 && len(s.Context) > max {
		s.Context = append([]string(nil), s.Context[len(s.Context)-max:]...)
	}
}

// RecordError appends an error string, evicting the oldest entries beyond max.
func (s *AgentState) RecordError(msg string, max int) {
	s.RecentErrors = append(s.RecentErrors, msg)
	if max > 0 && len(s.RecentErrors) > max {
		s.RecentErrors = append([]string(nil), s.RecentErrors[len(s.RecentErrors)-max:]...)
	}
}

// MarkToolUsed records a tool name in the used set.
func (s *AgentState) MarkToolUsed(name string) {
	if s.ToolsUsed == nil {
		s.ToolsUsed = map[string]bool{}
	}
	s.ToolsUsed[name] = true
}

// LastAssistantText returns the most recent assistant content, used as the
// best available partial answer when a run fails to converge.
func (s *AgentState) LastAssistantText() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if am, ok := s.Messages[i].(AssistantMessage); ok && am.Text != "" {
			return am.Text
		}
	}
	return ""
}

// LastUserText returns the most recent user message text.
func (s *AgentState) LastUserText() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if um, ok := s.Messages[i].(UserMessage); ok {
			return um.Text
		}
	}
	return ""
}

// Clone returns a deep copy of the state safe for independent mutation.
func (s *AgentState) Clone() *AgentState {
	clone := &AgentState{
		Messages:     make([]Message, len(s.Messages)),
		Context:      append([]string(nil), s.Context...),
		RecentErrors: append([]string(nil), s.RecentErrors...),
		ToolsUsed:    make(map[string]bool, len(s.ToolsUsed)),
		Iteration:    s.Iteration,
		Status:       s.Status,
		StartedAt:    s.StartedAt,
	}
	copy(clone.Messages, s.Messages)
	for k, v := range s.ToolsUsed {
		clone.ToolsUsed[k] = v
	}
	if s.PendingCall != nil {
		pc := *s.PendingCall
		clone.PendingCall = &pc
	}
	return clone
}

// agentStateJSON is the serialized form of AgentState. Messages are encoded
// as tagged envelopes so the union survives the round trip.
type agentStateJSON struct {
	Messages     json.RawMessage `json:"messages"`
	Context      []string        `json:"context,omitempty"`
	RecentErrors []string        `json:"recent_errors,omitempty"`
	ToolsUsed    []string        `json:"tools_used,omitempty"`
	PendingCall  *FunctionCall   `json:"pending_call,omitempty"`
	Iteration    int             `json:"iteration"`
	Status       Status          `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
}

// MarshalJSON implements json.Marshaler.
func (s *AgentState) MarshalJSON() ([]byte, error) {
	messages, err := MarshalMessages(s.Messages)
	if err != nil {
		return nil, err
	}
	tools := make([]string, 0, len(s.ToolsUsed))
	for name := range s.ToolsUsed {
		tools = append(tools, name)
	}
	return json.Marshal(agentStateJSON{
		Messages:     messages,
		Context:      s.Context,
		RecentErrors: s.RecentErrors,
		ToolsUsed:    tools,
		PendingCall:  s.PendingCall,
		Iteration:    s.Iteration,
		Status:       s.Status,
		StartedAt:    s.StartedAt,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *AgentState) UnmarshalJSON(data []byte) error {
	var raw agentStateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal agent state: %w", err)
	}
	messages, err := UnmarshalMessages(raw.Messages)
	if err != nil {
		return err
	}
	s.Messages = messages
	s.Context = raw.Context
	s.RecentErrors = raw.RecentErrors
	s.ToolsUsed = make(map[string]bool, len(raw.ToolsUsed))
	for _, name := range raw.ToolsUsed {
		s.ToolsUsed[name] = true
	}
	s.PendingCall = raw.PendingCall
	s.Iteration = raw.Iteration
	s.Status = raw.Status
	s.StartedAt = raw.StartedAt
	return nil
}
