package core

import (
	"encoding/json"
	"fmt"
)

// Message represents one entry of a conversation. Concrete message types
// implement the unexported isMessage marker enabling a closed set; every
// consumption site switches exhaustively over the three variants.
type Message interface {
	isMessage()
	// Role returns the conversational role ("user", "assistant" or "tool").
	Role() string
}

// FunctionCall describes a tool invocation request emitted by a model.
type FunctionCall struct {
	ID        string `json:"id,omitempty"`        // Optional stable id supplied by the provider
	Name      string `json:"name"`                // Tool name
	Arguments string `json:"arguments,omitempty"` // Serialized JSON argument payload
}

// UserMessage is a message authored by the end user.
type UserMessage struct {
	Text string `json:"text"`
}

func (UserMessage) isMessage() {}

// Role implements Message.
func (UserMessage) Role() string { return "user" }

// AssistantMessage is a model-authored message: either plain content, a
// function call request, or both (content alongside a call).
type AssistantMessage struct {
	Text         string        `json:"text,omitempty"`
	FunctionCall *FunctionCall `json:"function_call,omitempty"`
}

func (AssistantMessage) isMessage() {}

// Role implements Message.
func (AssistantMessage) Role() string { return "assistant" }

// ToolResultMessage records the outcome of a previously requested tool call.
// Exactly one of Result / Error is meaningful depending on Status.
type ToolResultMessage struct {
	CallID string `json:"call_id,omitempty"` // Matches originating FunctionCall ID
	Tool   string `json:"tool"`              // Tool name
	Status string `json:"status"`            // "success" or "error"
	Result string `json:"result,omitempty"`  // Serialized successful result
	Error  string `json:"error,omitempty"`   // Populated on failure
}

func (ToolResultMessage) isMessage() {}

// Role implements Message.
func (ToolResultMessage) Role() string { return "tool" }

// Payload returns the text surfaced back to the model: the result on
// success, the error message otherwise.
func (m ToolResultMessage) Payload() string {
	if m.Status == "success" {
		return m.Result
	}
	return m.Error
}

// messageEnvelope is the JSON wire form of a Message: a type tag plus the
// variant payload. Used by AgentState serialization so checkpoints round-trip
// the tagged union losslessly.
type messageEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	messageTypeUser   = "user"
	messageTypeAssist = "assistant"
	messageTypeTool   = "tool_result"
)

// MarshalMessages encodes a message slice into tagged JSON envelopes.
func MarshalMessages(messages []Message) ([]byte, error) {
	envelopes := make([]messageEnvelope, 0, len(messages))
	for _, m := range messages {
		var typ string
		switch m.(type) {
		case UserMessage:
			typ = messageTypeUser
		case AssistantMessage:
			typ = messageTypeAssist
		case ToolResultMessage:
			typ = messageTypeTool
		default:
			return nil, fmt.Errorf("unknown message type %T", m)
		}
		data, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("marshal %s message: %w", typ, err)
		}
		envelopes = append(envelopes, messageEnvelope{Type: typ, Data: data})
	}
	return json.Marshal(envelopes)
}

// UnmarshalMessages decodes tagged JSON envelopes back into the message union.
func UnmarshalMessages(data []byte) ([]Message, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var envelopes []messageEnvelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return nil, fmt.Errorf("unmarshal message envelopes: %w", err)
	}
	messages := make([]Message, 0, len(envelopes))
	for _, env := range envelopes {
		switch env.Type {
		case messageTypeUser:
			var m UserMessage
			if err := json.Unmarshal(env.Data, &m); err != nil {
				return nil, fmt.Errorf("unmarshal user message: %w", err)
			}
			messages = append(messages, m)
		case messageTypeAssist:
			var m AssistantMessage
			if err := json.Unmarshal(env.Data, &m); err != nil {
				return nil, fmt.Errorf("unmarshal assistant message: %w", err)
			}
			messages = append(messages, m)
		case messageTypeTool:
			var m ToolResultMessage
			if err := json.Unmarshal(env.Data, &m); err != nil {
				return nil, fmt.Errorf("unmarshal tool result message: %w", err)
			}
			messages = append(messages, m)
		default:
			return nil, fmt.Errorf("unknown message envelope type %q", env.Type)
		}
	}
	return messages, nil
}
