package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Role indicates the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ChatMessage is one entry in a conversation history.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// StreamOptions holds provider-independent generation parameters.
// Zero values mean "use the provider default".
type StreamOptions struct {
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// ToolDescriptor declares a tool the model may call during a stream.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// Panelist describes one participant in a roundtable request.
type Panelist struct {
	PanelistID  string `json:"panelist_id"`
	DisplayName string `json:"display_name"`
	Provider    string `json:"provider"`
	ModelID     string `json:"model_id"`
	System      string `json:"system,omitempty"`
	// Priority weights the fair merger; must be >= 1. Defaults to 1.
	Priority int `json:"priority,omitempty"`
}

// StreamRequest is the single entry point payload for running a stream.
//
// A request with Panelists empty is a single-panelist request served by
// Provider/ModelID directly. A request with Panelists set fans out one
// domain stream per panelist and merges them.
type StreamRequest struct {
	ThreadID string `json:"thread_id"`
	UserID   string `json:"user_id"`

	Provider string `json:"provider"`
	ModelID  string `json:"model_id"`

	Messages []ChatMessage    `json:"messages"`
	Options  StreamOptions    `json:"options,omitempty"`
	Tools    []ToolDescriptor `json:"tools,omitempty"`

	Panelists []Panelist `json:"panelists,omitempty"`
}

var (
	// ErrNoMessages is returned for requests with an empty message list.
	ErrNoMessages = errors.New("stream request has no messages")
	// ErrNoThread is returned for requests without a thread ID.
	ErrNoThread = errors.New("stream request has no thread id")
)

// Validate checks request shape. Provider and model existence are checked
// by the orchestrator against its registry, not here.
func (r *StreamRequest) Validate() error {
	if r.ThreadID == "" {
		return ErrNoThread
	}
	if len(r.Messages) == 0 {
		return ErrNoMessages
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
	}
	for i, p := range r.Panelists {
		if p.PanelistID == "" {
			return fmt.Errorf("panelist %d: missing panelist id", i)
		}
		if p.Priority < 0 {
			return fmt.Errorf("panelist %q: negative priority", p.PanelistID)
		}
	}
	return nil
}

// SystemPrompt merges all system messages into a single provider system
// field, newline-joined in order. Non-system messages are untouched.
func (r *StreamRequest) SystemPrompt() string {
	var out string
	for _, m := range r.Messages {
		if m.Role != RoleSystem {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += m.Content
	}
	return out
}

// ConversationMessages returns the message history with system messages
// removed, preserving order of the remainder.
func (r *StreamRequest) ConversationMessages() []ChatMessage {
	out := make([]ChatMessage, 0, len(r.Messages))
	for _, m := range r.Messages {
		if m.Role == RoleSystem {
			continue
		}
		out = append(out, m)
	}
	return out
}
