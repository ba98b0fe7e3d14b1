// Package models defines the wire types shared by the domain and edge tiers.
//
// The central type is DomainChunk: every provider adapter normalizes its
// native streaming events into DomainChunks, and every downstream component
// (orchestrator, merger, bundler, sinks) speaks DomainChunks exclusively.
package models

import (
	"encoding/json"
	"time"
)

// ChunkKind identifies what a DomainChunk carries.
type ChunkKind string

const (
	ChunkText       ChunkKind = "text"
	ChunkThinking   ChunkKind = "thinking"
	ChunkToolUse    ChunkKind = "tool_use"
	ChunkToolResult ChunkKind = "tool_result"
	ChunkUsage      ChunkKind = "usage"
	ChunkEnd        ChunkKind = "end"
	ChunkError      ChunkKind = "error"
)

// StopReason explains why a stream ended.
type StopReason string

const (
	StopReasonStop      StopReason = "stop"
	StopReasonLength    StopReason = "length"
	StopReasonToolUse   StopReason = "tool_use"
	StopReasonError     StopReason = "error"
	StopReasonCancelled StopReason = "cancelled"
)

// Usage carries token accounting for a stream.
//
// Estimated is set when the provider omitted an authoritative completion
// count and the adapter substituted its own estimate.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	Estimated        bool `json:"estimated,omitempty"`
}

// Add accumulates another usage record into u.
// The sum is estimated if either side is.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.Estimated = u.Estimated || other.Estimated
}

// ToolCall is a model-issued request to execute a named tool.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolCallResult is the outcome of executing a ToolCall.
// OK=false results are ordinary stream content, not stream errors.
type ToolCallResult struct {
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Payload string `json:"payload,omitempty"`
}

// StreamError is the payload of an error chunk.
type StreamError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// DomainChunk is the universal unit flowing through the streaming core.
//
// Exactly one of the payload fields is meaningful for a given Kind:
// Content for text/thinking, ToolCall for tool_use, ToolResult for
// tool_result, Usage for usage, StopReason+Usage for end, Err for error.
//
// Seq is assigned by whichever component owns the stream the chunk travels
// on: adapters assign it on emission, the orchestrator reassigns it over the
// composed stream, and the merger reassigns it again on the merged stream
// while preserving the panelist-local value in SourceSeq.
type DomainChunk struct {
	Kind    ChunkKind `json:"kind"`
	Content string    `json:"content,omitempty"`

	StopReason StopReason      `json:"stop_reason,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
	ToolCall   *ToolCall       `json:"tool_call,omitempty"`
	ToolResult *ToolCallResult `json:"tool_result,omitempty"`
	Err        *StreamError    `json:"error,omitempty"`

	ProviderID string `json:"provider_id,omitempty"`
	ModelID    string `json:"model_id,omitempty"`

	Seq int64 `json:"seq"`

	// Roundtable attribution, set by the fair merger.
	PanelistID  string `json:"panelist_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	SourceSeq   int64  `json:"source_seq,omitempty"`

	// FullContent is set by the bundler on terminal chunks only and holds
	// the complete accumulated text so lossy clients can reconcile.
	FullContent string `json:"full_content,omitempty"`
}

// IsTerminal reports whether the chunk concludes its stream.
//
// Inside a merged roundtable stream, an error chunk attributed to a
// panelist reports that panelist's failure; the other panelists continue
// and the merger closes the stream with its own synthesized end. Only an
// unattributed error concludes the stream it travels on.
func (c *DomainChunk) IsTerminal() bool {
	if c.Kind == ChunkEnd {
		return true
	}
	return c.Kind == ChunkError && c.PanelistID == ""
}

// IsText reports whether the chunk carries bundleable text.
// Thinking deltas are bundled the same way as response text.
func (c *DomainChunk) IsText() bool {
	return c.Kind == ChunkText || c.Kind == ChunkThinking
}

// TextChunk builds a text chunk.
func TextChunk(content string) *DomainChunk {
	return &DomainChunk{Kind: ChunkText, Content: content}
}

// EndChunk builds a normal terminal chunk.
func EndChunk(reason StopReason, usage *Usage) *DomainChunk {
	return &DomainChunk{Kind: ChunkEnd, StopReason: reason, Usage: usage}
}

// ErrorChunk builds an error terminal chunk.
func ErrorChunk(code, message string, retryable bool) *DomainChunk {
	return &DomainChunk{
		Kind:       ChunkError,
		StopReason: StopReasonError,
		Err:        &StreamError{Code: code, Message: message, Retryable: retryable},
	}
}

// CancelledChunk builds the terminal chunk for a cancelled stream.
// Cancellation uses the error kind for uniformity but is not an error
// condition for logging or metrics.
func CancelledChunk() *DomainChunk {
	return &DomainChunk{
		Kind:       ChunkError,
		StopReason: StopReasonCancelled,
		Err:        &StreamError{Code: "cancelled", Message: "stream cancelled"},
	}
}

// PersistedChunk is the durable form of a bundled chunk.
//
// (ThreadID, MessageID, Seq) is the idempotency key; stores enforce
// uniqueness on it. Finalized marks the record that concludes a message;
// once observed, further appends for the same message are rejected as
// duplicates.
type PersistedChunk struct {
	ThreadID  string    `json:"thread_id"`
	MessageID string    `json:"message_id"`
	Seq       int64     `json:"seq"`
	Kind      ChunkKind `json:"kind"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Finalized bool      `json:"finalized"`
}
