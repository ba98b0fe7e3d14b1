// Package edge owns the per-client request lifecycle: sessions, sinks,
// heartbeats, timeouts and the HTTP streaming surface.
package edge

import (
	"github.com/haasonsaas/roundtable/pkg/models"
)

// Event types on the client wire.
const (
	EventMessage    = "message"
	EventToolUse    = "tool_use"
	EventToolResult = "tool_result"
	EventEnd        = "end"
	EventError      = "error"
	EventKeepalive  = "keepalive"
)

// Event is one client-sink delivery.
type Event struct {
	Type string
	Data any
}

// ClientSink is where a session delivers client-facing events. A Send error
// means the client is gone; the session stops client delivery but keeps
// persisting until the domain stream terminates.
type ClientSink interface {
	Send(event *Event) error
}

// MessageEvent is the payload for message, tool_use and tool_result events.
type MessageEvent struct {
	Kind        string                 `json:"kind,omitempty"`
	Content     string                 `json:"content,omitempty"`
	Seq         int64                  `json:"seq"`
	PanelistID  string                 `json:"panelistId,omitempty"`
	DisplayName string                 `json:"displayName,omitempty"`
	ProviderID  string                 `json:"providerId,omitempty"`
	ModelID     string                 `json:"modelId,omitempty"`
	ToolCall    *models.ToolCall       `json:"toolCall,omitempty"`
	ToolResult  *models.ToolCallResult `json:"toolResult,omitempty"`
}

// EndEvent is the payload of the end terminal event.
type EndEvent struct {
	StopReason  models.StopReason `json:"stopReason"`
	Usage       *models.Usage     `json:"usage,omitempty"`
	FullContent string            `json:"fullContent"`
}

// ErrorEvent is the payload of the error terminal event.
type ErrorEvent struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Retryable   bool   `json:"retryable,omitempty"`
	PanelistID  string `json:"panelistId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	FullContent string `json:"fullContent,omitempty"`
}

// Keepalive is the heartbeat event. Clients ignore it.
var Keepalive = &Event{Type: EventKeepalive, Data: struct{}{}}

// eventFromChunk maps a bundled domain chunk onto its wire event.
func eventFromChunk(c *models.DomainChunk) *Event {
	switch c.Kind {
	case models.ChunkEnd:
		return &Event{Type: EventEnd, Data: &EndEvent{
			StopReason:  c.StopReason,
			Usage:       c.Usage,
			FullContent: c.FullContent,
		}}
	case models.ChunkError:
		data := &ErrorEvent{
			PanelistID:  c.PanelistID,
			DisplayName: c.DisplayName,
			FullContent: c.FullContent,
		}
		if c.Err != nil {
			data.Code = c.Err.Code
			data.Message = c.Err.Message
			data.Retryable = c.Err.Retryable
		}
		return &Event{Type: EventError, Data: data}
	case models.ChunkToolUse:
		return &Event{Type: EventToolUse, Data: &MessageEvent{
			Kind: string(c.Kind), Seq: c.Seq,
			PanelistID: c.PanelistID, DisplayName: c.DisplayName,
			ProviderID: c.ProviderID, ModelID: c.ModelID,
			ToolCall: c.ToolCall,
		}}
	case models.ChunkToolResult:
		return &Event{Type: EventToolResult, Data: &MessageEvent{
			Kind: string(c.Kind), Seq: c.Seq,
			PanelistID: c.PanelistID, DisplayName: c.DisplayName,
			ProviderID: c.ProviderID, ModelID: c.ModelID,
			ToolResult: c.ToolResult,
		}}
	default:
		return &Event{Type: EventMessage, Data: &MessageEvent{
			Content: c.Content, Seq: c.Seq,
			PanelistID: c.PanelistID, DisplayName: c.DisplayName,
			ProviderID: c.ProviderID, ModelID: c.ModelID,
		}}
	}
}
