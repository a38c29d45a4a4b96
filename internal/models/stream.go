package models

import "encoding/json"

// EventType tags the kind of a StreamEvent.
type EventType string

// Stream event kinds.
const (
	EventText       EventType = "text"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventMetadata   EventType = "metadata"
	EventComplete   EventType = "complete"
	EventError      EventType = "error"
)

// StreamEvent is one decoded record from an agent response stream. Events
// are transient: they update the session and the inference pipeline, then
// are only retained as the audit log of the current request.
type StreamEvent struct {
	Type     EventType       `json:"type"`
	Content  string          `json:"content,omitempty"`  // text
	Tool     string          `json:"tool,omitempty"`     // tool_use, tool_result
	Input    map[string]any  `json:"input,omitempty"`    // tool_use
	Result   json.RawMessage `json:"result,omitempty"`   // tool_result
	Metadata map[string]any  `json:"metadata,omitempty"` // metadata, complete
	Err      string          `json:"error,omitempty"`    // error
}
