package models

import "time"

// Roles for conversation messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolCall records one tool invocation surfaced during a turn. It is owned
// by the Message it is attached to.
type ToolCall struct {
	Name      string         `json:"name"`
	Input     map[string]any `json:"input,omitempty"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Message is one turn in a conversation. Messages are never edited in place;
// a session only ever appends.
type Message struct {
	ID        string     `json:"id"`
	Role      string     `json:"role"` // user or assistant
	Content   string     `json:"content"`
	Reasoning string     `json:"reasoning,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// AgentSession is the ordered conversation for one (user, agent) pair.
//
// MessageCount is monotonic: it counts every message ever added, independent
// of how many are currently retained after trimming, and doubles as the
// session's version number during sync merges.
type AgentSession struct {
	UserID       string    `json:"user_id"`
	AgentID      string    `json:"agent_id"`
	Messages     []Message `json:"messages"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the session. Message values are copied along
// with their tool call slices so callers can mutate the copy freely.
func (s *AgentSession) Clone() *AgentSession {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		out.Messages[i] = m
		if len(m.ToolCalls) > 0 {
			out.Messages[i].ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
		}
	}
	return &out
}
