// Package store holds the pure transforms over a user's ConversationStore.
//
// Every mutating operation takes a store value and returns a new one; the
// inputs are never modified. Callers commit the result to persistence
// themselves, which keeps network and disk effects out of the domain logic.
package store

import (
	"time"

	"github.com/dealsense/dealsense/internal/models"
)

// DefaultMaxMessages is the per-session retention ceiling when none is
// configured.
const DefaultMaxMessages = 200

// New returns an empty store for a user.
func New(userID string) *models.ConversationStore {
	return &models.ConversationStore{
		UserID:      userID,
		Sessions:    make(map[string]*models.AgentSession),
		LastUpdated: time.Now(),
	}
}

// session returns the session for an agent from a cloned store, creating it
// lazily.
func session(st *models.ConversationStore, agentID string) *models.AgentSession {
	if sess, ok := st.Sessions[agentID]; ok {
		return sess
	}
	now := time.Now()
	sess := &models.AgentSession{
		UserID:    st.UserID,
		AgentID:   agentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	st.Sessions[agentID] = sess
	return sess
}

// AddMessage appends a message to an agent's session, bumping the monotonic
// message counter and trimming the retained window to maxMessages (oldest
// dropped first). maxMessages <= 0 means DefaultMaxMessages.
func AddMessage(st *models.ConversationStore, agentID string, msg models.Message, maxMessages int) *models.ConversationStore {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	out := st.Clone()
	sess := session(out, agentID)
	sess.Messages = append(sess.Messages, msg)
	sess.MessageCount++
	if excess := len(sess.Messages) - maxMessages; excess > 0 {
		sess.Messages = append([]models.Message(nil), sess.Messages[excess:]...)
	}
	sess.UpdatedAt = time.Now()
	out.LastUpdated = sess.UpdatedAt
	return out
}

// AddToolResult attaches a tool call to the session's most recent assistant
// message. If the session has no trailing assistant message a placeholder
// assistant message receives it; the placeholder does not bump the message
// counter, which only tracks AddMessage calls.
func AddToolResult(st *models.ConversationStore, agentID string, call models.ToolCall) *models.ConversationStore {
	out := st.Clone()
	sess := session(out, agentID)
	now := time.Now()

	idx := -1
	for i := len(sess.Messages) - 1; i >= 0; i-- {
		if sess.Messages[i].Role == models.RoleAssistant {
			idx = i
			break
		}
	}
	if idx < 0 {
		sess.Messages = append(sess.Messages, models.Message{
			Role:      models.RoleAssistant,
			Timestamp: now,
		})
		idx = len(sess.Messages) - 1
	}
	sess.Messages[idx].ToolCalls = append(sess.Messages[idx].ToolCalls, call)
	sess.UpdatedAt = now
	out.LastUpdated = now
	return out
}

// ClearSession removes all messages from one agent's session and resets its
// counter to zero. Other sessions and the shared context are untouched.
func ClearSession(st *models.ConversationStore, agentID string) *models.ConversationStore {
	out := st.Clone()
	if sess, ok := out.Sessions[agentID]; ok {
		sess.Messages = nil
		sess.MessageCount = 0
		sess.UpdatedAt = time.Now()
		out.LastUpdated = sess.UpdatedAt
	}
	return out
}

// ClearAll removes every session and the shared context, leaving an empty
// store for the same user.
func ClearAll(st *models.ConversationStore) *models.ConversationStore {
	return New(st.UserID)
}

// UpdateSharedContext sets one free-text field of the shared context,
// recording the write time for last-writer-wins merging.
func UpdateSharedContext(st *models.ConversationStore, field, value string) *models.ConversationStore {
	out := st.Clone()
	now := time.Now()
	out.SharedContext.SetField(field, value, now)
	out.LastUpdated = now
	return out
}

// AddInsight appends an insight to the shared context. Insights are a log:
// no deduplication happens here.
func AddInsight(st *models.ConversationStore, insight models.Insight) *models.ConversationStore {
	out := st.Clone()
	if insight.CreatedAt.IsZero() {
		insight.CreatedAt = time.Now()
	}
	out.SharedContext.Insights = append(out.SharedContext.Insights, insight)
	out.LastUpdated = time.Now()
	return out
}
