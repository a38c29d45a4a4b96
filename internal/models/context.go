package models

import "time"

// SharedContext field names, used as last-writer-wins merge keys.
const (
	FieldTargetCompany = "target_company"
	FieldIndustry      = "industry"
	FieldDealStage     = "deal_stage"
	FieldNotes         = "notes"
)

// Insight is one entry in the cross-agent insight log.
type Insight struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	Label      string    `json:"label"`
	Summary    string    `json:"summary"`
	RelevantTo []string  `json:"relevant_to,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// SharedContext is the cross-agent scratchpad shared by all of a user's
// sessions. Free-text fields merge last-writer-wins per field, tracked in
// FieldUpdated; Insights is an append-only log.
type SharedContext struct {
	TargetCompany string               `json:"target_company,omitempty"`
	Industry      string               `json:"industry,omitempty"`
	DealStage     string               `json:"deal_stage,omitempty"`
	Notes         string               `json:"notes,omitempty"`
	FieldUpdated  map[string]time.Time `json:"field_updated,omitempty"`
	Insights      []Insight            `json:"insights,omitempty"`
}

// Clone returns a deep copy of the shared context.
func (c SharedContext) Clone() SharedContext {
	out := c
	if c.FieldUpdated != nil {
		out.FieldUpdated = make(map[string]time.Time, len(c.FieldUpdated))
		for k, v := range c.FieldUpdated {
			out.FieldUpdated[k] = v
		}
	}
	if c.Insights != nil {
		out.Insights = make([]Insight, len(c.Insights))
		for i, in := range c.Insights {
			out.Insights[i] = in
			if len(in.RelevantTo) > 0 {
				out.Insights[i].RelevantTo = append([]string(nil), in.RelevantTo...)
			}
		}
	}
	return out
}

// Field returns the value of a named free-text field.
func (c SharedContext) Field(name string) string {
	switch name {
	case FieldTargetCompany:
		return c.TargetCompany
	case FieldIndustry:
		return c.Industry
	case FieldDealStage:
		return c.DealStage
	case FieldNotes:
		return c.Notes
	}
	return ""
}

// SetField sets a named free-text field and records the write time.
func (c *SharedContext) SetField(name, value string, at time.Time) {
	switch name {
	case FieldTargetCompany:
		c.TargetCompany = value
	case FieldIndustry:
		c.Industry = value
	case FieldDealStage:
		c.DealStage = value
	case FieldNotes:
		c.Notes = value
	default:
		return
	}
	if c.FieldUpdated == nil {
		c.FieldUpdated = make(map[string]time.Time)
	}
	c.FieldUpdated[name] = at
}

// ConversationStore is the aggregate root: every AgentSession belonging to
// one user plus the shared context. It is the unit of persistence and of
// synchronization.
type ConversationStore struct {
	UserID        string                   `json:"user_id"`
	Sessions      map[string]*AgentSession `json:"sessions"`
	SharedContext SharedContext            `json:"shared_context"`
	LastUpdated   time.Time                `json:"last_updated"`
}

// Clone returns a deep copy of the store.
func (st *ConversationStore) Clone() *ConversationStore {
	if st == nil {
		return nil
	}
	out := &ConversationStore{
		UserID:        st.UserID,
		Sessions:      make(map[string]*AgentSession, len(st.Sessions)),
		SharedContext: st.SharedContext.Clone(),
		LastUpdated:   st.LastUpdated,
	}
	for id, sess := range st.Sessions {
		out.Sessions[id] = sess.Clone()
	}
	return out
}
