package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/dealsense/dealsense/internal/models"
	"github.com/pkoukk/tiktoken-go"
)

// SessionDump is the structured export of one agent session.
type SessionDump struct {
	Session    *models.AgentSession `json:"session"`
	ExportedAt time.Time            `json:"exported_at"`
	WordCount  int                  `json:"word_count"`
	TokenCount int                  `json:"token_count,omitempty"`
}

// ExportTranscript renders one session as a portable text transcript. It is
// a pure projection: the session is not touched.
func (s *Service) ExportTranscript(agentID string) (string, error) {
	sess, err := s.sessionSnapshot(agentID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Conversation with %s\n", agentID)
	fmt.Fprintf(&b, "# User: %s\n", sess.UserID)
	fmt.Fprintf(&b, "# Started: %s\n", sess.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "# Messages: %d retained of %d total\n\n", len(sess.Messages), sess.MessageCount)

	for _, msg := range sess.Messages {
		fmt.Fprintf(&b, "[%s] %s: %s\n", msg.Timestamp.Format("2006-01-02 15:04"), msg.Role, msg.Content)
		if msg.Reasoning != "" {
			fmt.Fprintf(&b, "    (reasoning: %s)\n", msg.Reasoning)
		}
		for _, tc := range msg.ToolCalls {
			if tc.Error != "" {
				fmt.Fprintf(&b, "    tool %s failed: %s\n", tc.Name, tc.Error)
				continue
			}
			fmt.Fprintf(&b, "    tool %s -> %v\n", tc.Name, tc.Result)
		}
	}

	transcript := b.String()
	words, tokens := countText(transcript)
	if tokens > 0 {
		fmt.Fprintf(&b, "\n# %d words, ~%d tokens\n", words, tokens)
	} else {
		fmt.Fprintf(&b, "\n# %d words\n", words)
	}
	return b.String(), nil
}

// ExportDump returns the structured export of one session.
func (s *Service) ExportDump(agentID string) (*SessionDump, error) {
	sess, err := s.sessionSnapshot(agentID)
	if err != nil {
		return nil, err
	}

	var content strings.Builder
	for _, msg := range sess.Messages {
		content.WriteString(msg.Content)
		content.WriteString("\n")
	}
	words, tokens := countText(content.String())

	return &SessionDump{
		Session:    sess,
		ExportedAt: time.Now(),
		WordCount:  words,
		TokenCount: tokens,
	}, nil
}

// ImportDump restores a previously exported session, replacing the agent's
// current one. Messages, roles, ordering, and the monotonic counter are
// preserved exactly as exported.
func (s *Service) ImportDump(dump *SessionDump) error {
	if dump == nil || dump.Session == nil {
		return fmt.Errorf("empty session dump")
	}
	agentID := dump.Session.AgentID
	if agentID == "" {
		return fmt.Errorf("session dump has no agent id")
	}

	restored := dump.Session.Clone()
	restored.UserID = s.userID

	s.mu.Lock()
	next := s.store.Clone()
	next.Sessions[agentID] = restored
	next.LastUpdated = time.Now()
	s.store = next
	s.mu.Unlock()

	s.reconciler.OnMutation(next, agentID)
	return nil
}

func (s *Service) sessionSnapshot(agentID string) (*models.AgentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.store.Sessions[agentID]
	if !ok {
		return nil, fmt.Errorf("no session for agent %q", agentID)
	}
	return sess.Clone(), nil
}

// countText reports word and token counts. Token counting needs the BPE
// tables; when they are unavailable only the word count is reported.
func countText(text string) (words, tokens int) {
	words = len(strings.Fields(text))
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return words, 0
	}
	return words, len(enc.Encode(text, nil, nil))
}
