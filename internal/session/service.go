// Package session is the orchestration surface over the conversation core:
// it issues agent queries, feeds decoded events into the visible message
// stream and the document inference pipeline, commits the resulting store
// mutations, and triggers debounced persistence.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dealsense/dealsense/internal/docinfer"
	"github.com/dealsense/dealsense/internal/models"
	"github.com/dealsense/dealsense/internal/store"
	"github.com/dealsense/dealsense/internal/stream"
	"github.com/dealsense/dealsense/internal/syncer"
	"github.com/dealsense/dealsense/internal/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config tunes the façade. The zero value is usable.
type Config struct {
	MaxMessages int // per-session retention ceiling; 0 means store.DefaultMaxMessages
}

// Storage is the slice of the local database the façade needs directly.
// *db.Database satisfies it.
type Storage interface {
	SaveStore(st *models.ConversationStore) error
	LoadStore(userID string) (*models.ConversationStore, error)
	SaveDocument(userID, agentID string, rec models.DocumentRecord) error
}

// SendResult is the outcome of one completed query.
type SendResult struct {
	Message   models.Message          `json:"message"`
	Documents []models.DocumentRecord `json:"documents,omitempty"`
	Events    []models.StreamEvent    `json:"events,omitempty"` // audit log of the request
}

// Service owns one user's conversation store. Mutations are serialized
// through its mutex, standing in for the single-threaded event loop of the
// consuming UI; sends additionally serialize against each other so two
// in-flight queries never race on commit.
type Service struct {
	userID     string
	cfg        Config
	storage    Storage
	reconciler *syncer.Reconciler
	transport  transport.Transport
	lister     docinfer.Lister
	logger     *zap.Logger

	mu       sync.Mutex
	store    *models.ConversationStore
	inflight map[string]context.CancelFunc

	sendMu sync.Mutex
}

// NewService loads the user's local store and attempts an initial full
// sync. A failed sync is not fatal: local data stays authoritative and the
// reconciler reports local-only.
func NewService(userID string, storage Storage, rec *syncer.Reconciler, tr transport.Transport, lister docinfer.Lister, cfg Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	local, err := storage.LoadStore(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load local store: %w", err)
	}
	if local == nil {
		local = store.New(userID)
	}

	s := &Service{
		userID:     userID,
		cfg:        cfg,
		storage:    storage,
		reconciler: rec,
		transport:  tr,
		lister:     lister,
		logger:     logger,
		store:      local,
		inflight:   make(map[string]context.CancelFunc),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	merged, syncErr := rec.FullSync(ctx, local)
	if syncErr != nil {
		logger.Warn("initial sync unavailable, starting local-only", zap.Error(syncErr))
	}
	s.store = merged
	return s, nil
}

// Store returns a snapshot of the current conversation store.
func (s *Service) Store() *models.ConversationStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Clone()
}

// Synced reports whether the last reconciliation succeeded.
func (s *Service) Synced() bool {
	return s.reconciler.Synced()
}

// Send issues a query to one agent and blocks until the response stream
// completes. Decoded events are handed to onEvent (may be nil) in arrival
// order and simultaneously feed the document inference pipeline.
//
// Nothing is committed until the stream completes: aborting an in-flight
// query leaves the store exactly as it was before the query started. The
// completed exchange is applied to the store as it stands at commit time,
// so mutations made through the façade while the query was in flight are
// preserved. A transport failure is committed as an assistant-role error
// message so the conversation stays a complete audit trail.
func (s *Service) Send(ctx context.Context, agentID, text string, onEvent func(models.StreamEvent)) (*SendResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A new query replaces any in-flight one for the same agent.
	s.mu.Lock()
	if prev, ok := s.inflight[agentID]; ok {
		prev()
	}
	s.inflight[agentID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, agentID)
		s.mu.Unlock()
	}()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	userMsg := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: time.Now(),
	}

	pipe := docinfer.New(s.lister, s.logger)
	resp, err := s.transport.Query(ctx, transport.Request{
		AgentID:   agentID,
		SessionID: s.userID + ":" + agentID,
		Message:   text,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Error("agent query failed", zap.Error(err), zap.String("agent_id", agentID))
		s.commitError(agentID, userMsg, err)
		return nil, err
	}

	var asm assembler
	collect := func(ev models.StreamEvent) {
		asm.observe(ev)
		pipe.Observe(ev)
		if onEvent != nil {
			onEvent(ev)
		}
	}

	if resp.Stream != nil {
		dec := stream.NewDecoder(resp.Stream, s.logger)
		decodeErr := dec.Decode(collect)
		_ = resp.Stream.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if decodeErr != nil {
			s.logger.Error("agent stream broke mid-response", zap.Error(decodeErr), zap.String("agent_id", agentID))
			s.commitError(agentID, userMsg, decodeErr)
			return nil, decodeErr
		}
	} else {
		for _, ev := range stream.DecodeTerminal(resp.Terminal) {
			collect(ev)
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if asm.streamErr != "" {
		err := fmt.Errorf("agent returned error: %s", asm.streamErr)
		s.commitError(agentID, userMsg, err)
		return nil, err
	}

	msg := asm.message()

	docs := pipe.Finalize(ctx, s.userID)
	for _, rec := range docs {
		if err := s.storage.SaveDocument(s.userID, agentID, rec); err != nil {
			s.logger.Warn("failed to record inferred document", zap.Error(err), zap.String("doc_id", rec.ID))
		}
	}

	s.commit(agentID, userMsg, msg)
	return &SendResult{Message: msg, Documents: docs, Events: asm.events}, nil
}

// Abort cancels the in-flight query for an agent, if any. Aborting is
// normal control flow, not a failure.
func (s *Service) Abort(agentID string) {
	s.mu.Lock()
	cancel, ok := s.inflight[agentID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// ClearSession removes all messages from one agent's session.
func (s *Service) ClearSession(agentID string) {
	s.mu.Lock()
	s.store = store.ClearSession(s.store, agentID)
	st := s.store
	s.mu.Unlock()
	s.reconciler.OnMutation(st, agentID)
}

// ClearAll resets the whole store for the user.
func (s *Service) ClearAll() {
	s.mu.Lock()
	s.store = store.ClearAll(s.store)
	st := s.store
	s.mu.Unlock()
	s.reconciler.OnMutation(st, "")
}

// UpdateSharedContext sets one shared-context field (last-writer-wins).
func (s *Service) UpdateSharedContext(field, value string) {
	s.mu.Lock()
	s.store = store.UpdateSharedContext(s.store, field, value)
	st := s.store
	s.mu.Unlock()
	s.reconciler.OnMutation(st, "")
}

// AddInsight appends an insight to the cross-agent log.
func (s *Service) AddInsight(insight models.Insight) {
	if insight.ID == "" {
		insight.ID = uuid.NewString()
	}
	s.mu.Lock()
	s.store = store.AddInsight(s.store, insight)
	st := s.store
	s.mu.Unlock()
	s.reconciler.OnMutation(st, "")
}

// FullSync reconciles against the remote store now.
func (s *Service) FullSync(ctx context.Context) error {
	s.mu.Lock()
	local := s.store
	s.mu.Unlock()

	merged, err := s.reconciler.FullSync(ctx, local)

	s.mu.Lock()
	s.store = merged
	s.mu.Unlock()
	return err
}

// SetOnline records connectivity; regaining it re-runs a full sync.
func (s *Service) SetOnline(ctx context.Context, online bool) {
	s.reconciler.SetOnline(online)
	if online {
		if err := s.FullSync(ctx); err != nil {
			s.logger.Warn("sync on reconnect failed", zap.Error(err))
		}
	}
}

// commit replays a completed exchange against the current store and
// schedules persistence. Applying the messages here rather than installing
// a snapshot taken at query start keeps mutations that landed while the
// query was in flight.
func (s *Service) commit(agentID string, msgs ...models.Message) {
	s.mu.Lock()
	st := s.store
	for _, m := range msgs {
		st = store.AddMessage(st, agentID, m, s.cfg.MaxMessages)
	}
	s.store = st
	s.mu.Unlock()
	s.reconciler.OnMutation(st, agentID)
}

// commitError appends a user-visible assistant error message, keeping the
// failed request in the audit trail.
func (s *Service) commitError(agentID string, userMsg models.Message, cause error) {
	s.commit(agentID, userMsg, models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   fmt.Sprintf("Sorry, I couldn't reach the %s agent: %v", agentID, cause),
		Timestamp: time.Now(),
	})
}

// assembler folds a request's event sequence into one assistant message.
type assembler struct {
	text      strings.Builder
	reasoning string
	toolCalls []models.ToolCall
	streamErr string
	events    []models.StreamEvent
}

func (a *assembler) observe(ev models.StreamEvent) {
	a.events = append(a.events, ev)
	switch ev.Type {
	case models.EventText:
		a.text.WriteString(ev.Content)
	case models.EventToolUse:
		a.toolCalls = append(a.toolCalls, models.ToolCall{
			Name:      ev.Tool,
			Input:     ev.Input,
			Timestamp: time.Now(),
		})
	case models.EventToolResult:
		a.attachResult(ev)
	case models.EventMetadata:
		if r, ok := ev.Metadata["reasoning"].(string); ok && r != "" {
			a.reasoning = r
		}
	case models.EventError:
		a.streamErr = ev.Err
	}
}

// attachResult pairs a tool_result with the most recent unresolved call of
// the same tool, or records a bare call when none is pending.
func (a *assembler) attachResult(ev models.StreamEvent) {
	var result any
	if len(ev.Result) > 0 {
		result = stream.DecodeResult(ev.Result)
	}
	for i := len(a.toolCalls) - 1; i >= 0; i-- {
		if a.toolCalls[i].Name == ev.Tool && a.toolCalls[i].Result == nil && a.toolCalls[i].Error == "" {
			a.toolCalls[i].Result = result
			a.toolCalls[i].Error = ev.Err
			return
		}
	}
	a.toolCalls = append(a.toolCalls, models.ToolCall{
		Name:      ev.Tool,
		Result:    result,
		Error:     ev.Err,
		Timestamp: time.Now(),
	})
}

func (a *assembler) message() models.Message {
	return models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   a.text.String(),
		Reasoning: a.reasoning,
		ToolCalls: a.toolCalls,
		Timestamp: time.Now(),
	}
}
