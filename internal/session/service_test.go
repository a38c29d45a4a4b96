package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dealsense/dealsense/internal/models"
	"github.com/dealsense/dealsense/internal/session"
	"github.com/dealsense/dealsense/internal/syncer"
	"github.com/dealsense/dealsense/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStorage struct {
	mu     sync.Mutex
	stores map[string]*models.ConversationStore
	docs   []models.DocumentRecord
}

func newMemStorage() *memStorage {
	return &memStorage{stores: make(map[string]*models.ConversationStore)}
}

func (m *memStorage) SaveStore(st *models.ConversationStore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores[st.UserID] = st.Clone()
	return nil
}

func (m *memStorage) LoadStore(userID string) (*models.ConversationStore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.stores[userID]; ok {
		return st.Clone(), nil
	}
	return nil, nil
}

func (m *memStorage) SaveDocument(_, _ string, rec models.DocumentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = append(m.docs, rec)
	return nil
}

// streamTransport serves a canned framed stream for every query.
type streamTransport struct {
	wire string
}

func (t *streamTransport) Query(_ context.Context, _ transport.Request) (*transport.Response, error) {
	return &transport.Response{Stream: io.NopCloser(strings.NewReader(t.wire))}, nil
}

// terminalTransport serves a canned terminal payload.
type terminalTransport struct {
	payload string
}

func (t *terminalTransport) Query(_ context.Context, _ transport.Request) (*transport.Response, error) {
	return &transport.Response{Terminal: []byte(t.payload)}, nil
}

// failingTransport always fails.
type failingTransport struct {
	err error
}

func (t *failingTransport) Query(_ context.Context, _ transport.Request) (*transport.Response, error) {
	return nil, t.err
}

// gatedTransport signals when the query starts and parks until released,
// then serves a terminal payload.
type gatedTransport struct {
	started chan struct{}
	release chan struct{}
	payload string
}

func (t *gatedTransport) Query(ctx context.Context, _ transport.Request) (*transport.Response, error) {
	close(t.started)
	select {
	case <-t.release:
		return &transport.Response{Terminal: []byte(t.payload)}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// blockingTransport parks until the query context is cancelled.
type blockingTransport struct {
	started chan struct{}
}

func (t *blockingTransport) Query(ctx context.Context, _ transport.Request) (*transport.Response, error) {
	close(t.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func newService(t *testing.T, tr transport.Transport) (*session.Service, *memStorage) {
	t.Helper()
	storage := newMemStorage()
	rec := syncer.New(storage, nil, nil, syncer.WithDebounce(10*time.Millisecond, 20*time.Millisecond))
	t.Cleanup(rec.Stop)

	svc, err := session.NewService("user1", storage, rec, tr, nil, session.Config{}, nil)
	require.NoError(t, err)
	return svc, storage
}

func storeFingerprint(t *testing.T, st *models.ConversationStore) string {
	t.Helper()
	data, err := json.Marshal(st)
	require.NoError(t, err)
	return string(data)
}

func TestSend_StreamedResponse(t *testing.T) {
	wire := strings.Join([]string{
		`data: {"type":"text","content":"Drafted the LOI. "}`,
		`data: {"type":"tool_use","tool":"create_document","input":{"title":"Letter of Intent"}}`,
		`data: {"type":"tool_result","tool":"create_document","result":{"id":"doc-1","type":"loi","title":"Letter of Intent","storage_key":"loi-20240612153000.md"}}`,
		`data: {"type":"metadata","metadata":{"reasoning":"user asked for an offer letter"}}`,
		`data: {"type":"complete","metadata":{"tools_used":{"create_document":1}}}`,
	}, "\n")
	svc, storage := newService(t, &streamTransport{wire: wire})

	var seen []models.EventType
	result, err := svc.Send(context.Background(), "analyst", "Draft an LOI for Acme", func(ev models.StreamEvent) {
		seen = append(seen, ev.Type)
	})
	require.NoError(t, err)

	assert.Equal(t, models.RoleAssistant, result.Message.Role)
	assert.Equal(t, "Drafted the LOI. ", result.Message.Content)
	assert.Equal(t, "user asked for an offer letter", result.Message.Reasoning)
	require.Len(t, result.Message.ToolCalls, 1)
	assert.Equal(t, "create_document", result.Message.ToolCalls[0].Name)
	assert.NotNil(t, result.Message.ToolCalls[0].Result)

	require.Len(t, result.Documents, 1)
	assert.Equal(t, "doc-1", result.Documents[0].ID)

	st := svc.Store()
	sess := st.Sessions["analyst"]
	require.NotNil(t, sess)
	assert.Equal(t, 2, sess.MessageCount)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, models.RoleUser, sess.Messages[0].Role)
	assert.Equal(t, models.RoleAssistant, sess.Messages[1].Role)

	// Events reached the caller in arrival order.
	assert.Equal(t, []models.EventType{
		models.EventText, models.EventToolUse, models.EventToolResult,
		models.EventMetadata, models.EventComplete,
	}, seen)

	storage.mu.Lock()
	docCount := len(storage.docs)
	storage.mu.Unlock()
	assert.Equal(t, 1, docCount, "inferred documents recorded locally")
}

func TestSend_TerminalFallback(t *testing.T) {
	svc, _ := newService(t, &terminalTransport{payload: `{"response":"The target looks healthy."}`})

	result, err := svc.Send(context.Background(), "analyst", "How does Acme look?", nil)
	require.NoError(t, err)
	assert.Equal(t, "The target looks healthy.", result.Message.Content)

	sess := svc.Store().Sessions["analyst"]
	assert.Equal(t, 2, sess.MessageCount)
}

func TestSend_TransportErrorBecomesAssistantMessage(t *testing.T) {
	svc, _ := newService(t, &failingTransport{err: errors.New("gateway down")})

	_, err := svc.Send(context.Background(), "analyst", "hello?", nil)
	require.Error(t, err)

	sess := svc.Store().Sessions["analyst"]
	require.NotNil(t, sess)
	require.Len(t, sess.Messages, 2, "failed request stays in the audit trail")
	assert.Equal(t, models.RoleUser, sess.Messages[0].Role)
	assert.Equal(t, models.RoleAssistant, sess.Messages[1].Role)
	assert.Contains(t, sess.Messages[1].Content, "gateway down")
}

func TestSend_AbortRollsBackCompletely(t *testing.T) {
	tr := &blockingTransport{started: make(chan struct{})}
	svc, _ := newService(t, tr)

	before := storeFingerprint(t, svc.Store())

	done := make(chan error, 1)
	go func() {
		_, err := svc.Send(context.Background(), "analyst", "never finishes", nil)
		done <- err
	}()

	<-tr.started
	svc.Abort("analyst")

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("aborted send did not return")
	}

	after := storeFingerprint(t, svc.Store())
	assert.Equal(t, before, after, "aborted query must leave the store exactly as it was")
}

func TestSend_MidFlightMutationsSurviveCommit(t *testing.T) {
	tr := &gatedTransport{
		started: make(chan struct{}),
		release: make(chan struct{}),
		payload: `{"response":"summary ready"}`,
	}
	svc, _ := newService(t, tr)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Send(context.Background(), "analyst", "summarize the target", nil)
		done <- err
	}()

	<-tr.started
	svc.UpdateSharedContext(models.FieldTargetCompany, "Acme Industrial")
	svc.AddInsight(models.Insight{AgentID: "legal", Label: "risk", Summary: "change-of-control clause"})
	close(tr.release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not return")
	}

	st := svc.Store()
	assert.Equal(t, "Acme Industrial", st.SharedContext.TargetCompany,
		"context update made during the query must survive the commit")
	require.Len(t, st.SharedContext.Insights, 1)
	assert.Equal(t, "change-of-control clause", st.SharedContext.Insights[0].Summary)

	sess := st.Sessions["analyst"]
	require.NotNil(t, sess)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, 2, sess.MessageCount)
	assert.Equal(t, "summary ready", sess.Messages[1].Content)
}

func TestSend_StreamErrorEvent(t *testing.T) {
	svc, _ := newService(t, &terminalTransport{payload: `{"error":"quota exceeded"}`})

	_, err := svc.Send(context.Background(), "analyst", "hello", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")

	sess := svc.Store().Sessions["analyst"]
	require.Len(t, sess.Messages, 2)
	assert.Contains(t, sess.Messages[1].Content, "quota exceeded")
}

func TestExportImportRoundTrip(t *testing.T) {
	svc, _ := newService(t, &terminalTransport{payload: `{"response":"noted"}`})

	for _, q := range []string{"first", "second", "third"} {
		_, err := svc.Send(context.Background(), "analyst", q, nil)
		require.NoError(t, err)
	}

	dump, err := svc.ExportDump("analyst")
	require.NoError(t, err)
	require.Equal(t, 6, dump.Session.MessageCount)

	svc.ClearSession("analyst")
	require.Equal(t, 0, svc.Store().Sessions["analyst"].MessageCount)

	require.NoError(t, svc.ImportDump(dump))

	sess := svc.Store().Sessions["analyst"]
	require.Equal(t, 6, sess.MessageCount)
	require.Len(t, sess.Messages, 6)
	wantRoles := []string{
		models.RoleUser, models.RoleAssistant,
		models.RoleUser, models.RoleAssistant,
		models.RoleUser, models.RoleAssistant,
	}
	for i, role := range wantRoles {
		assert.Equal(t, role, sess.Messages[i].Role, "message %d role", i)
	}
	assert.Equal(t, "first", sess.Messages[0].Content)
	assert.Equal(t, "third", sess.Messages[4].Content)
}

func TestExportTranscript_IsPureProjection(t *testing.T) {
	svc, _ := newService(t, &terminalTransport{payload: `{"response":"fine"}`})
	_, err := svc.Send(context.Background(), "analyst", "question", nil)
	require.NoError(t, err)

	before := storeFingerprint(t, svc.Store())
	transcript, err := svc.ExportTranscript("analyst")
	require.NoError(t, err)

	assert.Contains(t, transcript, "# Conversation with analyst")
	assert.Contains(t, transcript, "user: question")
	assert.Contains(t, transcript, "assistant: fine")
	assert.Equal(t, before, storeFingerprint(t, svc.Store()), "export must not mutate the session")
}

func TestExportTranscript_UnknownAgent(t *testing.T) {
	svc, _ := newService(t, &terminalTransport{payload: `{}`})
	_, err := svc.ExportTranscript("nobody")
	require.Error(t, err)
}

func TestSharedContextAndInsights(t *testing.T) {
	svc, _ := newService(t, &terminalTransport{payload: `{}`})

	svc.UpdateSharedContext(models.FieldTargetCompany, "Acme Industrial")
	svc.AddInsight(models.Insight{AgentID: "analyst", Label: "risk", Summary: "vendor lock-in"})

	st := svc.Store()
	assert.Equal(t, "Acme Industrial", st.SharedContext.TargetCompany)
	require.Len(t, st.SharedContext.Insights, 1)
	assert.NotEmpty(t, st.SharedContext.Insights[0].ID)
	assert.False(t, st.SharedContext.Insights[0].CreatedAt.IsZero())
}

func TestNewService_LoadsPersistedState(t *testing.T) {
	storage := newMemStorage()
	rec := syncer.New(storage, nil, nil, syncer.WithDebounce(10*time.Millisecond, 20*time.Millisecond))
	defer rec.Stop()

	first, err := session.NewService("user1", storage, rec, &terminalTransport{payload: `{"response":"hello"}`}, nil, session.Config{}, nil)
	require.NoError(t, err)
	_, err = first.Send(context.Background(), "analyst", "remember me", nil)
	require.NoError(t, err)

	// Wait out the local debounce so the store hits storage.
	time.Sleep(60 * time.Millisecond)

	second, err := session.NewService("user1", storage, rec, &terminalTransport{payload: `{}`}, nil, session.Config{}, nil)
	require.NoError(t, err)

	sess := second.Store().Sessions["analyst"]
	require.NotNil(t, sess, "reload must restore persisted sessions")
	assert.Equal(t, 2, sess.MessageCount)
	assert.Equal(t, "remember me", sess.Messages[0].Content)
}
