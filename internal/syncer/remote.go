package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dealsense/dealsense/internal/models"
)

// Remote is the backend session sync API.
type Remote interface {
	FetchStore(ctx context.Context, userID string) (*models.ConversationStore, error)
	PushSession(ctx context.Context, userID, agentID string, sess *models.AgentSession) error
}

// HTTPRemote talks to the sync API over HTTP. The token provider is
// optional; without one requests are sent unauthenticated.
type HTTPRemote struct {
	baseURL string
	client  *http.Client
	token   func() (string, error)
}

func NewHTTPRemote(baseURL string, token func() (string, error)) *HTTPRemote {
	return &HTTPRemote{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
		token:   token,
	}
}

func (r *HTTPRemote) FetchStore(ctx context.Context, userID string) (*models.ConversationStore, error) {
	url := fmt.Sprintf("%s/api/sync/store?user_id=%s", r.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if err := r.authorize(req); err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch remote store: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote store fetch returned status %d", resp.StatusCode)
	}

	var st models.ConversationStore
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("failed to decode remote store: %w", err)
	}
	return &st, nil
}

func (r *HTTPRemote) PushSession(ctx context.Context, userID, agentID string, sess *models.AgentSession) error {
	body, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	url := fmt.Sprintf("%s/api/sync/session?user_id=%s&agent_id=%s", r.baseURL, userID, agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := r.authorize(req); err != nil {
		return err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to push session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("session push returned status %d", resp.StatusCode)
	}
	return nil
}

func (r *HTTPRemote) authorize(req *http.Request) error {
	if r.token == nil {
		return nil
	}
	token, err := r.token()
	if err != nil {
		return fmt.Errorf("failed to acquire token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}
