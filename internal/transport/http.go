package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPTransport queries agent endpoints over HTTP. Responses served as
// text/event-stream or application/x-ndjson come back as a Stream; any
// other 2xx body is treated as a terminal payload.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
	token   TokenProvider
}

func NewHTTPTransport(baseURL string, token TokenProvider) *HTTPTransport {
	return &HTTPTransport{
		baseURL: baseURL,
		// No overall timeout: streams stay open for the life of the
		// response. Cancellation comes from the request context.
		client: &http.Client{},
		token:  token,
	}
}

func (t *HTTPTransport) Query(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(map[string]string{
		"message":    req.Message,
		"session_id": req.SessionID,
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/agents/%s/query", t.baseURL, req.AgentID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream, application/json")
	if t.token != nil {
		token, err := t.token()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire token: %w", err)
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agent query failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("agent query returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") || strings.HasPrefix(contentType, "application/x-ndjson") {
		return &Response{Stream: resp.Body}, nil
	}

	defer resp.Body.Close()
	terminal, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent response: %w", err)
	}
	return &Response{Terminal: terminal}, nil
}

var _ Transport = (*HTTPTransport)(nil)

// withDeadline bounds non-streaming work when the caller passed an
// unbounded context.
func withDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
