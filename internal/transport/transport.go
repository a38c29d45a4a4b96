// Package transport issues agent queries and returns their responses in
// either of the two wire shapes the stream codec normalizes: a framed event
// stream, or one terminal payload.
package transport

import (
	"context"
	"io"
)

// TokenProvider supplies a bearer token for outbound calls. A nil provider
// means requests are sent unauthenticated.
type TokenProvider func() (string, error)

// Request is one outbound agent query.
type Request struct {
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// Response carries exactly one of the two transport shapes. Stream is a
// framed delta stream the caller must close; Terminal is a single payload.
type Response struct {
	Stream   io.ReadCloser
	Terminal []byte
}

// Transport is the outbound query collaborator.
type Transport interface {
	Query(ctx context.Context, req Request) (*Response, error)
}
