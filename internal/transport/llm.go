package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// LLMTransport drives an OpenAI-compatible model as a non-streaming agent
// endpoint. It always answers with a terminal payload, exercising the
// codec's fallback path end to end; useful for local development against
// ollama and as the degraded shape when the streaming gateway is down.
type LLMTransport struct {
	llm     llms.LLM
	timeout time.Duration
}

func NewLLMTransport(baseURL, token, model string) (*LLMTransport, error) {
	llm, err := openai.New(
		openai.WithToken(token),
		openai.WithBaseURL(baseURL),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, err
	}
	return &LLMTransport{llm: llm, timeout: 60 * time.Second}, nil
}

func (t *LLMTransport) Query(ctx context.Context, req Request) (*Response, error) {
	prompt := fmt.Sprintf(
		"You are the %s agent for an acquisition assistant. Answer the user's question directly.\n\nUser: %s\nAssistant:",
		req.AgentID, req.Message)

	ctx, cancel := withDeadline(ctx, t.timeout)
	defer cancel()

	completion, err := llms.GenerateFromSinglePrompt(ctx, t.llm, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to generate completion: %w", err)
	}

	// Some models echo a JSON object in the terminal shape already; pass
	// that through untouched so tool metadata survives.
	trimmed := strings.TrimSpace(completion)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return &Response{Terminal: []byte(trimmed)}, nil
	}

	terminal, err := json.Marshal(map[string]string{"response": completion})
	if err != nil {
		return nil, err
	}
	return &Response{Terminal: terminal}, nil
}

var _ Transport = (*LLMTransport)(nil)
