package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// OpenAIProvider invokes an OpenAI-compatible chat completions endpoint.
// Each Invoke is one completion call; the adapter reports the step as final
// since single-shot completion has no further plan of its own.
type OpenAIProvider struct {
	name           string
	apiKey         string
	baseURL        string
	httpClient     *http.Client
	costPerKTokens float64
}

// NewOpenAIProvider creates a chat-completions provider. baseURL defaults
// to the public API; costPerKTokens converts reported token usage into
// realized USD cost.
func NewOpenAIProvider(name, apiKey, baseURL string, costPerKTokens float64) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		name:           name,
		apiKey:         apiKey,
		baseURL:        baseURL,
		httpClient:     &http.Client{},
		costPerKTokens: costPerKTokens,
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Invoke performs one chat completion. HTTP failures are classified for the
// gateway's retry policy: 429 and 5xx are transient, other 4xx permanent.
func (p *OpenAIProvider) Invoke(ctx context.Context, req Request) (Response, error) {
	messages := []chatMessage{
		{Role: "system", Content: "You are an autonomous agent. Mode: " + req.Mode},
		{Role: "user", Content: req.Goal},
	}
	if req.PriorOutput != "" {
		messages = append(messages, chatMessage{Role: "assistant", Content: req.PriorOutput})
	}

	body, err := json.Marshal(chatRequest{Model: req.Model, Messages: messages})
	if err != nil {
		return Response{}, Permanent(p.name, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Response{}, Permanent(p.name, fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, Transient(p.name, fmt.Errorf("http call: %w", err))
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 4*1024*1024))
	if err != nil {
		return Response{}, Transient(p.name, fmt.Errorf("read response: %w", err))
	}

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return Response{}, Transient(p.name, fmt.Errorf("rate limited (status %d)", httpResp.StatusCode))
	case httpResp.StatusCode >= 500:
		return Response{}, Transient(p.name, fmt.Errorf("server error (status %d)", httpResp.StatusCode))
	case httpResp.StatusCode >= 400:
		return Response{}, Permanent(p.name, fmt.Errorf("request rejected (status %d): %s",
			httpResp.StatusCode, truncate(respBody, 256)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Response{}, Transient(p.name, fmt.Errorf("decode response: %w", err))
	}
	if parsed.Error != nil {
		return Response{}, Permanent(p.name, fmt.Errorf("api error: %s", parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return Response{}, Transient(p.name, fmt.Errorf("empty choices"))
	}

	return Response{
		Output:  parsed.Choices[0].Message.Content,
		CostUSD: float64(parsed.Usage.TotalTokens) / 1000 * p.costPerKTokens,
		Done:    true,
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
