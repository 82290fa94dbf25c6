package classify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// LLMConfig configures the chat-completion transport.
type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// LLMClient talks to an OpenAI-compatible chat completion endpoint.
type LLMClient struct {
	http  *resty.Client
	model string
}

func NewLLMClient(cfg LLMConfig) *LLMClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Authorization", "Bearer "+cfg.APIKey).
		SetHeader("Content-Type", "application/json")
	return &LLMClient{http: httpClient, model: cfg.Model}
}

type chatRequest struct {
	Model      string        `json:"model"`
	Messages   []ChatMessage `json:"messages"`
	Tools      []ChatTool    `json:"tools,omitempty"`
	ToolChoice string        `json:"tool_choice,omitempty"`
}

func (c *LLMClient) Complete(ctx context.Context, system string, messages []ChatMessage, tools []ChatTool) (*ChatResponse, error) {
	request := chatRequest{Model: c.model, Tools: tools}
	if system != "" {
		request.Messages = append(request.Messages, ChatMessage{Role: "system", Content: system})
	}
	request.Messages = append(request.Messages, messages...)
	if len(tools) > 0 {
		request.ToolChoice = "auto"
	}

	var response ChatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(request).
		SetResult(&response).
		Post("/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("completion request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("completion request: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &response, nil
}
