package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/lucalabs/cosmic-family/internal/provider"
)

// Client speaks the OpenAI-compatible chat completions API. DeepSeek
// and Grok both expose this surface, so one adapter serves both.
type Client struct {
	apiKey  string
	baseURL string
	model   string
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	// Always transmitted: zero is a deliberate setting for
	// deterministic vote extraction, not an unset field.
	Temperature float64 `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
	Model   string       `json:"model"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func New(apiKey, baseURL, model string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
	}
}

func NewDeepSeek(apiKey string) *Client {
	return New(apiKey, "https://api.deepseek.com/v1", "deepseek-chat")
}

func NewGrok(apiKey string) *Client {
	return New(apiKey, "https://api.x.ai/v1", "grok-beta")
}

func (c *Client) Model() string {
	return c.model
}

func (c *Client) Invoke(ctx context.Context, query string, maxTokens int, temperature float64) (*provider.Result, error) {
	chatReq := chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: query}},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("chat completions api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, err
	}

	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("chat completions api returned no choices")
	}

	return &provider.Result{
		Text:   chatResp.Choices[0].Message.Content,
		Tokens: chatResp.Usage.TotalTokens,
	}, nil
}
