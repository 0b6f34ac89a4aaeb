package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/RactorLabs/ractor/internal/domain"
)

const (
	defaultBaseURL   = "https://api.openai.com"
	completionsPath  = "/v1/chat/completions"
	defaultMaxTokens = 2048

	summarizePrompt = `Summarize the following task history concisely.
Preserve: key facts, decisions made, command outputs, errors encountered, and any important context.
Omit: greetings, redundant explanations, and verbose output details.
Format as a brief paragraph.`
)

// Client implements Provider against the OpenAI Chat Completions API. It
// also serves Ollama and other OpenAI-compatible backends via WithBaseURL.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	name       string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithName overrides the provider name (e.g. "ollama").
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// NewClient creates an OpenAI-compatible provider.
// For Ollama, use WithBaseURL("http://localhost:11434") and WithName("ollama").
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		name:       "openai",
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return c.name }

// Summarize sends the transcript for compression. Failures wrap ErrUpstream
// so callers can map them without inspecting HTTP details.
func (c *Client) Summarize(ctx context.Context, transcript string) (string, error) {
	apiReq := apiRequest{
		Model: c.model,
		Messages: []apiMessage{
			{Role: "system", Content: summarizePrompt},
			{Role: "user", Content: transcript},
		},
		MaxTokens: defaultMaxTokens,
	}
	body, err := json.Marshal(apiReq)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", domain.ErrUpstream, c.name, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", domain.ErrUpstream, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s returned status %d: %s", domain.ErrUpstream, c.name, httpResp.StatusCode, respBody)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", fmt.Errorf("%w: parsing response: %v", domain.ErrUpstream, err)
	}
	if len(apiResp.Choices) == 0 || apiResp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("%w: %s returned an empty summary", domain.ErrUpstream, c.name)
	}

	c.logger.DebugContext(ctx, "summarization completed",
		slog.String("provider", c.name),
		slog.String("model", c.model),
		slog.Int("input_tokens", apiResp.Usage.PromptTokens),
		slog.Int("output_tokens", apiResp.Usage.CompletionTokens),
	)
	return apiResp.Choices[0].Message.Content, nil
}

// --- OpenAI API wire types (unexported) ---

type apiRequest struct {
	Model     string       `json:"model"`
	Messages  []apiMessage `json:"messages"`
	MaxTokens int          `json:"max_tokens"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	Choices []apiChoice `json:"choices"`
	Usage   apiUsage    `json:"usage"`
}

type apiChoice struct {
	Message      apiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}
