package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"signal-executor/config"
	"signal-executor/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Provider represents the LLM provider type
type Provider string

const (
	ProviderClaude   Provider = "claude"
	ProviderOpenAI   Provider = "openai"
	ProviderDeepSeek Provider = "deepseek"
)

// maxErrorBody bounds how much of a failed response is kept in the error
const maxErrorBody = 200

// ClientConfig holds LLM client configuration
type ClientConfig struct {
	Provider    Provider      `json:"provider"`
	APIKey      string        `json:"api_key"`
	BaseURL     string        `json:"base_url"` // full endpoint; empty uses the provider default
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Timeout     time.Duration `json:"timeout"`
}

// DefaultClientConfig returns default configuration
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Provider:    ProviderOpenAI,
		Model:       "gpt-4o-mini",
		MaxTokens:   512,
		Temperature: 0.2,
		Timeout:     30 * time.Second,
	}
}

// ConfigFromSettings maps the service AI settings onto a client config
func ConfigFromSettings(cfg config.AIConfig) *ClientConfig {
	c := DefaultClientConfig()
	if cfg.Provider != "" {
		c.Provider = Provider(strings.ToLower(cfg.Provider))
	}
	c.APIKey = cfg.APIKey
	c.BaseURL = cfg.BaseURL
	if cfg.Model != "" {
		c.Model = cfg.Model
	}
	if cfg.MaxTokens > 0 {
		c.MaxTokens = cfg.MaxTokens
	}
	if cfg.Timeout > 0 {
		c.Timeout = cfg.Timeout
	}
	return c
}

// message is one turn in a conversation
type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// wireFormat encodes a prompt for one provider API and decodes its reply
type wireFormat interface {
	endpoint() string
	headers(apiKey string) map[string]string
	request(cfg *ClientConfig, system, user string) interface{}
	decode(body []byte) (string, error)
}

var wireFormats = map[Provider]wireFormat{
	ProviderClaude:   anthropicWire{},
	ProviderOpenAI:   chatWire{url: "https://api.openai.com/v1/chat/completions"},
	ProviderDeepSeek: chatWire{url: "https://api.deepseek.com/v1/chat/completions"},
}

// ============================================================================
// ANTHROPIC MESSAGES API
// ============================================================================

type anthropicRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *apiError `json:"error,omitempty"`
}

type anthropicWire struct{}

func (anthropicWire) endpoint() string { return "https://api.anthropic.com/v1/messages" }

func (anthropicWire) headers(apiKey string) map[string]string {
	return map[string]string{
		"x-api-key":         apiKey,
		"anthropic-version": "2023-06-01",
	}
}

func (anthropicWire) request(cfg *ClientConfig, system, user string) interface{} {
	return anthropicRequest{
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		System:      system,
		Messages:    []message{{Role: "user", Content: user}},
	}
}

func (anthropicWire) decode(body []byte) (string, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if resp.Error != nil {
		return "", resp.Error
	}
	for _, block := range resp.Content {
		if block.Type == "text" || block.Type == "" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text block in response")
}

// ============================================================================
// OPENAI-COMPATIBLE CHAT COMPLETIONS (OpenAI, DeepSeek)
// ============================================================================

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type chatWire struct {
	url string
}

func (w chatWire) endpoint() string { return w.url }

func (chatWire) headers(apiKey string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + apiKey}
}

func (chatWire) request(cfg *ClientConfig, system, user string) interface{} {
	return chatRequest{
		Model: cfg.Model,
		Messages: []message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
}

func (chatWire) decode(body []byte) (string, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if resp.Error != nil {
		return "", resp.Error
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// apiError is the error object both API families embed in a 2xx body
type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API error: %s - %s", e.Type, e.Message)
}

// ============================================================================
// CLIENT
// ============================================================================

// Client is the LLM API client
type Client struct {
	config     *ClientConfig
	wire       wireFormat
	httpClient *http.Client
}

// NewClient creates a new LLM client. An unknown provider yields a client
// whose every call fails.
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Client{
		config:     config,
		wire:       wireFormats[config.Provider],
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Complete sends one system+user prompt and returns the reply text. Every
// failure wraps models.ErrAIServiceFailure.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.wire == nil {
		return "", fmt.Errorf("%w: unsupported provider: %s", models.ErrAIServiceFailure, c.config.Provider)
	}

	body, err := c.post(ctx, c.wire.request(c.config, systemPrompt, userPrompt))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", models.ErrAIServiceFailure, c.config.Provider, err)
	}
	text, err := c.wire.decode(body)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", models.ErrAIServiceFailure, c.config.Provider, err)
	}
	return text, nil
}

func (c *Client) post(ctx context.Context, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.config.BaseURL
	if url == "" {
		url = c.wire.endpoint()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.wire.headers(c.config.APIKey) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
	return body, nil
}
