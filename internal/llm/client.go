// Package llm talks to OpenAI-compatible chat completion endpoints. Each
// configured model gets its own HTTP client with its own base URL, key and
// retry policy; callers address models by their config key.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/perparena/perparena/internal/config"
)

const (
	requestTimeout = 30 * time.Second
	retryCount     = 2
	retryWait      = time.Second
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Completion is the parsed result of one model call.
type Completion struct {
	Content   string
	Model     string
	TokensIn  int
	TokensOut int
	Latency   time.Duration
}

// Client routes completions to configured model endpoints.
type Client struct {
	endpoints map[string]endpoint
	logger    zerolog.Logger
}

type endpoint struct {
	http  *resty.Client
	model string
	cfg   config.ModelEndpoint
}

// NewClient builds one HTTP client per configured model. API keys are
// resolved from the environment here and held only inside the HTTP
// client's auth header.
func NewClient(models map[string]config.ModelEndpoint) (*Client, error) {
	if len(models) == 0 {
		return nil, fmt.Errorf("no model endpoints configured")
	}

	endpoints := make(map[string]endpoint, len(models))
	for key, m := range models {
		apiKey := os.Getenv(m.APIKeyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("model %s: environment variable %s is empty", key, m.APIKeyEnv)
		}

		hc := resty.New().
			SetBaseURL(m.BaseURL).
			SetTimeout(requestTimeout).
			SetAuthToken(apiKey).
			SetHeader("Content-Type", "application/json").
			SetRetryCount(retryCount).
			SetRetryWaitTime(retryWait).
			SetRetryMaxWaitTime(4 * retryWait).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				code := r.StatusCode()
				return code == http.StatusTooManyRequests || code >= 500
			})

		endpoints[key] = endpoint{http: hc, model: m.Model, cfg: m}
	}

	return &Client{
		endpoints: endpoints,
		logger:    config.NewLogger("llm"),
	}, nil
}

// Known reports whether a model key is configured.
func (c *Client) Known(modelKey string) bool {
	_, ok := c.endpoints[modelKey]
	return ok
}

// Complete sends a system and user prompt to the named model and returns
// the raw completion text. Client errors (4xx other than 429) fail
// immediately; transient failures are retried by the HTTP layer.
func (c *Client) Complete(ctx context.Context, modelKey, systemPrompt, userPrompt string) (Completion, error) {
	ep, ok := c.endpoints[modelKey]
	if !ok {
		return Completion{}, fmt.Errorf("unknown model %q", modelKey)
	}

	req := chatRequest{
		Model: ep.model,
		Messages: []Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: ep.cfg.Temperature,
		MaxTokens:   ep.cfg.MaxTokens,
	}

	start := time.Now()
	var result chatResponse
	resp, err := ep.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("/chat/completions")
	if err != nil {
		return Completion{}, fmt.Errorf("model %s: %w", modelKey, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Completion{}, fmt.Errorf("model %s: status %d: %s", modelKey, resp.StatusCode(), resp.String())
	}
	if result.Error != nil {
		return Completion{}, fmt.Errorf("model %s: api error: %s", modelKey, result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return Completion{}, fmt.Errorf("model %s: empty choices", modelKey)
	}

	latency := time.Since(start)
	c.logger.Debug().
		Str("model", modelKey).
		Int("tokens_in", result.Usage.PromptTokens).
		Int("tokens_out", result.Usage.CompletionTokens).
		Dur("latency", latency).
		Msg("Completion received")

	return Completion{
		Content:   result.Choices[0].Message.Content,
		Model:     ep.model,
		TokensIn:  result.Usage.PromptTokens,
		TokensOut: result.Usage.CompletionTokens,
		Latency:   latency,
	}, nil
}
