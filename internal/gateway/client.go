package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/time/rate"

	"planforge/internal/config"
)

const maxResponseBytes = 4 << 20

var (
	// ErrMissingAPIKey is returned by New before any network call is made.
	ErrMissingAPIKey = errors.New("gateway api key is not configured")
	// ErrEmptyCompletion means a 2xx response carried no generated text.
	ErrEmptyCompletion = errors.New("gateway returned no completion text")
)

// StatusError is a non-2xx gateway response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("gateway HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway HTTP %d: %s", e.StatusCode, e.Body)
}

// Prompt is the pair of instructions sent for one tool step.
type Prompt struct {
	System string
	User   string
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type ChatResponse struct {
	Choices []struct {
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// AttemptHook observes every attempt; status is 0 for network failures.
type AttemptHook func(attempt, status int, outcome Outcome)

// Client performs one chat completion with bounded retry.
type Client struct {
	endpoint    string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
	client      *http.Client
	policy      Policy
	sleep       Sleeper
	limiter     *rate.Limiter
	logger      hclog.Logger
	onAttempt   AttemptHook
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

func WithPolicy(p Policy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

func WithSleeper(s Sleeper) Option {
	return func(c *Client) {
		c.sleep = s
	}
}

func WithLogger(l hclog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithRateLimit spaces attempts to at most rps per second; 0 disables it.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

func WithAttemptHook(h AttemptHook) Option {
	return func(c *Client) {
		c.onAttempt = h
	}
}

// WithTimeout bounds each attempt; the zero value leaves attempts unbounded.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// New builds a client from gateway config. The API key must be non-empty.
func New(cfg config.Gateway, apiKey string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrMissingAPIKey
	}
	c := &Client{
		endpoint:    cfg.Endpoint,
		apiKey:      apiKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout(),
		client:      &http.Client{},
		policy: Policy{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.BaseDelay(),
		},
		sleep:  SleepContext,
		logger: hclog.NewNullLogger(),
	}
	WithRateLimit(cfg.RequestsPerSecond)(c)
	for _, opt := range opts {
		opt(c)
	}
	c.policy = c.policy.withDefaults()
	return c, nil
}

// Complete sends one system/user prompt pair and returns the generated text.
func (c *Client) Complete(ctx context.Context, p Prompt) (string, error) {
	payload, err := json.Marshal(ChatRequest{
		Model: c.model,
		Messages: []ChatMessage{
			{Role: "system", Content: p.System},
			{Role: "user", Content: p.User},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}
	body, err := c.Do(ctx, payload)
	if err != nil {
		return "", err
	}
	var resp ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}

// Do posts payload until a 2xx response, a non-retryable failure, or the
// policy's attempt limit. It returns the last observed error on exhaustion.
func (c *Client) Do(ctx context.Context, payload []byte) ([]byte, error) {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt < c.policy.MaxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		attempts++
		body, status, err := c.attempt(ctx, payload)
		var outcome Outcome
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			outcome = NetworkError
		} else {
			outcome = c.policy.Classify(status)
		}
		if c.onAttempt != nil {
			c.onAttempt(attempt, status, outcome)
		}
		if outcome == Success {
			return body, nil
		}
		if err == nil {
			err = &StatusError{StatusCode: status, Body: snippet(body)}
		}
		lastErr = err
		if !outcome.Retryable() {
			c.logger.Debug("gateway request failed", "status", status, "outcome", outcome.String(), "error", err)
			return nil, err
		}
		if attempt == c.policy.MaxRetries-1 {
			break
		}
		delay := c.policy.Backoff(outcome, c.policy.BaseDelay, attempt)
		c.logger.Warn("gateway request failed; retrying",
			"attempt", attempt+1,
			"max_attempts", c.policy.MaxRetries,
			"status", status,
			"outcome", outcome.String(),
			"delay", delay,
			"error", err)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("gateway: giving up after %d attempts: %w", attempts, lastErr)
}

func (c *Client) attempt(ctx context.Context, payload []byte) ([]byte, int, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	res, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, 0, err
	}
	return body, res.StatusCode, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 512 {
		return s[:512] + "..."
	}
	return s
}
