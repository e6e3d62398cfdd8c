// Package chat is the single-turn bridge to a remote chat completion
// service. Each call sends exactly one user message; conversation history
// lives in the message store, not in the remote service.
package chat

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/comigor/cmai/internal/config"
	"github.com/comigor/cmai/internal/llm"
	"github.com/comigor/cmai/internal/logger"
)

// NoReplyText is returned as the reply when the service answers with no candidates.
const NoReplyText = "No reply"

const defaultTimeout = 60 * time.Second

// Usage holds the token counters reported by the service.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Reply is the outcome of one completion call.
type Reply struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
	Usage Usage  `json:"usage"`
}

// Backend performs one remote call. Implementations classify their failures
// into *Error values.
type Backend interface {
	Complete(ctx context.Context, model, text string) (Reply, error)
}

// RetryPolicy is opt-in; MaxAttempts <= 1 disables retries.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Client is the conversation client used by the session.
type Client struct {
	backend Backend
	model   string
	timeout time.Duration
	retry   RetryPolicy

	promptTokens     atomic.Int64
	completionTokens atomic.Int64
	totalTokens      atomic.Int64
}

// New creates a client around backend using the model, timeout and retry
// settings of cfg.
func New(backend Backend, cfg config.LLMConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		backend: backend,
		model:   cfg.Model,
		timeout: timeout,
		retry:   RetryPolicy{MaxAttempts: cfg.MaxAttempts, Backoff: cfg.RetryBackoff},
	}
}

// NewFromConfig builds the backend selected by cfg.Provider.
func NewFromConfig(ctx context.Context, cfg config.LLMConfig) (*Client, error) {
	switch cfg.Provider {
	case "openai", "":
		return New(NewOpenAIBackend(llm.NewClient(cfg)), cfg), nil
	case "gemini":
		gc, err := llm.NewGeminiClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		return New(NewGeminiBackend(gc), cfg), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}

// Complete sends userText as a single user message and returns the first
// candidate's text. Failures of the remote call are returned as *Error;
// cancellation of ctx is returned as the context error.
func (c *Client) Complete(ctx context.Context, userText string) (Reply, error) {
	text := strings.TrimSpace(userText)
	if text == "" {
		return Reply{}, ErrEmptyInput
	}

	maxAttempts := c.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.retry.Backoff * time.Duration(attempt-1)
			logger.L.Info("retrying chat completion", "attempt", attempt, "max_attempts", maxAttempts, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return Reply{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		reply, err := c.attempt(ctx, text)
		if err == nil {
			c.record(reply.Usage)
			logger.L.Info("chat completion", "model", c.model, "prompt_tokens", reply.Usage.PromptTokens,
				"completion_tokens", reply.Usage.CompletionTokens, "total_tokens", reply.Usage.TotalTokens)
			return reply, nil
		}
		if ctx.Err() != nil {
			return Reply{}, ctx.Err()
		}

		lastErr = err
		logger.L.Warn("chat completion failed", "attempt", attempt, "error", err)
		if !retryable(err) {
			break
		}
	}
	return Reply{}, lastErr
}

func (c *Client) attempt(ctx context.Context, text string) (Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reply, err := c.backend.Complete(ctx, c.model, text)
	if err != nil {
		return Reply{}, err
	}
	if reply.Model == "" {
		reply.Model = c.model
	}
	return reply, nil
}

func (c *Client) record(u Usage) {
	c.promptTokens.Add(int64(u.PromptTokens))
	c.completionTokens.Add(int64(u.CompletionTokens))
	c.totalTokens.Add(int64(u.TotalTokens))
}

// TotalUsage returns the token usage accumulated over the client's lifetime.
func (c *Client) TotalUsage() Usage {
	return Usage{
		PromptTokens:     int(c.promptTokens.Load()),
		CompletionTokens: int(c.completionTokens.Load()),
		TotalTokens:      int(c.totalTokens.Load()),
	}
}
