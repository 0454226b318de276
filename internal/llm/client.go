// Package llm provides the completion client for OpenAI-compatible
// /chat/completions endpoints (Together AI, vLLM, LiteLLM, OpenRouter,
// self-hosted models). The client owns retries with exponential backoff for
// transient failures; callers decide what to do when the provider stays
// unavailable.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Sentinel errors. Handlers and the pipeline branch on these with errors.Is.
var (
	// ErrUnavailable means every attempt failed with a transient condition
	// (network error, 5xx, 429). The pipeline degrades to a fallback reply.
	ErrUnavailable = errors.New("completion provider unavailable")

	// ErrMalformed means the provider answered 2xx with a body the client
	// could not use.
	ErrMalformed = errors.New("malformed completion response")
)

// Message is one chat turn sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage carries provider-reported token counts, parsed best-effort.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Completion is a successful provider response.
type Completion struct {
	Text  string
	Model string
	Usage *Usage // nil when the provider reports nothing
}

// Options configures a Client. Zero values fall back to safe defaults.
type Options struct {
	APIURL      string // full completions endpoint
	APIKey      string // optional bearer token
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration // per-attempt timeout
	MaxRetries  int           // retries after the first attempt
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Client is a retrying completion client, safe for concurrent use.
type Client struct {
	opts       Options
	httpClient *http.Client
}

// NewClient builds a Client. The underlying http.Client carries no global
// timeout; each attempt gets its own deadline from Options.Timeout.
func NewClient(opts Options) *Client {
	opts.APIURL = strings.TrimSpace(opts.APIURL)
	opts.APIKey = strings.TrimSpace(opts.APIKey)
	opts.Model = strings.TrimSpace(opts.Model)
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.BackoffCap < opts.BackoffBase {
		opts.BackoffCap = opts.BackoffBase
	}
	return &Client{
		opts:       opts,
		httpClient: &http.Client{},
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.opts.Model }

// Complete sends the conversation to the provider and returns its reply.
// Transient failures are retried up to MaxRetries times with exponential
// backoff and jitter; a Retry-After header on 429 overrides the schedule.
func (c *Client) Complete(ctx context.Context, messages []Message) (*Completion, error) {
	if c.opts.Model == "" {
		return nil, fmt.Errorf("completion model required")
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages to complete")
	}

	ctx, span := otel.Tracer("llm").Start(ctx, "llm.Complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", c.opts.Model),
		attribute.Int("llm.messages", len(messages)),
	)

	var lastErr error
	attempts := c.opts.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, c.backoff(attempt-1, lastErr)); err != nil {
				span.SetStatus(codes.Error, err.Error())
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		}

		comp, retryable, err := c.attempt(ctx, messages)
		if err == nil {
			span.SetAttributes(attribute.Int("llm.attempts", attempt+1))
			return comp, nil
		}
		if !retryable {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		lastErr = err
	}

	span.SetStatus(codes.Error, lastErr.Error())
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// retryAfterError wraps a transient error that carries a server-provided
// retry delay (HTTP 429 with Retry-After).
type retryAfterError struct {
	err   error
	delay time.Duration
}

func (e *retryAfterError) Error() string { return e.err.Error() }
func (e *retryAfterError) Unwrap() error { return e.err }

func (c *Client) attempt(ctx context.Context, messages []Message) (comp *Completion, retryable bool, err error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.opts.Model,
		Messages:    messages,
		MaxTokens:   c.opts.MaxTokens,
		Temperature: c.opts.Temperature,
	})
	if err != nil {
		return nil, false, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts, refused connections, resets: all transient.
		return nil, true, fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		err := fmt.Errorf("completion api rate limited: %s", resp.Status)
		if d := parseRetryAfter(resp.Header.Get("Retry-After")); d > 0 {
			return nil, true, &retryAfterError{err: err, delay: d}
		}
		return nil, true, err
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("completion api error: %s", resp.Status)
	case resp.StatusCode >= 400:
		var apiErr errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error.Message != "" {
			return nil, false, fmt.Errorf("completion api error: %s", apiErr.Error.Message)
		}
		return nil, false, fmt.Errorf("completion api error: %s", resp.Status)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, false, fmt.Errorf("%w: no choices", ErrMalformed)
	}
	text := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if text == "" {
		return nil, false, fmt.Errorf("%w: empty content", ErrMalformed)
	}

	out := &Completion{Text: text, Model: chatResp.Model}
	if out.Model == "" {
		out.Model = c.opts.Model
	}
	if u := chatResp.Usage; u != nil && (u.PromptTokens > 0 || u.CompletionTokens > 0) {
		out.Usage = &Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens}
	}
	return out, false, nil
}

// backoff computes the delay before retry number n (0-based). A server
// supplied Retry-After takes precedence over the exponential schedule.
func (c *Client) backoff(n int, lastErr error) time.Duration {
	var ra *retryAfterError
	if errors.As(lastErr, &ra) && ra.delay > 0 {
		if ra.delay > c.opts.BackoffCap {
			return c.opts.BackoffCap
		}
		return ra.delay
	}

	d := c.opts.BackoffBase << uint(n)
	if d > c.opts.BackoffCap || d <= 0 {
		d = c.opts.BackoffCap
	}
	// Full jitter on the upper half keeps retries spread out.
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Wire types for the OpenAI-compatible chat completions API.

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
