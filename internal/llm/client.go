// Package llm calls an OpenAI-compatible chat-completion endpoint through a
// fixed, priority-ordered chain of model identifiers.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single model attempt.
const DefaultTimeout = 30 * time.Second

// Message represents a chat message (system/user/assistant).
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a chat-completion request without a model; the Client fills
// the model in from its chain.
type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Completion is a successful provider response.
type Completion struct {
	Model   string         // model that answered
	Content string         // choices[0].message.content, "" when absent
	Raw     map[string]any // the full normalized response body
	Latency time.Duration
}

// Text returns the first choice's content, or ErrBadResponse when the
// provider answered 200 without one.
func (c *Completion) Text() (string, error) {
	if c.Content == "" {
		return "", fmt.Errorf("%w: no choices in response from %s", ErrBadResponse, c.Model)
	}
	return c.Content, nil
}

// Attempt describes one model tried by the chain, passed to Observers.
type Attempt struct {
	Operation  string
	Model      string
	Index      int // 0-based position in the chain
	StatusCode int
	Latency    time.Duration
	Err        *AttemptError // nil on success
}

// Observer receives every attempt. Implementations must not block.
type Observer interface {
	ObserveAttempt(Attempt)
}

// ExhaustionObserver is implemented by observers that also want to know
// when a whole chain failed.
type ExhaustionObserver interface {
	ObserveExhausted(operation string, attempts int)
}

// Config configures a Client.
type Config struct {
	Endpoint   string   // full chat/completions URL
	Models     []string // priority order, most preferred first
	Timeout    time.Duration
	Credential *Credential
	HTTPClient *http.Client
	Observers  []Observer
}

// Client tries each model of its chain in order until one answers 200.
// Every call restarts from the head of the chain.
type Client struct {
	endpoint  string
	models    []string
	timeout   time.Duration
	cred      *Credential
	http      *http.Client
	observers []Observer
}

func New(cfg Config) *Client {
	models := make([]string, len(cfg.Models))
	copy(models, cfg.Models)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	cred := cfg.Credential
	if cred == nil {
		cred = StaticCredential("")
	}
	return &Client{
		endpoint:  cfg.Endpoint,
		models:    models,
		timeout:   timeout,
		cred:      cred,
		http:      hc,
		observers: cfg.Observers,
	}
}

// Models returns a copy of the fallback chain.
func (c *Client) Models() []string {
	out := make([]string, len(c.models))
	copy(out, c.models)
	return out
}

// Credential returns the client's provider credential.
func (c *Client) Credential() *Credential {
	return c.cred
}

// Complete sends req to each model of the chain in turn and returns the
// first 200 response. Rate limits, other statuses, timeouts and transport
// failures all move on to the next model. When the chain is exhausted the
// error is an *ExhaustedError (errors.Is ErrRateLimited). Cancellation of
// ctx itself stops the chain and returns ctx.Err().
func (c *Client) Complete(ctx context.Context, operation string, req Request) (*Completion, error) {
	key, err := c.cred.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving API key: %w", err)
	}
	if len(c.models) == 0 {
		return nil, fmt.Errorf("%w: empty model chain", ErrUnavailable)
	}

	var failures []*AttemptError
	for i, model := range c.models {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		slog.Info("llm attempt", "operation", operation,
			"attempt", fmt.Sprintf("%d/%d", i+1, len(c.models)), "model", model)

		start := time.Now()
		comp, status, aerr := c.send(ctx, key, model, req)
		latency := time.Since(start)

		c.observe(Attempt{
			Operation: operation, Model: model, Index: i,
			StatusCode: status, Latency: latency, Err: aerr,
		})

		if aerr == nil {
			comp.Latency = latency
			slog.Info("llm success", "operation", operation, "model", model, "latency_ms", latency.Milliseconds())
			return comp, nil
		}
		if errors.Is(aerr.Err, errBadEndpoint) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, aerr.Err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("llm attempt failed", "operation", operation, "model", model,
			"status", status, "error", aerr.Msg)
		failures = append(failures, aerr)
	}

	slog.Error("llm chain exhausted", "operation", operation, "models", len(c.models))
	for _, o := range c.observers {
		if eo, ok := o.(ExhaustionObserver); ok {
			eo.ObserveExhausted(operation, len(failures))
		}
	}
	return nil, &ExhaustedError{Attempts: failures}
}

func (c *Client) observe(a Attempt) {
	for _, o := range c.observers {
		o.ObserveAttempt(a)
	}
}
