package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// maxResponseBytes caps how much of a provider response is read.
const maxResponseBytes = 4 << 20

var errBadEndpoint = errors.New("invalid provider endpoint")

// OpenAI-compatible wire types.
type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
}

type chatError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// send makes one attempt against one model, bounded by the client timeout.
// It returns the HTTP status (0 if none) and an *AttemptError on failure.
func (c *Client) send(ctx context.Context, key, model string, req Request) (*Completion, int, *AttemptError) {
	fail := func(status int, msg string, err error) (*Completion, int, *AttemptError) {
		return nil, status, &AttemptError{Model: model, StatusCode: status, Msg: msg, Err: err}
	}

	body := chatRequest{Model: model, Messages: req.Messages}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = &req.MaxTokens
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fail(0, truncate(err.Error(), 50), err)
	}

	actx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(actx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fail(0, truncate(err.Error(), 50), fmt.Errorf("%w: %v", errBadEndpoint, err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return fail(0, "Timeout", err)
		}
		return fail(0, truncate(err.Error(), 50), err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return fail(httpResp.StatusCode, "Timeout", err)
		}
		return fail(httpResp.StatusCode, truncate(err.Error(), 50), err)
	}

	switch httpResp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		msg := "Rate limit exceeded"
		var ce chatError
		if json.Unmarshal(respBody, &ce) == nil && ce.Error.Message != "" {
			msg = ce.Error.Message
		}
		return fail(httpResp.StatusCode, truncate(msg, 100), ErrRateLimited)
	default:
		return fail(httpResp.StatusCode, fmt.Sprintf("HTTP %d", httpResp.StatusCode),
			fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, truncate(string(respBody), 200)))
	}

	raw, err := decodeJSON(respBody)
	if err != nil {
		return fail(httpResp.StatusCode, "invalid JSON response", fmt.Errorf("%w: %v", ErrBadResponse, err))
	}
	rawMap, ok := raw.(map[string]any)
	if !ok {
		return fail(httpResp.StatusCode, "invalid JSON response", fmt.Errorf("%w: response is not an object", ErrBadResponse))
	}

	var typed chatResponse
	_ = json.Unmarshal(respBody, &typed)
	comp := &Completion{Model: typed.Model, Raw: rawMap}
	if comp.Model == "" {
		comp.Model = model
	}
	if len(typed.Choices) > 0 {
		comp.Content = typed.Choices[0].Message.Content
	}
	return comp, httpResp.StatusCode, nil
}
