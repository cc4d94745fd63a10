package llm

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoAPIKey    = errors.New("no API key configured")
	ErrRateLimited = errors.New("rate limited")
	ErrUnavailable = errors.New("provider unavailable")
	ErrBadResponse = errors.New("unexpected provider response")
)

// maxReportedAttempts bounds how many per-model failures an ExhaustedError
// quotes in its message.
const maxReportedAttempts = 5

// AttemptError is the failure of one model in the fallback chain.
type AttemptError struct {
	Model      string
	StatusCode int // 0 when no HTTP response was received
	Msg        string
	Err        error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s: %s", e.Model, e.Msg)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// ExhaustedError is returned when every model in the chain failed. It is a
// rate-limit-class error: errors.Is(err, ErrRateLimited) holds.
type ExhaustedError struct {
	Attempts []*AttemptError
}

func (e *ExhaustedError) Error() string {
	n := len(e.Attempts)
	if n > maxReportedAttempts {
		n = maxReportedAttempts
	}
	parts := make([]string, 0, n)
	for _, a := range e.Attempts[:n] {
		parts = append(parts, a.Error())
	}
	return fmt.Sprintf("All AI models are currently rate-limited. Please try again in a few minutes. (%s)",
		strings.Join(parts, "; "))
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrRateLimited }

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
