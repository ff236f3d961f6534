// Package llm fronts the language model with a typed gateway. Structured
// calls carry a deterministic fallback so the orchestrator can degrade
// instead of failing when the model misbehaves.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// ErrorKind classifies gateway failures. Only Unavailable is fatal to a run;
// the other kinds are recorded on the run and the fallback takes over.
type ErrorKind string

const (
	ErrRateLimited     ErrorKind = "rate_limited"
	ErrTimeout         ErrorKind = "timeout"
	ErrInvalidResponse ErrorKind = "invalid_response"
	ErrUnavailable     ErrorKind = "unavailable"
)

// Error is a classified gateway failure.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return "llm: " + string(e.Kind) + ": " + e.Message
}

// Fatal reports whether the failure should abort the run rather than fall
// back to deterministic output.
func (e *Error) Fatal() bool {
	return e.Kind == ErrUnavailable
}

// Options tunes one call. Zero values defer to the gateway's configuration.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// StructuredRequest asks the model for a single JSON object decoded into Out.
// Fallback must be the same shape as Out; the caller applies it when the
// gateway reports a non-fatal failure, and the offline gateway uses it
// directly.
type StructuredRequest struct {
	System   string
	Prompt   string
	Out      interface{}
	Fallback interface{}
	Opts     Options
}

// Gateway issues model calls. Live implementations retry a structured call
// exactly once with a stricter prompt before classifying the response as
// invalid.
type Gateway interface {
	Text(ctx context.Context, system, prompt string, opts Options) (string, error)
	Structured(ctx context.Context, req StructuredRequest) error
}

// ApplyFallback copies req.Fallback into req.Out via a JSON round trip.
func ApplyFallback(req StructuredRequest) error {
	raw, err := json.Marshal(req.Fallback)
	if err != nil {
		return fmt.Errorf("failed to marshal fallback: %w", err)
	}
	if err := json.Unmarshal(raw, req.Out); err != nil {
		return fmt.Errorf("failed to apply fallback: %w", err)
	}
	return nil
}
