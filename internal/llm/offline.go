package llm

import (
	"context"
	"fmt"
)

// OfflineGateway is a deterministic Gateway used when no API key is
// configured. Text calls return a placeholder; structured calls apply the
// request's fallback, which keeps every graph runnable end to end without
// network access.
type OfflineGateway struct{}

// NewOfflineGateway creates the offline gateway.
func NewOfflineGateway() *OfflineGateway {
	return &OfflineGateway{}
}

// Text returns a placeholder echoing a truncated prompt.
func (g *OfflineGateway) Text(_ context.Context, _, prompt string, _ Options) (string, error) {
	if len(prompt) > 120 {
		prompt = prompt[:120]
	}
	return fmt.Sprintf("[offline] %s", prompt), nil
}

// Structured fills req.Out from the deterministic fallback.
func (g *OfflineGateway) Structured(_ context.Context, req StructuredRequest) error {
	if req.Fallback == nil {
		return &Error{Kind: ErrInvalidResponse, Message: "structured call without fallback in offline mode"}
	}
	return ApplyFallback(req)
}
