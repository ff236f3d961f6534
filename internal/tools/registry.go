// Package tools exposes capability-typed tools behind a uniform invocation
// interface with per-call limits.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lexflow/orchestrator/policy"
)

// Limits declares the per-call bounds a tool enforces.
type Limits struct {
	MaxResults int
	MaxBytes   int
	Timeout    time.Duration
}

// Tool is one registered capability.
type Tool interface {
	Name() string
	Limits() Limits
	Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// Registry stores tools keyed by name and gates every invocation through the
// policy engine. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	engine *policy.Engine
	log    *zap.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(engine *policy.Engine, log *zap.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		engine: engine,
		log:    log,
	}
}

// Register adds a tool. Registering the same name twice is an error.
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("tool is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool already registered for %s", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// MustRegister adds a tool or panics.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Invoke runs the named tool under its declared timeout, after the policy
// gate. Policy blocks surface as ToolError(Blocked); deadline expiry as
// ToolError(Timeout).
func (r *Registry) Invoke(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	t := r.tools[toolName]
	r.mu.RUnlock()
	if t == nil {
		return nil, NewToolError(toolName, ErrBlocked, "no tool registered")
	}

	if r.engine != nil {
		input := policy.Input{ToolName: toolName}
		if g, ok := t.(policyInputProvider); ok {
			input = g.PolicyInput(args)
		}
		decision, reason, err := r.engine.Evaluate(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("policy evaluation failed: %w", err)
		}
		if decision != "allow" {
			r.log.Warn("tool invocation blocked by policy",
				zap.String("tool", toolName), zap.String("reason", reason))
			return nil, NewToolError(toolName, ErrBlocked, "blocked by policy: %s", reason)
		}
	}

	callCtx := ctx
	if limits := t.Limits(); limits.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
		defer cancel()
	}

	result, err := t.Invoke(callCtx, args)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, NewToolError(toolName, ErrTimeout, "call exceeded %s", t.Limits().Timeout)
		}
		return nil, err
	}
	return result, nil
}

// policyInputProvider lets a tool contribute call-specific policy input, e.g.
// the target host for web_fetch.
type policyInputProvider interface {
	PolicyInput(args json.RawMessage) policy.Input
}
