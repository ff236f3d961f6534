// Package policy gates tool invocations through OPA.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.tool_policy.decision"),
		rego.Module("tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Input describes one tool invocation for policy evaluation.
type Input struct {
	ToolName       string   `json:"tool_name"`
	Host           string   `json:"host,omitempty"`
	AllowedDomains []string `json:"allowed_domains,omitempty"`
}

// Evaluate checks the tool policy. Returns the decision ("allow" or "block")
// and an optional reason.
func (e *Engine) Evaluate(ctx context.Context, input Input) (string, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "allow", "default", nil
	}

	val := results[0].Expressions[0].Value
	switch v := val.(type) {
	case string:
		return v, "", nil
	case map[string]interface{}:
		decision, _ := v["decision"].(string)
		reason, _ := v["reason"].(string)
		if decision == "" {
			decision = "allow"
		}
		return decision, reason, nil
	}
	return "allow", "unexpected return type", nil
}

// DefaultPolicy allows the registered capability set and enforces the
// web_fetch host allow-list. An empty allow-list blocks all fetches.
const DefaultPolicy = `
package tool_policy

default decision = "block"

decision = "allow" {
	input.tool_name == "similarity_search"
}

decision = "allow" {
	input.tool_name == "web_fetch"
	input.host == input.allowed_domains[_]
}
`
