package tools

import "fmt"

// ErrorKind classifies tool failures.
type ErrorKind string

const (
	ErrBlocked  ErrorKind = "blocked"
	ErrTimeout  ErrorKind = "timeout"
	ErrTooLarge ErrorKind = "too_large"
)

// ToolError is a classified failure from a tool invocation. The registry
// performs no retries; retry policy belongs to the caller.
type ToolError struct {
	Tool    string
	Kind    ErrorKind
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s: %s", e.Tool, e.Kind, e.Message)
}

// NewToolError builds a classified tool error.
func NewToolError(tool string, kind ErrorKind, format string, args ...interface{}) *ToolError {
	return &ToolError{Tool: tool, Kind: kind, Message: fmt.Sprintf(format, args...)}
}
