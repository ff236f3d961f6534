package domain

import "encoding/json"

// StreamEvent is one element of the external NDJSON event stream. Data holds
// only the fields that changed since the previous emission; Run is populated
// on done events only.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	TraceID string          `json:"trace_id"`
	Status  RunStatus       `json:"status,omitempty"`
	Step    string          `json:"step,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Run     *Run            `json:"run,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// AuditEvent is one persisted trace event for replay and audit. User and firm
// identifiers are stamped for attribution.
type AuditEvent struct {
	EventID string          `json:"event_id"`
	TraceID string          `json:"trace_id"`
	Ts      int64           `json:"ts"` // Unix milliseconds
	Type    AuditEventType  `json:"type"`
	UserID  string          `json:"user_id,omitempty"`
	FirmID  string          `json:"firm_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
