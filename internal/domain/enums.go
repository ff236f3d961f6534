// Package domain defines the core domain models for the orchestrator.
package domain

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunStatusRunning       RunStatus = "running"
	RunStatusAwaitingInput RunStatus = "awaiting_input"
	RunStatusAnswered      RunStatus = "answered"
	RunStatusError         RunStatus = "error"
)

// IsTerminal reports whether the status allows no further execution.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusAnswered || s == RunStatusError
}

// WorkflowKind identifies which topology produced a run.
type WorkflowKind string

const (
	WorkflowResearch WorkflowKind = "research"
	WorkflowDrafting WorkflowKind = "drafting"
	WorkflowReview   WorkflowKind = "review"
)

// Valid reports whether the kind names a known workflow.
func (k WorkflowKind) Valid() bool {
	switch k {
	case WorkflowResearch, WorkflowDrafting, WorkflowReview:
		return true
	}
	return false
}

// StepStatus represents the status of an issue or plan step.
type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusDone    StepStatus = "done"
)

// Research layers, ordered by normative weight. The plan builder expands each
// issue across a subset of these.
const (
	LayerConstitution   = "constitution"
	LayerTreaties       = "treaties"
	LayerLaw            = "law"
	LayerRegulation     = "regulation"
	LayerAdministrative = "administrative"
	LayerJurisprudence  = "jurisprudence"
	LayerDoctrine       = "doctrine"
)

// StreamEventType represents the type of an external stream event.
type StreamEventType string

const (
	StreamEventStart     StreamEventType = "start"
	StreamEventUpdate    StreamEventType = "update"
	StreamEventDone      StreamEventType = "done"
	StreamEventError     StreamEventType = "error"
	StreamEventKeepalive StreamEventType = "keepalive"
)

// AuditEventType represents the type of a persisted audit event.
type AuditEventType string

const (
	AuditRunStarted    AuditEventType = "run_started"
	AuditRunResumed    AuditEventType = "run_resumed"
	AuditStepCompleted AuditEventType = "step_completed"
	AuditConflictFound AuditEventType = "conflict_found"
	AuditRunAnswered   AuditEventType = "run_answered"
	AuditRunFailed     AuditEventType = "run_failed"
)
