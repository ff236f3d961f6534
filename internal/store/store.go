// Package store defines the run persistence interface and implementations.
package store

import (
	"context"
	"errors"

	"github.com/lexflow/orchestrator/internal/domain"
)

// ErrNotFound is returned when no run exists for the given identifiers.
var ErrNotFound = errors.New("run not found")

// ErrDuplicate is returned when a run with the same trace id already exists,
// in any firm. Trace identifiers are global and never reused.
var ErrDuplicate = errors.New("run already exists")

// Store persists run snapshots and the audit trail. Snapshots are written
// before the matching stream event is emitted, so a crash never leaves a
// client having seen state the store does not hold.
type Store interface {
	// CreateRun inserts a new run. An existing trace id, regardless of
	// firm, fails with ErrDuplicate.
	CreateRun(ctx context.Context, run *domain.Run) error

	// UpsertRun writes the full run snapshot for an existing run.
	UpsertRun(ctx context.Context, run *domain.Run) error

	// GetRun loads a run scoped to a firm. Cross-firm reads return
	// ErrNotFound, same as a missing trace id.
	GetRun(ctx context.Context, firmID, traceID string) (*domain.Run, error)

	// ListRuns returns the newest runs for a firm, most recent first.
	ListRuns(ctx context.Context, firmID string, limit int) ([]*domain.Run, error)

	// AppendEvent records one audit event.
	AppendEvent(ctx context.Context, event *domain.AuditEvent) error

	// GetEvents returns the audit trail for a run in append order.
	GetEvents(ctx context.Context, traceID string, afterTs int64, limit int) ([]domain.AuditEvent, error)

	Close() error
}
