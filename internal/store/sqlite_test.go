package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexflow/orchestrator/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testRun(firmID string) *domain.Run {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &domain.Run{
		TraceID:   uuid.New().String(),
		FirmID:    firmID,
		UserID:    "user-1",
		Kind:      domain.WorkflowResearch,
		Status:    domain.RunStatusRunning,
		Intake:    domain.Intake{Objective: "limitation periods for product liability"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestUpsertAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := testRun("firm-a")
	require.NoError(t, s.UpsertRun(ctx, run))

	got, err := s.GetRun(ctx, "firm-a", run.TraceID)
	require.NoError(t, err)
	assert.Equal(t, run.TraceID, got.TraceID)
	assert.Equal(t, domain.RunStatusRunning, got.Status)
	assert.Equal(t, run.Intake.Objective, got.Intake.Objective)

	// Second upsert replaces the snapshot.
	run.Status = domain.RunStatusAnswered
	run.Progress = []string{"normalize_intake", "classify_matter"}
	run.UpdatedAt = time.Now().UTC()
	require.NoError(t, s.UpsertRun(ctx, run))

	got, err = s.GetRun(ctx, "firm-a", run.TraceID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusAnswered, got.Status)
	assert.Equal(t, []string{"normalize_intake", "classify_matter"}, got.Progress)
}

func TestCreateRunRejectsReusedTraceID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := testRun("firm-a")
	require.NoError(t, s.CreateRun(ctx, run))

	// Same firm, same trace id.
	again := testRun("firm-a")
	again.TraceID = run.TraceID
	assert.ErrorIs(t, s.CreateRun(ctx, again), ErrDuplicate)

	// Another firm recycling the id is rejected too, and the original
	// snapshot survives untouched.
	other := testRun("firm-b")
	other.TraceID = run.TraceID
	other.Intake.Objective = "someone else's matter"
	assert.ErrorIs(t, s.CreateRun(ctx, other), ErrDuplicate)

	got, err := s.GetRun(ctx, "firm-a", run.TraceID)
	require.NoError(t, err)
	assert.Equal(t, run.Intake.Objective, got.Intake.Objective)
	assert.Equal(t, "firm-a", got.FirmID)
}

func TestGetRunUnknownTraceID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "firm-a", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetRunIsFirmScoped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := testRun("firm-a")
	require.NoError(t, s.UpsertRun(ctx, run))

	_, err := s.GetRun(ctx, "firm-b", run.TraceID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRunsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := testRun("firm-a")
	older.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.UpsertRun(ctx, older))

	newer := testRun("firm-a")
	require.NoError(t, s.UpsertRun(ctx, newer))

	other := testRun("firm-b")
	require.NoError(t, s.UpsertRun(ctx, other))

	runs, err := s.ListRuns(ctx, "firm-a", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, newer.TraceID, runs[0].TraceID)
	assert.Equal(t, older.TraceID, runs[1].TraceID)
}

func TestAppendAndGetEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := testRun("firm-a")
	require.NoError(t, s.UpsertRun(ctx, run))

	base := time.Now().UnixMilli()
	for i, typ := range []domain.AuditEventType{domain.AuditRunStarted, domain.AuditStepCompleted, domain.AuditRunAnswered} {
		require.NoError(t, s.AppendEvent(ctx, &domain.AuditEvent{
			EventID: uuid.New().String(),
			TraceID: run.TraceID,
			Ts:      base + int64(i),
			Type:    typ,
			FirmID:  run.FirmID,
			UserID:  run.UserID,
		}))
	}

	events, err := s.GetEvents(ctx, run.TraceID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, domain.AuditRunStarted, events[0].Type)
	assert.Equal(t, domain.AuditRunAnswered, events[2].Type)

	// afterTs filters already-seen events.
	events, err = s.GetEvents(ctx, run.TraceID, base, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}
