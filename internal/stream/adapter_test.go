package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lexflow/orchestrator/internal/domain"
)

func TestStreamWritesNDJSONUntilDone(t *testing.T) {
	events := make(chan domain.StreamEvent, 8)
	events <- domain.StreamEvent{Type: domain.StreamEventStart, TraceID: "t1", Status: domain.RunStatusRunning}
	events <- domain.StreamEvent{Type: domain.StreamEventUpdate, TraceID: "t1", Step: "classify_matter"}
	events <- domain.StreamEvent{Type: domain.StreamEventDone, TraceID: "t1", Status: domain.RunStatusAnswered}

	var buf bytes.Buffer
	a := NewAdapter(time.Minute, zap.NewNop())
	err := a.Stream(context.Background(), &buf, events)
	require.NoError(t, err)

	var lines []domain.StreamEvent
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var ev domain.StreamEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		lines = append(lines, ev)
	}
	require.Len(t, lines, 3)
	assert.Equal(t, domain.StreamEventStart, lines[0].Type)
	assert.Equal(t, domain.StreamEventUpdate, lines[1].Type)
	assert.Equal(t, domain.StreamEventDone, lines[2].Type)
	for _, ev := range lines {
		assert.Equal(t, "t1", ev.TraceID)
	}
}

func TestStreamEmitsKeepalives(t *testing.T) {
	events := make(chan domain.StreamEvent)
	var buf bytes.Buffer
	a := NewAdapter(10*time.Millisecond, zap.NewNop())

	go func() {
		time.Sleep(50 * time.Millisecond)
		events <- domain.StreamEvent{Type: domain.StreamEventDone, TraceID: "t1"}
	}()

	require.NoError(t, a.Stream(context.Background(), &buf, events))
	assert.True(t, strings.Contains(buf.String(), `"keepalive"`))
}

func TestStreamStopsOnErrorEvent(t *testing.T) {
	events := make(chan domain.StreamEvent, 2)
	events <- domain.StreamEvent{Type: domain.StreamEventError, TraceID: "t1", Error: "llm: unavailable: down"}

	var buf bytes.Buffer
	a := NewAdapter(time.Minute, zap.NewNop())
	require.NoError(t, a.Stream(context.Background(), &buf, events))
	assert.Contains(t, buf.String(), "unavailable")
	assert.Contains(t, buf.String(), "t1")
}

type failingWriter struct{ writes int }

func (f *failingWriter) Write(p []byte) (int, error) {
	f.writes++
	return 0, errors.New("broken pipe")
}

func TestStreamDrainsAfterDisconnect(t *testing.T) {
	events := make(chan domain.StreamEvent, 8)
	events <- domain.StreamEvent{Type: domain.StreamEventStart, TraceID: "t1"}
	events <- domain.StreamEvent{Type: domain.StreamEventUpdate, TraceID: "t1"}
	events <- domain.StreamEvent{Type: domain.StreamEventDone, TraceID: "t1"}

	w := &failingWriter{}
	a := NewAdapter(time.Minute, zap.NewNop())
	err := a.Stream(context.Background(), w, events)
	require.Error(t, err)

	// The adapter consumed the remaining events despite the dead writer.
	assert.Empty(t, events)
	assert.Equal(t, 1, w.writes)
}
