package http

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lexflow/orchestrator/internal/config"
	"github.com/lexflow/orchestrator/internal/domain"
	"github.com/lexflow/orchestrator/internal/graph"
	"github.com/lexflow/orchestrator/internal/llm"
	"github.com/lexflow/orchestrator/internal/search"
	"github.com/lexflow/orchestrator/internal/store"
	"github.com/lexflow/orchestrator/internal/stream"
	"github.com/lexflow/orchestrator/internal/tools"
	"github.com/lexflow/orchestrator/policy"
)

func newTestServer(t *testing.T) *echo.Echo {
	t.Helper()
	log := zap.NewNop()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		MaxSearchSteps:    2,
		SearchWorkers:     2,
		RetryBackoff:      time.Millisecond,
		KeepaliveInterval: time.Minute,
	}

	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)
	registry := tools.NewRegistry(engine, log)
	registry.MustRegister(tools.NewSimilaritySearchTool(search.NewStub(), time.Second))

	steps := graph.NewSteps(registry, llm.NewOfflineGateway(), cfg, log)
	runner := graph.NewRunner(st, steps, cfg, log)
	adapter := stream.NewAdapter(cfg.KeepaliveInterval, log)

	return NewServer(NewHandler(runner, adapter, log))
}

func postRun(t *testing.T, e *echo.Echo, body string, query string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/runs"+query, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-Firm-ID", "firm-1")
	req.Header.Set("X-User-ID", "user-1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestStartRunSynchronous(t *testing.T) {
	e := newTestServer(t)
	rec := postRun(t, e, `{"kind":"research","intake":{"doc_type":"memo","objective":"notice periods"}}`, "")

	require.Equal(t, http.StatusOK, rec.Code)
	var run domain.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.NotEmpty(t, run.TraceID)
	assert.Equal(t, domain.RunStatusAnswered, run.Status)
	assert.Equal(t, "firm-1", run.FirmID)
	assert.Equal(t, "user-1", run.UserID)
	require.NotNil(t, run.Output)
	assert.NotNil(t, run.Output.Briefing)
}

func TestStartRunValidationFailure(t *testing.T) {
	e := newTestServer(t)

	rec := postRun(t, e, `{"kind":"arbitration","intake":{"objective":"x"}}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postRun(t, e, `{"kind":"research","intake":{}}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartRunStreamsNDJSON(t *testing.T) {
	e := newTestServer(t)
	rec := postRun(t, e, `{"kind":"research","intake":{"doc_type":"memo","objective":"notice periods"}}`, "?stream=1")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ndjsonContentType, rec.Header().Get(echo.HeaderContentType))

	var events []domain.StreamEvent
	scanner := bufio.NewScanner(rec.Body)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		var ev domain.StreamEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}

	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, domain.StreamEventStart, events[0].Type)
	last := events[len(events)-1]
	assert.Equal(t, domain.StreamEventDone, last.Type)
	require.NotNil(t, last.Run)
	assert.Equal(t, domain.RunStatusAnswered, last.Run.Status)
}

func TestGetRunReturnsSnapshot(t *testing.T) {
	e := newTestServer(t)
	rec := postRun(t, e, `{"kind":"research","intake":{"doc_type":"memo","objective":"notice periods"}}`, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var created domain.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/runs/%s", created.TraceID), nil)
	req.Header.Set("X-Firm-ID", "firm-1")
	getRec := httptest.NewRecorder()
	e.ServeHTTP(getRec, req)

	require.Equal(t, http.StatusOK, getRec.Code)
	var fetched domain.Run
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &fetched))
	assert.Equal(t, created.TraceID, fetched.TraceID)
	assert.Equal(t, created.Status, fetched.Status)
}

func TestGetRunUnknownReturns404(t *testing.T) {
	e := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/runs/does-not-exist", nil)
	req.Header.Set("X-Firm-ID", "firm-1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRunIsFirmScoped(t *testing.T) {
	e := newTestServer(t)
	rec := postRun(t, e, `{"kind":"research","intake":{"doc_type":"memo","objective":"notice periods"}}`, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var created domain.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/runs/%s", created.TraceID), nil)
	req.Header.Set("X-Firm-ID", "firm-2")
	getRec := httptest.NewRecorder()
	e.ServeHTTP(getRec, req)
	assert.Equal(t, http.StatusNotFound, getRec.Code)
}

func TestResumeTerminalRunReturnsSameSnapshot(t *testing.T) {
	e := newTestServer(t)
	rec := postRun(t, e, `{"kind":"research","intake":{"doc_type":"memo","objective":"notice periods"}}`, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var created domain.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/v1/runs/%s/resume", created.TraceID), nil)
	req.Header.Set("X-Firm-ID", "firm-1")
	resumeRec := httptest.NewRecorder()
	e.ServeHTTP(resumeRec, req)

	require.Equal(t, http.StatusOK, resumeRec.Code)
	var resumed domain.Run
	require.NoError(t, json.Unmarshal(resumeRec.Body.Bytes(), &resumed))
	assert.Equal(t, created.Status, resumed.Status)
	assert.Equal(t, created.Output, resumed.Output)
}

func TestResumeUnknownRunReturns404(t *testing.T) {
	e := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/runs/missing/resume", nil)
	req.Header.Set("X-Firm-ID", "firm-1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	e := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
