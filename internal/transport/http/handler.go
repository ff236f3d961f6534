package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/lexflow/orchestrator/internal/domain"
	"github.com/lexflow/orchestrator/internal/graph"
	"github.com/lexflow/orchestrator/internal/store"
	"github.com/lexflow/orchestrator/internal/stream"
)

const ndjsonContentType = "application/x-ndjson"

// Handler serves the run API. The runner owns all execution; handlers only
// translate the HTTP conventions.
type Handler struct {
	runner  *graph.Runner
	adapter *stream.Adapter
	log     *zap.Logger
}

// NewHandler creates the run API handler.
func NewHandler(runner *graph.Runner, adapter *stream.Adapter, log *zap.Logger) *Handler {
	return &Handler{runner: runner, adapter: adapter, log: log}
}

// RegisterRoutes registers all routes.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/runs", h.startRun)
	e.POST("/v1/runs/:trace_id/resume", h.resumeRun)
	e.GET("/v1/runs/:trace_id", h.getRun)
	e.GET("/health", h.health)
}

type startRunRequest struct {
	Kind           domain.WorkflowKind `json:"kind"`
	Intake         domain.Intake       `json:"intake"`
	MaxSearchSteps int                 `json:"max_search_steps,omitempty"`
	TraceID        string              `json:"trace_id,omitempty"`
}

type errorResponse struct {
	TraceID string `json:"trace_id,omitempty"`
	Error   string `json:"error"`
}

// identity pulls the opaque audit stamps from the request headers. The auth
// layer in front of this service sets them.
func identity(c echo.Context) domain.Identity {
	return domain.Identity{
		UserID: c.Request().Header.Get("X-User-ID"),
		FirmID: c.Request().Header.Get("X-Firm-ID"),
	}
}

func wantsStream(c echo.Context) bool {
	return c.QueryParam("stream") == "1" ||
		c.Request().Header.Get("Accept") == ndjsonContentType
}

func (h *Handler) startRun(c echo.Context) error {
	var req startRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}

	id := identity(c)
	run, err := h.runner.Start(c.Request().Context(), req.Kind, req.Intake, id, graph.StartOptions{
		TraceID:        req.TraceID,
		MaxSearchSteps: req.MaxSearchSteps,
	})
	if err != nil {
		if errors.Is(err, graph.ErrValidation) {
			return c.JSON(http.StatusBadRequest, errorResponse{TraceID: req.TraceID, Error: err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, errorResponse{TraceID: req.TraceID, Error: err.Error()})
	}

	return h.execute(c, id.FirmID, run.TraceID)
}

func (h *Handler) resumeRun(c echo.Context) error {
	traceID := c.Param("trace_id")
	id := identity(c)

	if _, err := h.runner.Get(c.Request().Context(), id.FirmID, traceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, errorResponse{TraceID: traceID, Error: "run not found"})
		}
		return c.JSON(http.StatusInternalServerError, errorResponse{TraceID: traceID, Error: err.Error()})
	}

	return h.execute(c, id.FirmID, traceID)
}

// execute drives the run to terminal in the requested calling convention:
// NDJSON stream or synchronous snapshot.
func (h *Handler) execute(c echo.Context, firmID, traceID string) error {
	if wantsStream(c) {
		return h.executeStreaming(c, firmID, traceID)
	}

	// Detached context: a client disconnect must not cancel in-flight step
	// execution, which always runs to completion and persists.
	run, err := h.runner.Execute(context.Background(), firmID, traceID)
	if err != nil {
		if errors.Is(err, graph.ErrValidation) {
			return c.JSON(http.StatusBadRequest, errorResponse{TraceID: traceID, Error: err.Error()})
		}
		if run != nil {
			// The run snapshot carries the accumulated errors and partial
			// progress; surface it with the failure status.
			return c.JSON(http.StatusOK, run)
		}
		return c.JSON(http.StatusInternalServerError, errorResponse{TraceID: traceID, Error: err.Error()})
	}
	return c.JSON(http.StatusOK, run)
}

func (h *Handler) executeStreaming(c echo.Context, firmID, traceID string) error {
	events, unsubscribe := h.runner.Subscribe(traceID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Detached context: a consumer disconnect must not cancel in-flight
		// step execution.
		if _, err := h.runner.Execute(context.Background(), firmID, traceID); err != nil {
			h.log.Warn("streamed run failed",
				zap.String("trace_id", traceID), zap.Error(err))
		}
	}()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, ndjsonContentType)
	resp.WriteHeader(http.StatusOK)

	streamErr := h.adapter.Stream(c.Request().Context(), resp, events)
	<-done
	unsubscribe()
	if streamErr != nil && !errors.Is(streamErr, context.Canceled) {
		h.log.Debug("stream ended early", zap.String("trace_id", traceID), zap.Error(streamErr))
	}
	return nil
}

func (h *Handler) getRun(c echo.Context) error {
	traceID := c.Param("trace_id")
	id := identity(c)

	run, err := h.runner.Get(c.Request().Context(), id.FirmID, traceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, errorResponse{TraceID: traceID, Error: "run not found"})
		}
		return c.JSON(http.StatusInternalServerError, errorResponse{TraceID: traceID, Error: err.Error()})
	}
	return c.JSON(http.StatusOK, run)
}

func (h *Handler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
