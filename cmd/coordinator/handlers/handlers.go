// Package handlers is the coordinator's inbound command surface. Every
// endpoint translates a request into one command and submits it to the run's
// dispatcher; processing is asynchronous.
package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ronkeiser/wonder/cmd/coordinator/dispatcher"
	"github.com/ronkeiser/wonder/cmd/coordinator/model"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// Handler holds the command endpoints
type Handler struct {
	registry *dispatcher.Registry
	logger   Logger
}

// New creates a handler
func New(registry *dispatcher.Registry, logger Logger) *Handler {
	return &Handler{registry: registry, logger: logger}
}

type startRequest struct {
	DefID         string         `json:"def_id"`
	Version       string         `json:"version,omitempty"`
	WorkspaceID   string         `json:"workspace_id,omitempty"`
	ProjectID     string         `json:"project_id,omitempty"`
	ParentRunID   string         `json:"parent_run_id,omitempty"`
	ParentTokenID string         `json:"parent_token_id,omitempty"`
	Input         map[string]any `json:"input,omitempty"`
	TraceEvents   bool           `json:"trace_events,omitempty"`
}

// Start opens a coordinator instance for the run and submits the start
// command.
func (h *Handler) Start(c echo.Context) error {
	runID := c.Param("id")

	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.DefID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "def_id is required")
	}

	run := model.Run{
		ID:            runID,
		WorkspaceID:   req.WorkspaceID,
		ProjectID:     req.ProjectID,
		ParentRunID:   req.ParentRunID,
		ParentTokenID: req.ParentTokenID,
		DefID:         req.DefID,
		DefVersion:    req.Version,
	}
	d, err := h.registry.Open(c.Request().Context(), run)
	if err != nil {
		h.logger.Error("open run failed", "run_id", runID, "error", err)
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}

	d.Submit(model.Command{
		Kind:        model.CmdStart,
		Input:       req.Input,
		TraceEvents: req.TraceEvents,
	})
	return c.JSON(http.StatusAccepted, map[string]string{"run_id": runID, "status": "accepted"})
}

type taskResultRequest struct {
	Output map[string]any `json:"output,omitempty"`
}

// TaskResult receives a task success from the executor
func (h *Handler) TaskResult(c echo.Context) error {
	return h.submit(c, model.Command{
		Kind:    model.CmdTaskResult,
		TokenID: c.Param("token_id"),
		Output:  h.bindOutput(c),
	})
}

type taskErrorRequest struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable,omitempty"`
}

// TaskError receives a task failure from the executor
func (h *Handler) TaskError(c echo.Context) error {
	var req taskErrorRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Code == "" {
		req.Code = model.ErrCodeTaskFailed
	}
	return h.submit(c, model.Command{
		Kind:    model.CmdTaskError,
		TokenID: c.Param("token_id"),
		Err: &model.WorkflowError{
			Code:      req.Code,
			Message:   req.Message,
			Retriable: req.Retriable,
		},
	})
}

// MarkExecuting records that a worker picked up the task
func (h *Handler) MarkExecuting(c echo.Context) error {
	return h.submit(c, model.Command{
		Kind:    model.CmdMarkExecuting,
		TokenID: c.Param("token_id"),
	})
}

type subworkflowOutcomeRequest struct {
	ChildRunID string               `json:"child_run_id"`
	TokenID    string               `json:"token_id"`
	Output     map[string]any       `json:"output,omitempty"`
	Error      *model.WorkflowError `json:"error,omitempty"`
}

// SubworkflowResult receives a child run's success
func (h *Handler) SubworkflowResult(c echo.Context) error {
	var req subworkflowOutcomeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return h.submit(c, model.Command{
		Kind:    model.CmdSubworkflowResult,
		TokenID: req.TokenID,
		Output:  req.Output,
	})
}

// SubworkflowError receives a child run's failure
func (h *Handler) SubworkflowError(c echo.Context) error {
	var req subworkflowOutcomeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return h.submit(c, model.Command{
		Kind:    model.CmdSubworkflowError,
		TokenID: req.TokenID,
		Err:     req.Error,
	})
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Cancel cancels a run
func (h *Handler) Cancel(c echo.Context) error {
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return h.submit(c, model.Command{Kind: model.CmdCancel, Reason: req.Reason})
}

func (h *Handler) submit(c echo.Context, cmd model.Command) error {
	runID := c.Param("id")
	d, ok := h.registry.Get(runID)
	if !ok {
		// Unknown or already torn down; late results are expected after
		// terminal states.
		h.logger.Warn("command for unknown run", "run_id", runID, "kind", string(cmd.Kind))
		return c.JSON(http.StatusGone, map[string]string{"run_id": runID, "status": "gone"})
	}
	d.Submit(cmd)
	return c.JSON(http.StatusAccepted, map[string]string{"run_id": runID, "status": "accepted"})
}

func (h *Handler) bindOutput(c echo.Context) map[string]any {
	var req taskResultRequest
	if err := c.Bind(&req); err != nil {
		return nil
	}
	return req.Output
}
