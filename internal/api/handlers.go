package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/danpasecinic/inpaintd/internal/coordinator"
	"github.com/danpasecinic/inpaintd/internal/state"
	"github.com/danpasecinic/inpaintd/internal/types"
)

// SubmitResponse tells the caller where to follow its job
type SubmitResponse struct {
	TaskID string           `json:"task_id"`
	Status types.TaskStatus `json:"status"`
	WSURL  string           `json:"ws_url"`
}

// SubmitJob handles POST /api/v1/jobs
func (s *Server) SubmitJob(c echo.Context) error {
	var job types.Job
	if err := c.Bind(&job); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	if job.Payload.Width <= 0 || job.Payload.Height <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "payload width and height are required"})
	}

	taskID, err := s.deps.Coordinator.Submit(c.Request().Context(), job)
	if err != nil {
		switch {
		case errors.Is(err, coordinator.ErrShuttingDown):
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		case errors.Is(err, coordinator.ErrAlreadyRunning):
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		}
		s.logger.Error("submit failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to submit job"})
	}

	return c.JSON(
		http.StatusAccepted, SubmitResponse{
			TaskID: taskID,
			Status: types.StatusPending,
			WSURL:  streamURL(c, taskID),
		},
	)
}

// Preflight handles POST /api/v1/preflight
func (s *Server) Preflight(c echo.Context) error {
	if s.deps.Validator == nil {
		return c.JSON(http.StatusNotImplemented, map[string]string{"error": "preflight validation is disabled"})
	}

	var job types.Job
	if err := c.Bind(&job); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	report := s.deps.Validator.Validate(c.Request().Context(), job.Payload, job.Units, job.Params)
	return c.JSON(http.StatusOK, report)
}

// ListTasks handles GET /api/v1/tasks. An optional status query filters the
// live tasks.
func (s *Server) ListTasks(c echo.Context) error {
	tasks := s.deps.Registry.List()
	if status := c.QueryParam("status"); status != "" {
		filtered := make([]types.Task, 0, len(tasks))
		for _, task := range tasks {
			if string(task.Status) == status {
				filtered = append(filtered, task)
			}
		}
		tasks = filtered
	}
	sort.Slice(
		tasks, func(i, j int) bool {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		},
	)
	return c.JSON(http.StatusOK, tasks)
}

// GetTask handles GET /api/v1/tasks/:id. Tasks pruned from the registry are
// served from the archive.
func (s *Server) GetTask(c echo.Context) error {
	task, err := s.lookup(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, state.ErrTaskNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "task not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, task)
}

// GetRetries handles GET /api/v1/tasks/:id/retries
func (s *Server) GetRetries(c echo.Context) error {
	if s.deps.Archive == nil {
		return c.JSON(http.StatusOK, []types.RetryAttempt{})
	}

	attempts, err := s.deps.Archive.ListAttempts(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if attempts == nil {
		attempts = []types.RetryAttempt{}
	}
	return c.JSON(http.StatusOK, attempts)
}

// CancelTask handles POST /api/v1/tasks/:id/cancel
func (s *Server) CancelTask(c echo.Context) error {
	id := c.Param("id")
	if err := s.deps.Coordinator.Cancel(id); err != nil {
		switch {
		case errors.Is(err, state.ErrTaskNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "task not found"})
		case errors.Is(err, state.ErrTaskTerminal):
			return c.JSON(http.StatusConflict, map[string]string{"error": "task already finished"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	task, ok := s.deps.Registry.Get(id)
	if !ok {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, task)
}

// Health handles GET /health. The backend probe decides the status code.
func (s *Server) Health(c echo.Context) error {
	resp := map[string]string{
		"status":  "ok",
		"service": "inpaintd",
	}
	if s.deps.Backend == nil {
		return c.JSON(http.StatusOK, resp)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
	defer cancel()
	if err := s.deps.Backend.Health(ctx); err != nil {
		resp["status"] = "degraded"
		resp["backend"] = err.Error()
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	resp["backend"] = "ok"
	return c.JSON(http.StatusOK, resp)
}

// StatsResponse summarises the orchestrator's load
type StatsResponse struct {
	Tasks         map[types.TaskStatus]int `json:"tasks"`
	Running       int                      `json:"running"`
	StreamedTasks int                      `json:"streamed_tasks"`
}

// Stats handles GET /api/v1/stats
func (s *Server) Stats(c echo.Context) error {
	resp := StatsResponse{
		Tasks:   s.deps.Registry.Stats(),
		Running: s.deps.Coordinator.Running(),
	}
	if s.deps.Broker != nil {
		resp.StreamedTasks = len(s.deps.Broker.ActiveTasks())
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) lookup(ctx context.Context, id string) (types.Task, error) {
	if task, ok := s.deps.Registry.Get(id); ok {
		return task, nil
	}
	if s.deps.Archive == nil {
		return types.Task{}, state.ErrTaskNotFound
	}
	return s.deps.Archive.GetTask(ctx, id)
}

func streamURL(c echo.Context, taskID string) string {
	scheme := "ws"
	if c.Scheme() == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/api/v1/ws?task_id=%s", scheme, c.Request().Host, taskID)
}
