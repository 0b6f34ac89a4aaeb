package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/RactorLabs/ractor/internal/domain"
	"github.com/RactorLabs/ractor/internal/task"
)

// TaskRequest is the JSON body for POST /v1/sandboxes/{id}/tasks.
type TaskRequest struct {
	Input map[string]any `json:"input"`

	// TimeoutSeconds: omitted = default, <=0 = never times out.
	TimeoutSeconds *int `json:"timeout_seconds,omitempty"`

	// Background submissions return immediately with the pending task.
	Background bool `json:"background,omitempty"`
}

// TaskUpdateRequest is the JSON body for PUT /v1/sandboxes/{id}/tasks/{task_id}.
// Omitted fields are left untouched.
type TaskUpdateRequest struct {
	Status         *string     `json:"status,omitempty"`
	OutputText     *string     `json:"output_text,omitempty"`
	OutputContent  *string     `json:"output_content,omitempty"`
	Steps          []task.Step `json:"steps,omitempty"`
	Error          *string     `json:"error,omitempty"`
	TimeoutSeconds *int        `json:"timeout_seconds,omitempty"`
	ContextLength  *int64      `json:"context_length,omitempty"`
}

// TaskResponse is the JSON representation of a task.
type TaskResponse struct {
	ID             string         `json:"id"`
	SandboxID      string         `json:"sandbox_id"`
	CreatedBy      string         `json:"created_by"`
	Status         string         `json:"status"`
	Input          map[string]any `json:"input,omitempty"`
	Output         *task.Output   `json:"output,omitempty"`
	Steps          []task.Step    `json:"steps,omitempty"`
	Error          string         `json:"error,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	TimeoutAt      *time.Time     `json:"timeout_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// CountResponse is the JSON response for GET /v1/sandboxes/{id}/tasks/count.
type CountResponse struct {
	Count int64 `json:"count"`
}

func toTaskResponse(t *task.Task) TaskResponse {
	return TaskResponse{
		ID:             t.ID,
		SandboxID:      t.SandboxID,
		CreatedBy:      t.CreatedBy,
		Status:         string(t.Status),
		Input:          t.Input,
		Output:         t.Output,
		Steps:          t.Steps,
		Error:          t.Error,
		TimeoutSeconds: t.TimeoutSeconds,
		TimeoutAt:      t.TimeoutAt,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func (g *Gateway) registerTaskRoutes() {
	g.group.Post("/sandboxes/{id}/tasks", g.handleTaskSubmit,
		okapi.DocSummary("Submit a task to a sandbox"),
		okapi.DocTags("Tasks"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(TaskRequest{}),
		okapi.DocResponse(TaskResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusRequestTimeout, ErrorBody{}),
	)
	g.group.Get("/sandboxes/{id}/tasks", g.handleTaskList,
		okapi.DocSummary("List a sandbox's tasks"),
		okapi.DocTags("Tasks"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse([]TaskResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/sandboxes/{id}/tasks/count", g.handleTaskCount,
		okapi.DocSummary("Count a sandbox's tasks"),
		okapi.DocTags("Tasks"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(CountResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/sandboxes/{id}/tasks/{task_id}", g.handleTaskGet,
		okapi.DocSummary("Get one task"),
		okapi.DocTags("Tasks"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocPathParam("task_id", "string", "Task ID"),
		okapi.DocResponse(TaskResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Put("/sandboxes/{id}/tasks/{task_id}", g.handleTaskUpdate,
		okapi.DocSummary("Apply a partial task update"),
		okapi.DocTags("Tasks"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocPathParam("task_id", "string", "Task ID"),
		okapi.DocRequestBody(TaskUpdateRequest{}),
		okapi.DocResponse(TaskResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/tasks/{task_id}/cancel", g.handleTaskCancel,
		okapi.DocSummary("Cancel the sandbox's in-flight task"),
		okapi.DocTags("Tasks"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocPathParam("task_id", "string", "Task ID"),
		okapi.DocResponse(TaskResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
}

func (g *Gateway) handleTaskSubmit(c *okapi.Context) error {
	principal, err := g.principal(c)
	if err != nil {
		return err
	}
	var req TaskRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if len(req.Input) == 0 {
		return c.AbortBadRequest("input is required")
	}

	t, err := g.scheduler.Submit(c.Context(), c.Param("id"), task.SubmitRequest{
		CreatedBy:      principal,
		Input:          req.Input,
		TimeoutSeconds: req.TimeoutSeconds,
		Background:     req.Background,
	})
	if err != nil {
		// A wait ceiling hit still carries the running task.
		if t != nil && errors.Is(err, domain.ErrTimeout) {
			return c.JSON(http.StatusRequestTimeout, toTaskResponse(t))
		}
		return g.apiError(c, err)
	}
	return c.OK(toTaskResponse(t))
}

func (g *Gateway) handleTaskList(c *okapi.Context) error {
	if _, err := g.principal(c); err != nil {
		return err
	}

	q := c.Request().URL.Query()
	var f task.Filter
	for _, raw := range q["status"] {
		st, ok := task.ParseStatus(raw)
		if !ok {
			return c.AbortBadRequest("unknown status " + strconv.Quote(raw))
		}
		f.Statuses = append(f.Statuses, st)
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))

	tasks, err := g.scheduler.List(c.Context(), c.Param("id"), f)
	if err != nil {
		return g.apiError(c, err)
	}
	resp := make([]TaskResponse, len(tasks))
	for i, t := range tasks {
		resp[i] = toTaskResponse(t)
	}
	return c.OK(resp)
}

func (g *Gateway) handleTaskCount(c *okapi.Context) error {
	if _, err := g.principal(c); err != nil {
		return err
	}

	q := c.Request().URL.Query()
	var f task.Filter
	for _, raw := range q["status"] {
		st, ok := task.ParseStatus(raw)
		if !ok {
			return c.AbortBadRequest("unknown status " + strconv.Quote(raw))
		}
		f.Statuses = append(f.Statuses, st)
	}

	n, err := g.scheduler.Count(c.Context(), c.Param("id"), f)
	if err != nil {
		return g.apiError(c, err)
	}
	return c.OK(CountResponse{Count: n})
}

func (g *Gateway) handleTaskGet(c *okapi.Context) error {
	if _, err := g.principal(c); err != nil {
		return err
	}
	t, err := g.scheduler.Get(c.Context(), c.Param("id"), c.Param("task_id"))
	if err != nil {
		return g.apiError(c, err)
	}
	return c.OK(toTaskResponse(t))
}

func (g *Gateway) handleTaskUpdate(c *okapi.Context) error {
	if _, err := g.principal(c); err != nil {
		return err
	}
	var req TaskUpdateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	update := task.UpdateRequest{
		OutputText:     req.OutputText,
		OutputContent:  req.OutputContent,
		Steps:          req.Steps,
		Error:          req.Error,
		TimeoutSeconds: req.TimeoutSeconds,
		ContextLength:  req.ContextLength,
	}
	if req.Status != nil {
		st, ok := task.ParseStatus(*req.Status)
		if !ok {
			return c.AbortBadRequest("unknown status " + strconv.Quote(*req.Status))
		}
		update.Status = &st
	}

	t, err := g.scheduler.Update(c.Context(), c.Param("id"), c.Param("task_id"), update)
	if err != nil {
		return g.apiError(c, err)
	}
	return c.OK(toTaskResponse(t))
}

func (g *Gateway) handleTaskCancel(c *okapi.Context) error {
	if _, err := g.principal(c); err != nil {
		return err
	}
	sandboxID := c.Param("id")
	if _, err := g.scheduler.Cancel(c.Context(), sandboxID); err != nil {
		return g.apiError(c, err)
	}
	t, err := g.scheduler.Get(c.Context(), sandboxID, c.Param("task_id"))
	if err != nil {
		return g.apiError(c, err)
	}
	return c.OK(toTaskResponse(t))
}
