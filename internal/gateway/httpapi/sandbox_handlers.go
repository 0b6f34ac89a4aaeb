package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/RactorLabs/ractor/internal/sandbox"
	"github.com/RactorLabs/ractor/internal/snapshot"
)

// SandboxRequest is the JSON body for POST /v1/sandboxes.
type SandboxRequest struct {
	Description        string            `json:"description,omitempty"`
	Metadata           map[string]any    `json:"metadata,omitempty"`
	Tags               []string          `json:"tags,omitempty"`
	IdleTimeoutSeconds int               `json:"idle_timeout_seconds,omitempty"`
	Env                map[string]string `json:"env,omitempty"`
}

// SandboxUpdateRequest is the JSON body for PUT /v1/sandboxes/{id}.
// Omitted fields are left untouched.
type SandboxUpdateRequest struct {
	Description        *string        `json:"description,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	Tags               []string       `json:"tags,omitempty"`
	IdleTimeoutSeconds *int           `json:"idle_timeout_seconds,omitempty"`
}

// StateRequest is the JSON body for PUT /v1/sandboxes/{id}/state.
type StateRequest struct {
	State string `json:"state"`
}

// StopRequest is the JSON body for POST /v1/sandboxes/{id}/stop.
type StopRequest struct {
	DelaySeconds int    `json:"delay_seconds,omitempty"`
	Note         string `json:"note,omitempty"`
}

// CloneRequest is the JSON body for POST /v1/sandboxes/{id}/clone. The
// source is snapshotted first; content always carries over, code and env
// follow the copy flags.
type CloneRequest struct {
	Description        string         `json:"description,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	Tags               []string       `json:"tags,omitempty"`
	IdleTimeoutSeconds int            `json:"idle_timeout_seconds,omitempty"`
	CopyCode           bool           `json:"copy_code,omitempty"`
	CopyEnv            bool           `json:"copy_env,omitempty"`
	Prompt             string         `json:"prompt,omitempty"`
}

// SandboxResponse is the JSON representation of a sandbox.
type SandboxResponse struct {
	ID                 string         `json:"id"`
	CreatedBy          string         `json:"created_by"`
	State              string         `json:"state"`
	Description        string         `json:"description,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	Tags               []string       `json:"tags,omitempty"`
	SnapshotID         string         `json:"snapshot_id,omitempty"`
	ParentID           string         `json:"parent_id,omitempty"`
	IdleTimeoutSeconds int            `json:"idle_timeout_seconds"`
	StopAt             *time.Time     `json:"stop_at,omitempty"`
	StopNote           string         `json:"stop_note,omitempty"`
	LastActivityAt     *time.Time     `json:"last_activity_at,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// SandboxListResponse is the JSON response for GET /v1/sandboxes.
type SandboxListResponse struct {
	Sandboxes []SandboxResponse `json:"sandboxes"`
	Total     int64             `json:"total"`
}

func toSandboxResponse(sb *sandbox.Sandbox) SandboxResponse {
	return SandboxResponse{
		ID:                 sb.ID,
		CreatedBy:          sb.CreatedBy,
		State:              string(sb.State),
		Description:        sb.Description,
		Metadata:           sb.Metadata,
		Tags:               sb.Tags,
		SnapshotID:         sb.SnapshotID,
		ParentID:           sb.ParentID,
		IdleTimeoutSeconds: sb.IdleTimeoutSeconds,
		StopAt:             sb.StopAt,
		StopNote:           sb.StopNote,
		LastActivityAt:     sb.LastActivityAt,
		CreatedAt:          sb.CreatedAt,
		UpdatedAt:          sb.UpdatedAt,
	}
}

func (g *Gateway) registerSandboxRoutes() {
	g.group.Post("/sandboxes", g.handleSandboxCreate,
		okapi.DocSummary("Create a sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocRequestBody(SandboxRequest{}),
		okapi.DocResponse(http.StatusCreated, SandboxResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Get("/sandboxes", g.handleSandboxList,
		okapi.DocSummary("List sandboxes"),
		okapi.DocTags("Sandboxes"),
		okapi.DocResponse(SandboxListResponse{}),
	)
	g.group.Get("/sandboxes/{id}", g.handleSandboxGet,
		okapi.DocSummary("Get a sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(SandboxResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Put("/sandboxes/{id}", g.handleSandboxUpdate,
		okapi.DocSummary("Update a sandbox's profile"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(SandboxUpdateRequest{}),
		okapi.DocResponse(SandboxResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Delete("/sandboxes/{id}", g.handleSandboxDelete,
		okapi.DocSummary("Terminate and delete a sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Put("/sandboxes/{id}/state", g.handleSandboxState,
		okapi.DocSummary("Request a lifecycle transition"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(StateRequest{}),
		okapi.DocResponse(SandboxResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/busy", g.handleSandboxBusy,
		okapi.DocSummary("Mark a sandbox busy"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(SandboxResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/idle", g.handleSandboxIdle,
		okapi.DocSummary("Mark a sandbox idle"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(SandboxResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/stop", g.handleSandboxStop,
		okapi.DocSummary("Schedule a sandbox stop"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(StopRequest{}),
		okapi.DocResponse(SandboxResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/cancel", g.handleSandboxCancelStop,
		okapi.DocSummary("Cancel a scheduled stop"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/restart", g.handleSandboxRestart,
		okapi.DocSummary("Restart a sandbox's container"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/clone", g.handleSandboxClone,
		okapi.DocSummary("Snapshot a sandbox and create a clone from it"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(CloneRequest{}),
		okapi.DocResponse(http.StatusCreated, SandboxResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
}

func (g *Gateway) handleSandboxCreate(c *okapi.Context) error {
	principal, err := g.principal(c)
	if err != nil {
		return err
	}

	var req SandboxRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	sb, err := g.registry.Create(c.Context(), sandbox.CreateRequest{
		CreatedBy:          principal,
		Description:        req.Description,
		Metadata:           req.Metadata,
		Tags:               req.Tags,
		IdleTimeoutSeconds: req.IdleTimeoutSeconds,
		Env:                req.Env,
	})
	if err != nil {
		return g.apiError(c, err)
	}
	return c.JSON(http.StatusCreated, toSandboxResponse(sb))
}

func (g *Gateway) handleSandboxList(c *okapi.Context) error {
	if _, err := g.principal(c); err != nil {
		return err
	}

	q := c.Request().URL.Query()
	f := sandbox.Filter{
		CreatedBy: q.Get("created_by"),
		Tag:       q.Get("tag"),
		ParentID:  q.Get("parent_id"),
	}
	for _, raw := range q["state"] {
		st, ok := sandbox.ParseState(raw)
		if !ok {
			return c.AbortBadRequest("unknown state " + strconv.Quote(raw))
		}
		f.States = append(f.States, st)
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))

	sbs, err := g.registry.List(c.Context(), f)
	if err != nil {
		return g.apiError(c, err)
	}
	total, err := g.registry.Count(c.Context(), f)
	if err != nil {
		return g.apiError(c, err)
	}

	resp := SandboxListResponse{Sandboxes: make([]SandboxResponse, len(sbs)), Total: total}
	for i, sb := range sbs {
		resp.Sandboxes[i] = toSandboxResponse(sb)
	}
	return c.OK(resp)
}

func (g *Gateway) handleSandboxGet(c *okapi.Context) error {
	if _, err := g.principal(c); err != nil {
		return err
	}
	sb, err := g.registry.Get(c.Context(), c.Param("id"))
	if err != nil {
		return g.apiError(c, err)
	}
	return c.OK(toSandboxResponse(sb))
}

func (g *Gateway) handleSandboxUpdate(c *okapi.Context) error {
	if _, err := g.principal(c); err != nil {
		return err
	}
	var req SandboxUpdateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	sb, err := g.registry.Update(c.Context(), c.Param("id"), sandbox.UpdateRequest{
		Description:        req.Description,
		Metadata:           req.Metadata,
		Tags:               req.Tags,
		IdleTimeoutSeconds: req.IdleTimeoutSeconds,
	})
	if err != nil {
		return g.apiError(c, err)
	}
	return c.OK(toSandboxResponse(sb))
}

func (g *Gateway) handleSandboxDelete(c *okapi.Context) error {
	if _, err := g.principal(c); err != nil {
		return err
	}
	if err := g.registry.Delete(c.Context(), c.Param("id")); err != nil {
		return g.apiError(c, err)
	}
	return c.OK(map[string]string{"status": "deleted"})
}

func (g *Gateway) handleSandboxState(c *okapi.Context) error {
	if _, err := g.principal(c); err != nil {
		return err
	}
	var req StateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	target, ok := sandbox.ParseState(req.State)
	if !ok {
		return c.AbortBadRequest("unknown state " + strconv.Quote(req.State))
	}
	id := c.Param("id")
	if err := g.registry.Transition(c.Context(), id, target); err != nil {
		return g.apiError(c, err)
	}
	sb, err := g.registry.Get(c.Context(), id)
	if err != nil {
		return g.apiError(c, err)
	}
	return c.OK(toSandboxResponse(sb))
}

func (g *Gateway) handleSandboxBusy(c *okapi.Context) error {
	if _, err := g.principal(c); err != nil {
		return err
	}
	id := c.Param("id")
	if err := g.registry.MarkBusy(c.Context(), id); err != nil {
		return g.apiError(c, err)
	}
	sb, err := g.registry.Get(c.Context(), id)
	if err != nil {
		return g.apiError(c, err)
	}
	return c.OK(toSandboxResponse(sb))
}

func (g *Gateway) handleSandboxIdle(c *okapi.Context) error {
	if _, err := g.principal(c); err != nil {
		return err
	}
	id := c.Param("id")
	if err := g.registry.MarkIdle(c.Context(), id); err != nil {
		return g.apiError(c, err)
	}
	sb, err := g.registry.Get(c.Context(), id)
	if err != nil {
		return g.apiError(c, err)
	}
	return c.OK(toSandboxResponse(sb))
}

func (g *Gateway) handleSandboxStop(c *okapi.Context) error {
	if _, err := g.principal(c); err != nil {
		return err
	}
	var req StopRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	sb, err := g.registry.Stop(c.Context(), c.Param("id"), req.DelaySeconds, req.Note)
	if err != nil {
		return g.apiError(c, err)
	}
	return c.OK(toSandboxResponse(sb))
}

func (g *Gateway) handleSandboxCancelStop(c *okapi.Context) error {
	if _, err := g.principal(c); err != nil {
		return err
	}
	if err := g.registry.CancelStop(c.Context(), c.Param("id")); err != nil {
		return g.apiError(c, err)
	}
	return c.OK(map[string]string{"status": "stop cancelled"})
}

func (g *Gateway) handleSandboxRestart(c *okapi.Context) error {
	if _, err := g.principal(c); err != nil {
		return err
	}
	if err := g.registry.Restart(c.Context(), c.Param("id")); err != nil {
		return g.apiError(c, err)
	}
	return c.OK(map[string]string{"status": "restarting"})
}

// handleSandboxClone captures a manual snapshot of the sandbox and creates
// a new sandbox from it in one request.
func (g *Gateway) handleSandboxClone(c *okapi.Context) error {
	principal, err := g.principal(c)
	if err != nil {
		return err
	}
	var req CloneRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	s, err := g.snapshots.Capture(c.Context(), c.Param("id"), snapshot.TriggerManual, principal, req.Metadata)
	if err != nil {
		return g.apiError(c, err)
	}
	sb, err := g.snapshots.CreateFrom(c.Context(), s.ID, snapshot.CreateFromRequest{
		CreatedBy:          principal,
		Metadata:           req.Metadata,
		Description:        req.Description,
		Tags:               req.Tags,
		IdleTimeoutSeconds: req.IdleTimeoutSeconds,
		CopyCode:           req.CopyCode,
		CopyEnv:            req.CopyEnv,
		Prompt:             req.Prompt,
	})
	if err != nil {
		return g.apiError(c, err)
	}
	return c.JSON(http.StatusCreated, toSandboxResponse(sb))
}
