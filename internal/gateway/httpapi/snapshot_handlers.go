package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/RactorLabs/ractor/internal/snapshot"
)

// SnapshotRequest is the JSON body for POST /v1/snapshots.
type SnapshotRequest struct {
	SandboxID string         `json:"sandbox_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SnapshotCreateFromRequest is the JSON body for POST /v1/snapshots/{id}/create.
type SnapshotCreateFromRequest struct {
	Description        string         `json:"description,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	Tags               []string       `json:"tags,omitempty"`
	IdleTimeoutSeconds int            `json:"idle_timeout_seconds,omitempty"`
	CopyCode           bool           `json:"copy_code,omitempty"`
	CopyEnv            bool           `json:"copy_env,omitempty"`
	Prompt             string         `json:"prompt,omitempty"`
}

// SnapshotResponse is the JSON representation of a snapshot record.
type SnapshotResponse struct {
	ID          string         `json:"id"`
	SandboxID   string         `json:"sandbox_id"`
	TriggerType string         `json:"trigger_type"`
	CreatedBy   string         `json:"created_by,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// SnapshotListResponse is the JSON response for GET /v1/snapshots.
type SnapshotListResponse struct {
	Snapshots []SnapshotResponse `json:"snapshots"`
	Total     int64              `json:"total"`
}

func toSnapshotResponse(s *snapshot.Snapshot) SnapshotResponse {
	return SnapshotResponse{
		ID:          s.ID,
		SandboxID:   s.SandboxID,
		TriggerType: string(s.TriggerType),
		CreatedBy:   s.CreatedBy,
		Metadata:    s.Metadata,
		CreatedAt:   s.CreatedAt,
	}
}

func (g *Gateway) registerSnapshotRoutes() {
	g.group.Post("/snapshots", g.handleSnapshotCreate,
		okapi.DocSummary("Capture a snapshot of a sandbox"),
		okapi.DocTags("Snapshots"),
		okapi.DocRequestBody(SnapshotRequest{}),
		okapi.DocResponse(http.StatusCreated, SnapshotResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Get("/snapshots", g.handleSnapshotList,
		okapi.DocSummary("List snapshots"),
		okapi.DocTags("Snapshots"),
		okapi.DocResponse(SnapshotListResponse{}),
	)
	g.group.Get("/snapshots/{id}", g.handleSnapshotGet,
		okapi.DocSummary("Get a snapshot"),
		okapi.DocTags("Snapshots"),
		okapi.DocPathParam("id", "string", "Snapshot ID"),
		okapi.DocResponse(SnapshotResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/snapshots/{id}", g.handleSnapshotDelete,
		okapi.DocSummary("Delete a snapshot and its archive"),
		okapi.DocTags("Snapshots"),
		okapi.DocPathParam("id", "string", "Snapshot ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/snapshots/{id}/create", g.handleSnapshotCreateFrom,
		okapi.DocSummary("Create a sandbox from a snapshot"),
		okapi.DocTags("Snapshots"),
		okapi.DocPathParam("id", "string", "Snapshot ID"),
		okapi.DocRequestBody(SnapshotCreateFromRequest{}),
		okapi.DocResponse(http.StatusCreated, SandboxResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
}

func (g *Gateway) handleSnapshotCreate(c *okapi.Context) error {
	principal, err := g.principal(c)
	if err != nil {
		return err
	}
	var req SnapshotRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.SandboxID == "" {
		return c.AbortBadRequest("sandbox_id is required")
	}

	s, err := g.snapshots.Capture(c.Context(), req.SandboxID, snapshot.TriggerManual, principal, req.Metadata)
	if err != nil {
		return g.apiError(c, err)
	}
	return c.JSON(http.StatusCreated, toSnapshotResponse(s))
}

func (g *Gateway) handleSnapshotList(c *okapi.Context) error {
	if _, err := g.principal(c); err != nil {
		return err
	}

	q := c.Request().URL.Query()
	f := snapshot.Filter{SandboxID: q.Get("sandbox_id")}
	if raw := q.Get("trigger"); raw != "" {
		trigger, ok := snapshot.ParseTrigger(raw)
		if !ok {
			return c.AbortBadRequest("unknown trigger " + strconv.Quote(raw))
		}
		f.Trigger = trigger
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))

	snaps, err := g.snapshots.List(c.Context(), f)
	if err != nil {
		return g.apiError(c, err)
	}
	total, err := g.snapshots.Count(c.Context(), f)
	if err != nil {
		return g.apiError(c, err)
	}

	resp := SnapshotListResponse{Snapshots: make([]SnapshotResponse, len(snaps)), Total: total}
	for i, s := range snaps {
		resp.Snapshots[i] = toSnapshotResponse(s)
	}
	return c.OK(resp)
}

func (g *Gateway) handleSnapshotGet(c *okapi.Context) error {
	if _, err := g.principal(c); err != nil {
		return err
	}
	s, err := g.snapshots.Get(c.Context(), c.Param("id"))
	if err != nil {
		return g.apiError(c, err)
	}
	return c.OK(toSnapshotResponse(s))
}

func (g *Gateway) handleSnapshotDelete(c *okapi.Context) error {
	if _, err := g.principal(c); err != nil {
		return err
	}
	if err := g.snapshots.Delete(c.Context(), c.Param("id")); err != nil {
		return g.apiError(c, err)
	}
	return c.OK(map[string]string{"status": "deleted"})
}

func (g *Gateway) handleSnapshotCreateFrom(c *okapi.Context) error {
	principal, err := g.principal(c)
	if err != nil {
		return err
	}
	var req SnapshotCreateFromRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	sb, err := g.snapshots.CreateFrom(c.Context(), c.Param("id"), snapshot.CreateFromRequest{
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
