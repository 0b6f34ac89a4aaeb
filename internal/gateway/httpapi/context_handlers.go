package httpapi

import (
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/RactorLabs/ractor/internal/sandbox"
)

// UsageReportRequest is the JSON body for POST /v1/sandboxes/{id}/context/usage.
type UsageReportRequest struct {
	Tokens int64 `json:"tokens"`
}

func (g *Gateway) registerContextRoutes() {
	g.group.Get("/sandboxes/{id}/context", g.handleContextUsage,
		okapi.DocSummary("Get the context usage estimate"),
		okapi.DocTags("Context"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(sandbox.ContextUsage{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/context/usage", g.handleContextReport,
		okapi.DocSummary("Report the agent-measured context length"),
		okapi.DocTags("Context"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(UsageReportRequest{}),
		okapi.DocResponse(sandbox.ContextUsage{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/context/clear", g.handleContextClear,
		okapi.DocSummary("Clear the context history fence"),
		okapi.DocTags("Context"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(sandbox.ContextUsage{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/context/compact", g.handleContextCompact,
		okapi.DocSummary("Summarize and fence off the context history"),
		okapi.DocTags("Context"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(sandbox.ContextUsage{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)
}

func (g *Gateway) handleContextUsage(c *okapi.Context) error {
	if _, err := g.principal(c); err != nil {
		return err
	}
	u, err := g.accountant.Usage(c.Context(), c.Param("id"))
	if err != nil {
		return g.apiError(c, err)
	}
	return c.OK(u)
}

func (g *Gateway) handleContextReport(c *okapi.Context) error {
	if _, err := g.principal(c); err != nil {
		return err
	}
	var req UsageReportRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	id := c.Param("id")
	if err := g.accountant.ReportUsage(c.Context(), id, req.Tokens); err != nil {
		return g.apiError(c, err)
	}
	u, err := g.accountant.Usage(c.Context(), id)
	if err != nil {
		return g.apiError(c, err)
	}
	return c.OK(u)
}

func (g *Gateway) handleContextClear(c *okapi.Context) error {
	principal, err := g.principal(c)
	if err != nil {
		return err
	}
	id := c.Param("id")
	if err := g.accountant.Clear(c.Context(), id, principal); err != nil {
		return g.apiError(c, err)
	}
	u, err := g.accountant.Usage(c.Context(), id)
	if err != nil {
		return g.apiError(c, err)
	}
	return c.OK(u)
}

func (g *Gateway) handleContextCompact(c *okapi.Context) error {
	principal, err := g.principal(c)
	if err != nil {
		return err
	}
	id := c.Param("id")
	if err := g.accountant.Compact(c.Context(), id, principal); err != nil {
		return g.apiError(c, err)
	}
	u, err := g.accountant.Usage(c.Context(), id)
	if err != nil {
		return g.apiError(c, err)
	}
	return c.OK(u)
}
