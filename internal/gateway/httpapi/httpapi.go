// Package httpapi implements the HTTP API gateway for Ractor.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-principal rate limiting via token bucket
//   - All requests logged
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/RactorLabs/ractor/internal/domain"
	"github.com/RactorLabs/ractor/internal/observability"
	"github.com/RactorLabs/ractor/internal/ratelimit"
	"github.com/RactorLabs/ractor/internal/sandbox"
	"github.com/RactorLabs/ractor/internal/snapshot"
	"github.com/RactorLabs/ractor/internal/task"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key -> principal recorded as created_by.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config     Config
	registry   *sandbox.Registry
	scheduler  *task.Scheduler
	accountant *sandbox.Accountant
	snapshots  *snapshot.Manager
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	server     *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the runtime agent
	// websocket endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, reg *sandbox.Registry, sched *task.Scheduler, acct *sandbox.Accountant, snaps *snapshot.Manager, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	maxSize := cfg.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:     cfg,
		registry:   reg,
		scheduler:  sched,
		accountant: acct,
		snapshots:  snaps,
		limiter:    rl,
		logger:     logger,
		okapi:      okapi.New(okapi.WithMaxMultipartMemory(maxSize)),
	}
}

// WithHandler mounts an additional handler on the HTTP mux at the given
// pattern. Used for the websocket runtime agent endpoint.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// WithOpenAPIDocs enables the generated OpenAPI documentation endpoint.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Ractor",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.registerSandboxRoutes()
	g.registerTaskRoutes()
	g.registerContextRoutes()
	g.registerSnapshotRoutes()

	// Extra handlers (the websocket runtime agent endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      16 * time.Minute, // foreground submits may wait out the task ceiling
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// HealthResponse is the JSON response for the probe endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the bearer API key and records the mapped
// principal on the request context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		principal := ""
		for key, p := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				principal = p
			}
		}
		if principal == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("principal", principal)
		return next(c)
	}
}

// principal returns the authenticated caller, enforcing the rate limit.
// A non-nil error has already been written to the response.
func (g *Gateway) principal(c *okapi.Context) (string, error) {
	p := c.GetString("principal")
	if p == "" {
		return "", c.AbortUnauthorized("Unauthorized")
	}
	if g.limiter != nil {
		if err := g.limiter.Allow(p); err != nil {
			return "", c.AbortTooManyRequests("rate limit exceeded")
		}
	}
	return p, nil
}

// --- Helpers ---

// apiError maps domain errors onto HTTP status codes.
func (g *Gateway) apiError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": err.Error()})
	case errors.Is(err, domain.ErrValidation):
		return c.JSON(http.StatusBadRequest, okapi.M{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrConflict):
		return c.JSON(http.StatusConflict, okapi.M{"error": err.Error()})
	case errors.Is(err, domain.ErrTimeout):
		return c.JSON(http.StatusRequestTimeout, okapi.M{"error": err.Error()})
	case errors.Is(err, domain.ErrUpstream):
		return c.JSON(http.StatusBadGateway, okapi.M{"error": err.Error()})
	default:
		g.logger.Error("request failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("internal error")
	}
}
