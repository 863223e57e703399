// Package httpapi implements the HTTP surface of isolab: the JSON lab
// API, the login flow, and the dashboard page.
//
// Security:
//   - Session cookie authentication on the API group and the dashboard
//   - CSRF token required on every state-changing API request
//   - Per-client sliding-window rate limits on login and lab creation
//   - Request body size limits (default 1 MB)
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy or tailnet (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/isolab/internal/audit"
	"github.com/jkaninda/isolab/internal/credential"
	"github.com/jkaninda/isolab/internal/hostinfo"
	"github.com/jkaninda/isolab/internal/observability"
	"github.com/jkaninda/isolab/internal/ratelimit"
	"github.com/jkaninda/isolab/internal/sandbox"
	"github.com/jkaninda/isolab/internal/session"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr     string // e.g., ":8000"
	EnableDocs     bool
	MaxRequestSize int64 // Maximum request body in bytes. 0 = 1 MB default.

	// Rate limits. Zero values fall back to 5/min (login) and 10/min (create).
	LoginLimit   int
	LoginWindow  time.Duration
	CreateLimit  int
	CreateWindow time.Duration

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
	Anomaly         *observability.AnomalyDetector  // Login-failure anomaly tracking.
}

// Gateway is the HTTP gateway.
type Gateway struct {
	config   Config
	labs     *sandbox.Manager
	creds    *credential.Credential
	sessions *session.Manager
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	host     *hostinfo.Collector // nil = /api/host disabled.
	recorder *audit.Recorder     // nil = audit trail disabled.
	notify   func()              // Called after every successful mutation. nil = no-op.

	// Extra handlers mounted on the HTTP mux (e.g., the lab feed WebSocket).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates the HTTP gateway. The credential and session manager
// form the auth gate; the limiter throttles login and create.
func NewGateway(cfg Config, labs *sandbox.Manager, creds *credential.Credential, sessions *session.Manager, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.LoginLimit <= 0 {
		cfg.LoginLimit, cfg.LoginWindow = 5, time.Minute
	}
	if cfg.CreateLimit <= 0 {
		cfg.CreateLimit, cfg.CreateWindow = 10, time.Minute
	}
	return &Gateway{
		config:   cfg,
		labs:     labs,
		creds:    creds,
		sessions: sessions,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithHostInfo enables the /api/host endpoint and the host panel on the
// dashboard.
func (g *Gateway) WithHostInfo(collector *hostinfo.Collector) *Gateway {
	g.host = collector
	return g
}

// WithAudit attaches the audit recorder. Lifecycle operations and logins
// are recorded, and /api/audit serves the recent trail.
func (g *Gateway) WithAudit(recorder *audit.Recorder) *Gateway {
	g.recorder = recorder
	return g
}

// WithChangeNotifier registers a hook invoked after every successful lab
// mutation. The lab feed uses it to push a fresh snapshot without waiting
// for the next tick.
func (g *Gateway) WithChangeNotifier(notify func()) *Gateway {
	g.notify = notify
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given
// pattern. Used for the WebSocket lab feed alongside the API routes.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Isolab",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Correlation + metrics/tracing middleware (applied globally).
	g.okapi.UseMiddleware(correlationMiddleware)
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}
	g.okapi.UseMiddleware(g.throttleCreate)

	// Session-gated /api group.
	g.group = g.okapi.Group("/api", g.authenticate)

	g.group.Get("/labs", g.handleLabs,
		okapi.DocSummary("List all labs with status, port, mode, and usage"),
		okapi.DocTags("Labs"),
		okapi.DocResponse([]sandbox.Lab{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Post("/lab/create", g.handleCreate,
		okapi.DocSummary("Create a new lab"),
		okapi.DocTags("Labs"),
		okapi.DocRequestBody(CreateRequest{}),
		okapi.DocResponse(CreateResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/lab/{name}/start", g.handleStart,
		okapi.DocSummary("Start a stopped lab"),
		okapi.DocTags("Labs"),
		okapi.DocPathParam("name", "string", "Lab name"),
		okapi.DocResponse(ActionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/lab/{name}/stop", g.handleStop,
		okapi.DocSummary("Stop a running lab"),
		okapi.DocTags("Labs"),
		okapi.DocPathParam("name", "string", "Lab name"),
		okapi.DocResponse(ActionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/lab/{name}/restart", g.handleRestart,
		okapi.DocSummary("Restart a lab"),
		okapi.DocTags("Labs"),
		okapi.DocPathParam("name", "string", "Lab name"),
		okapi.DocResponse(ActionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/lab/{name}/remove", g.handleRemove,
		okapi.DocSummary("Remove a lab and its network rules"),
		okapi.DocTags("Labs"),
		okapi.DocPathParam("name", "string", "Lab name"),
		okapi.DocResponse(ActionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/lab/nuke", g.handleNuke,
		okapi.DocSummary("Destroy every lab"),
		okapi.DocTags("Labs"),
		okapi.DocResponse(NukeResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)

	if g.host != nil {
		g.group.Get("/host", g.handleHost,
			okapi.DocSummary("Host disk, memory, and load telemetry"),
			okapi.DocTags("Host"),
			okapi.DocResponse(hostinfo.Host{}),
		)
	}
	if g.recorder.Enabled() {
		g.group.Get("/audit", g.handleAudit,
			okapi.DocSummary("Recent audit events, newest first"),
			okapi.DocTags("Audit"),
			okapi.DocResponse([]audit.Event{}),
		)
	}

	// Browser routes. Plain handlers: they set cookies and redirect.
	g.okapi.HandleStd("GET", "/", g.handleDashboard)
	g.okapi.HandleStd("GET", "/login", g.handleLoginPage)
	g.okapi.HandleStd("POST", "/login", g.handleLogin)
	g.okapi.HandleStd("GET", "/logout", g.handleLogout)

	// Extra handlers (e.g., the WebSocket lab feed).
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
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// notifyChange wakes the lab feed after a successful mutation.
func (g *Gateway) notifyChange() {
	if g.notify != nil {
		g.notify()
	}
}

// HealthResponse is the JSON response for the probe endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
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

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
