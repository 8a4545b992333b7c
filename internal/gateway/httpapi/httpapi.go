// Package httpapi implements the HTTP API gateway for tutorbox.
//
// Learner routes live under /v1 and are keyed by a caller-chosen session ID.
// Operator routes live under /v1/admin and require an API key
// (constant-time comparison); they are disabled when no keys are configured.
// Request bodies are size-limited and every submission is logged with a
// correlation ID. TLS is expected via reverse proxy.
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/tutorbox/internal/flow"
	"github.com/jkaninda/tutorbox/internal/observability"
	"github.com/jkaninda/tutorbox/internal/tutor"
)

const (
	defaultMaxRequestSize = 1 << 20 // 1 MB
	maxInputBytes         = 16 << 10
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	SSE            bool              // Enable the streaming submit endpoint.
	APIKeys        map[string]string // API key to operator name. Empty disables /v1/admin.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	service *tutor.Service
	logger  *slog.Logger

	mu     sync.Mutex
	server *http.Server

	// Extra handlers mounted on the HTTP mux (the WebSocket terminal).
	extraRoutes []extraRoute

	routesOnce sync.Once
	okapi      *okapi.Okapi
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, svc *tutor.Service, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		config:  cfg,
		service: svc,
		logger:  logger.With(slog.String("gateway", "http")),
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithHandler mounts an extra GET handler, such as the WebSocket terminal.
func (g *Gateway) WithHandler(pattern string, h http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: h})
	return g
}

func (g *Gateway) withOpenAPIDocs() {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "tutorbox",
			Version: "v1",
		},
	)
}

// Start registers routes and serves until Stop is called.
func (g *Gateway) Start(ctx context.Context) error {
	g.routesOnce.Do(g.registerRoutes)

	srv := &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Submissions run commands with their own time bound.
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}
	g.mu.Lock()
	g.server = srv
	g.mu.Unlock()

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(srv)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	g.mu.Lock()
	srv := g.server
	g.mu.Unlock()
	if srv == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(srv)
}

func (g *Gateway) registerRoutes() {
	metricsMW := observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer)

	v1 := g.okapi.Group("/v1", metricsMW)

	v1.Get("/flows", g.handleListFlows,
		okapi.DocSummary("List available tutorials"),
		okapi.DocTags("Flows"),
		okapi.DocResponse([]flow.Summary{}),
	)
	v1.Get("/flows/{slug}", g.handleGetFlow,
		okapi.DocSummary("Describe one tutorial"),
		okapi.DocTags("Flows"),
		okapi.DocPathParam("slug", "string", "Flow slug"),
		okapi.DocResponse(flow.Summary{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	v1.Post("/sessions/{session}/flows/{slug}", g.handleOpen,
		okapi.DocSummary("Start or resume a tutorial and return the current step"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("session", "string", "Session ID"),
		okapi.DocPathParam("slug", "string", "Flow slug"),
		okapi.DocResponse(tutor.State{}),
		okapi.DocResponse(http.StatusCreated, tutor.State{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	v1.Get("/sessions/{session}/flows/{slug}", g.handleProgress,
		okapi.DocSummary("Get progress and submission history"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("session", "string", "Session ID"),
		okapi.DocPathParam("slug", "string", "Flow slug"),
		okapi.DocResponse(tutor.Progress{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	v1.Post("/sessions/{session}/flows/{slug}/submit", g.handleSubmit,
		okapi.DocSummary("Run a command against the current step"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("session", "string", "Session ID"),
		okapi.DocPathParam("slug", "string", "Flow slug"),
		okapi.DocRequestBody(SubmitRequest{}),
		okapi.DocResponse(tutor.Response{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	if g.config.SSE {
		v1.Post("/sessions/{session}/flows/{slug}/submit/stream", g.handleSubmitStream,
			okapi.DocSummary("Run a command and stream the result via SSE"),
			okapi.DocTags("Sessions"),
			okapi.DocPathParam("session", "string", "Session ID"),
			okapi.DocPathParam("slug", "string", "Flow slug"),
			okapi.DocRequestBody(SubmitRequest{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
	}
	v1.Post("/sessions/{session}/flows/{slug}/restart", g.handleRestart,
		okapi.DocSummary("End the current run and start the tutorial over"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("session", "string", "Session ID"),
		okapi.DocPathParam("slug", "string", "Flow slug"),
		okapi.DocResponse(tutor.State{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	v1.Delete("/sessions/{session}/flows/{slug}", g.handleEndFlow,
		okapi.DocSummary("End a tutorial and release its sandbox"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("session", "string", "Session ID"),
		okapi.DocPathParam("slug", "string", "Flow slug"),
		okapi.DocResponse(EndResponse{}),
	)
	v1.Delete("/sessions/{session}", g.handleEndSession,
		okapi.DocSummary("End every tutorial of a session"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("session", "string", "Session ID"),
		okapi.DocResponse(EndResponse{}),
	)

	if len(g.config.APIKeys) > 0 {
		admin := g.okapi.Group("/v1/admin", metricsMW, g.authenticate)
		admin.Get("/sessions", g.handleAdminSessions,
			okapi.DocSummary("List live flows"),
			okapi.DocTags("Admin"),
			okapi.DocResponse([]flow.Progress{}),
			okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		)
		admin.Delete("/sessions/{session}", g.handleAdminEndSession,
			okapi.DocSummary("Force-end a session"),
			okapi.DocTags("Admin"),
			okapi.DocPathParam("session", "string", "Session ID"),
			okapi.DocResponse(EndResponse{}),
			okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		)
	}

	// Extra handlers (the WebSocket terminal).
	for _, er := range g.extraRoutes {
		h := observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, er.handler)
		g.okapi.HandleStd("GET", er.pattern, h.ServeHTTP)
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
		g.withOpenAPIDocs()
	}
}

// --- Authentication ---

// authenticate validates the operator API key.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		operator := ""
		for key, name := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				operator = name
			}
		}
		if operator == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("operator", operator)
		return next(c)
	}
}

// --- Helpers ---

func validSessionID(id string) bool {
	return tutor.ValidSessionID(id)
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
