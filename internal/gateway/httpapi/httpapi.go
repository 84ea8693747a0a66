// Package httpapi implements the REST API for creating and inspecting
// approvements.
//
// Security:
//   - Optional API key authentication (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting on approvement creation
//   - Internal error details go to the log, never to the client
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/quorum/internal/approvement"
	"github.com/jkaninda/quorum/internal/domain"
	"github.com/jkaninda/quorum/internal/kvstore"
	"github.com/jkaninda/quorum/internal/messenger"
	"github.com/jkaninda/quorum/internal/observability"
	"github.com/jkaninda/quorum/internal/ratelimit"
	"github.com/jkaninda/quorum/internal/storage"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Engine is the part of the approvement engine the API drives.
type Engine interface {
	Topics() []domain.Topic
	Create(ctx context.Context, topic string, data map[string]any) (domain.Snapshot, error)
	Get(ctx context.Context, topic, id string) (domain.Snapshot, error)
}

// History lists finalized approvements.
type History interface {
	List(ctx context.Context, topic string, limit int) ([]storage.Outcome, error)
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	Version        string
	APIKeys        map[string]string // API key → client name. Empty = no authentication.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsHandler http.Handler                    // Serves /metrics when set.
	MetricsPath    string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker  *observability.HealthChecker    // Health checker for /readyz.
	Metrics        *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer         trace.Tracer                    // OTel tracer for HTTP middleware.
}

func (c Config) maxRequestSize() int64 {
	if c.MaxRequestSize > 0 {
		return c.MaxRequestSize
	}
	return defaultMaxRequestSize
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	engine  Engine
	history History // nil = history endpoint disabled.
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	// Extra handlers mounted on the HTTP mux (Slack interactive endpoint, WebSocket stream).
	extraRoutes []extraRoute
	okapi       *okapi.Okapi
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	method  string
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, engine Engine, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		engine:  engine,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.maxRequestSize())),
	}
}

// WithHistory enables GET /history/{topic}.
func (g *Gateway) WithHistory(h History) *Gateway {
	g.history = h
	return g
}

// WithOpenAPIDocs serves the generated OpenAPI documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	version := g.config.Version
	if version == "" {
		version = "dev"
	}
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Quorum",
			Version: version,
		},
	)
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
func (g *Gateway) WithHandler(method, pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{method: method, pattern: pattern, handler: handler})
	return g
}

// routes registers every endpoint on the okapi instance.
func (g *Gateway) routes() {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	g.okapi.Get("/approvement", g.authenticate(g.handleTopics),
		okapi.DocSummary("List approvement topics"),
		okapi.DocTags("Approvements"),
		okapi.DocResponse([]TopicResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.okapi.Post("/approvement/{topic}", g.authenticate(g.handleCreate),
		okapi.DocSummary("Create an approvement and post it to the bound channels"),
		okapi.DocTags("Approvements"),
		okapi.DocPathParam("topic", "string", "Topic name"),
		okapi.DocRequestBody(map[string]any{}),
		okapi.DocResponse(CreateResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.okapi.Get("/approvement/{topic}/{id}", g.authenticate(g.handleGet),
		okapi.DocSummary("Get an approvement and its status"),
		okapi.DocTags("Approvements"),
		okapi.DocPathParam("topic", "string", "Topic name"),
		okapi.DocPathParam("id", "string", "Approvement ID (UUID)"),
		okapi.DocResponse(ApprovementResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	if g.history != nil {
		g.okapi.Get("/history/{topic}", g.authenticate(g.handleHistory),
			okapi.DocSummary("List finalized approvements of a topic, newest first"),
			okapi.DocTags("History"),
			okapi.DocPathParam("topic", "string", "Topic name"),
			okapi.DocResponse([]storage.Outcome{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
	}

	for _, er := range g.extraRoutes {
		g.okapi.HandleStd(er.method, er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/", g.handleInfo)
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsHandler != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, g.config.MetricsHandler.ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
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

// --- Handlers ---

// TopicResponse describes one approvement topic.
type TopicResponse struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	RequireVotes  int    `json:"requireVotes"`
	ExpireTimeout int64  `json:"expireTimeout"` // Seconds.
	AuthType      string `json:"authType,omitempty"`
	Schema        string `json:"schema,omitempty"`
}

// CreateResponse is returned by POST /approvement/{topic}.
type CreateResponse struct {
	ApprovementID string `json:"approvementId"`
}

// ApprovementResponse is returned by GET /approvement/{topic}/{id}.
type ApprovementResponse struct {
	ApprovementID string            `json:"approvementId"`
	Topic         string            `json:"topic"`
	RequireVotes  int               `json:"requireVotes"`
	ExpireAt      time.Time         `json:"expireAt"`
	Status        string            `json:"status"`
	ApprovedBy    []domain.Approver `json:"approvedBy"`
	RefuseBy      domain.Approver   `json:"refuseBy"`
}

// InfoResponse is returned by GET /.
type InfoResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (g *Gateway) handleInfo(c *okapi.Context) error {
	return c.OK(InfoResponse{Name: "quorum", Version: g.config.Version})
}

func (g *Gateway) handleTopics(c *okapi.Context) error {
	topics := g.engine.Topics()
	resp := make([]TopicResponse, 0, len(topics))
	for _, t := range topics {
		resp = append(resp, TopicResponse{
			Name:          t.Name,
			Description:   t.Description,
			RequireVotes:  t.RequireVotes,
			ExpireTimeout: int64(t.ExpireTimeout / time.Second),
			AuthType:      t.AuthType,
			Schema:        t.Schema,
		})
	}
	return c.OK(resp)
}

func (g *Gateway) handleCreate(c *okapi.Context) error {
	client := c.GetString("client")
	if err := g.limiter.Allow(client); err != nil {
		if g.config.Metrics != nil {
			g.config.Metrics.RateLimitedTotal.Inc()
		}
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	topic := c.Param("topic")
	data, err := approvement.DecodeRenderData(io.LimitReader(c.Request().Body, g.config.maxRequestSize()))
	if err != nil {
		return c.AbortBadRequest("request body must be a JSON object")
	}

	snap, err := g.engine.Create(c.Context(), topic, data)
	if err != nil {
		return g.engineError(c, err, slog.String("topic", topic), slog.String("client", client))
	}

	g.logger.Info("http approvement created",
		slog.String("approvement_id", snap.ID),
		slog.String("topic", topic),
		slog.String("client", client),
	)
	return c.OK(CreateResponse{ApprovementID: snap.ID})
}

func (g *Gateway) handleGet(c *okapi.Context) error {
	topic, id := c.Param("topic"), c.Param("id")
	snap, err := g.engine.Get(c.Context(), topic, id)
	if err != nil {
		return g.engineError(c, err, slog.String("topic", topic), slog.String("approvement_id", id))
	}
	return c.OK(newApprovementResponse(snap))
}

func (g *Gateway) handleHistory(c *okapi.Context) error {
	topic := c.Param("topic")
	limit := 0
	if raw := c.Request().URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.AbortBadRequest("limit must be a non-negative integer")
		}
		limit = n
	}
	outcomes, err := g.history.List(c.Context(), topic, limit)
	if err != nil {
		return g.engineError(c, err, slog.String("topic", topic))
	}
	return c.OK(outcomes)
}

// handleLiveness returns 200 while the process is running, with uptime
// and bucket sizes when a health checker is configured.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(okapi.M{"status": observability.StatusOK})
	}
	return c.OK(g.config.HealthChecker.CheckHealth())
}

// handleReadiness runs the registered dependency checks.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(okapi.M{"status": observability.StatusOK})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	if status.Status != observability.StatusOK {
		return c.JSON(http.StatusServiceUnavailable, status)
	}
	return c.OK(status)
}

func newApprovementResponse(s domain.Snapshot) ApprovementResponse {
	approvedBy := s.ApprovedBy
	if approvedBy == nil {
		approvedBy = []domain.Approver{}
	}
	return ApprovementResponse{
		ApprovementID: s.ID,
		Topic:         s.Topic.Name,
		RequireVotes:  s.Topic.RequireVotes,
		ExpireAt:      s.ExpireAt.UTC(),
		Status:        s.Status.String(),
		ApprovedBy:    approvedBy,
		RefuseBy:      s.RefusedBy,
	}
}

// --- Authentication ---

// authenticate validates the bearer API key and stores the mapped client
// name. Without configured keys every request passes and the client is
// identified by its remote address for rate limiting.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			c.Set("client", remoteHost(c.Request()))
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		client := lookupKey(g.config.APIKeys, strings.TrimPrefix(authHeader, "Bearer "))
		if client == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("client", client)
		return next(c)
	}
}

// lookupKey compares apiKey against every configured key in constant time.
func lookupKey(keys map[string]string, apiKey string) string {
	client := ""
	for key, name := range keys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			client = name
		}
	}
	return client
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// --- Errors ---

// statusFor classifies an engine or storage error.
func statusFor(err error) int {
	var conflict *kvstore.ConflictError
	switch {
	case errors.Is(err, approvement.ErrNoSuchApprovement):
		return http.StatusNotFound
	case errors.Is(err, approvement.ErrUnknownTopic),
		errors.Is(err, approvement.ErrInvalidRenderData),
		errors.Is(err, messenger.ErrTemplateFieldMissing),
		errors.Is(err, messenger.ErrDuplicateApprovement),
		errors.As(err, &conflict):
		return http.StatusBadRequest
	case errors.Is(err, approvement.ErrEngineNotRunning):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// engineError writes the response for err. Validation and lookup errors
// carry their message; anything else is logged and reported generically.
func (g *Gateway) engineError(c *okapi.Context, err error, attrs ...any) error {
	switch code := statusFor(err); code {
	case http.StatusNotFound:
		return c.JSON(http.StatusNotFound, okapi.M{"error": "approvement not found"})
	case http.StatusBadRequest:
		return c.AbortBadRequest(err.Error())
	case http.StatusServiceUnavailable:
		return c.AbortServiceUnavailable("service is shutting down")
	default:
		g.logger.Error("http request failed", append(attrs, slog.String("error", err.Error()))...)
		return c.AbortInternalServerError("internal error")
	}
}
