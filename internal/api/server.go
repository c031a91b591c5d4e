// Package api exposes the HTTP surface of ScenarioPipe: transport webhooks, out-of-band mini-app
// submissions and admin endpoints over sessions and flows.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/BTreeMap/ScenarioPipe/internal/flow"
	"github.com/BTreeMap/ScenarioPipe/internal/messaging"
	"github.com/BTreeMap/ScenarioPipe/internal/searchcache"
	"github.com/BTreeMap/ScenarioPipe/internal/store"
)

// DefaultAddr is the default listen address.
const DefaultAddr = ":8080"

// WebhookValidator checks Twilio request signatures.
type WebhookValidator interface {
	ValidateWebhook(url string, params map[string]string, signature string) bool
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
	// Token, when set, is required as a bearer token on admin endpoints.
	Token string
	// PublicURL is the externally visible base URL, used to verify Twilio signatures.
	PublicURL string
	Twilio    *messaging.TwilioService
	Validator WebhookValidator
	Inventory store.RecordRepo
	Cache     *searchcache.Cache
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithToken protects admin endpoints with a bearer token.
func WithToken(token string) Option {
	return func(o *Opts) { o.Token = token }
}

// WithTwilio enables the Twilio webhook endpoints. validator may be nil to skip signature checks.
func WithTwilio(svc *messaging.TwilioService, validator WebhookValidator, publicURL string) Option {
	return func(o *Opts) {
		o.Twilio = svc
		o.Validator = validator
		o.PublicURL = strings.TrimRight(publicURL, "/")
	}
}

// WithInventory enables PUT /inventory.
func WithInventory(repo store.RecordRepo) Option {
	return func(o *Opts) { o.Inventory = repo }
}

// WithSearchCache reports cache statistics on /healthz.
func WithSearchCache(c *searchcache.Cache) Option {
	return func(o *Opts) { o.Cache = c }
}

// Server serves the HTTP API.
type Server struct {
	engine *flow.Engine
	opts   Opts
	router *gin.Engine
	http   *http.Server
	start  time.Time
}

// NewServer builds the router. The engine is required.
func NewServer(engine *flow.Engine, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{engine: engine, opts: cfg, router: gin.New(), start: time.Now()}
	s.router.Use(gin.Recovery(), requestLogger())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/healthz", s.healthHandler)

	if s.opts.Twilio != nil {
		s.router.POST("/webhooks/twilio", s.twilioWebhookHandler)
		s.router.POST("/webhooks/twilio/status", s.twilioStatusHandler)
	}
	s.router.POST("/miniapp/:session", s.miniAppHandler)

	admin := s.router.Group("/", s.authMiddleware())
	admin.POST("/events", s.eventHandler)
	admin.GET("/sessions/:id", s.getSessionHandler)
	admin.POST("/sessions/:id/reset", s.resetSessionHandler)
	admin.GET("/flows", s.listFlowsHandler)
	admin.POST("/flows/reload", s.reloadFlowsHandler)
	if s.opts.Inventory != nil {
		admin.PUT("/inventory", s.putInventoryHandler)
	}
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{Addr: s.opts.Addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.Token == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || got != s.opts.Token {
			slog.Warn("Server.authMiddleware: unauthorized", "path", c.Request.URL.Path)
			fail(c, http.StatusUnauthorized, "unauthorized")
			return
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		slog.Debug("Server: request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(started))
	}
}
