// Package api serves the mail service over HTTP.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nhle/vexmail/internal/model"
	"github.com/nhle/vexmail/internal/service"
	"github.com/nhle/vexmail/internal/source"
)

// Mail is the service the routes call.
type Mail interface {
	GetPage(ctx context.Context, l service.Listing, page, size int) (*service.Page, error)
	Search(ctx context.Context, query string, page, size int) (*service.Page, error)
	GetDetail(ctx context.Context, id string) (*service.EmailDetail, error)
	GetThread(ctx context.Context, id string) (*service.ThreadDetail, error)
	ApplyAction(ctx context.Context, id string, action model.Action) (*service.ActionResult, error)
	BatchApply(ctx context.Context, ids []string, action model.Action) (*service.BatchResult, error)
	TriggerSync(ctx context.Context) *service.SyncReport
	RegisterClient(ctx context.Context, topics []string) (string, error)
	Poll(ctx context.Context, clientID string, timeout time.Duration) ([]model.Event, error)
	Subscribe(ctx context.Context, clientID string, topics []string) error
	Unsubscribe(ctx context.Context, clientID string, topics []string) error
	Unregister(ctx context.Context, clientID string) error
	ResetAuth(ctx context.Context)
	GetStats(ctx context.Context) (*service.Stats, error)
	RetryOperation(ctx context.Context, id string) (*model.PendingOperation, error)
	Health(ctx context.Context) service.Health

	Labels(ctx context.Context) ([]model.Label, error)
	CreateLabel(ctx context.Context, label model.Label) (*model.Label, error)
	DeleteLabel(ctx context.Context, name string) error
	LabelEmail(ctx context.Context, id string, add, remove []string) (*model.Email, error)
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server is the HTTP front of the mail service.
type Server struct {
	app      *fiber.App
	mail     Mail
	log      zerolog.Logger
	gatherer prometheus.Gatherer
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger for startup and per-request lines.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l.With().Str("component", "api").Logger() }
}

// WithMetrics exposes g at /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// New builds the fiber app and registers every route.
func New(mail Mail, opts ...Option) *Server {
	s := &Server{mail: mail, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "vexmail",
		DisableStartupMessage: true,
		ReadTimeout:           15 * time.Second,
		// Long polls hold the response for up to a minute.
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  2 * time.Minute,
		ErrorHandler: s.handleError,
	})
	s.app.Use(recover.New())
	s.app.Use(s.requestLogger)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/api/health", s.health)

	s.app.Get("/api/emails", s.listEmails)
	emails := s.app.Group("/api/emails")
	emails.Post("/batch", s.batchApply)
	emails.Get("/:id", s.getEmail)
	emails.Post("/:id/actions/:action", s.applyAction)
	emails.Post("/:id/labels", s.labelEmail)

	s.app.Get("/api/labels", s.listLabels)
	s.app.Post("/api/labels", s.createLabel)
	s.app.Delete("/api/labels/:name", s.deleteLabel)

	s.app.Get("/api/threads/:id", s.getThread)
	s.app.Get("/api/search", s.search)
	s.app.Post("/api/sync", s.triggerSync)
	s.app.Post("/api/auth/reset", s.resetAuth)
	s.app.Get("/api/stats", s.stats)
	s.app.Post("/api/operations/:id/retry", s.retryOperation)

	rt := s.app.Group("/api/realtime")
	rt.Post("/register", s.register)
	rt.Get("/poll/:client", s.poll)
	rt.Post("/:client/subscribe", s.subscribe)
	rt.Post("/:client/unsubscribe", s.unsubscribe)
	rt.Delete("/:client", s.unregister)

	if s.gatherer != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.log.Info().Str("addr", addr).Msg("listening")
	return s.app.Listen(addr)
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()

	status := c.Response().StatusCode()
	if err != nil {
		status = statusFor(err)
	}

	ev := s.log.Debug()
	if status >= fiber.StatusInternalServerError {
		ev = s.log.Warn()
	}
	ev.Str("method", c.Method()).
		Str("path", c.Path()).
		Int("status", status).
		Dur("latency", time.Since(start)).
		Msg("request")
	return err
}

// statusFor maps service and remote errors to HTTP status codes.
func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, service.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, service.ErrInvalidRequest):
		return fiber.StatusBadRequest
	case errors.Is(err, service.ErrConflict):
		return fiber.StatusConflict
	case source.IsAuthError(err):
		return fiber.StatusBadGateway
	case source.IsRemoteUnavailable(err), errors.Is(err, source.ErrPoolExhausted):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	msg := err.Error()
	if code == fiber.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
		msg = "internal error"
	}
	return c.Status(code).JSON(ErrorResponse{Error: msg})
}
