// Package api serves the hub over HTTP: the /ws endpoint for live sessions
// plus REST endpoints for rooms, history, receipts and typing.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/chat-hub/modules/auth"
	"github.com/example/chat-hub/modules/broadcast"
	"github.com/example/chat-hub/modules/chat"
	"github.com/example/chat-hub/modules/history"
	"github.com/example/chat-hub/modules/metrics"
	"github.com/example/chat-hub/modules/rooms"
	"github.com/go-monolith/mono"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// Options configures the API module.
type Options struct {
	Port           string
	HistoryDefault int
	Client         broadcast.ClientOptions
	// FrameTimeout bounds the handling of one inbound websocket frame.
	FrameTimeout time.Duration
}

// Deps are the components the API serves.
type Deps struct {
	Engine   *chat.Engine
	Registry *broadcast.Registry
	Rooms    *rooms.Service
	Store    *history.Store
	Auth     *auth.Authenticator
	Metrics  *metrics.Metrics
}

// APIModule is the HTTP API module with WebSocket support.
type APIModule struct {
	app      *fiber.App
	opts     Options
	deps     Deps
	validate *validator.Validate
	log      *slog.Logger
}

// Compile-time interface checks.
var _ mono.Module = (*APIModule)(nil)
var _ mono.HealthCheckableModule = (*APIModule)(nil)

// NewModule creates a new APIModule.
func NewModule(opts Options, deps Deps, log *slog.Logger) *APIModule {
	if opts.Port == "" {
		opts.Port = "3000"
	}
	if opts.HistoryDefault <= 0 {
		opts.HistoryDefault = 20
	}
	if opts.FrameTimeout <= 0 {
		opts.FrameTimeout = 10 * time.Second
	}
	return &APIModule{
		opts:     opts,
		deps:     deps,
		validate: validator.New(),
		log:      log.With("module", "api"),
	}
}

// Name returns the module name.
func (m *APIModule) Name() string {
	return "api"
}

// Start initializes the Fiber HTTP server.
func (m *APIModule) Start(_ context.Context) error {
	m.app = m.newApp()

	errCh := make(chan error, 1)
	go func() {
		if err := m.app.Listen(":" + m.opts.Port); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server failed to start: %w", err)
	case <-time.After(100 * time.Millisecond):
	}

	m.log.Info("HTTP server started", "port", m.opts.Port, "dev_auth", m.deps.Auth.DevMode())
	return nil
}

// Stop shuts down the Fiber HTTP server.
func (m *APIModule) Stop(ctx context.Context) error {
	if m.app == nil {
		return nil
	}
	m.log.Info("Shutting down HTTP server")
	if err := m.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// Health returns the health status.
func (m *APIModule) Health(_ context.Context) mono.HealthStatus {
	return mono.HealthStatus{
		Healthy: m.app != nil,
		Message: "operational",
		Details: map[string]any{
			"port":              m.opts.Port,
			"connected_clients": m.deps.Registry.ClientCount(),
		},
	}
}

func (m *APIModule) newApp() *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          60 * time.Second,
		IdleTimeout:           120 * time.Second,
	})

	app.Use(recover.New())
	app.Use(m.loggerMiddleware())
	m.setupRoutes(app)
	return app
}

// customErrorHandler handles Fiber errors.
func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   "server_error",
		Message: message,
	})
}

// loggerMiddleware returns a Fiber middleware for request logging.
func (m *APIModule) loggerMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// WebSocket sessions log their own lifecycle.
		if c.Get("Upgrade") == "websocket" {
			return c.Next()
		}
		start := time.Now()
		err := c.Next()
		m.log.Debug("HTTP request",
			"method", c.Method(),
			"path", c.Path(),
			"status", c.Response().StatusCode(),
			"latency", time.Since(start))
		return err
	}
}
