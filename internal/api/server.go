package api

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/lanternhq/modelgate/internal/config"
	"github.com/lanternhq/modelgate/internal/gateway"
	"github.com/lanternhq/modelgate/internal/services/cache"
	"github.com/lanternhq/modelgate/internal/services/registry"
	"github.com/lanternhq/modelgate/internal/services/telemetry"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Server owns the fiber app and its route wiring.
type Server struct {
	app *fiber.App
	cfg *config.Config
}

// Deps carries everything the HTTP layer needs from the composition root.
type Deps struct {
	Gateway     *gateway.Gateway
	Registry    *registry.Registry
	Telemetry   *telemetry.Service
	PromptCache *cache.PromptCache
	Factory     AdapterFactory
}

// NewServer builds the fiber app, middleware chain and routes.
func NewServer(cfg *config.Config, deps Deps) *Server {
	isProd := cfg.IsProduction()

	app := fiber.New(fiber.Config{
		AppName:           "modelgate",
		EnablePrintRoutes: !isProd,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       5 * time.Minute,
		ServerHeader:      "modelgate",
		CaseSensitive:     true,
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: !isProd,
	}))
	app.Use(requestid.New())
	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))
	if isProd {
		app.Use(logger.New(logger.Config{
			Format: "${time} ${status} ${method} ${path} ${latency} ${bytesSent}b\n",
			Output: os.Stdout,
		}))
	} else {
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path} ${error}\n",
			Output: os.Stdout,
		}))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:  cfg.Server.AllowedOrigins,
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-Caller-ID",
		AllowMethods:  "GET, POST, PUT, PATCH, DELETE, OPTIONS",
		MaxAge:        86400,
		ExposeHeaders: "Content-Length, Content-Type, X-Request-ID",
	}))

	s := &Server{app: app, cfg: cfg}
	s.setupRoutes(deps)
	return s
}

func (s *Server) setupRoutes(deps Deps) {
	gen := NewGenerateHandler(deps.Gateway)
	health := NewHealthHandler(deps.Registry, deps.Telemetry, deps.PromptCache)
	admin := NewAdminHandler(deps.Registry, deps.Factory)

	v1 := s.app.Group("/v1")
	v1.Post("/text", gen.Text)
	v1.Post("/text/stream", gen.TextStream)
	v1.Post("/chat", gen.Chat)
	v1.Post("/chat/stream", gen.ChatStream)
	v1.Post("/embeddings", gen.Embeddings)
	v1.Post("/images", gen.Images)

	adm := s.app.Group("/admin")
	adm.Get("/providers", admin.ListProviders)
	adm.Put("/providers", admin.RegisterProvider)
	adm.Patch("/providers/:id", admin.UpdateProvider)
	adm.Delete("/providers/:id", admin.DeregisterProvider)

	s.app.Get("/health", health.HealthCheck)

	metrics := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	s.app.Get("/metrics", func(c *fiber.Ctx) error {
		metrics(c.Context())
		return nil
	})
}

// App exposes the underlying fiber app for in-process testing.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run starts the listener and blocks until a shutdown signal or a server
// error. Shutdown drains in-flight requests for up to 30 seconds.
func (s *Server) Run() error {
	listenAddr := fmt.Sprintf(":%s", s.cfg.Server.Port)

	fiberlog.Infof("modelgate starting on %s (env: %s, go: %s)",
		listenAddr, s.cfg.Server.Environment, runtime.Version())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		if err := s.app.Listen(listenAddr); err != nil {
			serverErrChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		fiberlog.Infof("received signal %v, starting graceful shutdown", sig)
	case err := <-serverErrChan:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()

	shutdownErrChan := make(chan error, 1)
	go func() {
		shutdownErrChan <- s.app.ShutdownWithTimeout(30 * time.Second)
	}()

	select {
	case err := <-shutdownErrChan:
		if err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		fiberlog.Info("server shutdown completed")
	case <-shutdownCtx.Done():
		return fmt.Errorf("shutdown timeout exceeded")
	}
	return nil
}
