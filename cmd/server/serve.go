package main

import (
	"context"
	"errors"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/sessionlens/api/internal/handler"
	"github.com/sessionlens/api/internal/middleware"
	"github.com/sessionlens/api/internal/service"
)

func newServeCommand() *cobra.Command {
	var noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the task worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(cmd.Context(), !noWorker)
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "Serve HTTP only; tasks are handled by a separate worker")
	return cmd
}

func (a *app) serve(parent context.Context, withWorker bool) error {
	cfg := a.cfg
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	asynqClient := asynq.NewClient(a.redisOpt())
	defer asynqClient.Close()

	sessionService := service.NewSessionService(a.store, a.storage, asynqClient, a.log).
		WithRetryPolicy(a.cfg.Pipeline.Retry)

	go a.hub.Run(ctx)
	if a.notifier != a.hub {
		go func() {
			if err := a.hub.Relay(ctx, a.redis); err != nil && !errors.Is(err, context.Canceled) {
				a.log.WithError(err).Error("Event relay stopped")
			}
		}()
	}

	var taskServer *asynq.Server
	if withWorker {
		srv, mux := a.newTaskServer(sessionService)
		if err := srv.Start(mux); err != nil {
			return err
		}
		taskServer = srv
	}

	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		a.log.Info("Gateway mode enabled, using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		apiAuthMiddleware = middleware.NewAuthMiddleware(cfg.JWT.Secret).Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(a.redis, a.log)

	app := fiber.New(fiber.Config{
		ErrorHandler: handler.ErrorHandler,
		BodyLimit:    handler.MaxUploadSize + 1024*1024,
	})

	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
		Output: a.logger.Writer(),
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"version": version,
			"store":   cfg.Store.Driver,
			"services": fiber.Map{
				"completion": a.completion.IsConfigured(),
				"speech":     a.speech.IsConfigured(),
				"goals":      a.goals.IsConfigured(),
				"r2":         a.r2,
				"auth":       cfg.Gateway.Enabled || cfg.JWT.Secret != "",
				"worker":     withWorker,
			},
		})
	})

	// ForwardAuth verification endpoint (internal, called by Traefik)
	app.Get("/auth/verify", handler.NewAuthHandler(cfg.JWT.Secret).Verify)

	api := app.Group("/api", apiAuthMiddleware)
	sessionHandler := handler.NewSessionHandler(sessionService, validator.New(), a.log)
	sessionHandler.Register(api,
		rateLimiter.UploadLimit(cfg.RateLimit.UploadPerHour),
		rateLimiter.AnalyzeLimit(cfg.RateLimit.AnalyzePerHour),
	)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/sessions/:id", websocket.New(func(c *websocket.Conn) {
		a.hub.HandleConnection(c, c.Params("id"))
	}))

	go func() {
		<-ctx.Done()
		a.log.Info("Shutting down server...")
		if taskServer != nil {
			taskServer.Shutdown()
		}
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			a.log.WithError(err).Error("Server shutdown error")
		}
	}()

	addr := ":" + cfg.Server.Port
	a.log.WithField("addr", addr).Info("Server starting")
	return app.Listen(addr)
}

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only the task worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			asynqClient := asynq.NewClient(a.redisOpt())
			defer asynqClient.Close()

			sessionService := service.NewSessionService(a.store, a.storage, asynqClient, a.log).
				WithRetryPolicy(a.cfg.Pipeline.Retry)
			srv, mux := a.newTaskServer(sessionService)
			a.log.WithField("concurrency", a.cfg.Worker.Concurrency).Info("Worker starting")
			return srv.Run(mux)
		},
	}
}
