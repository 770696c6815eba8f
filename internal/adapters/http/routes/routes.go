package routes

import (
	"spsc-transferflow/internal/adapters/http/handlers"
	"spsc-transferflow/internal/adapters/http/middleware"
	"spsc-transferflow/internal/adapters/persistence/repositories"
	"spsc-transferflow/internal/config"
	"spsc-transferflow/internal/core/services"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/swagger"
)

// Services groups the wired workflow components the routes depend on
type Services struct {
	Store     repositories.TransferRepository
	Transfers *services.TransferService
	Notify    *services.TransferNotifyService
	Scheduler *services.ProgressScheduler
}

// Setup configures all routes for the application
func Setup(app *fiber.App, cfg *config.Config, svc *Services) {
	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(cfg.AppMode, svc.Store, svc.Scheduler, svc.Notify)
	transferHandler := handlers.NewTransferHandler(svc.Transfers)
	streamHandler := handlers.NewTransferStreamHandler(svc.Transfers, svc.Notify)
	adminHandler := handlers.NewTransferAdminHandler(svc.Transfers, svc.Scheduler)

	// Health check & root routes
	app.Get("/", healthHandler.Root)
	app.Get("/health", healthHandler.HealthCheck)

	// Swagger documentation
	app.Get("/swagger/*", swagger.HandlerDefault)

	// API v1 group
	apiV1 := app.Group("/api/v1")
	apiV1.Get("/", healthHandler.APIInfo)

	// Transfer routes (Authenticated users)
	transferRoutes := apiV1.Group("/transfers")
	transferRoutes.Use(middleware.AuthMiddleware(cfg))
	transferRoutes.Use(middleware.NoCacheHeaders())
	setupTransferRoutes(transferRoutes, transferHandler, streamHandler)

	// Admin overrides (Admin only)
	adminRoutes := apiV1.Group("/admin/transfers")
	adminRoutes.Use(middleware.AuthMiddleware(cfg))
	adminRoutes.Use(middleware.AdminOnly())
	setupAdminRoutes(adminRoutes, adminHandler)
}

// setupTransferRoutes configures transfer routes
func setupTransferRoutes(router fiber.Router, handler *handlers.TransferHandler, stream *handlers.TransferStreamHandler) {
	// SSE must be registered before /:id
	router.Get("/stream", stream.UserStream)

	router.Post("/", handler.Initiate)
	router.Get("/", handler.List)
	router.Get("/reference/:reference", handler.GetByReference)
	router.Get("/:id", handler.Get)
	router.Get("/:id/stream", stream.TransferStream)

	// Code submission (10 req/min per transfer - ป้องกันการเดารหัส)
	router.Post("/:id/validate", middleware.CodeRateLimiter(), handler.ValidateCode)
	router.Post("/:id/resend-code", middleware.StrictRateLimiter(), handler.ResendCode)
}

// setupAdminRoutes configures administrative override routes
func setupAdminRoutes(router fiber.Router, handler *handlers.TransferAdminHandler) {
	router.Post("/reconcile", handler.Reconcile)
	router.Post("/:id/suspend", handler.Suspend)
	router.Post("/:id/resume", handler.Resume)
	router.Post("/:id/fail", handler.Fail)
}
