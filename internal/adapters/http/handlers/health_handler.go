package handlers

import (
	"context"
	"time"

	"spsc-transferflow/internal/adapters/persistence/repositories"
	"spsc-transferflow/internal/core/services"

	"github.com/gofiber/fiber/v2"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	mode      string
	store     repositories.TransferRepository
	scheduler *services.ProgressScheduler
	notify    *services.TransferNotifyService
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(mode string, store repositories.TransferRepository, scheduler *services.ProgressScheduler, notify *services.TransferNotifyService) *HealthHandler {
	return &HealthHandler{
		mode:      mode,
		store:     store,
		scheduler: scheduler,
		notify:    notify,
	}
}

// Root handles root endpoint
// @Summary Root endpoint
// @Description Returns API status
// @Tags Health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router / [get]
func (h *HealthHandler) Root(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "running",
		"message": "🚀 SPSC TransferFlow API v1.0 is running",
		"mode":    h.mode,
		"docs":    "/swagger/index.html",
	})
}

// HealthCheck handles health check
// @Summary Health check
// @Description Check API, store and background job health
// @Tags Health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /health [get]
func (h *HealthHandler) HealthCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	status := fiber.StatusOK
	storeStatus := "healthy"
	if err := h.store.Ping(ctx); err != nil {
		storeStatus = "unhealthy"
		status = fiber.StatusServiceUnavailable
	}

	return c.Status(status).JSON(fiber.Map{
		"status": map[bool]string{true: "ok", false: "degraded"}[status == fiber.StatusOK],
		"checks": fiber.Map{
			"api":   "healthy",
			"store": storeStatus,
		},
		"progress_jobs": h.scheduler.ActiveJobs(),
		"sse_clients":   h.notify.Hub.GetClientCount(),
	})
}

// APIInfo handles API v1 info
// @Summary API v1 Info
// @Tags Health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /api/v1 [get]
func (h *HealthHandler) APIInfo(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"message": "SPSC TransferFlow API v1.0",
		"version": "1.0.0",
	})
}
