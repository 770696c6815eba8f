package handlers

import (
	"spsc-transferflow/internal/adapters/http/middleware"
	"spsc-transferflow/internal/core/services"
	"spsc-transferflow/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// TransferAdminHandler handles administrative overrides (ADMIN only)
type TransferAdminHandler struct {
	transferService *services.TransferService
	scheduler       *services.ProgressScheduler
}

// NewTransferAdminHandler creates a new admin handler
func NewTransferAdminHandler(transferService *services.TransferService, scheduler *services.ProgressScheduler) *TransferAdminHandler {
	return &TransferAdminHandler{
		transferService: transferService,
		scheduler:       scheduler,
	}
}

// ReasonInput carries the reason of an override
type ReasonInput struct {
	Reason string `json:"reason"`
}

// ============================================================
// POST /api/v1/admin/transfers/:id/suspend
// ============================================================

// Suspend handles suspension
// @Summary Suspend transfer
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transfer ID"
// @Param request body ReasonInput false "Reason"
// @Success 200 {object} response.Response{data=services.TransitionResult}
// @Router /admin/transfers/{id}/suspend [post]
func (h *TransferAdminHandler) Suspend(c *fiber.Ctx) error {
	return h.override(c, "Transfer suspended", func(c *fiber.Ctx, id uuid.UUID, reason string) (*services.TransitionResult, error) {
		admin, _ := middleware.CurrentUser(c)
		return h.transferService.Suspend(c.UserContext(), admin, id, reason)
	})
}

// ============================================================
// POST /api/v1/admin/transfers/:id/resume
// ============================================================

// Resume handles resumption
// @Summary Resume transfer
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transfer ID"
// @Success 200 {object} response.Response{data=services.TransitionResult}
// @Router /admin/transfers/{id}/resume [post]
func (h *TransferAdminHandler) Resume(c *fiber.Ctx) error {
	return h.override(c, "Transfer resumed", func(c *fiber.Ctx, id uuid.UUID, _ string) (*services.TransitionResult, error) {
		admin, _ := middleware.CurrentUser(c)
		return h.transferService.Resume(c.UserContext(), admin, id)
	})
}

// ============================================================
// POST /api/v1/admin/transfers/:id/fail
// ============================================================

// Fail handles forced failure
// @Summary Fail transfer
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transfer ID"
// @Param request body ReasonInput false "Reason"
// @Success 200 {object} response.Response{data=services.TransitionResult}
// @Router /admin/transfers/{id}/fail [post]
func (h *TransferAdminHandler) Fail(c *fiber.Ctx) error {
	return h.override(c, "Transfer failed", func(c *fiber.Ctx, id uuid.UUID, reason string) (*services.TransitionResult, error) {
		admin, _ := middleware.CurrentUser(c)
		return h.transferService.Fail(c.UserContext(), admin, id, reason)
	})
}

// ============================================================
// POST /api/v1/admin/transfers/reconcile
// ============================================================

// Reconcile rebuilds missing progress jobs from stored state
// @Summary Reconcile progress jobs
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Response
// @Router /admin/transfers/reconcile [post]
func (h *TransferAdminHandler) Reconcile(c *fiber.Ctx) error {
	started, err := h.scheduler.Reconcile(c.UserContext())
	if err != nil {
		return writeServiceError(c, err, "Failed to reconcile progress jobs")
	}
	return response.Success(c, "Progress jobs reconciled", fiber.Map{
		"started":     started,
		"active_jobs": h.scheduler.ActiveJobs(),
	})
}

type overrideFunc func(c *fiber.Ctx, id uuid.UUID, reason string) (*services.TransitionResult, error)

func (h *TransferAdminHandler) override(c *fiber.Ctx, message string, fn overrideFunc) error {
	if _, ok := middleware.CurrentUser(c); !ok {
		return response.Unauthorized(c, "User not authenticated")
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return response.BadRequest(c, "Invalid transfer ID")
	}

	var input ReasonInput
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&input); err != nil {
			return response.BadRequest(c, "Invalid request body")
		}
	}

	result, err := fn(c, id, input.Reason)
	if err != nil {
		return writeServiceError(c, err, "Failed to update transfer")
	}

	switch {
	case result.AlreadyTerminal:
		message = "Transfer already " + string(result.Transfer.Status)
	case !result.Changed:
		message = "Transfer unchanged"
	}
	return response.Success(c, message, result)
}
