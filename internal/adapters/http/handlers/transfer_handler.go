package handlers

import (
	"errors"
	"log"
	"strconv"

	"spsc-transferflow/internal/adapters/http/middleware"
	"spsc-transferflow/internal/core/domain"
	"spsc-transferflow/internal/core/services"
	"spsc-transferflow/internal/pkg/pagination"
	"spsc-transferflow/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// TransferHandler handles user-facing transfer endpoints
type TransferHandler struct {
	transferService *services.TransferService
}

// NewTransferHandler creates a new transfer handler
func NewTransferHandler(transferService *services.TransferService) *TransferHandler {
	return &TransferHandler{
		transferService: transferService,
	}
}

// ============================================================
// POST /api/v1/transfers - เริ่มรายการโอน
// ============================================================

// Initiate handles transfer initiation
// @Summary Initiate transfer
// @Description Creates a pending transfer and sends validation code 1
// @Tags Transfers
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.InitiateInput true "Transfer"
// @Success 201 {object} response.Response{data=services.InitiateResult}
// @Failure 400 {object} response.Response
// @Failure 409 {object} response.Response
// @Router /transfers [post]
func (h *TransferHandler) Initiate(c *fiber.Ctx) error {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}

	var input services.InitiateInput
	if err := c.BodyParser(&input); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}

	result, err := h.transferService.Initiate(c.UserContext(), user, &input)
	if err != nil {
		return writeServiceError(c, err, "Failed to initiate transfer")
	}
	return response.Created(c, "Transfer initiated", result)
}

// ============================================================
// GET /api/v1/transfers - รายการโอนของฉัน
// ============================================================

// List handles listing transfers
// @Summary List transfers
// @Description Lists the caller's transfers, newest first. Admins may pass user_id.
// @Tags Transfers
// @Produce json
// @Security BearerAuth
// @Param page query int false "Page"
// @Param limit query int false "Limit"
// @Param user_id query int false "Owner (admin only)"
// @Success 200 {object} response.Response{data=pagination.Response[models.Transfer]}
// @Router /transfers [get]
func (h *TransferHandler) List(c *fiber.Ctx) error {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}

	var ownerID uint
	if raw := c.Query("user_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return response.BadRequest(c, "Invalid user ID")
		}
		ownerID = uint(id)
	}

	params := pagination.GetParams(c)
	transfers, total, err := h.transferService.ListTransfers(c.UserContext(), user, ownerID, params.Offset, params.Limit)
	if err != nil {
		return writeServiceError(c, err, "Failed to list transfers")
	}
	return response.Success(c, "Transfers retrieved", pagination.NewResponse(transfers, params, total))
}

// ============================================================
// GET /api/v1/transfers/:id - สถานะรายการโอน
// ============================================================

// Get handles transfer state lookup
// @Summary Get transfer state
// @Description Returns the transfer with its event history and code metadata
// @Tags Transfers
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transfer ID"
// @Success 200 {object} response.Response{data=services.TransferState}
// @Failure 404 {object} response.Response
// @Router /transfers/{id} [get]
func (h *TransferHandler) Get(c *fiber.Ctx) error {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return response.BadRequest(c, "Invalid transfer ID")
	}

	state, err := h.transferService.GetTransferState(c.UserContext(), user, id)
	if err != nil {
		return writeServiceError(c, err, "Failed to get transfer")
	}
	return response.Success(c, "Transfer retrieved", state)
}

// ============================================================
// GET /api/v1/transfers/reference/:reference - ค้นหาด้วยเลขอ้างอิง
// ============================================================

// GetByReference handles lookup by reference number
// @Summary Track transfer by reference
// @Tags Transfers
// @Produce json
// @Security BearerAuth
// @Param reference path string true "Reference number (TRF-YYMMDD-NNNN)"
// @Success 200 {object} response.Response{data=services.TransferState}
// @Failure 404 {object} response.Response
// @Router /transfers/reference/{reference} [get]
func (h *TransferHandler) GetByReference(c *fiber.Ctx) error {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}

	state, err := h.transferService.GetTransferStateByReference(c.UserContext(), user, c.Params("reference"))
	if err != nil {
		return writeServiceError(c, err, "Failed to get transfer")
	}
	return response.Success(c, "Transfer retrieved", state)
}

// ============================================================
// POST /api/v1/transfers/:id/validate - ยืนยันรหัส
// ============================================================

// ValidateCode handles code submission
// @Summary Validate code
// @Description Consumes the validation code for the given sequence
// @Tags Transfers
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transfer ID"
// @Param request body services.ValidateCodeInput true "Code"
// @Success 200 {object} response.Response{data=services.ValidationResult}
// @Failure 409 {object} response.Response
// @Failure 422 {object} response.Response
// @Router /transfers/{id}/validate [post]
func (h *TransferHandler) ValidateCode(c *fiber.Ctx) error {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return response.BadRequest(c, "Invalid transfer ID")
	}

	var input services.ValidateCodeInput
	if err := c.BodyParser(&input); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}

	result, err := h.transferService.ValidateCode(c.UserContext(), user, id, &input)
	if err != nil {
		return writeServiceError(c, err, "Failed to validate code")
	}
	if result.AlreadyTerminal {
		return response.Success(c, "Transfer already "+string(result.Status), result)
	}
	return response.Success(c, "Code validated", result)
}

// ============================================================
// POST /api/v1/transfers/:id/resend-code - ขอรหัสใหม่
// ============================================================

// ResendCode handles code reissue
// @Summary Resend code
// @Description Issues a replacement code once the current one has expired
// @Tags Transfers
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transfer ID"
// @Success 201 {object} response.Response
// @Failure 409 {object} response.Response
// @Router /transfers/{id}/resend-code [post]
func (h *TransferHandler) ResendCode(c *fiber.Ctx) error {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return response.BadRequest(c, "Invalid transfer ID")
	}

	code, err := h.transferService.ResendCode(c.UserContext(), user, id)
	if err != nil {
		return writeServiceError(c, err, "Failed to resend code")
	}
	return response.Created(c, "Validation code sent", code)
}

// ============================================================
// Error mapping
// ============================================================

// writeServiceError maps domain errors to HTTP responses. Code rejections
// never reveal which check failed.
func writeServiceError(c *fiber.Ctx, err error, fallback string) error {
	var rejected *domain.CodeRejectedError
	switch {
	case errors.As(err, &rejected):
		return response.UnprocessableEntity(c, rejected.Error())

	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrMissingRecipient),
		errors.Is(err, domain.ErrInvalidRequiredCodes):
		return response.BadRequest(c, err.Error())

	case errors.Is(err, domain.ErrUnauthorized):
		return response.Unauthorized(c, "User not authenticated")

	case errors.Is(err, domain.ErrForbidden):
		return response.Forbidden(c, "You don't have permission to access this transfer")

	case errors.Is(err, domain.ErrTransferNotFound):
		return response.NotFound(c, "Transfer not found")

	case errors.Is(err, domain.ErrDuplicateInFlightTransfer),
		errors.Is(err, domain.ErrTransferSuspended),
		errors.Is(err, domain.ErrTransferTerminal),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrCodeStillActive),
		errors.Is(err, domain.ErrNoCodePending):
		return response.Conflict(c, err.Error())

	case errors.Is(err, domain.ErrReferenceAllocationFailed):
		return response.ServiceUnavailable(c, "Transfer service is busy, please retry")

	default:
		log.Printf("❌ %s: %v", fallback, err)
		return response.InternalServerError(c, fallback)
	}
}
