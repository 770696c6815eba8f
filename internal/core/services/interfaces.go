package services

import (
	"context"
	"strings"
	"time"

	"spsc-transferflow/internal/adapters/persistence/models"
	"spsc-transferflow/internal/core/domain"

	"github.com/shopspring/decimal"
)

// ============================================================
// External collaborators
// ============================================================

// CodePayload is what the delivery collaborator needs to send a code
type CodePayload struct {
	Reference string
	Sequence  int
	Code      string
	ExpiresAt time.Time
	Context   string
}

// CodeDeliverer sends a validation code out-of-band (email/SMS/LINE).
// A nil error means the request was accepted, not that it arrived.
type CodeDeliverer interface {
	DeliverCode(ctx context.Context, userID uint, channel domain.DeliveryMethod, payload CodePayload) error
}

// FeeRecorder records a charge alongside code issuance
type FeeRecorder interface {
	RecordFee(ctx context.Context, userID uint, feeType string, amount decimal.Decimal, reason string) error
}

// ChangePublisher forwards transfer changes to a downstream stream (e.g. Kafka)
type ChangePublisher interface {
	Publish(key string, event any) error
}

// DuplicatePolicy reports whether an existing non-terminal transfer makes a
// new initiation equivalent to one already in flight
type DuplicatePolicy func(existing *models.Transfer, input *InitiateInput) bool

// SameAmountAndRecipient treats a transfer of the same amount to the same
// recipient as a duplicate
func SameAmountAndRecipient(existing *models.Transfer, input *InitiateInput) bool {
	return existing.Amount.Equal(input.Amount.Round(2)) &&
		strings.EqualFold(strings.TrimSpace(existing.RecipientDescriptor), strings.TrimSpace(input.Recipient))
}

// ============================================================
// Input / output DTOs
// ============================================================

// InitiateInput represents a transfer initiation request
type InitiateInput struct {
	Amount            decimal.Decimal       `json:"amount"`
	Recipient         string                `json:"recipient"`
	ExternalAccountID string                `json:"external_account_id,omitempty"`
	RequiredCodes     int                   `json:"required_codes,omitempty"`
	DeliveryMethod    domain.DeliveryMethod `json:"delivery_method,omitempty"`
}

// InitiateResult is returned by Initiate. The code secret is never included.
type InitiateResult struct {
	Transfer  *models.Transfer               `json:"transfer"`
	FirstCode *models.TransferValidationCode `json:"first_code"`
}

// ValidateCodeInput represents a code submission
type ValidateCodeInput struct {
	Sequence int    `json:"sequence"`
	Code     string `json:"code"`
}

// ValidationResult is returned by a successful (or terminal no-op) validation
type ValidationResult struct {
	Success         bool                  `json:"success"`
	CodesValidated  int                   `json:"codes_validated"`
	RequiredCodes   int                   `json:"required_codes"`
	ProgressPercent int                   `json:"progress_percent"`
	Status          domain.TransferStatus `json:"status"`
	IsComplete      bool                  `json:"is_complete"`
	NextSequence    int                   `json:"next_sequence,omitempty"`
	AlreadyTerminal bool                  `json:"already_terminal,omitempty"`
}

// TransitionResult is returned by administrative overrides
type TransitionResult struct {
	Transfer        *models.Transfer `json:"transfer"`
	Changed         bool             `json:"changed"`
	AlreadyTerminal bool             `json:"already_terminal,omitempty"`
}

// TransferState is the full read model of one transfer
type TransferState struct {
	Transfer *models.Transfer                 `json:"transfer"`
	Events   []*models.TransferEvent          `json:"events"`
	Codes    []*models.TransferValidationCode `json:"codes"`
}
