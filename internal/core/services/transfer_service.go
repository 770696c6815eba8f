package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"spsc-transferflow/internal/adapters/persistence/models"
	"spsc-transferflow/internal/adapters/persistence/repositories"
	"spsc-transferflow/internal/config"
	"spsc-transferflow/internal/core/domain"

	"github.com/google/uuid"
)

const maxRecipientLength = 255

// TransferService drives transfers through the approval workflow. Every
// mutation runs under the transfer's row lock; notifications, code delivery
// and job scheduling happen only after the unit of work has committed.
type TransferService struct {
	repo      repositories.TransferRepository
	allocator *ReferenceAllocator
	codes     *ValidationCodeService
	events    *TransferEventLog
	scheduler *ProgressScheduler
	notifier  *TransferNotifyService
	cfg       config.TransferConfig
	duplicate DuplicatePolicy
	now       func() time.Time
}

// NewTransferService wires the workflow and registers Complete as the
// scheduler's settlement handler
func NewTransferService(
	repo repositories.TransferRepository,
	allocator *ReferenceAllocator,
	codes *ValidationCodeService,
	events *TransferEventLog,
	scheduler *ProgressScheduler,
	notifier *TransferNotifyService,
	cfg config.TransferConfig,
) *TransferService {
	s := &TransferService{
		repo:      repo,
		allocator: allocator,
		codes:     codes,
		events:    events,
		scheduler: scheduler,
		notifier:  notifier,
		cfg:       cfg,
		duplicate: SameAmountAndRecipient,
		now:       time.Now,
	}
	scheduler.SetSettlementHandler(func(ctx context.Context, id uuid.UUID) error {
		_, err := s.Complete(ctx, id)
		return err
	})
	return s
}

// SetDuplicatePolicy replaces the in-flight duplicate check (nil disables it)
func (s *TransferService) SetDuplicatePolicy(p DuplicatePolicy) {
	s.duplicate = p
}

// ============================================================
// Initiate
// ============================================================

// Initiate creates a pending transfer with a fresh reference, issues code 1
// and starts advancing progress toward the first pause threshold
func (s *TransferService) Initiate(ctx context.Context, user domain.AuthenticatedUser, input *InitiateInput) (*InitiateResult, error) {
	if user.ID == 0 {
		return nil, domain.ErrUnauthorized
	}
	if err := s.normalizeInput(input); err != nil {
		return nil, err
	}

	if s.duplicate != nil {
		active, err := s.repo.ListActiveByUser(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		for _, existing := range active {
			if s.duplicate(existing, input) {
				return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateInFlightTransfer, existing.ReferenceNumber)
			}
		}
	}

	now := s.now()
	t := &models.Transfer{
		ID:                  uuid.New(),
		UserID:              user.ID,
		Amount:              input.Amount.Round(2),
		RecipientDescriptor: input.Recipient,
		Status:              domain.TransferPending,
		ProgressPercent:     domain.InitialProgress,
		RequiredCodes:       input.RequiredCodes,
		CodesValidated:      0,
		CurrentStep:         1,
		DeliveryMethod:      input.DeliveryMethod,
		CreatedAt:           now,
	}
	if input.ExternalAccountID != "" {
		ext := input.ExternalAccountID
		t.ExternalAccountID = &ext
	}

	var issued *IssuedCode
	_, err := s.allocator.Allocate(ctx, now, t, func(tx repositories.TransferTx) error {
		err := s.events.Append(tx, domain.EventInitiated,
			fmt.Sprintf("Transfer of %s to %s initiated", t.Amount.StringFixed(2), t.RecipientDescriptor),
			map[string]interface{}{
				"amount":         t.Amount,
				"required_codes": t.RequiredCodes,
			})
		if err != nil {
			return err
		}
		issued, err = s.codes.IssueNext(tx, 1)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.codes.Deliver(issued)
	s.notifier.Publish(ChangeFromTransfer(domain.NotifyStatusChanged, t, "Transfer initiated"))
	s.scheduler.Enqueue(t.ID, t.ProgressPercent, issued.Code.PausePercent)

	log.Printf("✅ Transfer initiated: %s (user=%d, amount=%s, codes=%d)",
		t.ReferenceNumber, t.UserID, t.Amount.StringFixed(2), t.RequiredCodes)

	return &InitiateResult{Transfer: t, FirstCode: issued.Code}, nil
}

func (s *TransferService) normalizeInput(input *InitiateInput) error {
	if input == nil {
		return domain.ErrInvalidInput
	}
	if !input.Amount.IsPositive() || !input.Amount.Round(2).IsPositive() {
		return domain.ErrInvalidAmount
	}

	input.Recipient = strings.TrimSpace(input.Recipient)
	if input.Recipient == "" {
		return domain.ErrMissingRecipient
	}
	if len(input.Recipient) > maxRecipientLength {
		return fmt.Errorf("%w: recipient longer than %d characters", domain.ErrInvalidInput, maxRecipientLength)
	}
	input.ExternalAccountID = strings.TrimSpace(input.ExternalAccountID)

	if input.RequiredCodes == 0 {
		input.RequiredCodes = s.cfg.DefaultRequiredCodes
	}
	if input.RequiredCodes < domain.MinRequiredCodes || input.RequiredCodes > domain.MaxRequiredCodes {
		return domain.ErrInvalidRequiredCodes
	}

	if input.DeliveryMethod == "" {
		input.DeliveryMethod = s.cfg.DefaultDeliveryMethod
	}
	if !input.DeliveryMethod.Valid() {
		return fmt.Errorf("%w: unknown delivery method %q", domain.ErrInvalidInput, input.DeliveryMethod)
	}
	return nil
}

// ============================================================
// ValidateCode
// ============================================================

// ValidateCode consumes the code for sequence. A wrong, expired, replayed or
// out-of-order code records a validation_failed event and returns a
// *domain.CodeRejectedError. A terminal transfer returns AlreadyTerminal.
func (s *TransferService) ValidateCode(ctx context.Context, user domain.AuthenticatedUser, transferID uuid.UUID, input *ValidateCodeInput) (*ValidationResult, error) {
	if input == nil || strings.TrimSpace(input.Code) == "" {
		return nil, fmt.Errorf("%w: code is required", domain.ErrInvalidInput)
	}
	if _, err := s.authorize(ctx, user, transferID); err != nil {
		return nil, err
	}

	var (
		result   *ValidationResult
		rejected error
		issued   *IssuedCode
		approved bool
		snapshot models.Transfer
	)

	err := s.repo.WithLock(ctx, transferID, func(tx repositories.TransferTx) error {
		t := tx.Transfer()
		if t.IsTerminal() {
			result = validationResult(t)
			result.Success = false
			result.AlreadyTerminal = true
			return nil
		}
		if t.Status == domain.TransferSuspended {
			return domain.ErrTransferSuspended
		}

		if _, err := s.codes.CheckAndConsume(tx, input.Sequence, input.Code); err != nil {
			if !isCodeRejection(err) {
				return err
			}
			rejected = err
			return s.events.Append(tx, domain.EventValidationFailed, "Validation code rejected",
				map[string]interface{}{
					"sequence": input.Sequence,
					"reason":   err.Error(),
				})
		}

		now := s.now()
		t.CodesValidated++
		if p := domain.ValidatedProgress(t.CodesValidated, t.RequiredCodes); p > t.ProgressPercent {
			t.ProgressPercent = p
		}

		if t.CodesValidated >= t.RequiredCodes {
			if err := domain.ValidateTransition(t.Status, domain.TransferInProgress); err != nil {
				return err
			}
			t.Status = domain.TransferInProgress
			t.CurrentStep = t.RequiredCodes
			t.ApprovedAt = &now
			approved = true
		} else {
			t.CurrentStep = t.CodesValidated + 1
		}

		if err := tx.SaveTransfer(t); err != nil {
			return err
		}

		err := s.events.Append(tx, domain.EventCodeValidated,
			fmt.Sprintf("Validation code %d of %d accepted", input.Sequence, t.RequiredCodes),
			map[string]interface{}{"sequence": input.Sequence, "codes_validated": t.CodesValidated})
		if err != nil {
			return err
		}

		if approved {
			if err := s.events.Append(tx, domain.EventProcessing, "All codes validated, transfer is processing", nil); err != nil {
				return err
			}
		} else {
			if issued, err = s.codes.IssueNext(tx, t.CodesValidated+1); err != nil {
				return err
			}
		}

		snapshot = *t
		result = validationResult(t)
		return nil
	})
	if err != nil {
		return nil, s.translate(err)
	}

	if rejected != nil {
		log.Printf("⚠️ Code %d rejected for transfer %s: %v", input.Sequence, transferID, rejected)
		return nil, domain.RejectCode(rejected)
	}
	if result.AlreadyTerminal {
		return result, nil
	}

	s.codes.Deliver(issued)
	s.notifier.Publish(ChangeFromTransfer(domain.NotifyCodeValidated, &snapshot, ""))
	if approved {
		s.notifier.Publish(ChangeFromTransfer(domain.NotifyStatusChanged, &snapshot, "All codes validated"))
	}
	if target, _, ok := domain.ProgressTarget(snapshot.Status, snapshot.CodesValidated, snapshot.RequiredCodes); ok {
		s.scheduler.Enqueue(snapshot.ID, snapshot.ProgressPercent, target)
	}

	log.Printf("✅ Code %d/%d validated for %s (progress=%d%%)",
		input.Sequence, snapshot.RequiredCodes, snapshot.ReferenceNumber, snapshot.ProgressPercent)
	return result, nil
}

func validationResult(t *models.Transfer) *ValidationResult {
	r := &ValidationResult{
		Success:         true,
		CodesValidated:  t.CodesValidated,
		RequiredCodes:   t.RequiredCodes,
		ProgressPercent: t.ProgressPercent,
		Status:          t.Status,
		IsComplete:      t.CodesValidated >= t.RequiredCodes,
	}
	if !r.IsComplete && !t.IsTerminal() {
		r.NextSequence = t.CodesValidated + 1
	}
	return r
}

func isCodeRejection(err error) bool {
	for _, reason := range []error{
		domain.ErrCodeNotFound,
		domain.ErrCodeExpired,
		domain.ErrCodeAlreadyConsumed,
		domain.ErrSequenceMismatch,
		domain.ErrCodeMismatch,
	} {
		if errors.Is(err, reason) {
			return true
		}
	}
	return false
}

// ResendCode issues a replacement code for the current sequence once the
// previous one has expired
func (s *TransferService) ResendCode(ctx context.Context, user domain.AuthenticatedUser, transferID uuid.UUID) (*models.TransferValidationCode, error) {
	if _, err := s.authorize(ctx, user, transferID); err != nil {
		return nil, err
	}

	var issued *IssuedCode
	err := s.repo.WithLock(ctx, transferID, func(tx repositories.TransferTx) error {
		t := tx.Transfer()
		switch {
		case t.IsTerminal():
			return domain.ErrTransferTerminal
		case t.Status == domain.TransferSuspended:
			return domain.ErrTransferSuspended
		case t.Status != domain.TransferPending || t.CodesValidated >= t.RequiredCodes:
			return domain.ErrNoCodePending
		}

		var err error
		issued, err = s.codes.IssueNext(tx, t.CodesValidated+1)
		return err
	})
	if err != nil {
		return nil, s.translate(err)
	}

	s.codes.Deliver(issued)
	log.Printf("🔁 Code %d reissued for %s", issued.Code.Sequence, issued.Reference)
	return issued.Code, nil
}

// ============================================================
// Administrative overrides
// ============================================================

// Suspend freezes a non-terminal transfer and cancels its progress job
func (s *TransferService) Suspend(ctx context.Context, admin domain.AuthenticatedUser, transferID uuid.UUID, reason string) (*TransitionResult, error) {
	if !admin.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	reason = strings.TrimSpace(reason)

	result, err := s.transition(ctx, transferID, func(tx repositories.TransferTx, t *models.Transfer) (bool, error) {
		if t.Status == domain.TransferSuspended {
			return false, nil
		}
		if err := domain.ValidateTransition(t.Status, domain.TransferSuspended); err != nil {
			return false, err
		}
		from := t.Status
		now := s.now()
		t.Status = domain.TransferSuspended
		t.SuspendedAt = &now
		t.StatusReason = reason
		if err := tx.SaveTransfer(t); err != nil {
			return false, err
		}
		return true, s.events.Append(tx, domain.EventSuspended, "Transfer suspended",
			map[string]interface{}{"from": from, "reason": reason, "by": admin.ID})
	})
	if err != nil {
		return nil, err
	}

	s.scheduler.Cancel(transferID)
	if result.Changed {
		s.notifier.Publish(ChangeFromTransfer(domain.NotifyStatusChanged, result.Transfer, "Transfer suspended"))
		log.Printf("⏸️ Transfer %s suspended by %d: %s", result.Transfer.ReferenceNumber, admin.ID, reason)
	}
	return result, nil
}

// Resume returns a suspended transfer to pending or in-progress, depending
// on how many codes were validated, and restarts its progress job
func (s *TransferService) Resume(ctx context.Context, admin domain.AuthenticatedUser, transferID uuid.UUID) (*TransitionResult, error) {
	if !admin.IsAdmin() {
		return nil, domain.ErrForbidden
	}

	result, err := s.transition(ctx, transferID, func(tx repositories.TransferTx, t *models.Transfer) (bool, error) {
		if t.Status != domain.TransferSuspended {
			return false, nil
		}
		to := domain.ResumeStatus(t.CodesValidated, t.RequiredCodes)
		if err := domain.ValidateTransition(t.Status, to); err != nil {
			return false, err
		}
		t.Status = to
		t.SuspendedAt = nil
		t.StatusReason = ""
		if err := tx.SaveTransfer(t); err != nil {
			return false, err
		}
		return true, s.events.Append(tx, domain.EventResumed, "Transfer resumed",
			map[string]interface{}{"to": to, "by": admin.ID})
	})
	if err != nil {
		return nil, err
	}
	if !result.Changed {
		return result, nil
	}

	t := result.Transfer
	s.notifier.Publish(ChangeFromTransfer(domain.NotifyStatusChanged, t, "Transfer resumed"))
	if target, settle, ok := domain.ProgressTarget(t.Status, t.CodesValidated, t.RequiredCodes); ok {
		if settle || t.ProgressPercent < target {
			s.scheduler.Enqueue(t.ID, t.ProgressPercent, target)
		}
	}
	log.Printf("▶️ Transfer %s resumed as %s by %d", t.ReferenceNumber, t.Status, admin.ID)
	return result, nil
}

// Fail terminates a non-terminal transfer
func (s *TransferService) Fail(ctx context.Context, admin domain.AuthenticatedUser, transferID uuid.UUID, reason string) (*TransitionResult, error) {
	if !admin.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	reason = strings.TrimSpace(reason)

	result, err := s.transition(ctx, transferID, func(tx repositories.TransferTx, t *models.Transfer) (bool, error) {
		if err := domain.ValidateTransition(t.Status, domain.TransferFailed); err != nil {
			return false, err
		}
		from := t.Status
		t.Status = domain.TransferFailed
		t.StatusReason = reason
		if err := tx.SaveTransfer(t); err != nil {
			return false, err
		}
		return true, s.events.Append(tx, domain.EventFailed, "Transfer failed",
			map[string]interface{}{"from": from, "reason": reason, "by": admin.ID})
	})
	if err != nil {
		return nil, err
	}

	s.scheduler.Cancel(transferID)
	if result.Changed {
		s.notifier.Publish(ChangeFromTransfer(domain.NotifyStatusChanged, result.Transfer, "Transfer failed"))
		log.Printf("❌ Transfer %s failed by %d: %s", result.Transfer.ReferenceNumber, admin.ID, reason)
	}
	return result, nil
}

// Complete settles an approved transfer. Completing a completed transfer is
// a no-op; any other state is an invalid transition. Complete never calls
// back into the scheduler because the scheduler is its usual caller.
func (s *TransferService) Complete(ctx context.Context, transferID uuid.UUID) (*TransitionResult, error) {
	result, err := s.transition(ctx, transferID, func(tx repositories.TransferTx, t *models.Transfer) (bool, error) {
		if err := domain.ValidateTransition(t.Status, domain.TransferCompleted); err != nil {
			return false, err
		}
		if t.CodesValidated < t.RequiredCodes {
			return false, fmt.Errorf("%w: %d of %d codes validated", domain.ErrInvalidTransition, t.CodesValidated, t.RequiredCodes)
		}
		now := s.now()
		t.Status = domain.TransferCompleted
		t.ProgressPercent = domain.SettledProgress
		t.CompletedAt = &now
		if err := tx.SaveTransfer(t); err != nil {
			return false, err
		}
		return true, s.events.Append(tx, domain.EventCompleted, "Transfer completed", nil)
	})
	if err != nil {
		return nil, err
	}

	if result.Changed {
		s.notifier.Publish(ChangeFromTransfer(domain.NotifyCompleted, result.Transfer, "Transfer completed"))
		log.Printf("✅ Transfer completed: %s", result.Transfer.ReferenceNumber)
	}
	return result, nil
}

// transition runs mutate under the row lock. A terminal transfer short-circuits
// into AlreadyTerminal without calling mutate.
func (s *TransferService) transition(ctx context.Context, transferID uuid.UUID, mutate func(tx repositories.TransferTx, t *models.Transfer) (bool, error)) (*TransitionResult, error) {
	result := &TransitionResult{}
	err := s.repo.WithLock(ctx, transferID, func(tx repositories.TransferTx) error {
		t := tx.Transfer()
		if t.IsTerminal() {
			result.AlreadyTerminal = true
			result.Transfer = t
			return nil
		}
		changed, err := mutate(tx, t)
		if err != nil {
			return err
		}
		result.Changed = changed
		result.Transfer = t
		return nil
	})
	if err != nil {
		return nil, s.translate(err)
	}
	return result, nil
}

// ============================================================
// Queries
// ============================================================

// GetTransferState returns the transfer with its events and code metadata
func (s *TransferService) GetTransferState(ctx context.Context, user domain.AuthenticatedUser, transferID uuid.UUID) (*TransferState, error) {
	t, err := s.authorize(ctx, user, transferID)
	if err != nil {
		return nil, err
	}
	return s.state(ctx, t)
}

// GetTransferStateByReference looks a transfer up by reference number
func (s *TransferService) GetTransferStateByReference(ctx context.Context, user domain.AuthenticatedUser, reference string) (*TransferState, error) {
	t, err := s.repo.GetByReference(ctx, strings.ToUpper(strings.TrimSpace(reference)))
	if err != nil {
		return nil, s.translate(err)
	}
	if !user.CanAccess(t.UserID) {
		return nil, domain.ErrForbidden
	}
	return s.state(ctx, t)
}

func (s *TransferService) state(ctx context.Context, t *models.Transfer) (*TransferState, error) {
	events, err := s.events.History(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	codes, err := s.repo.ListCodes(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	return &TransferState{Transfer: t, Events: events, Codes: codes}, nil
}

// ListTransfers lists transfers of ownerID, newest first. Only admins may
// list someone else's transfers.
func (s *TransferService) ListTransfers(ctx context.Context, user domain.AuthenticatedUser, ownerID uint, offset, limit int) ([]*models.Transfer, int64, error) {
	if ownerID == 0 {
		ownerID = user.ID
	}
	if !user.CanAccess(ownerID) {
		return nil, 0, domain.ErrForbidden
	}
	return s.repo.ListByUser(ctx, ownerID, offset, limit)
}

// authorize loads the transfer and checks ownership before any lock is taken
func (s *TransferService) authorize(ctx context.Context, user domain.AuthenticatedUser, transferID uuid.UUID) (*models.Transfer, error) {
	if user.ID == 0 {
		return nil, domain.ErrUnauthorized
	}
	t, err := s.repo.GetByID(ctx, transferID)
	if err != nil {
		return nil, s.translate(err)
	}
	if !user.CanAccess(t.UserID) {
		return nil, domain.ErrForbidden
	}
	return t, nil
}

func (s *TransferService) translate(err error) error {
	if errors.Is(err, repositories.ErrTransferNotFound) {
		return domain.ErrTransferNotFound
	}
	return err
}
