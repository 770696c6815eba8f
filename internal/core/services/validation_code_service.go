package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"spsc-transferflow/internal/adapters/persistence/models"
	"spsc-transferflow/internal/adapters/persistence/repositories"
	"spsc-transferflow/internal/config"
	"spsc-transferflow/internal/core/domain"
	"spsc-transferflow/internal/pkg/codesecret"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	codeFeeType     = "validation_code"
	deliveryTimeout = 30 * time.Second
)

// IssuedCode is a code persisted inside a unit of work, waiting to be
// delivered once that unit commits
type IssuedCode struct {
	Code      *models.TransferValidationCode
	Reference string
	UserID    uint
	secret    string
}

// ValidationCodeService is the ledger of one-time codes. Issue and check run
// inside the caller's locked unit of work; delivery happens after commit so a
// rolled-back code is never sent.
type ValidationCodeService struct {
	events     *TransferEventLog
	deliverer  CodeDeliverer
	fees       FeeRecorder
	codeLength int
	ttl        time.Duration
	hashCost   int
	fee        decimal.Decimal
	now        func() time.Time

	pending sync.WaitGroup
}

// NewValidationCodeService creates a new code ledger
func NewValidationCodeService(events *TransferEventLog, deliverer CodeDeliverer, fees FeeRecorder, cfg config.TransferConfig) *ValidationCodeService {
	return &ValidationCodeService{
		events:     events,
		deliverer:  deliverer,
		fees:       fees,
		codeLength: cfg.CodeLength,
		ttl:        cfg.CodeTTL,
		hashCost:   cfg.CodeHashCost,
		fee:        cfg.CodeFee,
		now:        time.Now,
	}
}

// IssueNext generates, hashes and stores the code for sequence. It fails with
// ErrCodeStillActive while a usable code for the same sequence exists.
func (s *ValidationCodeService) IssueNext(tx repositories.TransferTx, sequence int) (*IssuedCode, error) {
	t := tx.Transfer()
	if t.IsTerminal() {
		return nil, domain.ErrTransferTerminal
	}
	if sequence < 1 || sequence > t.RequiredCodes {
		return nil, fmt.Errorf("%w: sequence %d of %d", domain.ErrInvalidInput, sequence, t.RequiredCodes)
	}

	now := s.now()
	existing, err := tx.CodesForSequence(sequence)
	if err != nil {
		return nil, err
	}
	for _, c := range existing {
		if c.IsUsable(now) {
			return nil, domain.ErrCodeStillActive
		}
	}

	secret, err := codesecret.Generate(s.codeLength)
	if err != nil {
		return nil, err
	}
	hash, err := codesecret.Hash(secret, s.hashCost)
	if err != nil {
		return nil, err
	}

	code := &models.TransferValidationCode{
		ID:             uuid.New(),
		TransferID:     t.ID,
		Sequence:       sequence,
		CodeHash:       hash,
		PausePercent:   domain.PausePercent(sequence, t.RequiredCodes),
		DeliveryMethod: t.DeliveryMethod,
		Context:        fmt.Sprintf("Transfer %s: authorization %d of %d", t.ReferenceNumber, sequence, t.RequiredCodes),
		IssuedAt:       now,
		ExpiresAt:      now.Add(s.ttl),
	}
	if err := tx.CreateCode(code); err != nil {
		return nil, err
	}

	err = s.events.Append(tx, domain.EventCodeSent,
		fmt.Sprintf("Validation code %d sent via %s", sequence, t.DeliveryMethod),
		map[string]interface{}{
			"sequence":      sequence,
			"pause_percent": code.PausePercent,
			"expires_at":    code.ExpiresAt,
		})
	if err != nil {
		return nil, err
	}

	return &IssuedCode{
		Code:      code,
		Reference: t.ReferenceNumber,
		UserID:    t.UserID,
		secret:    secret,
	}, nil
}

// CheckAndConsume verifies submitted against the outstanding code for
// sequence and consumes it. Every failure is a code rejection reason
// (ErrSequenceMismatch, ErrCodeNotFound, ...); the transfer is left untouched.
func (s *ValidationCodeService) CheckAndConsume(tx repositories.TransferTx, sequence int, submitted string) (*models.TransferValidationCode, error) {
	t := tx.Transfer()

	if sequence >= 1 && sequence <= t.CodesValidated {
		return nil, domain.ErrCodeAlreadyConsumed
	}
	if sequence != t.CodesValidated+1 {
		return nil, domain.ErrSequenceMismatch
	}

	codes, err := tx.CodesForSequence(sequence)
	if err != nil {
		return nil, err
	}
	if len(codes) == 0 {
		return nil, domain.ErrCodeNotFound
	}

	// newest unconsumed code wins; older ones were superseded by a resend
	var current *models.TransferValidationCode
	for _, c := range codes {
		if !c.IsConsumed() {
			current = c
			break
		}
	}
	if current == nil {
		return nil, domain.ErrCodeAlreadyConsumed
	}

	now := s.now()
	if current.IsExpired(now) {
		return nil, domain.ErrCodeExpired
	}

	submitted = strings.TrimSpace(submitted)
	if !codesecret.IsNumeric(submitted, s.codeLength) || !codesecret.Verify(submitted, current.CodeHash) {
		return nil, domain.ErrCodeMismatch
	}

	ok, err := tx.ConsumeCode(current.ID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrCodeAlreadyConsumed
	}
	current.ConsumedAt = &now
	return current, nil
}

// Deliver hands an issued code to the delivery collaborator in the
// background and records the configured fee.
func (s *ValidationCodeService) Deliver(issued *IssuedCode) {
	if issued == nil {
		return
	}

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()

		payload := CodePayload{
			Reference: issued.Reference,
			Sequence:  issued.Code.Sequence,
			Code:      issued.secret,
			ExpiresAt: issued.Code.ExpiresAt,
			Context:   issued.Code.Context,
		}
		if err := s.deliverer.DeliverCode(ctx, issued.UserID, issued.Code.DeliveryMethod, payload); err != nil {
			log.Printf("❌ Code delivery failed for %s #%d: %v", issued.Reference, issued.Code.Sequence, err)
		}

		if s.fees != nil && s.fee.IsPositive() {
			reason := fmt.Sprintf("%s code %d", issued.Reference, issued.Code.Sequence)
			if err := s.fees.RecordFee(ctx, issued.UserID, codeFeeType, s.fee, reason); err != nil {
				log.Printf("⚠️ Fee recording failed for %s: %v", reason, err)
			}
		}
	}()
}

// Wait blocks until in-flight deliveries finish (graceful shutdown)
func (s *ValidationCodeService) Wait() {
	s.pending.Wait()
}
