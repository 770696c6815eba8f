package repositories

import (
	"context"
	"errors"
	"time"

	"spsc-transferflow/internal/adapters/persistence/models"

	"github.com/google/uuid"
)

// Store errors
var (
	ErrTransferNotFound = errors.New("transfer not found")
	// ErrReferenceConflict means the reference insert lost a race and the
	// whole allocation should be retried in a fresh transaction
	ErrReferenceConflict = errors.New("transfer reference conflict")
)

// NextReferenceFunc derives the next reference from the latest one already
// stored for the same prefix ("" when none exists yet)
type NextReferenceFunc func(latest string) (string, error)

// TransferTx is the unit of work handed to callers while the transfer row lock is held.
// Nothing is visible to other callers until the surrounding call returns nil.
type TransferTx interface {
	// Transfer is the locked, freshly read row
	Transfer() *models.Transfer
	SaveTransfer(t *models.Transfer) error
	CodesForSequence(sequence int) ([]*models.TransferValidationCode, error)
	CreateCode(code *models.TransferValidationCode) error
	// ConsumeCode sets consumed_at only if the code is still unconsumed.
	// It returns false when another caller consumed it first.
	ConsumeCode(codeID uuid.UUID, at time.Time) (bool, error)
	AppendEvent(event *models.TransferEvent) error
}

// TransferRepository is the durable transfer state store
type TransferRepository interface {
	// CreateWithReference locks the latest reference for prefix, assigns the
	// next one to t, inserts t and runs fn in the same transaction.
	// Returns ErrReferenceConflict when the insert should be retried.
	CreateWithReference(ctx context.Context, prefix string, next NextReferenceFunc, t *models.Transfer, fn func(tx TransferTx) error) error
	// WithLock runs fn inside a transaction holding the row lock of transfer id
	WithLock(ctx context.Context, id uuid.UUID, fn func(tx TransferTx) error) error

	GetByID(ctx context.Context, id uuid.UUID) (*models.Transfer, error)
	GetByReference(ctx context.Context, reference string) (*models.Transfer, error)
	ListByUser(ctx context.Context, userID uint, offset, limit int) ([]*models.Transfer, int64, error)
	ListActiveByUser(ctx context.Context, userID uint) ([]*models.Transfer, error)
	// ListActive returns pending and in-progress transfers (reconciliation)
	ListActive(ctx context.Context) ([]*models.Transfer, error)
	ListEvents(ctx context.Context, transferID uuid.UUID) ([]*models.TransferEvent, error)
	ListCodes(ctx context.Context, transferID uuid.UUID) ([]*models.TransferValidationCode, error)
	// PurgeExpiredCodes deletes unconsumed codes that expired before cutoff
	PurgeExpiredCodes(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
}
