package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"spsc-transferflow/internal/adapters/persistence/models"
	"spsc-transferflow/internal/core/domain"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MySQL error numbers that mean "the whole transaction may succeed if retried"
const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

// transferRepository implements TransferRepository on GORM/MySQL
type transferRepository struct {
	db *gorm.DB
}

// NewTransferRepository creates a new transfer repository
func NewTransferRepository(db *gorm.DB) TransferRepository {
	return &transferRepository{db: db}
}

// gormTx implements TransferTx on an open GORM transaction
type gormTx struct {
	tx       *gorm.DB
	transfer *models.Transfer
}

func (g *gormTx) Transfer() *models.Transfer {
	return g.transfer
}

func (g *gormTx) SaveTransfer(t *models.Transfer) error {
	return g.tx.Save(t).Error
}

func (g *gormTx) CodesForSequence(sequence int) ([]*models.TransferValidationCode, error) {
	var codes []*models.TransferValidationCode
	err := g.tx.
		Where("transfer_id = ? AND sequence = ?", g.transfer.ID, sequence).
		Order("issued_at DESC").
		Find(&codes).Error
	return codes, err
}

func (g *gormTx) CreateCode(code *models.TransferValidationCode) error {
	return g.tx.Create(code).Error
}

func (g *gormTx) ConsumeCode(codeID uuid.UUID, at time.Time) (bool, error) {
	res := g.tx.Model(&models.TransferValidationCode{}).
		Where("id = ? AND consumed_at IS NULL", codeID).
		Update("consumed_at", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (g *gormTx) AppendEvent(event *models.TransferEvent) error {
	return g.tx.Create(event).Error
}

// CreateWithReference allocates the next day-scoped reference and inserts t.
// Only the latest row matching prefix is locked, so allocators serialize on
// that row rather than on the table.
func (r *transferRepository) CreateWithReference(ctx context.Context, prefix string, next NextReferenceFunc, t *models.Transfer, fn func(tx TransferTx) error) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest models.Transfer
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "reference_number").
			Where("reference_number LIKE ?", prefix+"%").
			Order("reference_number DESC").
			Limit(1).
			Find(&latest).Error
		if err != nil {
			return err
		}

		ref, err := next(latest.ReferenceNumber)
		if err != nil {
			return err
		}
		t.ReferenceNumber = ref

		if err := tx.Create(t).Error; err != nil {
			return err
		}
		return fn(&gormTx{tx: tx, transfer: t})
	})
	if err != nil && isRetryable(err) {
		return fmt.Errorf("%w: %v", ErrReferenceConflict, err)
	}
	return err
}

// WithLock runs fn while holding SELECT ... FOR UPDATE on the transfer row
func (r *transferRepository) WithLock(ctx context.Context, id uuid.UUID, fn func(tx TransferTx) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t models.Transfer
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			First(&t).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTransferNotFound
			}
			return err
		}
		return fn(&gormTx{tx: tx, transfer: &t})
	})
}

// GetByID gets a transfer by ID (no lock)
func (r *transferRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Transfer, error) {
	var t models.Transfer
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return &t, nil
}

// GetByReference gets a transfer by its reference number
func (r *transferRepository) GetByReference(ctx context.Context, reference string) (*models.Transfer, error) {
	var t models.Transfer
	err := r.db.WithContext(ctx).Where("reference_number = ?", reference).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return &t, nil
}

// ListByUser lists a user's transfers with pagination, newest first
func (r *transferRepository) ListByUser(ctx context.Context, userID uint, offset, limit int) ([]*models.Transfer, int64, error) {
	var transfers []*models.Transfer
	var total int64

	if err := r.db.WithContext(ctx).Model(&models.Transfer{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&transfers).Error
	return transfers, total, err
}

// ListActiveByUser returns a user's non-terminal transfers
func (r *transferRepository) ListActiveByUser(ctx context.Context, userID uint) ([]*models.Transfer, error) {
	var transfers []*models.Transfer
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status NOT IN ?", userID,
			[]string{string(domain.TransferCompleted), string(domain.TransferFailed)}).
		Find(&transfers).Error
	return transfers, err
}

// ListActive returns every pending or in-progress transfer
func (r *transferRepository) ListActive(ctx context.Context) ([]*models.Transfer, error) {
	var transfers []*models.Transfer
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{string(domain.TransferPending), string(domain.TransferInProgress)}).
		Order("created_at ASC").
		Find(&transfers).Error
	return transfers, err
}

// ListEvents returns the audit trail of a transfer, oldest first
func (r *transferRepository) ListEvents(ctx context.Context, transferID uuid.UUID) ([]*models.TransferEvent, error) {
	var events []*models.TransferEvent
	err := r.db.WithContext(ctx).
		Where("transfer_id = ?", transferID).
		Order("id ASC").
		Find(&events).Error
	return events, err
}

// ListCodes returns code metadata of a transfer ordered by sequence
func (r *transferRepository) ListCodes(ctx context.Context, transferID uuid.UUID) ([]*models.TransferValidationCode, error) {
	var codes []*models.TransferValidationCode
	err := r.db.WithContext(ctx).
		Where("transfer_id = ?", transferID).
		Order("sequence ASC, issued_at ASC").
		Find(&codes).Error
	return codes, err
}

// PurgeExpiredCodes deletes unconsumed codes that expired before cutoff (cleanup job)
func (r *transferRepository) PurgeExpiredCodes(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("consumed_at IS NULL AND expires_at < ?", cutoff).
		Delete(&models.TransferValidationCode{})
	return res.RowsAffected, res.Error
}

// Ping checks the underlying connection
func (r *transferRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// isRetryable reports unique-key races and lock conflicts
func isRetryable(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlErrDeadlock || myErr.Number == mysqlErrLockWaitTimeout
	}
	return false
}
