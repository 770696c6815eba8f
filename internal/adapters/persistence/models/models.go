package models

import (
	"encoding/json"
	"time"

	"spsc-transferflow/internal/core/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ============================================================
// Transfer workflow tables
// ============================================================

// Transfer represents transfers table (aggregate root, never hard-deleted)
type Transfer struct {
	ID                  uuid.UUID             `gorm:"type:char(36);primaryKey" json:"id"`
	ReferenceNumber     string                `gorm:"size:20;uniqueIndex;not null" json:"reference_number"`
	UserID              uint                  `gorm:"not null;index" json:"user_id"`
	Amount              decimal.Decimal       `gorm:"type:decimal(15,2);not null" json:"amount"`
	RecipientDescriptor string                `gorm:"size:255;not null" json:"recipient"`
	ExternalAccountID   *string               `gorm:"size:64" json:"external_account_id"`
	Status              domain.TransferStatus `gorm:"size:20;not null;index" json:"status"`
	ProgressPercent     int                   `gorm:"not null;default:0" json:"progress_percent"`
	RequiredCodes       int                   `gorm:"not null" json:"required_codes"`
	CodesValidated      int                   `gorm:"not null;default:0" json:"codes_validated"`
	CurrentStep         int                   `gorm:"not null;default:1" json:"current_step"`
	DeliveryMethod      domain.DeliveryMethod `gorm:"size:10;not null" json:"delivery_method"`
	StatusReason        string                `gorm:"size:255" json:"status_reason,omitempty"`
	CreatedAt           time.Time             `gorm:"autoCreateTime" json:"created_at"`
	ApprovedAt          *time.Time            `json:"approved_at"`
	SuspendedAt         *time.Time            `json:"suspended_at"`
	CompletedAt         *time.Time            `json:"completed_at"`
	UpdatedAt           time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Transfer) TableName() string {
	return "transfers"
}

// IsTerminal reports whether the transfer is completed or failed
func (t *Transfer) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// TransferValidationCode represents transfer_validation_codes table.
// The secret is stored hashed and never serialized.
type TransferValidationCode struct {
	ID             uuid.UUID             `gorm:"type:char(36);primaryKey" json:"id"`
	TransferID     uuid.UUID             `gorm:"type:char(36);not null;index:idx_code_transfer_seq,priority:1" json:"transfer_id"`
	Sequence       int                   `gorm:"not null;index:idx_code_transfer_seq,priority:2" json:"sequence"`
	CodeHash       string                `gorm:"size:255;not null" json:"-"`
	PausePercent   int                   `gorm:"not null" json:"pause_percent"`
	DeliveryMethod domain.DeliveryMethod `gorm:"size:10;not null" json:"delivery_method"`
	Context        string                `gorm:"size:255" json:"context,omitempty"`
	IssuedAt       time.Time             `gorm:"not null" json:"issued_at"`
	ExpiresAt      time.Time             `gorm:"not null;index" json:"expires_at"`
	ConsumedAt     *time.Time            `json:"consumed_at"`
}

func (TransferValidationCode) TableName() string {
	return "transfer_validation_codes"
}

func (c *TransferValidationCode) IsConsumed() bool {
	return c.ConsumedAt != nil
}

func (c *TransferValidationCode) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// IsUsable reports whether the code can still be consumed at now
func (c *TransferValidationCode) IsUsable(now time.Time) bool {
	return !c.IsConsumed() && !c.IsExpired(now)
}

// TransferEvent represents transfer_events table (append-only audit trail)
type TransferEvent struct {
	ID         uint             `gorm:"primaryKey" json:"id"`
	TransferID uuid.UUID        `gorm:"type:char(36);not null;index" json:"transfer_id"`
	EventType  domain.EventType `gorm:"size:30;not null" json:"event_type"`
	Message    string           `gorm:"type:text" json:"message"`
	Metadata   json.RawMessage  `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt  time.Time        `gorm:"not null" json:"created_at"`
}

func (TransferEvent) TableName() string {
	return "transfer_events"
}

// ============================================================
// Auto Migration
// ============================================================

// AutoMigrate runs auto migration for the workflow tables
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Transfer{},
		&TransferValidationCode{},
		&TransferEvent{},
	)
}
