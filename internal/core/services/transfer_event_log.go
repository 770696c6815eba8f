package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"spsc-transferflow/internal/adapters/persistence/models"
	"spsc-transferflow/internal/adapters/persistence/repositories"
	"spsc-transferflow/internal/core/domain"

	"github.com/google/uuid"
)

// TransferEventLog writes and reads the append-only audit trail.
// Appends always go through the caller's unit of work so an event is
// committed together with the state change it describes.
type TransferEventLog struct {
	repo repositories.TransferRepository
	now  func() time.Time
}

// NewTransferEventLog creates a new event log
func NewTransferEventLog(repo repositories.TransferRepository) *TransferEventLog {
	return &TransferEventLog{repo: repo, now: time.Now}
}

// Append records an event for the locked transfer. The current status and
// progress are added to metadata.
func (l *TransferEventLog) Append(tx repositories.TransferTx, kind domain.EventType, message string, metadata map[string]interface{}) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown event type %q", domain.ErrInvalidInput, kind)
	}

	t := tx.Transfer()
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadata["status"] = t.Status
	metadata["progress_percent"] = t.ProgressPercent

	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}

	return tx.AppendEvent(&models.TransferEvent{
		TransferID: t.ID,
		EventType:  kind,
		Message:    message,
		Metadata:   raw,
		CreatedAt:  l.now(),
	})
}

// History returns the events of a transfer, oldest first
func (l *TransferEventLog) History(ctx context.Context, transferID uuid.UUID) ([]*models.TransferEvent, error) {
	return l.repo.ListEvents(ctx, transferID)
}
