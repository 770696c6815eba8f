package services

import (
	"context"
	"testing"
	"time"

	"spsc-transferflow/internal/adapters/persistence/memory"
	"spsc-transferflow/internal/adapters/persistence/models"
	"spsc-transferflow/internal/adapters/persistence/repositories"
	"spsc-transferflow/internal/config"
	"spsc-transferflow/internal/core/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedCodes(t *testing.T, store *memory.TransferStore, codes ...*models.TransferValidationCode) uuid.UUID {
	t.Helper()
	tr := &models.Transfer{
		ID:                  uuid.New(),
		UserID:              1,
		Amount:              decimal.NewFromInt(1),
		RecipientDescriptor: "acct",
		Status:              domain.TransferPending,
		RequiredCodes:       len(codes),
		DeliveryMethod:      domain.DeliveryEmail,
	}
	err := store.CreateWithReference(context.Background(), "TRF-SWEEP-", func(string) (string, error) {
		return "TRF-SWEEP-0001", nil
	}, tr, func(tx repositories.TransferTx) error {
		for _, c := range codes {
			c.ID = uuid.New()
			c.TransferID = tr.ID
			if err := tx.CreateCode(c); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return tr.ID
}

func TestSweepExpiredCodes(t *testing.T) {
	store := memory.NewTransferStore()
	now := time.Now()
	consumedAt := now.AddDate(0, 0, -200)

	id := seedCodes(t, store,
		&models.TransferValidationCode{Sequence: 1, ExpiresAt: now.AddDate(0, 0, -120)},
		&models.TransferValidationCode{Sequence: 1, ExpiresAt: now.AddDate(0, 0, -200), ConsumedAt: &consumedAt},
		&models.TransferValidationCode{Sequence: 2, ExpiresAt: now.AddDate(0, 0, -10)},
	)

	svc := NewCronService(store, nil, config.CronConfig{CodeRetentionDays: 90})
	purged, err := svc.SweepExpiredCodes(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	codes, err := store.ListCodes(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, codes, 2)
}

func TestSweepExpiredCodes_DisabledWithZeroRetention(t *testing.T) {
	store := memory.NewTransferStore()
	seedCodes(t, store, &models.TransferValidationCode{Sequence: 1, ExpiresAt: time.Now().AddDate(-1, 0, 0)})

	svc := NewCronService(store, nil, config.CronConfig{CodeRetentionDays: 0})
	purged, err := svc.SweepExpiredCodes(context.Background())
	require.NoError(t, err)
	assert.Zero(t, purged)
}

func TestCronService_StartRejectsBadSpec(t *testing.T) {
	store := memory.NewTransferStore()
	svc := NewCronService(store, nil, config.CronConfig{
		SweepSpec:         "not a spec",
		ReconcileSpec:     "@every 1m",
		CodeRetentionDays: 30,
	})
	assert.Error(t, svc.Start())
}

func TestCronService_StartStop(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	svc := NewCronService(env.store, env.scheduler, config.CronConfig{
		SweepSpec:         "@daily",
		ReconcileSpec:     "@every 1h",
		CodeRetentionDays: 90,
	})
	require.NoError(t, svc.Start())
	svc.Stop()
}
