package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"spsc-transferflow/internal/adapters/persistence/memory"
	"spsc-transferflow/internal/adapters/persistence/models"
	"spsc-transferflow/internal/config"
	"spsc-transferflow/internal/core/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var (
	alice = domain.AuthenticatedUser{ID: 1, Role: domain.RoleUser}
	bob   = domain.AuthenticatedUser{ID: 2, Role: domain.RoleUser}
	admin = domain.AuthenticatedUser{ID: 99, Role: domain.RoleAdmin}
)

// capturingDeliverer remembers the last code delivered per reference and sequence
type capturingDeliverer struct {
	mu    sync.Mutex
	codes map[string]string
	count int
}

func newCapturingDeliverer() *capturingDeliverer {
	return &capturingDeliverer{codes: make(map[string]string)}
}

func (d *capturingDeliverer) DeliverCode(ctx context.Context, userID uint, channel domain.DeliveryMethod, payload CodePayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.codes[fmt.Sprintf("%s#%d", payload.Reference, payload.Sequence)] = payload.Code
	d.count++
	return nil
}

func (d *capturingDeliverer) deliveries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// MockFeeRecorder is a mock implementation of FeeRecorder for testing
type MockFeeRecorder struct {
	mock.Mock
}

func (m *MockFeeRecorder) RecordFee(ctx context.Context, userID uint, feeType string, amount decimal.Decimal, reason string) error {
	args := m.Called(ctx, userID, feeType, amount, reason)
	return args.Error(0)
}

type testEnv struct {
	store     *memory.TransferStore
	svc       *TransferService
	scheduler *ProgressScheduler
	codes     *ValidationCodeService
	notifier  *TransferNotifyService
	delivered *capturingDeliverer
	cfg       config.TransferConfig
}

// newTestEnv wires the workflow on an in-memory store. By default the
// scheduler ticks too slowly to interfere; tests that exercise it pass
// a tune func.
func newTestEnv(t *testing.T, tune func(cfg *config.TransferConfig), fees FeeRecorder) *testEnv {
	t.Helper()

	cfg := config.DefaultTransferConfig()
	cfg.CodeHashCost = bcrypt.MinCost
	cfg.TickInterval = time.Hour
	cfg.SettlementDelay = time.Hour
	cfg.ReferenceBackoff = time.Millisecond
	if tune != nil {
		tune(&cfg)
	}

	store := memory.NewTransferStore()
	delivered := newCapturingDeliverer()
	notifier := NewTransferNotifyService()
	events := NewTransferEventLog(store)
	codes := NewValidationCodeService(events, delivered, fees, cfg)
	scheduler := NewProgressScheduler(store, notifier, cfg)
	allocator := NewReferenceAllocator(store, cfg.ReferenceMaxAttempts, cfg.ReferenceBackoff)
	svc := NewTransferService(store, allocator, codes, events, scheduler, notifier, cfg)

	t.Cleanup(func() {
		scheduler.Stop()
		codes.Wait()
	})

	return &testEnv{
		store:     store,
		svc:       svc,
		scheduler: scheduler,
		codes:     codes,
		notifier:  notifier,
		delivered: delivered,
		cfg:       cfg,
	}
}

func (e *testEnv) initiate(t *testing.T, user domain.AuthenticatedUser, amount int64, requiredCodes int) *models.Transfer {
	t.Helper()
	res, err := e.svc.Initiate(context.Background(), user, &InitiateInput{
		Amount:        decimal.NewFromInt(amount),
		Recipient:     fmt.Sprintf("acct-%d-%d", user.ID, amount),
		RequiredCodes: requiredCodes,
	})
	require.NoError(t, err)
	return res.Transfer
}

// code returns the secret last delivered for sequence of tr
func (e *testEnv) code(t *testing.T, tr *models.Transfer, sequence int) string {
	t.Helper()
	e.codes.Wait()
	e.delivered.mu.Lock()
	defer e.delivered.mu.Unlock()
	c, ok := e.delivered.codes[fmt.Sprintf("%s#%d", tr.ReferenceNumber, sequence)]
	require.True(t, ok, "no code delivered for %s #%d", tr.ReferenceNumber, sequence)
	return c
}

func (e *testEnv) validate(t *testing.T, user domain.AuthenticatedUser, tr *models.Transfer, sequence int) *ValidationResult {
	t.Helper()
	res, err := e.svc.ValidateCode(context.Background(), user, tr.ID, &ValidateCodeInput{
		Sequence: sequence,
		Code:     e.code(t, tr, sequence),
	})
	require.NoError(t, err)
	return res
}

func (e *testEnv) reload(t *testing.T, id uuid.UUID) *models.Transfer {
	t.Helper()
	tr, err := e.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return tr
}

func (e *testEnv) eventTypes(t *testing.T, id uuid.UUID) []domain.EventType {
	t.Helper()
	events, err := e.store.ListEvents(context.Background(), id)
	require.NoError(t, err)
	out := make([]domain.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.EventType)
	}
	return out
}

func countEvents(types []domain.EventType, kind domain.EventType) int {
	n := 0
	for _, k := range types {
		if k == kind {
			n++
		}
	}
	return n
}

// wrongCode returns a well-formed code that differs from code
func wrongCode(code string) string {
	b := []byte(code)
	if b[len(b)-1] == '9' {
		b[len(b)-1] = '0'
	} else {
		b[len(b)-1]++
	}
	return string(b)
}
