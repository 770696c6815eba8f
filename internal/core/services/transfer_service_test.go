package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"spsc-transferflow/internal/config"
	"spsc-transferflow/internal/core/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestInitiate_CreatesPendingTransferWithFirstCode(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	res, err := env.svc.Initiate(ctx, alice, &InitiateInput{
		Amount:    decimal.RequireFromString("1500.50"),
		Recipient: "  KBANK 123-4-56789  ",
	})
	require.NoError(t, err)

	tr := res.Transfer
	assert.True(t, strings.HasPrefix(tr.ReferenceNumber, ReferencePrefix(time.Now())))
	assert.Equal(t, ReferencePrefix(time.Now())+"0001", tr.ReferenceNumber)
	assert.Equal(t, domain.TransferPending, tr.Status)
	assert.Equal(t, domain.InitialProgress, tr.ProgressPercent)
	assert.Equal(t, 2, tr.RequiredCodes)
	assert.Equal(t, 0, tr.CodesValidated)
	assert.Equal(t, "KBANK 123-4-56789", tr.RecipientDescriptor)
	assert.Equal(t, domain.DeliveryEmail, tr.DeliveryMethod)

	require.NotNil(t, res.FirstCode)
	assert.Equal(t, 1, res.FirstCode.Sequence)
	assert.Equal(t, 30, res.FirstCode.PausePercent)
	assert.NotEmpty(t, env.code(t, tr, 1))

	assert.Equal(t, []domain.EventType{domain.EventInitiated, domain.EventCodeSent}, env.eventTypes(t, tr.ID))
	assert.True(t, env.scheduler.IsActive(tr.ID))
}

func TestInitiate_RejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		input *InitiateInput
		want  error
	}{
		{"zero amount", &InitiateInput{Amount: decimal.Zero, Recipient: "x"}, domain.ErrInvalidAmount},
		{"negative amount", &InitiateInput{Amount: decimal.NewFromInt(-5), Recipient: "x"}, domain.ErrInvalidAmount},
		{"rounds to zero", &InitiateInput{Amount: decimal.RequireFromString("0.001"), Recipient: "x"}, domain.ErrInvalidAmount},
		{"blank recipient", &InitiateInput{Amount: decimal.NewFromInt(5), Recipient: "   "}, domain.ErrMissingRecipient},
		{"too many codes", &InitiateInput{Amount: decimal.NewFromInt(5), Recipient: "x", RequiredCodes: 11}, domain.ErrInvalidRequiredCodes},
		{"unknown channel", &InitiateInput{Amount: decimal.NewFromInt(5), Recipient: "x", DeliveryMethod: "fax"}, domain.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Initiate(ctx, alice, tt.input)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, total, err := env.store.ListByUser(ctx, alice.ID, 0, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Zero(t, env.delivered.deliveries())
}

func TestInitiate_RejectsDuplicateInFlight(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	input := func() *InitiateInput {
		return &InitiateInput{Amount: decimal.NewFromInt(100), Recipient: "acct-9"}
	}

	_, err := env.svc.Initiate(ctx, alice, input())
	require.NoError(t, err)

	_, err = env.svc.Initiate(ctx, alice, input())
	assert.ErrorIs(t, err, domain.ErrDuplicateInFlightTransfer)

	// another user is not a duplicate
	_, err = env.svc.Initiate(ctx, bob, input())
	assert.NoError(t, err)

	// policy can be disabled
	env.svc.SetDuplicatePolicy(nil)
	_, err = env.svc.Initiate(ctx, alice, input())
	assert.NoError(t, err)
}

func TestInitiate_ConcurrentReferencesAreUnique(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	const n = 20

	var wg sync.WaitGroup
	refs := make(chan string, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := domain.AuthenticatedUser{ID: uint(100 + i), Role: domain.RoleUser}
			res, err := env.svc.Initiate(context.Background(), user, &InitiateInput{
				Amount:    decimal.NewFromInt(10),
				Recipient: "shared",
			})
			if err != nil {
				errs <- err
				return
			}
			refs <- res.Transfer.ReferenceNumber
		}(i)
	}
	wg.Wait()
	close(refs)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	prefix := ReferencePrefix(time.Now())
	seen := make(map[string]bool)
	for ref := range refs {
		assert.False(t, seen[ref], "duplicate reference %s", ref)
		seen[ref] = true
	}
	require.Len(t, seen, n)
	for i := 1; i <= n; i++ {
		assert.True(t, seen[fmt.Sprintf("%s%04d", prefix, i)], "missing sequence %d", i)
	}
}

func TestValidateCode_AllCodesApproveTransfer(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	tr := env.initiate(t, alice, 500, 2)

	res := env.validate(t, alice, tr, 1)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.CodesValidated)
	assert.Equal(t, 50, res.ProgressPercent)
	assert.Equal(t, domain.TransferPending, res.Status)
	assert.False(t, res.IsComplete)
	assert.Equal(t, 2, res.NextSequence)

	res = env.validate(t, alice, tr, 2)
	assert.Equal(t, 2, res.CodesValidated)
	assert.Equal(t, domain.ApprovalCeiling, res.ProgressPercent)
	assert.Equal(t, domain.TransferInProgress, res.Status)
	assert.True(t, res.IsComplete)
	assert.Zero(t, res.NextSequence)

	stored := env.reload(t, tr.ID)
	assert.Equal(t, domain.TransferInProgress, stored.Status)
	assert.NotNil(t, stored.ApprovedAt)

	assert.Equal(t, []domain.EventType{
		domain.EventInitiated,
		domain.EventCodeSent,
		domain.EventCodeValidated,
		domain.EventCodeSent,
		domain.EventCodeValidated,
		domain.EventProcessing,
	}, env.eventTypes(t, tr.ID))
}

func TestValidateCode_ConcurrentSubmissionsConsumeOnce(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	tr := env.initiate(t, alice, 700, 3)
	code := env.code(t, tr, 1)

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		rejected  int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.ValidateCode(context.Background(), alice, tr.ID, &ValidateCodeInput{Sequence: 1, Code: code})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if assert.ErrorIs(t, err, domain.ErrInvalidOrExpiredCode) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, rejected)

	stored := env.reload(t, tr.ID)
	assert.Equal(t, 1, stored.CodesValidated)

	types := env.eventTypes(t, tr.ID)
	assert.Equal(t, 1, countEvents(types, domain.EventCodeValidated))
	assert.Equal(t, n-1, countEvents(types, domain.EventValidationFailed))
}

func TestValidateCode_WrongCodeIsRecordedAndRejected(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	tr := env.initiate(t, alice, 800, 2)

	_, err := env.svc.ValidateCode(context.Background(), alice, tr.ID, &ValidateCodeInput{
		Sequence: 1,
		Code:     wrongCode(env.code(t, tr, 1)),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidOrExpiredCode)
	assert.ErrorIs(t, err, domain.ErrCodeMismatch)
	assert.Equal(t, domain.ErrInvalidOrExpiredCode.Error(), err.Error())

	stored := env.reload(t, tr.ID)
	assert.Equal(t, 0, stored.CodesValidated)
	assert.Equal(t, domain.InitialProgress, stored.ProgressPercent)
	assert.Equal(t, 1, countEvents(env.eventTypes(t, tr.ID), domain.EventValidationFailed))

	// the right code still works afterwards
	res := env.validate(t, alice, tr, 1)
	assert.Equal(t, 1, res.CodesValidated)
}

func TestValidateCode_RejectionReasons(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()
	tr := env.initiate(t, alice, 900, 3)

	t.Run("sequence ahead", func(t *testing.T) {
		_, err := env.svc.ValidateCode(ctx, alice, tr.ID, &ValidateCodeInput{Sequence: 2, Code: env.code(t, tr, 1)})
		assert.ErrorIs(t, err, domain.ErrSequenceMismatch)
	})

	t.Run("sequence already consumed", func(t *testing.T) {
		env.validate(t, alice, tr, 1)
		_, err := env.svc.ValidateCode(ctx, alice, tr.ID, &ValidateCodeInput{Sequence: 1, Code: env.code(t, tr, 1)})
		assert.ErrorIs(t, err, domain.ErrCodeAlreadyConsumed)
	})

	t.Run("expired", func(t *testing.T) {
		code := env.code(t, tr, 2)
		env.codes.now = func() time.Time { return time.Now().Add(env.cfg.CodeTTL + time.Minute) }
		defer func() { env.codes.now = time.Now }()

		_, err := env.svc.ValidateCode(ctx, alice, tr.ID, &ValidateCodeInput{Sequence: 2, Code: code})
		assert.ErrorIs(t, err, domain.ErrCodeExpired)
	})

	t.Run("blank code is an input error", func(t *testing.T) {
		before := len(env.eventTypes(t, tr.ID))
		_, err := env.svc.ValidateCode(ctx, alice, tr.ID, &ValidateCodeInput{Sequence: 2, Code: " "})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
		assert.Len(t, env.eventTypes(t, tr.ID), before)
	})

	stored := env.reload(t, tr.ID)
	assert.Equal(t, 1, stored.CodesValidated)
}

func TestValidateCode_Authorization(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	tr := env.initiate(t, alice, 1000, 2)

	_, err := env.svc.ValidateCode(context.Background(), bob, tr.ID, &ValidateCodeInput{Sequence: 1, Code: env.code(t, tr, 1)})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.Equal(t, 0, env.reload(t, tr.ID).CodesValidated)

	// administrators may act on any transfer
	res := env.validate(t, admin, tr, 1)
	assert.Equal(t, 1, res.CodesValidated)
}

func TestValidateCode_SuspendedTransferIsRejectedWithoutEvent(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()
	tr := env.initiate(t, alice, 1100, 2)

	_, err := env.svc.Suspend(ctx, admin, tr.ID, "fraud review")
	require.NoError(t, err)
	before := env.eventTypes(t, tr.ID)

	_, err = env.svc.ValidateCode(ctx, alice, tr.ID, &ValidateCodeInput{Sequence: 1, Code: env.code(t, tr, 1)})
	assert.ErrorIs(t, err, domain.ErrTransferSuspended)
	assert.Equal(t, before, env.eventTypes(t, tr.ID))
}

func TestValidateCode_TerminalTransferIsNoop(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()
	tr := env.initiate(t, alice, 1200, 1)
	code := env.code(t, tr, 1)

	_, err := env.svc.Fail(ctx, admin, tr.ID, "cancelled by bank")
	require.NoError(t, err)
	before := env.eventTypes(t, tr.ID)

	res, err := env.svc.ValidateCode(ctx, alice, tr.ID, &ValidateCodeInput{Sequence: 1, Code: code})
	require.NoError(t, err)
	assert.True(t, res.AlreadyTerminal)
	assert.False(t, res.Success)
	assert.Equal(t, domain.TransferFailed, res.Status)
	assert.Equal(t, before, env.eventTypes(t, tr.ID))
}

func TestComplete_IsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()
	tr := env.initiate(t, alice, 1300, 1)
	env.validate(t, alice, tr, 1)

	first, err := env.svc.Complete(ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, first.Changed)
	assert.Equal(t, domain.TransferCompleted, first.Transfer.Status)
	assert.Equal(t, domain.SettledProgress, first.Transfer.ProgressPercent)
	assert.NotNil(t, first.Transfer.CompletedAt)

	second, err := env.svc.Complete(ctx, tr.ID)
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.True(t, second.AlreadyTerminal)

	assert.Equal(t, 1, countEvents(env.eventTypes(t, tr.ID), domain.EventCompleted))
}

func TestComplete_RequiresApproval(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	tr := env.initiate(t, alice, 1400, 2)

	_, err := env.svc.Complete(context.Background(), tr.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.TransferPending, env.reload(t, tr.ID).Status)
}

func TestSuspendResume(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	t.Run("pending round trip", func(t *testing.T) {
		tr := env.initiate(t, alice, 1500, 2)
		require.True(t, env.scheduler.IsActive(tr.ID))

		res, err := env.svc.Suspend(ctx, admin, tr.ID, "call customer")
		require.NoError(t, err)
		assert.True(t, res.Changed)
		assert.Equal(t, domain.TransferSuspended, res.Transfer.Status)
		assert.Equal(t, "call customer", res.Transfer.StatusReason)
		assert.False(t, env.scheduler.IsActive(tr.ID))

		again, err := env.svc.Suspend(ctx, admin, tr.ID, "again")
		require.NoError(t, err)
		assert.False(t, again.Changed)

		res, err = env.svc.Resume(ctx, admin, tr.ID)
		require.NoError(t, err)
		assert.True(t, res.Changed)
		assert.Equal(t, domain.TransferPending, res.Transfer.Status)
		assert.True(t, env.scheduler.IsActive(tr.ID))

		noop, err := env.svc.Resume(ctx, admin, tr.ID)
		require.NoError(t, err)
		assert.False(t, noop.Changed)
	})

	t.Run("approved transfer resumes in progress", func(t *testing.T) {
		tr := env.initiate(t, alice, 1600, 1)
		env.validate(t, alice, tr, 1)

		_, err := env.svc.Suspend(ctx, admin, tr.ID, "")
		require.NoError(t, err)

		res, err := env.svc.Resume(ctx, admin, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TransferInProgress, res.Transfer.Status)
		assert.True(t, env.scheduler.IsActive(tr.ID))
	})

	t.Run("only administrators", func(t *testing.T) {
		tr := env.initiate(t, alice, 1700, 2)
		_, err := env.svc.Suspend(ctx, alice, tr.ID, "")
		assert.ErrorIs(t, err, domain.ErrForbidden)
		_, err = env.svc.Resume(ctx, alice, tr.ID)
		assert.ErrorIs(t, err, domain.ErrForbidden)
		_, err = env.svc.Fail(ctx, alice, tr.ID, "")
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})
}

func TestTerminalTransfersAreImmutable(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()
	tr := env.initiate(t, alice, 1800, 1)
	env.validate(t, alice, tr, 1)
	_, err := env.svc.Complete(ctx, tr.ID)
	require.NoError(t, err)

	before := env.reload(t, tr.ID)
	events := env.eventTypes(t, tr.ID)

	res, err := env.svc.Suspend(ctx, admin, tr.ID, "too late")
	require.NoError(t, err)
	assert.True(t, res.AlreadyTerminal)

	res, err = env.svc.Fail(ctx, admin, tr.ID, "too late")
	require.NoError(t, err)
	assert.True(t, res.AlreadyTerminal)

	res, err = env.svc.Resume(ctx, admin, tr.ID)
	require.NoError(t, err)
	assert.True(t, res.AlreadyTerminal)

	_, err = env.svc.ResendCode(ctx, alice, tr.ID)
	assert.ErrorIs(t, err, domain.ErrTransferTerminal)

	after := env.reload(t, tr.ID)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.ProgressPercent, after.ProgressPercent)
	assert.Equal(t, before.CodesValidated, after.CodesValidated)
	assert.Equal(t, events, env.eventTypes(t, tr.ID))
}

func TestResendCode(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()
	tr := env.initiate(t, alice, 1900, 2)
	original := env.code(t, tr, 1)

	_, err := env.svc.ResendCode(ctx, alice, tr.ID)
	assert.ErrorIs(t, err, domain.ErrCodeStillActive)

	// once the first code has expired a replacement may be issued
	env.codes.now = func() time.Time { return time.Now().Add(env.cfg.CodeTTL + time.Minute) }
	defer func() { env.codes.now = time.Now }()

	code, err := env.svc.ResendCode(ctx, alice, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, code.Sequence)

	replacement := env.code(t, tr, 1)
	if replacement != original {
		_, err = env.svc.ValidateCode(ctx, alice, tr.ID, &ValidateCodeInput{Sequence: 1, Code: original})
		assert.ErrorIs(t, err, domain.ErrCodeMismatch)
	}

	res, err := env.svc.ValidateCode(ctx, alice, tr.ID, &ValidateCodeInput{Sequence: 1, Code: replacement})
	require.NoError(t, err)
	assert.Equal(t, 1, res.CodesValidated)

	codes, err := env.store.ListCodes(ctx, tr.ID)
	require.NoError(t, err)
	assert.Len(t, codes, 3) // two for sequence 1, one for sequence 2
}

func TestResendCode_NothingPending(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()
	tr := env.initiate(t, alice, 2000, 1)
	env.validate(t, alice, tr, 1)

	_, err := env.svc.ResendCode(ctx, alice, tr.ID)
	assert.ErrorIs(t, err, domain.ErrNoCodePending)
}

func TestCodeFeeIsRecordedOnIssue(t *testing.T) {
	fees := new(MockFeeRecorder)
	fees.On("RecordFee", mock.Anything, alice.ID, codeFeeType, mock.MatchedBy(func(d decimal.Decimal) bool {
		return d.Equal(decimal.RequireFromString("2.50"))
	}), mock.AnythingOfType("string")).Return(nil)

	env := newTestEnv(t, func(cfg *config.TransferConfig) {
		cfg.CodeFee = decimal.RequireFromString("2.50")
	}, fees)

	tr := env.initiate(t, alice, 2100, 2)
	env.validate(t, alice, tr, 1)
	env.codes.Wait()

	fees.AssertNumberOfCalls(t, "RecordFee", 2)
	fees.AssertExpectations(t)
}

func TestGetTransferStateAndList(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()
	tr := env.initiate(t, alice, 2200, 2)
	env.initiate(t, alice, 2300, 2)

	state, err := env.svc.GetTransferState(ctx, alice, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.ReferenceNumber, state.Transfer.ReferenceNumber)
	assert.Len(t, state.Events, 2)
	require.Len(t, state.Codes, 1)
	assert.Nil(t, state.Codes[0].ConsumedAt)

	byRef, err := env.svc.GetTransferStateByReference(ctx, alice, strings.ToLower(tr.ReferenceNumber))
	require.NoError(t, err)
	assert.Equal(t, tr.ID, byRef.Transfer.ID)

	_, err = env.svc.GetTransferState(ctx, bob, tr.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = env.svc.GetTransferState(ctx, alice, uuid.New())
	assert.ErrorIs(t, err, domain.ErrTransferNotFound)

	list, total, err := env.svc.ListTransfers(ctx, alice, 0, 0, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, list, 2)

	_, _, err = env.svc.ListTransfers(ctx, bob, alice.ID, 0, 10)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, total, err = env.svc.ListTransfers(ctx, admin, alice.ID, 0, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
}
