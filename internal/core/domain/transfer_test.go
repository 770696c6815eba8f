package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to TransferStatus
		want     bool
	}{
		{TransferPending, TransferInProgress, true},
		{TransferPending, TransferSuspended, true},
		{TransferPending, TransferFailed, true},
		{TransferPending, TransferCompleted, false},
		{TransferInProgress, TransferCompleted, true},
		{TransferInProgress, TransferPending, false},
		{TransferSuspended, TransferPending, true},
		{TransferSuspended, TransferInProgress, true},
		{TransferSuspended, TransferCompleted, false},
		{TransferCompleted, TransferFailed, false},
		{TransferCompleted, TransferSuspended, false},
		{TransferFailed, TransferPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
			err := ValidateTransition(tt.from, tt.to)
			if tt.want {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, TransferCompleted.IsTerminal())
	assert.True(t, TransferFailed.IsTerminal())
	assert.False(t, TransferSuspended.IsTerminal())
	assert.True(t, TransferPending.IsActive())
	assert.True(t, TransferInProgress.IsActive())
	assert.False(t, TransferSuspended.IsActive())
}

func TestProgressArithmetic(t *testing.T) {
	// two codes: 10 -> pause 30 -> 50 -> pause 70 -> 90
	assert.Equal(t, 40, ProgressIncrement(2))
	assert.Equal(t, 30, PausePercent(1, 2))
	assert.Equal(t, 50, ValidatedProgress(1, 2))
	assert.Equal(t, 70, PausePercent(2, 2))
	assert.Equal(t, 90, ValidatedProgress(2, 2))

	assert.Equal(t, 80, ProgressIncrement(0))
}

func TestPausePercentIsMonotonic(t *testing.T) {
	for required := MinRequiredCodes; required <= MaxRequiredCodes; required++ {
		prev := InitialProgress
		for seq := 1; seq <= required; seq++ {
			pause := PausePercent(seq, required)
			assert.GreaterOrEqual(t, pause, prev, "required=%d seq=%d", required, seq)
			assert.LessOrEqual(t, pause, ApprovalCeiling)

			granted := ValidatedProgress(seq, required)
			assert.GreaterOrEqual(t, granted, pause, "required=%d seq=%d", required, seq)
			prev = granted
		}
		assert.LessOrEqual(t, ValidatedProgress(required, required), ApprovalCeiling)
	}
}

func TestProgressTarget(t *testing.T) {
	target, settle, ok := ProgressTarget(TransferPending, 1, 2)
	assert.True(t, ok)
	assert.False(t, settle)
	assert.Equal(t, 70, target)

	target, settle, ok = ProgressTarget(TransferInProgress, 2, 2)
	assert.True(t, ok)
	assert.True(t, settle)
	assert.Equal(t, SettledProgress, target)

	for _, s := range []TransferStatus{TransferSuspended, TransferCompleted, TransferFailed} {
		_, _, ok = ProgressTarget(s, 0, 2)
		assert.False(t, ok, s)
	}
}

func TestResumeStatus(t *testing.T) {
	assert.Equal(t, TransferPending, ResumeStatus(1, 2))
	assert.Equal(t, TransferInProgress, ResumeStatus(2, 2))
}

func TestCodeRejectedError(t *testing.T) {
	err := RejectCode(ErrCodeExpired)

	assert.True(t, errors.Is(err, ErrInvalidOrExpiredCode))
	assert.True(t, errors.Is(err, ErrCodeExpired))
	assert.False(t, errors.Is(err, ErrCodeMismatch))
	assert.Equal(t, "invalid or expired code", err.Error())

	var rejected *CodeRejectedError
	assert.True(t, errors.As(err, &rejected))
	assert.Equal(t, ErrCodeExpired, rejected.Reason)
}

func TestAuthenticatedUser(t *testing.T) {
	user := AuthenticatedUser{ID: 5, Role: RoleUser}
	officer := AuthenticatedUser{ID: 6, Role: RoleOfficer}
	root := AuthenticatedUser{ID: 1, Role: RoleAdmin}

	assert.True(t, user.CanAccess(5))
	assert.False(t, user.CanAccess(6))
	assert.False(t, officer.CanAccess(5))
	assert.True(t, root.CanAccess(5))
	assert.False(t, AuthenticatedUser{}.CanAccess(0))
}

func TestEnumsValid(t *testing.T) {
	assert.True(t, EventValidationFailed.Valid())
	assert.False(t, EventType("deleted").Valid())
	assert.True(t, NotifyCodeRequired.Valid())
	assert.False(t, NotificationKind("ping").Valid())
	assert.True(t, DeliveryLINE.Valid())
	assert.False(t, DeliveryMethod("fax").Valid())
}
