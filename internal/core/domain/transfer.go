package domain

import "fmt"

// TransferStatus is the state of a transfer in the approval workflow
type TransferStatus string

const (
	TransferPending    TransferStatus = "pending"
	TransferInProgress TransferStatus = "in-progress"
	TransferCompleted  TransferStatus = "completed"
	TransferFailed     TransferStatus = "failed"
	TransferSuspended  TransferStatus = "suspended"
)

// IsTerminal reports whether no further transition is possible
func (s TransferStatus) IsTerminal() bool {
	return s == TransferCompleted || s == TransferFailed
}

// IsActive reports whether the transfer may still make progress
func (s TransferStatus) IsActive() bool {
	return s == TransferPending || s == TransferInProgress
}

// transitions lists the legal target states for each state.
// Terminal states have no outgoing transitions.
var transitions = map[TransferStatus]map[TransferStatus]bool{
	TransferPending: {
		TransferInProgress: true,
		TransferSuspended:  true,
		TransferFailed:     true,
	},
	TransferInProgress: {
		TransferCompleted: true,
		TransferSuspended: true,
		TransferFailed:    true,
	},
	TransferSuspended: {
		TransferPending:    true,
		TransferInProgress: true,
		TransferFailed:     true,
	},
	TransferCompleted: {},
	TransferFailed:    {},
}

// CanTransition reports whether from -> to is a legal move
func CanTransition(from, to TransferStatus) bool {
	return transitions[from][to]
}

// ValidateTransition returns ErrInvalidTransition with context when from -> to is illegal
func ValidateTransition(from, to TransferStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ============================================================
// Progress arithmetic
// ============================================================

const (
	// InitialProgress is the progress of a freshly initiated transfer
	InitialProgress = 10
	// ApprovalCeiling caps progress until settlement starts
	ApprovalCeiling = 90
	// SettledProgress is the progress of a completed transfer
	SettledProgress = 100

	validationSpan = 80

	MinRequiredCodes = 1
	MaxRequiredCodes = 10
)

// ProgressIncrement is the progress earned by each validated code
func ProgressIncrement(requiredCodes int) int {
	if requiredCodes < MinRequiredCodes {
		requiredCodes = MinRequiredCodes
	}
	return validationSpan / requiredCodes
}

// ValidatedProgress is the progress after validated codes have been consumed
func ValidatedProgress(validated, requiredCodes int) int {
	p := InitialProgress + validated*ProgressIncrement(requiredCodes)
	if p > ApprovalCeiling {
		p = ApprovalCeiling
	}
	return p
}

// PausePercent is the threshold at which automatic advancement halts until
// code `sequence` is validated. It always lies between the progress reached
// after sequence-1 codes and the progress granted by validating sequence.
func PausePercent(sequence, requiredCodes int) int {
	inc := ProgressIncrement(requiredCodes)
	p := InitialProgress + (sequence-1)*inc + inc/2
	if p > ApprovalCeiling {
		p = ApprovalCeiling
	}
	return p
}

// ProgressTarget returns where the scheduler should drive a transfer in the
// given state, and whether reaching it hands off to settlement.
// ok is false when the transfer must not progress at all.
func ProgressTarget(status TransferStatus, validated, requiredCodes int) (target int, settle bool, ok bool) {
	switch status {
	case TransferPending:
		return PausePercent(validated+1, requiredCodes), false, true
	case TransferInProgress:
		return SettledProgress, true, true
	default:
		return 0, false, false
	}
}

// ResumeStatus is the state a suspended transfer returns to
func ResumeStatus(validated, requiredCodes int) TransferStatus {
	if validated >= requiredCodes {
		return TransferInProgress
	}
	return TransferPending
}

// ============================================================
// Event and notification variants
// ============================================================

// EventType is the closed set of audit facts recorded for a transfer
type EventType string

const (
	EventInitiated        EventType = "initiated"
	EventCodeSent         EventType = "code_sent"
	EventCodeValidated    EventType = "code_validated"
	EventValidationFailed EventType = "validation_failed"
	EventProcessing       EventType = "processing"
	EventCompleted        EventType = "completed"
	EventSuspended        EventType = "suspended"
	EventResumed          EventType = "resumed"
	EventFailed           EventType = "failed"
)

// Valid reports whether t is a known event type
func (t EventType) Valid() bool {
	switch t {
	case EventInitiated, EventCodeSent, EventCodeValidated, EventValidationFailed,
		EventProcessing, EventCompleted, EventSuspended, EventResumed, EventFailed:
		return true
	}
	return false
}

// NotificationKind is the closed set of push messages sent to observers
type NotificationKind string

const (
	NotifyProgressUpdated NotificationKind = "progress_updated"
	NotifyCodeRequired    NotificationKind = "code_required"
	NotifyCodeValidated   NotificationKind = "code_validated"
	NotifyStatusChanged   NotificationKind = "status_changed"
	NotifyCompleted       NotificationKind = "completed"
)

// Valid reports whether k is a known notification kind
func (k NotificationKind) Valid() bool {
	switch k {
	case NotifyProgressUpdated, NotifyCodeRequired, NotifyCodeValidated,
		NotifyStatusChanged, NotifyCompleted:
		return true
	}
	return false
}
