package claim

import (
	"errors"

	"reelchain/ledger"
)

var (
	ErrNotFound       = errors.New("claim: video not found")
	ErrUnauthorized   = errors.New("claim: requester is not the video creator")
	ErrAlreadyClaimed = errors.New("claim: reward already claimed")
	ErrNoReward       = errors.New("claim: no engagement to reward")

	// ErrReconciliationRequired marks the one state the engine cannot
	// resolve on its own: the settlement confirmed on the ledger but the
	// claim record write failed. It is never retried with a fresh
	// settlement; the reconciler completes the record instead.
	ErrReconciliationRequired = errors.New("claim: settlement confirmed but claim record write failed")
)

// Kind is the wire-level classification of a claim failure.
type Kind string

const (
	KindNone                   Kind = ""
	KindNotFound               Kind = "NotFound"
	KindUnauthorized           Kind = "Unauthorized"
	KindAlreadyClaimed         Kind = "AlreadyClaimed"
	KindNoReward               Kind = "NoReward"
	KindInsufficientFunds      Kind = "InsufficientFunds"
	KindRejected               Kind = "Rejected"
	KindUnreachable            Kind = "Unreachable"
	KindReconciliationRequired Kind = "ReconciliationRequired"
	KindUnknown                Kind = "Unknown"
)

// KindOf maps an engine error onto the failure taxonomy.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrAlreadyClaimed):
		return KindAlreadyClaimed
	case errors.Is(err, ErrNoReward):
		return KindNoReward
	case errors.Is(err, ErrReconciliationRequired):
		return KindReconciliationRequired
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ledger.ErrRejected):
		return KindRejected
	case errors.Is(err, ledger.ErrUnreachable):
		return KindUnreachable
	default:
		return KindUnknown
	}
}

// Retryable reports whether the caller may safely retry the claim. Only
// transport failures qualify; the idempotency key keeps a retried
// submission from settling twice.
func Retryable(err error) bool {
	return KindOf(err) == KindUnreachable
}
