// Package ledger defines the settlement ledger contract the claim engine
// settles against, plus the EVM adapter that talks to the reward pool
// contract. From the engine's perspective every Submit is at-most-once per
// call; dedup across retries rides on the idempotency key baked into the
// on-chain claim id.
package ledger

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Classified submission failures. Anything not wrapped in one of these is
// reported as an unknown failure.
var (
	// ErrInsufficientFunds means the submitting account cannot cover gas
	// or the pool cannot cover the payout. Terminal for this attempt,
	// possibly transient across attempts.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrRejected means the ledger itself refused the settlement, e.g.
	// the claim id was already paid out by a racing submission.
	ErrRejected = errors.New("ledger: submission rejected")

	// ErrUnreachable means the transport to the ledger failed. The only
	// class safe to retry, and only because the claim id dedupes.
	ErrUnreachable = errors.New("ledger: unreachable")

	// ErrAmountOutOfRange means the amount does not fit the on-chain
	// integer width.
	ErrAmountOutOfRange = errors.New("ledger: amount out of range")
)

// Status describes the observed state of a submitted settlement.
type Status uint8

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Ledger is the settlement backend. Submit returns a settlement reference;
// the reference may be returned alongside an error when the submission was
// constructed but its delivery outcome is unknown, so callers can resolve
// the true outcome through Status.
type Ledger interface {
	Submit(ctx context.Context, to common.Address, amount *big.Int, idempotencyKey string) (string, error)
	Status(ctx context.Context, ref string) (Status, error)
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
}
