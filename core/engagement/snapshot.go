// Package engagement defines the read-only view of the engagement store the
// claim engine consumes. Counter increments and their fan-out to viewers
// happen elsewhere; claim evaluation only ever sees an immutable snapshot.
package engagement

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrVideoNotFound is returned when no video exists for the requested id.
var ErrVideoNotFound = errors.New("engagement: video not found")

// Snapshot captures the engagement counters of a video at the instant of
// claim evaluation, together with the creator identity the claim must be
// authorised against. It is immutable once read.
type Snapshot struct {
	VideoID  string
	Creator  common.Address
	Likes    uint64
	Shares   uint64
	Comments uint64
	ReadAt   time.Time
}

// Zero reports whether the snapshot carries no engagement at all.
func (s *Snapshot) Zero() bool {
	if s == nil {
		return true
	}
	return s.Likes == 0 && s.Shares == 0 && s.Comments == 0
}

// Store resolves engagement snapshots. Implementations must treat the
// underlying counters as read-only from the claim engine's perspective.
type Store interface {
	Snapshot(ctx context.Context, videoID string) (*Snapshot, error)
}
