package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Settlement attempt lifecycle states.
const (
	AttemptSubmitted     = "SUBMITTED"
	AttemptConfirmed     = "CONFIRMED"
	AttemptFailed        = "FAILED"
	AttemptReconRequired = "RECON_REQUIRED"
)

// Video stores registered video metadata and the mutable engagement
// counters. The claim engine reads these columns as a snapshot and never
// writes them; ingestion happens through the engagement store.
type Video struct {
	ID             string `gorm:"primaryKey;size:64"`
	Title          string `gorm:"size:255"`
	CreatorAddress string `gorm:"size:42;index"`
	Likes          uint64 `gorm:"not null;default:0"`
	Shares         uint64 `gorm:"not null;default:0"`
	Comments       uint64 `gorm:"not null;default:0"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ClaimRecord is the authoritative per-video claim state. The transition
// from settled=false to settled=true happens at most once, via a conditional
// update, and is never reverted. Amount is the reward in smallest settlement
// units, stored as a decimal string so no float ever touches it.
type ClaimRecord struct {
	VideoID       string  `gorm:"primaryKey;size:64"`
	Settled       bool    `gorm:"not null;default:false;index"`
	Amount        string  `gorm:"size:80"`
	SettlementRef *string `gorm:"size:80"`
	SettledAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SettlementAttempt is the audit trail of ledger submissions. One row per
// idempotency key; retries after transport failures reuse the row. The
// reconciler drives rows out of SUBMITTED and RECON_REQUIRED.
type SettlementAttempt struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	VideoID        string    `gorm:"size:64;index"`
	Recipient      string    `gorm:"size:42"`
	Amount         string    `gorm:"size:80"`
	IdempotencyKey string    `gorm:"size:128;uniqueIndex"`
	Status         string    `gorm:"size:32;index"`
	TxHash         string    `gorm:"size:80"`
	LastError      string    `gorm:"size:512"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IdempotencyKey stores request idempotency metadata for the HTTP surface.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Video{},
		&ClaimRecord{},
		&SettlementAttempt{},
		&IdempotencyKey{},
	)
}
