// Package registry implements the claim registry: the single serialization
// point that guarantees each video's reward settles at most once. The
// guarantee rests on a conditional UPDATE at videoId granularity, so it
// holds across orchestrator instances sharing one database.
package registry

import (
	"context"
	"errors"
	"math/big"
	"time"

	"gorm.io/gorm"

	"reelchain/models"
)

var errNilAmount = errors.New("registry: amount is required")

// Registry persists per-video claim state.
type Registry struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// New constructs a registry over the supplied database handle.
func New(db *gorm.DB) *Registry {
	return &Registry{db: db, nowFn: time.Now}
}

// SetNowFunc overrides the time source. It is intended for tests.
func (r *Registry) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	r.nowFn = now
}

// Get returns the claim record for the video, creating the implicit
// unsettled record on first reference.
func (r *Registry) Get(ctx context.Context, videoID string) (*models.ClaimRecord, error) {
	record := models.ClaimRecord{VideoID: videoID}
	err := r.db.WithContext(ctx).
		Where(models.ClaimRecord{VideoID: videoID}).
		FirstOrCreate(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// IsSettled reports whether the video's reward has already been settled.
// Videos never referenced before read as unsettled.
func (r *Registry) IsSettled(ctx context.Context, videoID string) (bool, error) {
	var record models.ClaimRecord
	err := r.db.WithContext(ctx).First(&record, "video_id = ?", videoID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return record.Settled, nil
}

// TryMarkSettled transitions the record from settled=false to settled=true,
// recording the amount and settlement reference. It returns true only when
// this call performed the transition; a false return means another attempt
// already settled the video and nothing was mutated. The conditional update
// is what makes concurrent claims on the same video safe.
func (r *Registry) TryMarkSettled(ctx context.Context, videoID string, amount *big.Int, settlementRef string) (bool, error) {
	if amount == nil {
		return false, errNilAmount
	}
	now := r.nowFn()
	won := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := models.ClaimRecord{VideoID: videoID}
		if err := tx.Where(models.ClaimRecord{VideoID: videoID}).FirstOrCreate(&record).Error; err != nil {
			return err
		}
		res := tx.Model(&models.ClaimRecord{}).
			Where("video_id = ? AND settled = ?", videoID, false).
			Updates(map[string]interface{}{
				"settled":        true,
				"amount":         amount.String(),
				"settlement_ref": settlementRef,
				"settled_at":     now,
				"updated_at":     now,
			})
		if res.Error != nil {
			return res.Error
		}
		won = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return won, nil
}
