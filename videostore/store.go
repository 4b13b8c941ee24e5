// Package videostore is the gorm-backed engagement store. The claim engine
// only ever calls Snapshot; registration and counter ingestion exist for the
// surfaces that feed the store and never run inside a claim.
package videostore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	"reelchain/core/engagement"
	"reelchain/models"
)

var (
	ErrVideoExists    = errors.New("videostore: video already exists")
	ErrInvalidVideoID = errors.New("videostore: video id required")
	ErrInvalidCreator = errors.New("videostore: creator address required")
)

// Store reads and maintains video rows.
type Store struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// New constructs a store over the supplied database handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db, nowFn: time.Now}
}

// SetNowFunc overrides the time source. It is intended for tests.
func (s *Store) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.nowFn = now
}

// Snapshot implements engagement.Store. The returned snapshot is a copy;
// later counter updates never alter it.
func (s *Store) Snapshot(ctx context.Context, videoID string) (*engagement.Snapshot, error) {
	var video models.Video
	err := s.db.WithContext(ctx).First(&video, "id = ?", videoID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, engagement.ErrVideoNotFound
	}
	if err != nil {
		return nil, err
	}
	return &engagement.Snapshot{
		VideoID:  video.ID,
		Creator:  common.HexToAddress(video.CreatorAddress),
		Likes:    video.Likes,
		Shares:   video.Shares,
		Comments: video.Comments,
		ReadAt:   s.nowFn(),
	}, nil
}

// Register records a new video with zeroed counters.
func (s *Store) Register(ctx context.Context, id, title string, creator common.Address) (*models.Video, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrInvalidVideoID
	}
	if creator == (common.Address{}) {
		return nil, ErrInvalidCreator
	}
	now := s.nowFn()
	video := models.Video{
		ID:             id,
		Title:          strings.TrimSpace(title),
		CreatorAddress: creator.Hex(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Video
		if err := tx.First(&existing, "id = ?", id).Error; err == nil {
			return ErrVideoExists
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(&video).Error
	})
	if err != nil {
		return nil, err
	}
	return &video, nil
}

// Video returns the stored row for the supplied id.
func (s *Store) Video(ctx context.Context, videoID string) (*models.Video, error) {
	var video models.Video
	err := s.db.WithContext(ctx).First(&video, "id = ?", videoID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, engagement.ErrVideoNotFound
	}
	if err != nil {
		return nil, err
	}
	return &video, nil
}

// SetCounters replaces the engagement counters with the supplied absolute
// values. This is the landing point for the external fan-out pipeline.
func (s *Store) SetCounters(ctx context.Context, videoID string, likes, shares, comments uint64) error {
	res := s.db.WithContext(ctx).Model(&models.Video{}).
		Where("id = ?", videoID).
		Updates(map[string]interface{}{
			"likes":      likes,
			"shares":     shares,
			"comments":   comments,
			"updated_at": s.nowFn(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return engagement.ErrVideoNotFound
	}
	return nil
}
