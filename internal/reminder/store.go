package reminder

import (
	"context"
	"errors"
	"time"

	"movietracker/internal/model"

	"gorm.io/gorm"
)

// GormStore 基于 GORM 的 Store 实现。
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// FindUnsent 返回 (movieID, userID) 的未发送提醒；不存在时返回 nil, nil。
func (s *GormStore) FindUnsent(ctx context.Context, movieID, userID uint) (*model.EmailSchedule, error) {
	var es model.EmailSchedule
	err := s.db.WithContext(ctx).
		Where("movie_id = ? AND user_id = ? AND sent = ?", movieID, userID, false).
		Order("id ASC").
		First(&es).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &es, nil
}

func (s *GormStore) Create(ctx context.Context, es *model.EmailSchedule) error {
	return s.db.WithContext(ctx).Create(es).Error
}

func (s *GormStore) Reschedule(ctx context.Context, id uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&model.EmailSchedule{}).
		Where("id = ?", id).
		Update("scheduled_for", at).Error
}

func (s *GormStore) DeleteUnsent(ctx context.Context, movieID uint) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("movie_id = ? AND sent = ?", movieID, false).
		Delete(&model.EmailSchedule{})
	return res.RowsAffected, res.Error
}

// ListDue 返回到期未发送的提醒，预加载电影与用户。
func (s *GormStore) ListDue(ctx context.Context, now time.Time, limit int) ([]model.EmailSchedule, error) {
	var list []model.EmailSchedule
	q := s.db.WithContext(ctx).
		Preload("Movie").
		Preload("User").
		Where("scheduled_for <= ? AND sent = ?", now, false).
		Order("scheduled_for ASC").
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (s *GormStore) MarkSent(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Model(&model.EmailSchedule{}).
		Where("id = ?", id).
		Update("sent", true).Error
}
