package movie

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"movietracker/internal/model"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// pendingPattern 匹配 pending_ 前缀，'!' 为转义符。
const pendingPattern = "pending!_%"

// GormStore 基于 GORM 的 Store 实现。
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Create(ctx context.Context, m *model.Movie) error {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return translate(err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, id uint) (*model.Movie, error) {
	var m model.Movie
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, translate(err)
	}
	return &m, nil
}

// Update 按列名更新并返回最新记录；没有命中任何行时返回 ErrNotFound。
func (s *GormStore) Update(ctx context.Context, id uint, fields map[string]any) (*model.Movie, error) {
	db := s.db.WithContext(ctx)
	res := db.Model(&model.Movie{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return nil, translate(res.Error)
	}
	if res.RowsAffected == 0 {
		// MySQL 对未变化的行返回 0，需要再确认一次是否存在
		var count int64
		if err := db.Model(&model.Movie{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return nil, err
		}
		if count == 0 {
			return nil, ErrNotFound
		}
	}
	return s.Get(ctx, id)
}

func (s *GormStore) Delete(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&model.Movie{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteIfPending 仅在封面仍为待上传状态时删除，避免与上传并发时误删。
func (s *GormStore) DeleteIfPending(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND cover_image LIKE ? ESCAPE '!'", id, pendingPattern).
		Delete(&model.Movie{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List 返回符合条件的已完成电影，按上映日期倒序、ID 正序。
func (s *GormStore) List(ctx context.Context, f Filter) ([]model.Movie, int64, error) {
	q := s.db.WithContext(ctx).Model(&model.Movie{}).
		Where("cover_image NOT LIKE ? ESCAPE '!'", pendingPattern)

	if f.DurationMin != nil {
		q = q.Where("duration >= ?", *f.DurationMin)
	}
	if f.DurationMax != nil {
		q = q.Where("duration <= ?", *f.DurationMax)
	}
	if f.ReleaseDateMin != nil {
		q = q.Where("release_date >= ?", *f.ReleaseDateMin)
	}
	if f.ReleaseDateMax != nil {
		q = q.Where("release_date <= ?", *f.ReleaseDateMax)
	}
	if f.ScoreMin != nil {
		q = q.Where("score >= ?", *f.ScoreMin)
	}
	if f.ScoreMax != nil {
		q = q.Where("score <= ?", *f.ScoreMax)
	}
	if title := strings.TrimSpace(f.Title); title != "" {
		q = q.Where("LOWER(title) LIKE ? ESCAPE '!'", containsPattern(title))
	}
	if term := strings.TrimSpace(f.Search); term != "" {
		like := containsPattern(term)
		genre := "%" + `"` + escapeLike(strings.ToLower(term)) + `"` + "%"
		q = q.Where(
			"LOWER(title) LIKE ? ESCAPE '!' OR LOWER(original_title) LIKE ? ESCAPE '!' OR LOWER(tagline) LIKE ? ESCAPE '!' OR LOWER(synopsis) LIKE ? ESCAPE '!' OR LOWER(CAST(genres AS CHAR)) LIKE ? ESCAPE '!'",
			like, like, like, like, genre,
		)
	}

	q = q.Session(&gorm.Session{})
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count movies: %w", err)
	}

	movies := []model.Movie{}
	if err := q.Order("release_date DESC").Order("id ASC").
		Offset(f.Offset()).Limit(f.PerPage).
		Find(&movies).Error; err != nil {
		return nil, 0, fmt.Errorf("list movies: %w", err)
	}
	return movies, total, nil
}

// ListPending 返回所有仍在等待封面的电影。
func (s *GormStore) ListPending(ctx context.Context) ([]model.Movie, error) {
	var movies []model.Movie
	if err := s.db.WithContext(ctx).
		Where("cover_image LIKE ? ESCAPE '!'", pendingPattern).
		Order("id ASC").
		Find(&movies).Error; err != nil {
		return nil, err
	}
	return movies, nil
}

func containsPattern(term string) string {
	return "%" + escapeLike(strings.ToLower(term)) + "%"
}

func escapeLike(s string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return r.Replace(s)
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateTitle
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return ErrDuplicateTitle
	}
	return err
}
