// Package movie 管理电影记录的生命周期：先录入数据、后上传封面的两阶段创建，
// 过期待上传记录的清理，以及更新、删除时封面对象与上映提醒的一致性。
package movie

import (
	"context"
	"errors"
	"time"

	"movietracker/internal/model"
	"movietracker/internal/pkg/storage"

	"gorm.io/datatypes"
)

const (
	// MinPerPage / MaxPerPage 分页大小的上下限。
	MinPerPage = 10
	MaxPerPage = 50
	// MaxPage 页码上限，保证偏移量不会溢出。
	MaxPage = 1_000_000
)

var (
	// ErrNotFound 记录不存在（或在操作过程中被并发删除）。
	ErrNotFound = errors.New("movie not found")
	// ErrDuplicateTitle 标题已被占用。
	ErrDuplicateTitle = errors.New("movie title already exists")
)

// Store 是电影记录的持久化接口。
type Store interface {
	Create(ctx context.Context, m *model.Movie) error
	Get(ctx context.Context, id uint) (*model.Movie, error)
	Update(ctx context.Context, id uint, fields map[string]any) (*model.Movie, error)
	Delete(ctx context.Context, id uint) error
	DeleteIfPending(ctx context.Context, id uint) error
	List(ctx context.Context, f Filter) ([]model.Movie, int64, error)
	ListPending(ctx context.Context) ([]model.Movie, error)
}

// ImageStorage 是封面对象存储接口。
type ImageStorage interface {
	Upload(ctx context.Context, file storage.File, folder string) (string, error)
	Delete(ctx context.Context, url string) error
}

// Reminders 是上映提醒调度接口。
type Reminders interface {
	Schedule(ctx context.Context, movieID, userID uint, at time.Time) (*model.EmailSchedule, error)
	Cancel(ctx context.Context, movieID uint) error
}

// Input 创建电影时的字段（不含封面）。
type Input struct {
	Title         string    `json:"title" binding:"required,max=191"`
	OriginalTitle string    `json:"originalTitle" binding:"max=255"`
	Popularity    float64   `json:"popularity" binding:"gte=0"`
	VoteCount     int       `json:"voteCount" binding:"gte=0"`
	Score         float64   `json:"score" binding:"gte=0,lte=100"`
	Tagline       string    `json:"tagline" binding:"max=255"`
	Synopsis      string    `json:"synopsis" binding:"max=1000"`
	Genres        []string  `json:"genres"`
	ReleaseDate   time.Time `json:"releaseDate" binding:"required"`
	Duration      int       `json:"duration" binding:"required,gte=1"`
	Status        string    `json:"status" binding:"max=64"`
	Language      string    `json:"language" binding:"max=64"`
	Budget        int64     `json:"budget" binding:"gte=0"`
	Revenue       int64     `json:"revenue" binding:"gte=0"`
	Profit        int64     `json:"profit"`
	TrailerURL    string    `json:"trailerUrl" binding:"omitempty,url,max=512"`
}

func (in Input) toModel(userID uint) *model.Movie {
	return &model.Movie{
		UserID:        userID,
		Title:         in.Title,
		OriginalTitle: in.OriginalTitle,
		Popularity:    in.Popularity,
		VoteCount:     in.VoteCount,
		Score:         in.Score,
		Tagline:       in.Tagline,
		Synopsis:      in.Synopsis,
		Genres:        datatypes.JSONSlice[string](in.Genres),
		ReleaseDate:   in.ReleaseDate.UTC(),
		Duration:      in.Duration,
		Status:        in.Status,
		Language:      in.Language,
		Budget:        in.Budget,
		Revenue:       in.Revenue,
		Profit:        in.Profit,
		TrailerURL:    in.TrailerURL,
	}
}

// Patch 部分更新；nil 字段保持不变。封面不在此列。
type Patch struct {
	Title         *string    `json:"title" binding:"omitempty,min=1,max=191"`
	OriginalTitle *string    `json:"originalTitle" binding:"omitempty,max=255"`
	Popularity    *float64   `json:"popularity" binding:"omitempty,gte=0"`
	VoteCount     *int       `json:"voteCount" binding:"omitempty,gte=0"`
	Score         *float64   `json:"score" binding:"omitempty,gte=0,lte=100"`
	Tagline       *string    `json:"tagline" binding:"omitempty,max=255"`
	Synopsis      *string    `json:"synopsis" binding:"omitempty,max=1000"`
	Genres        []string   `json:"genres"`
	ReleaseDate   *time.Time `json:"releaseDate"`
	Duration      *int       `json:"duration" binding:"omitempty,gte=1"`
	Status        *string    `json:"status" binding:"omitempty,max=64"`
	Language      *string    `json:"language" binding:"omitempty,max=64"`
	Budget        *int64     `json:"budget" binding:"omitempty,gte=0"`
	Revenue       *int64     `json:"revenue" binding:"omitempty,gte=0"`
	Profit        *int64     `json:"profit"`
	TrailerURL    *string    `json:"trailerUrl" binding:"omitempty,max=512"`
}

// Fields 返回按列名组织的更新内容。
func (p Patch) Fields() map[string]any {
	fields := make(map[string]any)
	if p.Title != nil {
		fields["title"] = *p.Title
	}
	if p.OriginalTitle != nil {
		fields["original_title"] = *p.OriginalTitle
	}
	if p.Popularity != nil {
		fields["popularity"] = *p.Popularity
	}
	if p.VoteCount != nil {
		fields["vote_count"] = *p.VoteCount
	}
	if p.Score != nil {
		fields["score"] = *p.Score
	}
	if p.Tagline != nil {
		fields["tagline"] = *p.Tagline
	}
	if p.Synopsis != nil {
		fields["synopsis"] = *p.Synopsis
	}
	if p.Genres != nil {
		fields["genres"] = datatypes.JSONSlice[string](p.Genres)
	}
	if p.ReleaseDate != nil {
		fields["release_date"] = p.ReleaseDate.UTC()
	}
	if p.Duration != nil {
		fields["duration"] = *p.Duration
	}
	if p.Status != nil {
		fields["status"] = *p.Status
	}
	if p.Language != nil {
		fields["language"] = *p.Language
	}
	if p.Budget != nil {
		fields["budget"] = *p.Budget
	}
	if p.Revenue != nil {
		fields["revenue"] = *p.Revenue
	}
	if p.Profit != nil {
		fields["profit"] = *p.Profit
	}
	if p.TrailerURL != nil {
		fields["trailer_url"] = *p.TrailerURL
	}
	return fields
}

// Filter 列表查询条件。零值字段不参与过滤。
type Filter struct {
	DurationMin    *int
	DurationMax    *int
	ReleaseDateMin *time.Time
	ReleaseDateMax *time.Time
	ScoreMin       *float64
	ScoreMax       *float64
	// Title 仅匹配标题；Search 匹配标题、原名、标语、简介或类型。
	Title   string
	Search  string
	Page    int
	PerPage int
}

// Normalize 修正分页参数：page 限制在 [1, MaxPage]，perPage 限制在 [MinPerPage, MaxPerPage]。
func (f Filter) Normalize(defaultPerPage int) Filter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Page > MaxPage {
		f.Page = MaxPage
	}
	if f.PerPage <= 0 {
		f.PerPage = defaultPerPage
	}
	if f.PerPage < MinPerPage {
		f.PerPage = MinPerPage
	}
	if f.PerPage > MaxPerPage {
		f.PerPage = MaxPerPage
	}
	if f.ReleaseDateMin != nil {
		t := f.ReleaseDateMin.UTC()
		f.ReleaseDateMin = &t
	}
	if f.ReleaseDateMax != nil {
		t := f.ReleaseDateMax.UTC()
		f.ReleaseDateMax = &t
	}
	return f
}

// Offset 当前页的偏移量。
func (f Filter) Offset() int {
	return (f.Page - 1) * f.PerPage
}

// Page 分页结果。
type Page struct {
	Items   []model.Movie `json:"items"`
	Page    int           `json:"page"`
	PerPage int           `json:"perPage"`
	Total   int64         `json:"total"`
}
