package model

import (
	"time"

	"gorm.io/datatypes"
)

// Movie 表示用户录入的一部电影。
//
// CoverImage 要么是封面的公开 URL，要么是待上传标记 pending_<毫秒时间戳>，
// 读写都应通过 ImageState / PendingImage 完成。
type Movie struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	UserID        uint                        `gorm:"not null;index" json:"userId"`
	User          User                        `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	Title         string                      `gorm:"type:varchar(191);uniqueIndex;not null" json:"title"`
	OriginalTitle string                      `gorm:"type:varchar(255)" json:"originalTitle"`
	CoverImage    string                      `gorm:"type:varchar(512);not null;index" json:"coverImage"`
	Popularity    float64                     `json:"popularity"`
	VoteCount     int                         `json:"voteCount"`
	Score         float64                     `json:"score"` // 0-100
	Tagline       string                      `gorm:"type:varchar(255)" json:"tagline"`
	Synopsis      string                      `gorm:"type:text" json:"synopsis"`
	Genres        datatypes.JSONSlice[string] `json:"genres"`
	ReleaseDate   time.Time                   `gorm:"index" json:"releaseDate"`
	Duration      int                         `json:"duration"` // 分钟
	Status        string                      `gorm:"type:varchar(64)" json:"status"`
	Language      string                      `gorm:"type:varchar(64)" json:"language"`
	Budget        int64                       `json:"budget"`
	Revenue       int64                       `json:"revenue"`
	Profit        int64                       `json:"profit"`
	TrailerURL    string                      `gorm:"type:varchar(512)" json:"trailerUrl"`

	EmailSchedules []EmailSchedule `gorm:"foreignKey:MovieID" json:"-"`
}

// ImageState 返回封面状态。
func (m *Movie) ImageState() ImageState {
	return ParseImageState(m.CoverImage)
}

// EmailSchedule 表示一次上映提醒邮件的投递义务。
//
// 同一 (MovieID, UserID) 最多只有一条未发送记录，由 reminder 包保证。
type EmailSchedule struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	MovieID      uint      `gorm:"not null;index:idx_schedule_movie_user" json:"movieId"`
	UserID       uint      `gorm:"not null;index:idx_schedule_movie_user" json:"userId"`
	ScheduledFor time.Time `gorm:"not null;index:idx_schedule_due" json:"scheduledFor"`
	Sent         bool      `gorm:"default:false;index:idx_schedule_due" json:"sent"`

	Movie Movie `gorm:"foreignKey:MovieID;constraint:OnDelete:CASCADE" json:"-"`
	User  User  `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}
