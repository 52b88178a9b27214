package model

import "time"

// User 表示系统用户。
type User struct {
	ID        uint      `gorm:"primaryKey"`                    // 用户 ID
	Name      string    `gorm:"type:varchar(64);not null"`     // 昵称
	Email     string    `gorm:"type:varchar(191);uniqueIndex"` // 邮箱（唯一）
	Password  string    `gorm:"not null" json:"-"`             // bcrypt 哈希
	CreatedAt time.Time // 创建时间
	UpdatedAt time.Time // 更新时间

	Movies         []Movie         `gorm:"foreignKey:UserID" json:"-"`
	EmailSchedules []EmailSchedule `gorm:"foreignKey:UserID" json:"-"`
}
