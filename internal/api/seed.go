package api

import (
	"context"
	"errors"
	"log/slog"

	"movietracker/internal/model"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	demoEmail    = "demo@movietracker.local"
	demoName     = "Demo User"
	demoPassword = "Demo@1234"
)

// SeedDemoData 写入演示账号（已存在时只重置密码）。
func (s *Server) SeedDemoData(ctx context.Context) error {
	return seedDemoUser(ctx, s.db, s.logger)
}

func seedDemoUser(ctx context.Context, db *gorm.DB, logger *slog.Logger) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(demoPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	var user model.User
	err = db.WithContext(ctx).Where("email = ?", demoEmail).First(&user).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = model.User{
			Name:     demoName,
			Email:    demoEmail,
			Password: string(hash),
		}
		if err := db.WithContext(ctx).Create(&user).Error; err != nil {
			return err
		}
	} else if err := db.WithContext(ctx).Model(&model.User{}).Where("id = ?", user.ID).
		Update("password", string(hash)).Error; err != nil {
		return err
	}

	if logger != nil {
		logger.Info("demo user ready", slog.String("email", demoEmail), slog.Uint64("user_id", uint64(user.ID)))
	}
	return nil
}
