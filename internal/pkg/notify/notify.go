package notify

import (
	"context"

	"movietracker/internal/model"
)

// Notifier 定义上映提醒的发送接口。
type Notifier interface {
	// SendReleaseReminder 向 user 发送 movie 的上映提醒。
	SendReleaseReminder(ctx context.Context, user *model.User, movie *model.Movie) error
}
