package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PendingPrefix 是待上传封面标记的前缀，已落库数据依赖该格式，不可修改。
const PendingPrefix = "pending_"

// ImageState 描述电影封面的两种状态：等待上传（Pending）或已完成（Complete）。
type ImageState struct {
	pending   bool
	createdAt time.Time
	url       string
}

// PendingImage 返回创建时间为 t 的待上传状态。
func PendingImage(t time.Time) ImageState {
	return ImageState{pending: true, createdAt: time.UnixMilli(t.UnixMilli())}
}

// CompleteImage 返回指向 url 的已完成状态。
func CompleteImage(url string) ImageState {
	return ImageState{url: url}
}

// ParseImageState 解析 cover_image 列。
//
// 以 pending_ 开头的值一律视为待上传；时间戳无法解析时 CreatedAt 为零值，
// 清理任务会把它当作已过期处理。
func ParseImageState(raw string) ImageState {
	if !strings.HasPrefix(raw, PendingPrefix) {
		return ImageState{url: raw}
	}
	st := ImageState{pending: true}
	if ms, err := strconv.ParseInt(strings.TrimPrefix(raw, PendingPrefix), 10, 64); err == nil {
		st.createdAt = time.UnixMilli(ms)
	}
	return st
}

// IsPending 是否仍在等待封面。
func (s ImageState) IsPending() bool { return s.pending }

// CreatedAt 待上传状态的创建时间；Complete 状态返回零值。
func (s ImageState) CreatedAt() time.Time { return s.createdAt }

// URL 已完成状态的封面地址；Pending 状态返回空串。
func (s ImageState) URL() string {
	if s.pending {
		return ""
	}
	return s.url
}

// Age 返回待上传状态到 now 为止的时长。
func (s ImageState) Age(now time.Time) time.Duration {
	if !s.pending {
		return 0
	}
	return now.Sub(s.createdAt)
}

// String 返回落库格式。
func (s ImageState) String() string {
	if s.pending {
		return fmt.Sprintf("%s%d", PendingPrefix, s.createdAt.UnixMilli())
	}
	return s.url
}
