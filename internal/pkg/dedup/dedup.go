// Package dedup 用 Redis SETNX 为上映提醒加发送占位，避免多实例或重试时重复发信。
package dedup

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "movietracker:reminder:claim:"

// Deduplicator 管理提醒发送占位。
type Deduplicator struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewDeduplicator(rdb *redis.Client, ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Deduplicator{
		rdb: rdb,
		ttl: ttl,
	}
}

// Claim 尝试占用 scheduleID；返回 false 表示已被占用（正在发送或已发送）。
func (d *Deduplicator) Claim(ctx context.Context, scheduleID uint) (bool, error) {
	if d == nil || d.rdb == nil {
		return true, nil
	}
	ok, err := d.rdb.SetNX(ctx, claimKey(scheduleID), "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return ok, nil
}

// Release 释放占位，发送失败后调用以便下一轮重试。
func (d *Deduplicator) Release(ctx context.Context, scheduleID uint) error {
	if d == nil || d.rdb == nil {
		return nil
	}
	if err := d.rdb.Del(ctx, claimKey(scheduleID)).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}

func claimKey(scheduleID uint) string {
	return keyPrefix + strconv.FormatUint(uint64(scheduleID), 10)
}
