package movie

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"movietracker/internal/pkg/metrics"
)

// SweepPending 删除待上传时间达到 PendingTTL 的电影。
//
// 单条记录失败只记日志，不影响其余记录。
func (s *Service) SweepPending(ctx context.Context) (removed, failed int, err error) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("pending_cleanup").Observe(time.Since(start).Seconds())
	}()

	movies, err := s.store.ListPending(ctx)
	if err != nil {
		return 0, 0, err
	}

	now := s.now()
	for i := range movies {
		if ctx.Err() != nil {
			return removed, failed, ctx.Err()
		}
		m := &movies[i]
		st := m.ImageState()
		if !st.IsPending() || st.Age(now) < s.pendingTTL {
			continue
		}

		if err := s.store.DeleteIfPending(ctx, m.ID); err != nil {
			if errors.Is(err, ErrNotFound) {
				// 已上传封面或已被删除
				continue
			}
			failed++
			metrics.PendingMoviesExpiredTotal.WithLabelValues("failed").Inc()
			s.logger.Error("remove expired pending movie failed",
				slog.Uint64("movie_id", uint64(m.ID)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := s.reminders.Cancel(ctx, m.ID); err != nil {
			s.logger.Warn("cancel reminder of expired movie failed",
				slog.Uint64("movie_id", uint64(m.ID)),
				slog.String("error", err.Error()),
			)
		}
		removed++
		metrics.PendingMoviesExpiredTotal.WithLabelValues("removed").Inc()
		s.logger.Info("expired pending movie removed",
			slog.Uint64("movie_id", uint64(m.ID)),
			slog.Duration("age", st.Age(now)),
		)
	}
	return removed, failed, nil
}

// RunCleanup 按 CleanupInterval 周期执行 SweepPending，直到 ctx 结束。
func (s *Service) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	s.logger.Info("pending movie cleanup started",
		slog.Duration("interval", s.cleanupInterval),
		slog.Duration("ttl", s.pendingTTL),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("pending movie cleanup stopped")
			return
		case <-ticker.C:
			removed, failed, err := s.SweepPending(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("pending movie sweep failed", slog.String("error", err.Error()))
				}
				continue
			}
			if removed > 0 || failed > 0 {
				s.logger.Info("pending movie sweep finished",
					slog.Int("removed", removed),
					slog.Int("failed", failed),
				)
			}
		}
	}
}
