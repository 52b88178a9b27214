// Package reminder 维护电影上映提醒：每个 (电影, 用户) 至多一条未发送记录，
// 由后台轮询在上映时发送邮件并标记已发送。
package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"movietracker/internal/model"
	"movietracker/internal/pkg/metrics"
	"movietracker/internal/pkg/ratelimit"
)

// Store 是提醒记录的持久化接口。
type Store interface {
	FindUnsent(ctx context.Context, movieID, userID uint) (*model.EmailSchedule, error)
	Create(ctx context.Context, es *model.EmailSchedule) error
	Reschedule(ctx context.Context, id uint, at time.Time) error
	DeleteUnsent(ctx context.Context, movieID uint) (int64, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.EmailSchedule, error)
	MarkSent(ctx context.Context, id uint) error
}

// Mailer 发送上映提醒邮件。
type Mailer interface {
	SendReleaseReminder(ctx context.Context, user *model.User, movie *model.Movie) error
}

// Claimer 为一次发送加占位，防止多实例重复发送。
type Claimer interface {
	Claim(ctx context.Context, scheduleID uint) (bool, error)
	Release(ctx context.Context, scheduleID uint) error
}

// Limiter 限制发信速率。
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Options 调度参数。
type Options struct {
	Interval  time.Duration
	BatchSize int
	// AcquireTimeout 单封邮件等待限流令牌的上限。
	AcquireTimeout time.Duration
}

// Result 一轮投递的统计。
type Result struct {
	Due     int
	Sent    int
	Failed  int
	Skipped int
}

// Scheduler 是上映提醒调度器，也是 sent 字段的唯一写入方。
type Scheduler struct {
	store   Store
	mailer  Mailer
	claimer Claimer
	limiter Limiter
	logger  *slog.Logger

	interval       time.Duration
	batchSize      int
	acquireTimeout time.Duration

	now func() time.Time
}

func NewScheduler(store Store, mailer Mailer, logger *slog.Logger, opts Options) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 30 * time.Second
	}
	return &Scheduler{
		store:          store,
		mailer:         mailer,
		logger:         logger,
		interval:       opts.Interval,
		batchSize:      opts.BatchSize,
		acquireTimeout: opts.AcquireTimeout,
		now:            time.Now,
	}
}

// WithClaimer 设置发送占位。
func (s *Scheduler) WithClaimer(c Claimer) *Scheduler {
	s.claimer = c
	return s
}

// WithLimiter 设置发信限流。
func (s *Scheduler) WithLimiter(l Limiter) *Scheduler {
	s.limiter = l
	return s
}

// Schedule 登记 (movieID, userID) 在 at 的提醒：已有未发送记录则改期，否则新建。
func (s *Scheduler) Schedule(ctx context.Context, movieID, userID uint, at time.Time) (*model.EmailSchedule, error) {
	at = at.UTC()
	existing, err := s.store.FindUnsent(ctx, movieID, userID)
	if err != nil {
		return nil, fmt.Errorf("find unsent reminder: %w", err)
	}
	if existing != nil {
		if err := s.store.Reschedule(ctx, existing.ID, at); err != nil {
			return nil, fmt.Errorf("reschedule reminder %d: %w", existing.ID, err)
		}
		existing.ScheduledFor = at
		return existing, nil
	}

	es := &model.EmailSchedule{
		MovieID:      movieID,
		UserID:       userID,
		ScheduledFor: at,
		Sent:         false,
	}
	if err := s.store.Create(ctx, es); err != nil {
		return nil, fmt.Errorf("create reminder: %w", err)
	}
	s.logger.Info("release reminder scheduled",
		slog.Uint64("movie_id", uint64(movieID)),
		slog.Uint64("user_id", uint64(userID)),
		slog.Time("scheduled_for", at),
	)
	return es, nil
}

// Cancel 删除电影所有未发送的提醒；已发送的记录保留。
func (s *Scheduler) Cancel(ctx context.Context, movieID uint) error {
	n, err := s.store.DeleteUnsent(ctx, movieID)
	if err != nil {
		return fmt.Errorf("delete unsent reminders: %w", err)
	}
	if n > 0 {
		s.logger.Info("release reminder cancelled",
			slog.Uint64("movie_id", uint64(movieID)),
			slog.Int64("count", n),
		)
	}
	return nil
}

// DeliverDue 发送所有到期提醒。单条失败不影响其余记录；限流超时则结束本轮。
func (s *Scheduler) DeliverDue(ctx context.Context) (Result, error) {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("reminder_delivery").Observe(time.Since(start).Seconds())
	}()

	var res Result
	due, err := s.store.ListDue(ctx, s.now().UTC(), s.batchSize)
	if err != nil {
		return res, fmt.Errorf("list due reminders: %w", err)
	}
	res.Due = len(due)

	for i := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		es := &due[i]
		err := s.deliver(ctx, es)
		switch {
		case err == nil:
			res.Sent++
			metrics.ReminderEmailsTotal.WithLabelValues("sent").Inc()
		case errors.Is(err, errAlreadyClaimed):
			res.Skipped++
			metrics.ReminderEmailsTotal.WithLabelValues("skipped").Inc()
		case errors.Is(err, ratelimit.ErrRateLimitTimeout):
			res.Skipped += len(due) - i
			s.logger.Warn("mail rate limit timeout, remaining reminders deferred",
				slog.Int("remaining", len(due)-i),
			)
			return res, nil
		default:
			res.Failed++
			metrics.ReminderEmailsTotal.WithLabelValues("failed").Inc()
			s.logger.Error("send release reminder failed",
				slog.Uint64("schedule_id", uint64(es.ID)),
				slog.Uint64("movie_id", uint64(es.MovieID)),
				slog.String("error", err.Error()),
			)
		}
	}
	return res, nil
}

var errAlreadyClaimed = errors.New("reminder already claimed")

func (s *Scheduler) deliver(ctx context.Context, es *model.EmailSchedule) (err error) {
	if s.claimer != nil {
		ok, claimErr := s.claimer.Claim(ctx, es.ID)
		if claimErr != nil {
			return claimErr
		}
		if !ok {
			return errAlreadyClaimed
		}
		defer func() {
			if err == nil {
				return
			}
			if relErr := s.claimer.Release(context.WithoutCancel(ctx), es.ID); relErr != nil {
				s.logger.Warn("release reminder claim failed",
					slog.Uint64("schedule_id", uint64(es.ID)),
					slog.String("error", relErr.Error()),
				)
			}
		}()
	}

	if es.Movie.ID == 0 || es.User.ID == 0 {
		return fmt.Errorf("reminder %d: movie or user missing", es.ID)
	}

	if s.limiter != nil {
		acquireCtx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
		err := s.limiter.Acquire(acquireCtx)
		cancel()
		if err != nil {
			return err
		}
	}
	if err := s.mailer.SendReleaseReminder(ctx, &es.User, &es.Movie); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if err := s.store.MarkSent(ctx, es.ID); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	s.logger.Info("release reminder sent",
		slog.Uint64("schedule_id", uint64(es.ID)),
		slog.Uint64("movie_id", uint64(es.MovieID)),
		slog.String("email", es.User.Email),
	)
	return nil
}

// Run 按 Interval 周期调用 DeliverDue，直到 ctx 结束。
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("reminder delivery started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reminder delivery stopped")
			return
		case <-ticker.C:
			res, err := s.DeliverDue(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("reminder delivery sweep failed", slog.String("error", err.Error()))
				}
				continue
			}
			if res.Due > 0 {
				s.logger.Info("reminder delivery sweep finished",
					slog.Int("due", res.Due),
					slog.Int("sent", res.Sent),
					slog.Int("failed", res.Failed),
					slog.Int("skipped", res.Skipped),
				)
			}
		}
	}
}
