package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "movietracker"

var (
	// CoverUploadsTotal 封面上传次数，按结果区分（success / failed）。
	CoverUploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cover_uploads_total",
		Help:      "Cover image uploads by result.",
	}, []string{"result"})

	// PendingMoviesExpiredTotal 被清理任务删除的待上传电影数。
	PendingMoviesExpiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pending_movies_expired_total",
		Help:      "Pending movies removed by the cleanup sweep, by result.",
	}, []string{"result"})

	// StorageCleanupFailuresTotal 尽力删除对象失败次数。
	StorageCleanupFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "storage_cleanup_failures_total",
		Help:      "Best-effort storage deletions that failed, by reason.",
	}, []string{"reason"})

	// ReminderEmailsTotal 上映提醒邮件，按结果区分（sent / failed / skipped）。
	ReminderEmailsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reminder_emails_total",
		Help:      "Release reminder emails by result.",
	}, []string{"result"})

	// SweepDuration 后台轮询耗时。
	SweepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_duration_seconds",
		Help:      "Duration of background sweeps.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"sweep"})

	// RateLimitWaitDuration 邮件限流等待时间。
	RateLimitWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ratelimit_wait_seconds",
		Help:      "Time spent waiting for a mail rate limit token.",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})

	// RateLimitTimeoutTotal 限流等待超时次数。
	RateLimitTimeoutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_timeout_total",
		Help:      "Mail rate limit waits that timed out.",
	})
)

var registerOnce sync.Once

// InitMetrics 将所有指标注册到默认 Registry，可重复调用。
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			CoverUploadsTotal,
			PendingMoviesExpiredTotal,
			StorageCleanupFailuresTotal,
			ReminderEmailsTotal,
			SweepDuration,
			RateLimitWaitDuration,
			RateLimitTimeoutTotal,
		)
	})
}
