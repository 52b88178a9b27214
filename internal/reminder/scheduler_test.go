package reminder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"movietracker/internal/model"
	"movietracker/internal/pkg/dedup"
	"movietracker/internal/pkg/ratelimit"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

var baseTime = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

type fakeMailer struct {
	sent    []string
	failFor map[string]bool
}

func (m *fakeMailer) SendReleaseReminder(ctx context.Context, user *model.User, movie *model.Movie) error {
	if m.failFor[movie.Title] {
		return errors.New("smtp: 451 try again later")
	}
	m.sent = append(m.sent, movie.Title+"->"+user.Email)
	return nil
}

type fakeLimiter struct {
	allow int
	calls int
}

func (l *fakeLimiter) Acquire(ctx context.Context) error {
	l.calls++
	if l.calls > l.allow {
		return ratelimit.ErrRateLimitTimeout
	}
	return nil
}

type fixture struct {
	db     *gorm.DB
	sched  *Scheduler
	mailer *fakeMailer
	user   model.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&model.User{}, &model.Movie{}, &model.EmailSchedule{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	user := model.User{Name: "Ana", Email: "ana@example.com", Password: "x"}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}

	mailer := &fakeMailer{failFor: map[string]bool{}}
	sched := NewScheduler(NewGormStore(db), mailer, slog.New(slog.NewTextHandler(io.Discard, nil)), Options{Interval: 10 * time.Millisecond})
	sched.now = func() time.Time { return baseTime }
	return &fixture{db: db, sched: sched, mailer: mailer, user: user}
}

func (f *fixture) movie(t *testing.T, title string) *model.Movie {
	t.Helper()
	m := &model.Movie{UserID: f.user.ID, Title: title, CoverImage: "https://cdn.test/" + title + ".png", ReleaseDate: baseTime, Duration: 100}
	if err := f.db.Create(m).Error; err != nil {
		t.Fatalf("create movie: %v", err)
	}
	return m
}

func (f *fixture) unsent(t *testing.T, movieID uint) []model.EmailSchedule {
	t.Helper()
	var list []model.EmailSchedule
	if err := f.db.Where("movie_id = ? AND sent = ?", movieID, false).Find(&list).Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	return list
}

func TestSchedule_AtMostOneUnsent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.movie(t, "Dune")

	first, err := f.sched.Schedule(ctx, m.ID, f.user.ID, baseTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	second, err := f.sched.Schedule(ctx, m.ID, f.user.ID, baseTime.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected existing schedule updated, got new id %d", second.ID)
	}
	list := f.unsent(t, m.ID)
	if len(list) != 1 || !list[0].ScheduledFor.Equal(baseTime.Add(48*time.Hour)) {
		t.Fatalf("expected one schedule at new time, got %+v", list)
	}

	if err := f.sched.Cancel(ctx, m.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if n := len(f.unsent(t, m.ID)); n != 0 {
		t.Fatalf("expected no unsent schedule, got %d", n)
	}
	if _, err := f.sched.Schedule(ctx, m.ID, f.user.ID, baseTime.Add(time.Hour)); err != nil {
		t.Fatalf("schedule after cancel: %v", err)
	}
	if n := len(f.unsent(t, m.ID)); n != 1 {
		t.Fatalf("expected 1 unsent schedule, got %d", n)
	}
}

func TestCancel_KeepsSentRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.movie(t, "Heat")

	sent := model.EmailSchedule{MovieID: m.ID, UserID: f.user.ID, ScheduledFor: baseTime.Add(-time.Hour), Sent: true}
	if err := f.db.Create(&sent).Error; err != nil {
		t.Fatalf("create sent: %v", err)
	}
	if _, err := f.sched.Schedule(ctx, m.ID, f.user.ID, baseTime.Add(time.Hour)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := f.sched.Cancel(ctx, m.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	var count int64
	f.db.Model(&model.EmailSchedule{}).Where("movie_id = ?", m.ID).Count(&count)
	if count != 1 {
		t.Fatalf("expected sent row kept, got %d rows", count)
	}
}

func TestDeliverDue_SendsOnlyDueOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	due := f.movie(t, "Due")
	future := f.movie(t, "Future")

	if _, err := f.sched.Schedule(ctx, due.ID, f.user.ID, baseTime); err != nil {
		t.Fatalf("schedule due: %v", err)
	}
	if _, err := f.sched.Schedule(ctx, future.ID, f.user.ID, baseTime.Add(time.Minute)); err != nil {
		t.Fatalf("schedule future: %v", err)
	}

	res, err := f.sched.DeliverDue(ctx)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.Due != 1 || res.Sent != 1 || res.Failed != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(f.mailer.sent) != 1 || f.mailer.sent[0] != "Due->ana@example.com" {
		t.Fatalf("unexpected mails %v", f.mailer.sent)
	}
	if n := len(f.unsent(t, due.ID)); n != 0 {
		t.Fatalf("due schedule should be marked sent")
	}

	res, err = f.sched.DeliverDue(ctx)
	if err != nil {
		t.Fatalf("second deliver: %v", err)
	}
	if res.Due != 0 || len(f.mailer.sent) != 1 {
		t.Fatalf("sent schedule must not be delivered again, res=%+v mails=%v", res, f.mailer.sent)
	}
	if n := len(f.unsent(t, future.ID)); n != 1 {
		t.Fatalf("future schedule must stay unsent")
	}
}

func TestDeliverDue_IsolatesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	titles := []string{"One", "Two", "Three"}
	for i, title := range titles {
		m := f.movie(t, title)
		if _, err := f.sched.Schedule(ctx, m.ID, f.user.ID, baseTime.Add(-time.Duration(len(titles)-i)*time.Minute)); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}
	f.mailer.failFor["Two"] = true

	res, err := f.sched.DeliverDue(ctx)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.Due != 3 || res.Sent != 2 || res.Failed != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(f.mailer.sent) != 2 || f.mailer.sent[1] != "Three->ana@example.com" {
		t.Fatalf("expected later schedules to be sent, got %v", f.mailer.sent)
	}

	delete(f.mailer.failFor, "Two")
	res, err = f.sched.DeliverDue(ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Sent != 1 || len(f.mailer.sent) != 3 {
		t.Fatalf("failed schedule should be retried, res=%+v", res)
	}
}

func TestDeliverDue_ClaimPreventsDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	claimer := dedup.NewDeduplicator(rdb, time.Hour)
	f.sched.WithClaimer(claimer)

	m := f.movie(t, "Claimed")
	es, err := f.sched.Schedule(ctx, m.ID, f.user.ID, baseTime)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if ok, err := claimer.Claim(ctx, es.ID); err != nil || !ok {
		t.Fatalf("pre-claim failed: ok=%v err=%v", ok, err)
	}

	res, err := f.sched.DeliverDue(ctx)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.Skipped != 1 || res.Sent != 0 || len(f.mailer.sent) != 0 {
		t.Fatalf("claimed schedule must be skipped, res=%+v", res)
	}

	if err := claimer.Release(ctx, es.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	f.mailer.failFor["Claimed"] = true
	res, _ = f.sched.DeliverDue(ctx)
	if res.Failed != 1 {
		t.Fatalf("expected failure, got %+v", res)
	}
	if mr.Exists("movietracker:reminder:claim:" + itoa(es.ID)) {
		t.Fatalf("claim must be released after a failed send")
	}
}

func TestDeliverDue_RateLimitTimeoutStopsBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, title := range []string{"A", "B", "C"} {
		m := f.movie(t, title)
		if _, err := f.sched.Schedule(ctx, m.ID, f.user.ID, baseTime.Add(-time.Minute)); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}
	limiter := &fakeLimiter{allow: 1}
	f.sched.WithLimiter(limiter)

	res, err := f.sched.DeliverDue(ctx)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.Sent != 1 || res.Skipped != 2 || limiter.calls != 2 {
		t.Fatalf("unexpected result %+v calls=%d", res, limiter.calls)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sched.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("delivery loop did not stop")
	}
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
