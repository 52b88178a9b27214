package movie

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"movietracker/internal/model"
	"movietracker/internal/pkg/apperr"
	"movietracker/internal/pkg/metrics"
	"movietracker/internal/pkg/storage"
)

// Options 服务参数。
type Options struct {
	// Folder 封面在存储桶中的目录。
	Folder string
	// PendingTTL 待上传记录的最长保留时间。
	PendingTTL time.Duration
	// CleanupInterval 清理任务的轮询间隔。
	CleanupInterval time.Duration
	// DefaultPerPage 未指定 perPage 时的分页大小。
	DefaultPerPage int
}

// Service 是电影生命周期管理器。
//
// 它是 cover_image 状态迁移的唯一写入方：创建时写入待上传标记，
// 上传成功后写入公开地址，过期未上传的记录由清理任务删除。
type Service struct {
	store     Store
	images    ImageStorage
	reminders Reminders
	logger    *slog.Logger

	folder          string
	pendingTTL      time.Duration
	cleanupInterval time.Duration
	defaultPerPage  int

	now func() time.Time
}

func NewService(store Store, images ImageStorage, reminders Reminders, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Folder == "" {
		opts.Folder = "movie-covers"
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = 5 * time.Minute
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Minute
	}
	if opts.DefaultPerPage <= 0 {
		opts.DefaultPerPage = MinPerPage
	}
	return &Service{
		store:           store,
		images:          images,
		reminders:       reminders,
		logger:          logger,
		folder:          opts.Folder,
		pendingTTL:      opts.PendingTTL,
		cleanupInterval: opts.CleanupInterval,
		defaultPerPage:  opts.DefaultPerPage,
		now:             time.Now,
	}
}

// CreateInitial 创建一条待上传封面的电影记录；上映日期在未来时登记提醒。
func (s *Service) CreateInitial(ctx context.Context, userID uint, in Input) (*model.Movie, error) {
	if in.Title == "" {
		return nil, apperr.BadRequest("title is required")
	}
	now := s.now()
	m := in.toModel(userID)
	m.CoverImage = model.PendingImage(now).String()

	if err := s.store.Create(ctx, m); err != nil {
		if errors.Is(err, ErrDuplicateTitle) {
			return nil, apperr.Conflict("a movie with this title already exists")
		}
		return nil, apperr.Internal("create movie failed", err)
	}

	if m.ReleaseDate.After(now) {
		if _, err := s.reminders.Schedule(ctx, m.ID, userID, m.ReleaseDate); err != nil {
			return nil, apperr.Internal("schedule release reminder failed", err)
		}
	}

	s.logger.Info("movie created, waiting for cover image",
		slog.Uint64("movie_id", uint64(m.ID)),
		slog.Uint64("user_id", uint64(userID)),
	)
	return m, nil
}

// UploadCoverImage 上传封面并将电影转为已完成状态；已有封面时替换之。
func (s *Service) UploadCoverImage(ctx context.Context, id uint, file storage.File, userID uint) (*model.Movie, error) {
	m, err := s.authorize(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	return s.replaceCover(ctx, m, file)
}

// UpdateCoverImage 替换已完成电影的封面；待上传的电影需先走 UploadCoverImage。
func (s *Service) UpdateCoverImage(ctx context.Context, id uint, file storage.File, userID uint) (*model.Movie, error) {
	m, err := s.authorize(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if m.ImageState().IsPending() {
		return nil, apperr.BadRequest("movie has no cover image yet, upload one first")
	}
	return s.replaceCover(ctx, m, file)
}

// UpdateMovieData 部分更新电影字段，并按新的上映日期调整提醒。
func (s *Service) UpdateMovieData(ctx context.Context, id uint, patch Patch, userID uint) (*model.Movie, error) {
	m, err := s.authorize(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if m.ImageState().IsPending() {
		return nil, apperr.BadRequest("movie is still waiting for its cover image")
	}
	fields := patch.Fields()
	if len(fields) == 0 {
		return nil, apperr.BadRequest("nothing to update")
	}
	if title, ok := fields["title"].(string); ok && title == "" {
		return nil, apperr.BadRequest("title must not be empty")
	}

	updated, err := s.store.Update(ctx, id, fields)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return nil, apperr.NotFound("movie not found")
		case errors.Is(err, ErrDuplicateTitle):
			return nil, apperr.Conflict("a movie with this title already exists")
		}
		return nil, apperr.Internal("update movie failed", err)
	}

	if patch.ReleaseDate != nil {
		if err := s.reschedule(ctx, updated); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

// Remove 删除电影：取消未发送的提醒，删除记录，再尽力删除封面对象。
func (s *Service) Remove(ctx context.Context, id uint) (*model.Movie, error) {
	m, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.remove(ctx, m)
}

// RemoveOwned 校验归属后删除。
func (s *Service) RemoveOwned(ctx context.Context, id uint, userID uint) (*model.Movie, error) {
	m, err := s.authorize(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	return s.remove(ctx, m)
}

// RemovePending 仅当电影仍在等待封面时删除它，返回是否删除。
//
// 已有封面的电影保持不变，用于上传失败后的回滚。
func (s *Service) RemovePending(ctx context.Context, id uint) (bool, error) {
	if err := s.store.DeleteIfPending(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, apperr.Internal("delete pending movie failed", err)
	}
	if err := s.reminders.Cancel(ctx, id); err != nil {
		s.logger.Warn("cancel reminder of removed movie failed",
			slog.Uint64("movie_id", uint64(id)),
			slog.String("error", err.Error()),
		)
	}
	s.logger.Info("pending movie removed", slog.Uint64("movie_id", uint64(id)))
	return true, nil
}

// FindAll 分页查询已完成的电影。
func (s *Service) FindAll(ctx context.Context, f Filter) (*Page, error) {
	f = f.Normalize(s.defaultPerPage)
	items, total, err := s.store.List(ctx, f)
	if err != nil {
		return nil, apperr.Internal("list movies failed", err)
	}
	return &Page{Items: items, Page: f.Page, PerPage: f.PerPage, Total: total}, nil
}

// FindOne 返回一部已完成的电影。
func (s *Service) FindOne(ctx context.Context, id uint) (*model.Movie, error) {
	m, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.ImageState().IsPending() {
		return nil, apperr.BadRequest("movie is not ready yet, its cover image is pending")
	}
	return m, nil
}

func (s *Service) load(ctx context.Context, id uint) (*model.Movie, error) {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.NotFound("movie not found")
		}
		return nil, apperr.Internal("load movie failed", err)
	}
	return m, nil
}

// authorize 加载电影并校验 userID 为其所有者。
func (s *Service) authorize(ctx context.Context, id, userID uint) (*model.Movie, error) {
	m, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.UserID != userID {
		return nil, apperr.Forbidden("you do not own this movie")
	}
	return m, nil
}

func (s *Service) remove(ctx context.Context, m *model.Movie) (*model.Movie, error) {
	if err := s.reminders.Cancel(ctx, m.ID); err != nil {
		return nil, apperr.Internal("cancel release reminder failed", err)
	}
	if err := s.store.Delete(ctx, m.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.NotFound("movie not found")
		}
		return nil, apperr.Internal("delete movie failed", err)
	}
	if st := m.ImageState(); !st.IsPending() {
		s.bestEffortDelete(ctx, st.URL(), "movie_removed")
	}
	s.logger.Info("movie removed", slog.Uint64("movie_id", uint64(m.ID)))
	return m, nil
}

// replaceCover 先上传新对象、再更新记录，最后删除旧对象。
// 记录更新失败时删除刚上传的对象，旧封面保持可用。
func (s *Service) replaceCover(ctx context.Context, m *model.Movie, file storage.File) (*model.Movie, error) {
	if len(file.Content) == 0 {
		return nil, apperr.BadRequest("cover image is required")
	}
	old := m.ImageState()

	url, err := s.images.Upload(ctx, file, s.folder)
	if err != nil {
		metrics.CoverUploadsTotal.WithLabelValues("failed").Inc()
		return nil, apperr.Internal("upload cover image failed", err)
	}

	updated, err := s.store.Update(ctx, m.ID, map[string]any{"cover_image": model.CompleteImage(url).String()})
	if err != nil {
		metrics.CoverUploadsTotal.WithLabelValues("failed").Inc()
		s.bestEffortDelete(ctx, url, "record_update_failed")
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.NotFound("movie not found")
		}
		return nil, apperr.Internal("save cover image failed", err)
	}

	if !old.IsPending() && old.URL() != "" && old.URL() != url {
		s.bestEffortDelete(ctx, old.URL(), "cover_replaced")
	}
	metrics.CoverUploadsTotal.WithLabelValues("success").Inc()
	return updated, nil
}

// reschedule 上映日期在未来则重新登记提醒，否则只取消。
func (s *Service) reschedule(ctx context.Context, m *model.Movie) error {
	if err := s.reminders.Cancel(ctx, m.ID); err != nil {
		return apperr.Internal("cancel release reminder failed", err)
	}
	if !m.ReleaseDate.After(s.now()) {
		return nil
	}
	if _, err := s.reminders.Schedule(ctx, m.ID, m.UserID, m.ReleaseDate); err != nil {
		return apperr.Internal("schedule release reminder failed", err)
	}
	return nil
}

// bestEffortDelete 删除存储对象，失败只记录日志和指标，从不返回错误。
func (s *Service) bestEffortDelete(ctx context.Context, url, reason string) {
	if url == "" {
		return
	}
	if err := s.images.Delete(ctx, url); err != nil {
		metrics.StorageCleanupFailuresTotal.WithLabelValues(reason).Inc()
		s.logger.Warn("delete cover image failed",
			slog.String("url", url),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
	}
}
