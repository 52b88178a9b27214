package notify

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"strings"

	"movietracker/internal/config"
	"movietracker/internal/model"

	"gopkg.in/gomail.v2"
)

// ErrNotConfigured 表示 SMTP 配置不完整。
var ErrNotConfigured = errors.New("email config missing")

// Sender 抽象 SMTP 发送，便于测试替换。
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailNotifier 实现邮件通知。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
	sender Sender
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	n := &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
	if cfg != nil && cfg.SMTPHost != "" {
		n.sender = gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass)
	}
	return n
}

// WithSender 替换底层发送器。
func (n *EmailNotifier) WithSender(s Sender) *EmailNotifier {
	n.sender = s
	return n
}

// SendReleaseReminder 发送上映提醒。
//
// 配置缺失时返回 ErrNotConfigured，调用方应保持提醒为未发送状态。
func (n *EmailNotifier) SendReleaseReminder(ctx context.Context, user *model.User, movie *model.Movie) error {
	if n.sender == nil || n.cfg == nil || n.cfg.FromEmail == "" {
		return ErrNotConfigured
	}
	if user == nil || movie == nil {
		return fmt.Errorf("reminder without user or movie")
	}
	if strings.TrimSpace(user.Email) == "" {
		return fmt.Errorf("empty recipient")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := renderReminder(user, movie)
	if err != nil {
		return fmt.Errorf("render reminder: %w", err)
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", n.cfg.FromEmail, n.cfg.FromName)
	m.SetHeader("To", user.Email)
	m.SetHeader("Subject", ReminderSubject(movie))
	m.SetBody("text/html", body)

	if err := n.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("release reminder sent",
		slog.String("to", user.Email),
		slog.Uint64("movie_id", uint64(movie.ID)),
		slog.String("title", movie.Title))
	return nil
}

// ReminderSubject 返回提醒邮件标题。
func ReminderSubject(movie *model.Movie) string {
	return fmt.Sprintf("Reminder: %s premieres today!", movie.Title)
}

var reminderTemplate = template.Must(template.New("reminder").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif;">
  <div style="max-width: 600px; margin: 0 auto;">
    <h2 style="color: #e50914;">Movie Tracker</h2>
    <h3>Hello {{.UserName}},</h3>
    <p>The movie <strong>{{.Title}}</strong> you were waiting for premieres today!</p>
    {{if .CoverImage}}<div style="margin: 20px 0;">
      <img src="{{.CoverImage}}" alt="{{.Title}}" style="max-width: 100%; border-radius: 8px;" />
    </div>{{end}}
    <p><strong>Synopsis:</strong> {{.Synopsis}}</p>
    <p><strong>Duration:</strong> {{.Duration}} minutes</p>
    <p>Don't miss it!</p>
    <p style="margin-top: 30px; font-size: 12px; color: #777;">
      This is an automated message sent to {{.Email}}. Please do not reply.
    </p>
  </div>
</body>
</html>`))

func renderReminder(user *model.User, movie *model.Movie) (string, error) {
	var sb strings.Builder
	err := reminderTemplate.Execute(&sb, struct {
		UserName   string
		Email      string
		Title      string
		CoverImage string
		Synopsis   string
		Duration   int
	}{
		UserName:   user.Name,
		Email:      user.Email,
		Title:      movie.Title,
		CoverImage: movie.ImageState().URL(),
		Synopsis:   movie.Synopsis,
		Duration:   movie.Duration,
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}
