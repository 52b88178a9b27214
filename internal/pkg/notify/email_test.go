package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"movietracker/internal/config"
	"movietracker/internal/model"

	"gopkg.in/gomail.v2"
)

type captureSender struct {
	msgs []*gomail.Message
	err  error
}

func (c *captureSender) DialAndSend(m ...*gomail.Message) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, m...)
	return nil
}

func newTestNotifier(sender Sender) *EmailNotifier {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.EmailConfig{SMTPHost: "smtp.test", SMTPPort: 587, FromEmail: "noreply@movietracker.test", FromName: "Movie Tracker"}
	return NewEmailNotifier(cfg, logger).WithSender(sender)
}

func TestSendReleaseReminder_RendersMovie(t *testing.T) {
	sender := &captureSender{}
	n := newTestNotifier(sender)

	user := &model.User{Name: "Ana", Email: "ana@example.com"}
	movie := &model.Movie{
		ID:         9,
		Title:      "Dune <Part Two>",
		CoverImage: "https://cdn.example.com/movie-covers/dune.png",
		Synopsis:   "Paul unites with the Fremen.",
		Duration:   166,
	}
	if err := n.SendReleaseReminder(context.Background(), user, movie); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(sender.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(sender.msgs))
	}
	msg := sender.msgs[0]
	if got := msg.GetHeader("To"); len(got) != 1 || got[0] != "ana@example.com" {
		t.Fatalf("unexpected recipient %v", got)
	}
	if got := msg.GetHeader("Subject"); len(got) != 1 || got[0] != "Reminder: Dune <Part Two> premieres today!" {
		t.Fatalf("unexpected subject %v", got)
	}

	body, err := renderReminder(user, movie)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{"Hello Ana", "166 minutes", "dune.png", "Dune &lt;Part Two&gt;", "ana@example.com"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected body to contain %q", want)
		}
	}
}

func TestSendReleaseReminder_NotConfigured(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n := NewEmailNotifier(&config.EmailConfig{}, logger)
	err := n.SendReleaseReminder(context.Background(), &model.User{Email: "a@b.c"}, &model.Movie{Title: "x"})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSendReleaseReminder_SenderError(t *testing.T) {
	n := newTestNotifier(&captureSender{err: errors.New("smtp down")})
	err := n.SendReleaseReminder(context.Background(), &model.User{Email: "a@b.c"}, &model.Movie{Title: "x"})
	if err == nil || !strings.Contains(err.Error(), "smtp down") {
		t.Fatalf("expected wrapped smtp error, got %v", err)
	}
}
