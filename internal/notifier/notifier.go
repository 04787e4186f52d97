package notifier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"aegis/internal/hub"
	"aegis/internal/models"
)

type Notifier interface {
	Notify(ctx context.Context, n models.Notice)
}

type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(ctx context.Context, n models.Notice) {
	level := slog.LevelInfo
	switch n.Level {
	case models.NoticeWarning:
		level = slog.LevelWarn
	case models.NoticeError:
		level = slog.LevelError
	}
	l.Logger.Log(ctx, level, "notice", "severity", string(n.Level), "message", n.Message)
}

type Broadcast struct {
	Notices *hub.Registry[models.Notice]
}

func (b Broadcast) Notify(_ context.Context, n models.Notice) {
	b.Notices.Publish(n)
}

// Multi fans a notice out to several notifiers, stamping the time once.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n models.Notice) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	for _, x := range m {
		if x != nil {
			x.Notify(ctx, n)
		}
	}
}

// TelegramSink forwards warnings and errors asynchronously.
type TelegramSink struct {
	Bot    *Telegram
	Prefix string
	Logger *slog.Logger

	wg sync.WaitGroup
}

func (s *TelegramSink) Notify(ctx context.Context, n models.Notice) {
	if s.Bot == nil || !s.Bot.Enabled() {
		return
	}
	if n.Level != models.NoticeWarning && n.Level != models.NoticeError {
		return
	}
	msg := n.Message
	if s.Prefix != "" {
		msg = s.Prefix + ": " + msg
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := s.Bot.Send(ctx, msg); err != nil && s.Logger != nil {
			s.Logger.Warn("telegram notice failed", "err", err)
		}
	}()
}

func (s *TelegramSink) Wait() { s.wg.Wait() }
