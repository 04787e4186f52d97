package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

type Pruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service prunes journal rows older than the retention window.
type Service struct {
	repo          Pruner
	retentionDays int
	clock         clockwork.Clock
	log           *slog.Logger
}

func NewService(repo Pruner, days int, clock clockwork.Clock, logger *slog.Logger) *Service {
	if days <= 0 {
		days = 30
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{repo: repo, retentionDays: days, clock: clock, log: logger}
}

func (s *Service) Run(ctx context.Context) {
	cutoff := s.clock.Now().UTC().AddDate(0, 0, -s.retentionDays)
	n, err := s.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.log.Error("retention cleanup failed", "err", err)
		return
	}
	s.log.Info("retention cleanup completed", "cutoff", cutoff, "deleted", n)
}

// Loop runs the cleanup immediately and then every interval until ctx ends.
func (s *Service) Loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	s.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.Run(ctx)
		}
	}
}
