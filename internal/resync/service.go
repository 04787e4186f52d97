package resync

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"

	"aegis/internal/models"
	"aegis/internal/reconcile"
)

type Source interface {
	ListHosts(ctx context.Context) ([]models.HostRecord, error)
	ListContainers(ctx context.Context, hostID string) ([]models.ContainerRecord, error)
	TriggerScan(ctx context.Context, hostID, containerID string) error
}

type View interface {
	Version() uint64
	Seed(s reconcile.Snapshot)
	MarkScanning(hostID, containerID string)
	ClearPending(hostID, containerID string)
}

type Recorder interface {
	Resync(ok bool, took time.Duration)
}

type Service struct {
	src     Source
	view    View
	metrics Recorder
	log     *slog.Logger
	now     func() time.Time
}

func NewService(src Source, view View, metrics Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{src: src, view: view, metrics: metrics, log: logger, now: time.Now}
}

// Refresh seeds the view with a full listing. Events that arrive while it is
// being fetched win over it.
func (s *Service) Refresh(ctx context.Context) error {
	start := s.now()
	asOf := s.view.Version()
	snap, err := s.fetch(ctx)
	snap.AsOf = asOf
	if s.metrics != nil {
		s.metrics.Resync(err == nil, s.now().Sub(start))
	}
	if err != nil {
		s.log.Warn("resync failed", "err", err)
		return trace.Wrap(err)
	}
	s.view.Seed(snap)
	s.log.Debug("resync complete", "hosts", len(snap.Hosts))
	return nil
}

func (s *Service) fetch(ctx context.Context) (reconcile.Snapshot, error) {
	hosts, err := s.src.ListHosts(ctx)
	if err != nil {
		return reconcile.Snapshot{}, trace.Wrap(err, "list hosts")
	}
	snap := reconcile.Snapshot{Hosts: hosts, Containers: make(map[string][]models.ContainerRecord, len(hosts))}
	for _, h := range hosts {
		containers, err := s.src.ListContainers(ctx, h.ID)
		if err != nil {
			return reconcile.Snapshot{}, trace.Wrap(err, "list containers of host %s", h.ID)
		}
		snap.Containers[h.ID] = containers
	}
	return snap, nil
}

func (s *Service) Scan(ctx context.Context, hostID, containerID string) error {
	s.view.MarkScanning(hostID, containerID)
	if err := s.src.TriggerScan(ctx, hostID, containerID); err != nil {
		s.view.ClearPending(hostID, containerID)
		s.log.Warn("trigger scan", "host_id", hostID, "container_id", containerID, "err", err)
		return trace.Wrap(err)
	}
	s.log.Info("scan requested", "host_id", hostID, "container_id", containerID)
	return nil
}
