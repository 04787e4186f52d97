package resync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/internal/hub"
	"aegis/internal/models"
	"aegis/internal/reconcile"
)

type fakeSource struct {
	hosts      []models.HostRecord
	containers map[string][]models.ContainerRecord
	failHost   string
	scanErr    error
	scans      [][2]string
}

func (f *fakeSource) ListHosts(context.Context) ([]models.HostRecord, error) {
	return f.hosts, nil
}

func (f *fakeSource) ListContainers(_ context.Context, hostID string) ([]models.ContainerRecord, error) {
	if hostID == f.failHost {
		return nil, errors.New("backend timeout")
	}
	return f.containers[hostID], nil
}

func (f *fakeSource) TriggerScan(_ context.Context, hostID, containerID string) error {
	f.scans = append(f.scans, [2]string{hostID, containerID})
	return f.scanErr
}

type resyncLog struct {
	ok []bool
}

func (r *resyncLog) Resync(ok bool, _ time.Duration) { r.ok = append(r.ok, ok) }

func newTestService(src *fakeSource) (*Service, *reconcile.Reconciler, *resyncLog) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := reconcile.New(hub.NewRegistry[reconcile.Change]("view", logger, nil), logger)
	metrics := &resyncLog{}
	return NewService(src, rec, metrics, logger), rec, metrics
}

func TestRefreshSeedsView(t *testing.T) {
	src := &fakeSource{
		hosts: []models.HostRecord{{ID: "h1", Name: "edge-1"}, {ID: "h2", Name: "edge-2"}},
		containers: map[string][]models.ContainerRecord{
			"h1": {{ContainerID: "c1", HostID: "h1", Status: models.StatusScanning}},
		},
	}
	svc, rec, metrics := newTestService(src)

	require.NoError(t, svc.Refresh(context.Background()))
	hosts := rec.Hosts()
	require.Len(t, hosts, 2)
	assert.Equal(t, models.StatusScanning, hosts[0].Status)
	assert.Equal(t, models.StatusIdle, hosts[1].Status)
	assert.Equal(t, []bool{true}, metrics.ok)
}

func TestRefreshFailureLeavesViewUntouched(t *testing.T) {
	src := &fakeSource{hosts: []models.HostRecord{{ID: "h1"}}}
	svc, rec, metrics := newTestService(src)
	require.NoError(t, svc.Refresh(context.Background()))

	src.hosts = []models.HostRecord{{ID: "h1"}, {ID: "h2"}}
	src.failHost = "h2"
	err := svc.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend timeout")
	assert.Len(t, rec.Hosts(), 1)
	assert.Equal(t, []bool{true, false}, metrics.ok)
}

func TestScanSetsOptimisticFlag(t *testing.T) {
	src := &fakeSource{
		hosts:      []models.HostRecord{{ID: "h1"}},
		containers: map[string][]models.ContainerRecord{"h1": {{ContainerID: "c1", HostID: "h1"}}},
	}
	svc, rec, _ := newTestService(src)
	require.NoError(t, svc.Refresh(context.Background()))

	require.NoError(t, svc.Scan(context.Background(), "h1", "c1"))
	containers, err := rec.Containers("h1")
	require.NoError(t, err)
	assert.True(t, containers[0].Pending)
	assert.Equal(t, [][2]string{{"h1", "c1"}}, src.scans)
}

func TestScanFailureWithdrawsFlag(t *testing.T) {
	src := &fakeSource{hosts: []models.HostRecord{{ID: "h1"}}, scanErr: errors.New("404 host not found")}
	svc, rec, _ := newTestService(src)
	require.NoError(t, svc.Refresh(context.Background()))

	require.Error(t, svc.Scan(context.Background(), "h1", ""))
	h, ok := rec.Host("h1")
	require.True(t, ok)
	assert.False(t, h.Pending)
}

// racingSource applies a live event while the container listing is in flight.
type racingSource struct {
	fakeSource
	during func()
}

func (r *racingSource) ListContainers(ctx context.Context, hostID string) ([]models.ContainerRecord, error) {
	out, err := r.fakeSource.ListContainers(ctx, hostID)
	if r.during != nil {
		r.during()
	}
	return out, err
}

func TestRefreshKeepsEventsNewerThanListing(t *testing.T) {
	src := &racingSource{fakeSource: fakeSource{
		hosts:      []models.HostRecord{{ID: "h1"}},
		containers: map[string][]models.ContainerRecord{"h1": {{ContainerID: "c1", HostID: "h1", Status: models.StatusScanning}}},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := reconcile.New(hub.NewRegistry[reconcile.Change]("view", logger, nil), logger)
	svc := NewService(src, rec, nil, logger)
	src.during = func() {
		require.NoError(t, rec.Handle(models.ContainerStatusUpdate{HostID: "h1", ContainerID: "c1", Status: models.StatusScanned}))
	}

	require.NoError(t, svc.Refresh(context.Background()))
	containers, err := rec.Containers("h1")
	require.NoError(t, err)
	require.Len(t, containers, 1)
	assert.Equal(t, models.StatusScanned, containers[0].Status)
	h, ok := rec.Host("h1")
	require.True(t, ok)
	assert.Equal(t, models.StatusIdle, h.Status)

	// with no event in flight the next listing is authoritative again
	src.during = nil
	src.containers["h1"] = []models.ContainerRecord{{ContainerID: "c1", HostID: "h1", Status: models.StatusError}}
	require.NoError(t, svc.Refresh(context.Background()))
	containers, _ = rec.Containers("h1")
	assert.Equal(t, models.StatusError, containers[0].Status)
}
