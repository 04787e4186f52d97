package remediation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/internal/models"
)

var rolling = models.Strategy{ID: "rolling-update", EstimatedTimePerContainerSeconds: 120, Kind: models.KindRollingUpdate}

func TestEstimate(t *testing.T) {
	tests := []struct {
		name        string
		ids         []string
		parallelism int
		count       int
		seconds     int
	}{
		{name: "batched", ids: []string{"a", "b", "c", "d"}, parallelism: 3, count: 4, seconds: 240},
		{name: "exact batches", ids: []string{"a", "b", "c", "d"}, parallelism: 2, count: 4, seconds: 240},
		{name: "no containers", parallelism: 2},
		{name: "zero parallelism is serial", ids: []string{"a", "b"}, parallelism: 0, count: 2, seconds: 240},
		{name: "negative parallelism is serial", ids: []string{"a"}, parallelism: -4, count: 1, seconds: 120},
		{name: "duplicates and blanks ignored", ids: []string{"a", "a", "", "b"}, parallelism: 1, count: 2, seconds: 240},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			est := Estimate(rolling, tt.ids, tt.parallelism)
			assert.Equal(t, tt.count, est.AffectedContainerCount)
			assert.Equal(t, tt.seconds, est.EstimatedTotalSeconds)
			assert.Equal(t, rolling, est.Strategy)
		})
	}
}

func TestEstimateIsDeterministic(t *testing.T) {
	ids := []string{"c3", "c1", "c2", "c1", "c5", "c4"}
	first := Estimate(rolling, ids, 2)
	assert.Equal(t, first, Estimate(rolling, ids, 2))

	reordered := []string{"c5", "c4", "c3", "c2", "c1"}
	assert.Equal(t, first, Estimate(rolling, reordered, 2))
	assert.Equal(t, first, Estimate(rolling, append(reordered, reordered...), 2))
	assert.Equal(t, 5, first.AffectedContainerCount)
	assert.Equal(t, 360, first.EstimatedTotalSeconds)

	local := LocalEstimator{Parallelism: 2}
	req := EstimateRequest{Strategy: rolling, Targets: []models.RemediationTarget{
		{ScanID: "s", VulnerabilityID: "v1", ContainerID: "c2"},
		{ScanID: "s", VulnerabilityID: "v2", ContainerID: "c1"},
	}}
	a, err := local.Estimate(context.Background(), req)
	require.NoError(t, err)
	req.Targets[0], req.Targets[1] = req.Targets[1], req.Targets[0]
	b, err := local.Estimate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFormatSeconds(t *testing.T) {
	assert.Equal(t, "0s", FormatSeconds(0))
	assert.Equal(t, "45s", FormatSeconds(45))
	assert.Equal(t, "4m", FormatSeconds(240))
	assert.Equal(t, "59m", FormatSeconds(3599))
	assert.Equal(t, "1h 5m", FormatSeconds(3900))
}

func TestEstimateRequestShape(t *testing.T) {
	single := EstimateRequest{Strategy: rolling, Targets: []models.RemediationTarget{
		{VulnerabilityID: "CVE-1", ScanID: "s1", ContainerID: "c1"},
	}}
	assert.Equal(t, models.RemediationRequest{ScanID: "s1", VulnerabilityID: "CVE-1", Strategy: "rolling-update"}, single.Request())

	batch := EstimateRequest{Strategy: rolling, Targets: []models.RemediationTarget{
		{VulnerabilityID: "CVE-1", ScanID: "s1", ContainerID: "c1"},
		{VulnerabilityID: "CVE-2", ScanID: "s1", ContainerID: "c2"},
	}}
	assert.Equal(t, models.RemediationRequest{ScanID: "s1", Strategy: "rolling-update"}, batch.Request())
	assert.Equal(t, []string{"c1", "c2"}, batch.ContainerIDs())
}

func TestLocalEstimatorHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := LocalEstimator{Parallelism: 2}.Estimate(ctx, EstimateRequest{Strategy: rolling})
	require.ErrorIs(t, err, context.Canceled)
}

type estimateAPIFunc func(context.Context, models.RemediationRequest) (models.DowntimeEstimate, error)

func (f estimateAPIFunc) Estimate(ctx context.Context, req models.RemediationRequest) (models.DowntimeEstimate, error) {
	return f(ctx, req)
}

func TestRemoteEstimator(t *testing.T) {
	var got models.RemediationRequest
	api := estimateAPIFunc(func(_ context.Context, req models.RemediationRequest) (models.DowntimeEstimate, error) {
		got = req
		return models.DowntimeEstimate{Strategy: models.Strategy{ID: req.Strategy}, AffectedContainerCount: 3, EstimatedTotalSeconds: 360}, nil
	})
	est, err := RemoteEstimator{API: api}.Estimate(context.Background(), EstimateRequest{
		Strategy: rolling,
		Targets:  []models.RemediationTarget{{VulnerabilityID: "CVE-9", ScanID: "s7", ContainerID: "c1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "s7", got.ScanID)
	assert.Equal(t, "CVE-9", got.VulnerabilityID)
	assert.Equal(t, rolling, est.Strategy)
	assert.Equal(t, 360, est.EstimatedTotalSeconds)

	boom := errors.New("unavailable")
	_, err = RemoteEstimator{API: estimateAPIFunc(func(context.Context, models.RemediationRequest) (models.DowntimeEstimate, error) {
		return models.DowntimeEstimate{}, boom
	})}.Estimate(context.Background(), EstimateRequest{Strategy: rolling})
	require.ErrorIs(t, err, boom)
}
