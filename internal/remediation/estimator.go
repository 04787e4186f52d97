package remediation

import (
	"context"
	"fmt"

	"aegis/internal/models"
)

// Estimate ignores duplicate and empty ids; parallelism below one means one.
func Estimate(strategy models.Strategy, containerIDs []string, parallelism int) models.DowntimeEstimate {
	if parallelism < 1 {
		parallelism = 1
	}
	seen := make(map[string]struct{}, len(containerIDs))
	for _, id := range containerIDs {
		if id == "" {
			continue
		}
		seen[id] = struct{}{}
	}
	count := len(seen)
	batches := (count + parallelism - 1) / parallelism
	return models.DowntimeEstimate{
		Strategy:               strategy,
		AffectedContainerCount: count,
		EstimatedTotalSeconds:  batches * strategy.EstimatedTimePerContainerSeconds,
	}
}

// FormatSeconds renders a duration as "45s", "4m" or "1h 5m".
func FormatSeconds(seconds int) string {
	switch {
	case seconds < 60:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%dm", seconds/60)
	default:
		return fmt.Sprintf("%dh %dm", seconds/3600, (seconds%3600)/60)
	}
}

type EstimateRequest struct {
	Strategy models.Strategy
	Targets  []models.RemediationTarget
}

// Request sends the vulnerability id only for a single target.
func (r EstimateRequest) Request() models.RemediationRequest {
	req := models.RemediationRequest{Strategy: r.Strategy.ID}
	if len(r.Targets) > 0 {
		req.ScanID = r.Targets[0].ScanID
	}
	if len(r.Targets) == 1 {
		req.VulnerabilityID = r.Targets[0].VulnerabilityID
	}
	return req
}

func (r EstimateRequest) ContainerIDs() []string {
	out := make([]string, 0, len(r.Targets))
	for _, t := range r.Targets {
		out = append(out, t.ContainerID)
	}
	return out
}

type Estimator interface {
	Estimate(ctx context.Context, req EstimateRequest) (models.DowntimeEstimate, error)
}

type LocalEstimator struct {
	Parallelism int
}

func (l LocalEstimator) Estimate(ctx context.Context, req EstimateRequest) (models.DowntimeEstimate, error) {
	if err := ctx.Err(); err != nil {
		return models.DowntimeEstimate{}, err
	}
	return Estimate(req.Strategy, req.ContainerIDs(), l.Parallelism), nil
}

type EstimateAPI interface {
	Estimate(ctx context.Context, req models.RemediationRequest) (models.DowntimeEstimate, error)
}

type RemoteEstimator struct {
	API EstimateAPI
}

func (r RemoteEstimator) Estimate(ctx context.Context, req EstimateRequest) (models.DowntimeEstimate, error) {
	est, err := r.API.Estimate(ctx, req.Request())
	if err != nil {
		return models.DowntimeEstimate{}, err
	}
	est.Strategy = req.Strategy
	return est, nil
}
