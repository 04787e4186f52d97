package remediation

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"aegis/internal/hub"
	"aegis/internal/models"
	"aegis/internal/telemetry"
)

type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseStrategySelected Phase = "strategy_selected"
	PhaseEstimating       Phase = "estimating"
	PhaseEstimateReady    Phase = "estimate_ready"
	PhaseConfirming       Phase = "confirming"
	PhaseApplying         Phase = "applying"
	PhaseApplied          Phase = "applied"
	PhaseFailed           Phase = "failed"
)

type View struct {
	Phase         Phase                      `json:"phase"`
	Selection     []models.RemediationTarget `json:"selection"`
	Strategy      *models.Strategy           `json:"strategy,omitempty"`
	Estimate      *models.DowntimeEstimate   `json:"estimate,omitempty"`
	EstimateError string                     `json:"estimate_error,omitempty"`
	ApplyError    string                     `json:"apply_error,omitempty"`
	Message       string                     `json:"message,omitempty"`
	Generation    uint64                     `json:"generation"`
}

type Applier interface {
	Apply(ctx context.Context, req models.RemediationRequest) (models.ApplyResult, error)
}

type Refresher interface {
	Refresh(ctx context.Context) error
}

type Journal interface {
	RecordAttempt(ctx context.Context, a models.RemediationAttempt) error
}

type Recorder interface {
	EstimateDropped()
	ApplyFinished(outcome string)
}

type Config struct {
	Catalog   *Catalog
	Estimator Estimator
	Applier   Applier
	Refresher Refresher
	Journal   Journal
	Metrics   Recorder
	Tracer    oteltrace.Tracer
	Changes   *hub.Registry[View]
	Clock     clockwork.Clock
	Logger    *slog.Logger
	NewID     func() string
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Catalog == nil {
		return trace.BadParameter("missing strategy catalog")
	}
	if c.Estimator == nil {
		return trace.BadParameter("missing estimator")
	}
	if c.Applier == nil {
		return trace.BadParameter("missing applier")
	}
	if c.Metrics == nil {
		c.Metrics = nopRecorder{}
	}
	if c.Tracer == nil {
		c.Tracer = telemetry.Tracer()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	return nil
}

// Coordinator drives the estimate, confirm and apply workflow. Every selection
// or strategy change supersedes the estimate in flight.
type Coordinator struct {
	cfg    Config
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	phase          Phase
	selection      []models.RemediationTarget
	strategy       *models.Strategy
	estimate       *models.DowntimeEstimate
	estimateErr    string
	applyErr       string
	message        string
	gen            uint64
	cancelEstimate context.CancelFunc
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:    cfg,
		log:    cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		phase:  PhaseIdle,
	}, nil
}

func (c *Coordinator) Strategies() []models.Strategy { return c.cfg.Catalog.List() }

func (c *Coordinator) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Coordinator) SetSelection(targets []models.RemediationTarget) error {
	targets = dedupe(targets)
	if err := checkSelection(targets); err != nil {
		return trace.Wrap(err)
	}
	c.mu.Lock()
	if c.phase == PhaseApplying {
		c.mu.Unlock()
		return trace.CompareFailed("remediation is being applied")
	}
	c.selection = targets
	c.supersedeLocked()
	view := c.viewLocked()
	c.mu.Unlock()
	c.publish(view)
	return nil
}

func (c *Coordinator) SelectStrategy(id string) error {
	var next *models.Strategy
	if id != "" {
		s, err := c.cfg.Catalog.Lookup(id)
		if err != nil {
			return trace.Wrap(err)
		}
		next = &s
	}
	c.mu.Lock()
	if c.phase == PhaseApplying {
		c.mu.Unlock()
		return trace.CompareFailed("remediation is being applied")
	}
	c.strategy = next
	c.supersedeLocked()
	view := c.viewLocked()
	c.mu.Unlock()
	c.publish(view)
	return nil
}

func (c *Coordinator) Confirm() error {
	c.mu.Lock()
	if c.phase != PhaseEstimateReady {
		phase := c.phase
		c.mu.Unlock()
		return trace.CompareFailed("cannot confirm while %s", phase)
	}
	c.phase = PhaseConfirming
	view := c.viewLocked()
	c.mu.Unlock()
	c.publish(view)
	return nil
}

func (c *Coordinator) Cancel() error {
	c.mu.Lock()
	if c.phase != PhaseConfirming {
		phase := c.phase
		c.mu.Unlock()
		return trace.CompareFailed("nothing to cancel while %s", phase)
	}
	c.phase = PhaseEstimateReady
	view := c.viewLocked()
	c.mu.Unlock()
	c.publish(view)
	return nil
}

// Apply submits the confirmed remediation. A failed apply keeps the selection.
func (c *Coordinator) Apply(ctx context.Context) (models.ApplyResult, error) {
	c.mu.Lock()
	if c.phase != PhaseConfirming {
		phase := c.phase
		c.mu.Unlock()
		return models.ApplyResult{}, trace.CompareFailed("apply requires confirmation, workflow is %s", phase)
	}
	if len(c.selection) == 0 {
		c.mu.Unlock()
		return models.ApplyResult{}, trace.BadParameter("no vulnerabilities selected")
	}
	if c.strategy == nil {
		c.mu.Unlock()
		return models.ApplyResult{}, trace.BadParameter("no remediation strategy selected")
	}
	req := EstimateRequest{Strategy: *c.strategy, Targets: c.selection}.Request()
	attempt := models.RemediationAttempt{
		ID:              c.cfg.NewID(),
		ScanID:          req.ScanID,
		VulnerabilityID: req.VulnerabilityID,
		StrategyID:      req.Strategy,
		StartedAt:       c.cfg.Clock.Now().UTC(),
	}
	if c.estimate != nil {
		attempt.AffectedContainers = c.estimate.AffectedContainerCount
		attempt.EstimatedSeconds = c.estimate.EstimatedTotalSeconds
	}
	c.phase = PhaseApplying
	c.applyErr = ""
	view := c.viewLocked()
	c.mu.Unlock()
	c.publish(view)

	op, _ := telemetry.Start(ctx, c.cfg.Tracer, "remediation.apply",
		attribute.String(telemetry.AttrAttemptID, attempt.ID),
		attribute.String(telemetry.AttrScanID, req.ScanID),
		attribute.String(telemetry.AttrVulnerabilityID, req.VulnerabilityID),
		attribute.String(telemetry.AttrStrategy, req.Strategy),
	)
	var res models.ApplyResult
	err := op.RunStep(op.Context(), "upstream.apply", func(ctx context.Context) error {
		var err error
		res, err = c.cfg.Applier.Apply(ctx, req)
		if err != nil {
			return asApplyError(err)
		}
		if !res.Success {
			return &models.ApplyError{Message: res.Message}
		}
		return nil
	})

	attempt.FinishedAt = c.cfg.Clock.Now().UTC()
	attempt.Outcome = models.OutcomeApplied
	attempt.Message = res.Message
	if err != nil {
		attempt.Outcome = models.OutcomeFailed
		attempt.Message = err.Error()
	}
	c.record(op, attempt)

	c.mu.Lock()
	if err == nil {
		c.phase = PhaseApplied
		c.selection = nil
		c.strategy = nil
		c.estimate = nil
		c.estimateErr = ""
		c.message = res.Message
		c.gen++
		view := c.viewLocked()
		c.mu.Unlock()
		c.publish(view)
		c.log.Info("remediation applied", "attempt", attempt.ID, "scan_id", req.ScanID, "strategy", req.Strategy)
		if c.cfg.Refresher != nil {
			if rerr := op.RunStep(op.Context(), "refresh", c.cfg.Refresher.Refresh); rerr != nil {
				c.log.Warn("refresh after apply failed", "err", rerr)
			}
		}
	} else {
		c.phase = PhaseFailed
		c.applyErr = err.Error()
		failed := c.viewLocked()
		c.phase = PhaseEstimateReady
		ready := c.viewLocked()
		c.mu.Unlock()
		c.publish(failed)
		c.publish(ready)
		c.log.Warn("remediation apply failed", "attempt", attempt.ID, "scan_id", req.ScanID, "strategy", req.Strategy, "err", err)
	}
	op.End(err)
	c.cfg.Metrics.ApplyFinished(string(attempt.Outcome))
	return res, err
}

func (c *Coordinator) record(op *telemetry.Operation, a models.RemediationAttempt) {
	if c.cfg.Journal == nil {
		return
	}
	ctx := context.WithoutCancel(op.Context())
	if err := op.RunStep(ctx, "journal.record", func(ctx context.Context) error {
		return c.cfg.Journal.RecordAttempt(ctx, a)
	}); err != nil {
		c.log.Error("record remediation attempt", "attempt", a.ID, "err", err)
	}
}

func (c *Coordinator) Wait() { c.wg.Wait() }

func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) supersedeLocked() {
	c.gen++
	if c.cancelEstimate != nil {
		c.cancelEstimate()
		c.cancelEstimate = nil
	}
	c.estimate = nil
	c.estimateErr = ""
	c.applyErr = ""
	c.message = ""
	switch {
	case c.strategy == nil:
		c.phase = PhaseIdle
	case len(c.selection) == 0:
		c.phase = PhaseStrategySelected
	default:
		c.startEstimateLocked()
	}
}

func (c *Coordinator) startEstimateLocked() {
	ctx, cancel := context.WithCancel(c.ctx)
	c.cancelEstimate = cancel
	c.phase = PhaseEstimating
	gen := c.gen
	req := EstimateRequest{Strategy: *c.strategy, Targets: append([]models.RemediationTarget(nil), c.selection...)}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		op, _ := telemetry.Start(ctx, c.cfg.Tracer, "remediation.estimate",
			attribute.String(telemetry.AttrStrategy, req.Strategy.ID),
			attribute.Int(telemetry.AttrContainers, len(req.Targets)),
			attribute.Int64(telemetry.AttrGeneration, int64(gen)),
		)
		est, err := c.cfg.Estimator.Estimate(op.Context(), req)
		op.End(err)
		c.finishEstimate(gen, req.Strategy.ID, est, err)
	}()
}

func (c *Coordinator) finishEstimate(gen uint64, strategyID string, est models.DowntimeEstimate, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		c.cfg.Metrics.EstimateDropped()
		c.log.Debug("dropping superseded estimate", "generation", gen, "strategy", strategyID)
		return
	}
	c.cancelEstimate = nil
	if err != nil {
		c.phase = PhaseStrategySelected
		c.estimateErr = (&models.EstimateError{Strategy: strategyID, Err: err}).Error()
	} else {
		c.phase = PhaseEstimateReady
		c.estimate = &est
	}
	view := c.viewLocked()
	c.mu.Unlock()
	if err != nil {
		c.log.Warn("downtime estimate failed", "strategy", strategyID, "err", err)
	}
	c.publish(view)
}

func (c *Coordinator) viewLocked() View {
	v := View{
		Phase:         c.phase,
		Selection:     append([]models.RemediationTarget{}, c.selection...),
		EstimateError: c.estimateErr,
		ApplyError:    c.applyErr,
		Message:       c.message,
		Generation:    c.gen,
	}
	if c.strategy != nil {
		s := *c.strategy
		v.Strategy = &s
	}
	if c.estimate != nil {
		e := *c.estimate
		v.Estimate = &e
	}
	return v
}

func (c *Coordinator) publish(v View) {
	if c.cfg.Changes != nil {
		c.cfg.Changes.Publish(v)
	}
}

func asApplyError(err error) error {
	var applyErr *models.ApplyError
	if errors.As(err, &applyErr) {
		return applyErr
	}
	return &models.ApplyError{Err: err}
}

func dedupe(targets []models.RemediationTarget) []models.RemediationTarget {
	seen := make(map[models.RemediationTarget]struct{}, len(targets))
	out := make([]models.RemediationTarget, 0, len(targets))
	for _, t := range targets {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func checkSelection(targets []models.RemediationTarget) error {
	for i, t := range targets {
		if t.ScanID == "" || t.VulnerabilityID == "" || t.ContainerID == "" {
			return trace.BadParameter("target %d: scan_id, vulnerability_id and container_id are required", i)
		}
	}
	if scans := distinctScans(targets); len(scans) > 1 {
		return trace.BadParameter("selection spans %d scans; remediate one scan at a time", len(scans))
	}
	return nil
}

func distinctScans(targets []models.RemediationTarget) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, t := range targets {
		if _, ok := seen[t.ScanID]; ok {
			continue
		}
		seen[t.ScanID] = struct{}{}
		out = append(out, t.ScanID)
	}
	return out
}

type nopRecorder struct{}

func (nopRecorder) EstimateDropped()     {}
func (nopRecorder) ApplyFinished(string) {}
