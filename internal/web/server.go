package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"

	"aegis/internal/hub"
	"aegis/internal/journal"
	"aegis/internal/models"
	"aegis/internal/reconcile"
	"aegis/internal/remediation"
	"aegis/internal/stream"
	"aegis/internal/telemetry"
)

type StatusView interface {
	Hosts() []reconcile.HostView
	Containers(hostID string) ([]reconcile.ContainerView, error)
}

type Scanner interface {
	Scan(ctx context.Context, hostID, containerID string) error
}

type Connection interface {
	State() stream.State
	Open()
}

type Workflow interface {
	View() remediation.View
	Strategies() []models.Strategy
	SetSelection(targets []models.RemediationTarget) error
	SelectStrategy(id string) error
	Confirm() error
	Cancel() error
	Apply(ctx context.Context) (models.ApplyResult, error)
}

type Journal interface {
	ListAttempts(ctx context.Context, f journal.Filter) ([]models.RemediationAttempt, error)
	SaveTelegramSettings(ctx context.Context, token, chatID string) error
	Ping(ctx context.Context) error
}

type Telegram interface {
	Update(token, chatID string)
	Send(ctx context.Context, msg string) error
}

type Traces interface {
	Recent() []telemetry.SpanRecord
}

type EventMetrics interface {
	EventClientConnected()
	EventClientDisconnected(evicted bool)
}

type Options struct {
	View        StatusView
	Scanner     Scanner
	Connection  Connection
	Workflow    Workflow
	Catalog     *remediation.Catalog
	Parallelism int
	Journal     Journal
	Telegram    Telegram
	Traces      Traces

	Status      *hub.Registry[models.StatusUpdateEvent]
	Views       *hub.Registry[reconcile.Change]
	Notices     *hub.Registry[models.Notice]
	Remediation *hub.Registry[remediation.View]

	Metrics        EventMetrics
	MetricsHandler http.Handler
	EventBuffer    int
}

type Server struct {
	opts    Options
	log     *slog.Logger
	clients atomic.Uint64
}

func NewServer(opts Options, logger *slog.Logger) *Server {
	if opts.EventBuffer < 1 {
		opts.EventBuffer = 64
	}
	if opts.Metrics == nil {
		opts.Metrics = nopEventMetrics{}
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	return &Server{opts: opts, log: logger}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/hosts", s.handleHosts)
	mux.HandleFunc("GET /api/hosts/{id}/containers", s.handleContainers)
	mux.HandleFunc("POST /api/hosts/{id}/scan", s.handleScan)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/connection", s.handleConnection)
	mux.HandleFunc("POST /api/connection/open", s.handleConnectionOpen)
	mux.HandleFunc("GET /api/remediation/strategies", s.handleStrategies)
	mux.HandleFunc("POST /api/remediation/estimate", s.handleEstimate)
	mux.HandleFunc("GET /api/remediation", s.handleRemediation)
	mux.HandleFunc("POST /api/remediation/selection", s.handleSelection)
	mux.HandleFunc("POST /api/remediation/strategy", s.handleStrategy)
	mux.HandleFunc("POST /api/remediation/confirm", s.handleConfirm)
	mux.HandleFunc("POST /api/remediation/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/remediation/apply", s.handleApply)
	mux.HandleFunc("GET /api/remediation/history", s.handleHistory)
	mux.HandleFunc("GET /api/traces", s.handleTraces)
	mux.HandleFunc("POST /api/settings/telegram", s.handleSettingsTelegram)
	mux.HandleFunc("POST /api/settings/telegram/test", s.handleTestTelegram)
	if s.opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.opts.MetricsHandler)
	}
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	return logMiddleware(mux, s.log)
}

func (s *Server) handleHosts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.opts.View.Hosts())
}

func (s *Server) handleContainers(w http.ResponseWriter, r *http.Request) {
	containers, err := s.opts.View.Containers(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, containers)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContainerID string `json:"container_id"`
	}
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, err)
		return
	}
	if err := s.opts.Scanner.Scan(r.Context(), r.PathValue("id"), req.ContainerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "scanning"})
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"state": s.opts.Connection.State().String()})
}

func (s *Server) handleConnectionOpen(w http.ResponseWriter, r *http.Request) {
	s.opts.Connection.Open()
	writeJSONStatus(w, http.StatusAccepted, map[string]string{"state": s.opts.Connection.State().String()})
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.opts.Workflow.Strategies())
}

type estimateResponse struct {
	models.DowntimeEstimate
	EstimatedHuman string `json:"estimated_human"`
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strategy     string   `json:"strategy"`
		ContainerIDs []string `json:"container_ids"`
		Parallelism  int      `json:"parallelism"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	strategy, err := s.opts.Catalog.Lookup(req.Strategy)
	if err != nil {
		writeError(w, err)
		return
	}
	p := req.Parallelism
	if p == 0 {
		p = s.opts.Parallelism
	}
	est := remediation.Estimate(strategy, req.ContainerIDs, p)
	writeJSON(w, estimateResponse{DowntimeEstimate: est, EstimatedHuman: remediation.FormatSeconds(est.EstimatedTotalSeconds)})
}

type remediationResponse struct {
	remediation.View
	EstimatedHuman string `json:"estimated_human,omitempty"`
}

func (s *Server) writeRemediation(w http.ResponseWriter) {
	v := s.opts.Workflow.View()
	out := remediationResponse{View: v}
	if v.Estimate != nil {
		out.EstimatedHuman = remediation.FormatSeconds(v.Estimate.EstimatedTotalSeconds)
	}
	writeJSON(w, out)
}

func (s *Server) handleRemediation(w http.ResponseWriter, r *http.Request) {
	s.writeRemediation(w)
}

func (s *Server) handleSelection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Targets []models.RemediationTarget `json:"targets"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	if err := s.opts.Workflow.SetSelection(req.Targets); err != nil {
		writeError(w, err)
		return
	}
	s.writeRemediation(w)
}

func (s *Server) handleStrategy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strategy string `json:"strategy"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	if err := s.opts.Workflow.SelectStrategy(req.Strategy); err != nil {
		writeError(w, err)
		return
	}
	s.writeRemediation(w)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Workflow.Confirm(); err != nil {
		writeError(w, err)
		return
	}
	s.writeRemediation(w)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Workflow.Cancel(); err != nil {
		writeError(w, err)
		return
	}
	s.writeRemediation(w)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	res, err := s.opts.Workflow.Apply(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.Journal == nil {
		writeJSON(w, []models.RemediationAttempt{})
		return
	}
	q := r.URL.Query()
	f := journal.Filter{ScanID: q.Get("scan_id"), Outcome: models.AttemptOutcome(q.Get("outcome"))}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	if v := strings.TrimSpace(q.Get("range")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, trace.BadParameter("invalid range %q", v))
			return
		}
		since := time.Now().Add(-d).UTC()
		f.Since = &since
	}
	attempts, err := s.opts.Journal.ListAttempts(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, attempts)
}

func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	if s.opts.Traces == nil {
		writeJSON(w, []telemetry.SpanRecord{})
		return
	}
	spans := s.opts.Traces.Recent()
	if name := strings.TrimSpace(r.URL.Query().Get("name")); name != "" {
		filtered := spans[:0:0]
		for _, sp := range spans {
			if sp.Name == name {
				filtered = append(filtered, sp)
			}
		}
		spans = filtered
	}
	writeJSON(w, spans)
}

func (s *Server) handleSettingsTelegram(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token  string `json:"token"`
		ChatID string `json:"chat_id"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	token := strings.TrimSpace(req.Token)
	chatID := strings.TrimSpace(req.ChatID)
	if s.opts.Journal != nil {
		if err := s.opts.Journal.SaveTelegramSettings(r.Context(), token, chatID); err != nil {
			writeError(w, err)
			return
		}
	}
	if s.opts.Telegram != nil {
		s.opts.Telegram.Update(token, chatID)
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleTestTelegram(w http.ResponseWriter, r *http.Request) {
	if s.opts.Telegram == nil {
		writeError(w, trace.NotFound("telegram is not available"))
		return
	}
	if err := s.opts.Telegram.Send(r.Context(), "Aegis test notice: Telegram integration is working"); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Journal != nil {
		if err := s.opts.Journal.Ping(r.Context()); err != nil {
			http.Error(w, "journal not ready", http.StatusServiceUnavailable)
			return
		}
	}
	if st := s.opts.Connection.State(); st != stream.StateOpen {
		http.Error(w, "stream "+st.String(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func decodeJSON(r *http.Request, v any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) && allowEmpty {
		return nil
	}
	if err != nil {
		return trace.BadParameter("invalid request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var applyErr *models.ApplyError
	switch {
	case errors.As(err, &applyErr):
		code = http.StatusBadGateway
	case trace.IsBadParameter(err):
		code = http.StatusBadRequest
	case trace.IsNotFound(err):
		code = http.StatusNotFound
	case trace.IsCompareFailed(err):
		code = http.StatusConflict
	case trace.IsConnectionProblem(err):
		code = http.StatusBadGateway
	}
	writeJSONStatus(w, code, map[string]string{"error": err.Error()})
}

type nopEventMetrics struct{}

func (nopEventMetrics) EventClientConnected()        {}
func (nopEventMetrics) EventClientDisconnected(bool) {}
