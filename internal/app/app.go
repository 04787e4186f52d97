package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gravitational/trace"

	"aegis/internal/alerts"
	"aegis/internal/config"
	"aegis/internal/hub"
	"aegis/internal/journal"
	"aegis/internal/metrics"
	"aegis/internal/models"
	"aegis/internal/notifier"
	"aegis/internal/reconcile"
	"aegis/internal/remediation"
	"aegis/internal/resync"
	"aegis/internal/retention"
	"aegis/internal/stream"
	"aegis/internal/telemetry"
	"aegis/internal/upstream"
	"aegis/internal/web"
)

const retentionInterval = 6 * time.Hour

type App struct {
	cfg config.Config
	log *slog.Logger

	journal   *journal.Repository
	metrics   *metrics.Metrics
	upstream  *upstream.Client
	stream    *stream.Manager
	view      *reconcile.Reconciler
	coord     *remediation.Coordinator
	retention *retention.Service
	telegram  *notifier.TelegramSink
	tracing   *telemetry.Provider
	web       *web.Server

	httpSrv *http.Server
}

func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	sqldb, err := journal.Open(cfg.DBPath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := journal.Migrate(sqldb); err != nil {
		_ = sqldb.Close()
		return nil, trace.Wrap(err)
	}
	repo := journal.NewRepository(sqldb)
	m := metrics.New()
	tracing := telemetry.NewProvider(logger.With("module", "telemetry"), 256)
	tracing.Install()

	client, err := upstream.NewClient(cfg.UpstreamURL, &http.Client{Timeout: cfg.HTTPTimeout})
	if err != nil {
		_ = sqldb.Close()
		return nil, trace.Wrap(err)
	}

	token, chatID, _ := repo.LoadTelegramSettings(context.Background())
	if token == "" {
		token = cfg.TelegramBotToken
	}
	if chatID == "" {
		chatID = cfg.TelegramChatID
	}
	bot := notifier.NewTelegram(token, chatID)
	sink := &notifier.TelegramSink{Bot: bot, Prefix: "aegis", Logger: logger.With("module", "telegram")}

	notices := hub.NewRegistry[models.Notice]("notices", logger.With("module", "hub"), m)
	notify := notifier.Multi{
		notifier.Log{Logger: logger.With("module", "notice")},
		notifier.Broadcast{Notices: notices},
		sink,
	}

	events := hub.NewRegistry[models.StatusUpdateEvent]("status", logger.With("module", "hub"), m)
	view := reconcile.New(hub.NewRegistry[reconcile.Change]("view", logger.With("module", "hub"), m), logger.With("module", "reconcile"))
	events.Subscribe("reconciler", view.Handle)
	alerter := alerts.NewEngine(notify, view, cfg.AlertCooldown, nil, logger.With("module", "alerts"))
	view.Changes().Subscribe("alerts", alerter.Handle)
	resyncer := resync.NewService(client, view, m, logger.With("module", "resync"))

	dialer, err := stream.NewDialer(cfg.StreamURL, nil)
	if err != nil {
		_ = sqldb.Close()
		return nil, trace.Wrap(err)
	}
	mgr, err := stream.NewManager(stream.Config{
		URL:          cfg.StreamURL,
		InitialDelay: cfg.Reconnect.Delay,
		MaxDelay:     cfg.Reconnect.MaxDelay,
		Multiplier:   cfg.Reconnect.Multiplier,
		Jitter:       cfg.Reconnect.Jitter,
		MaxRetries:   cfg.Reconnect.MaxRetries,
	}, stream.Options{
		Dialer:   dialer,
		Events:   events,
		Notifier: notify,
		Metrics:  m,
		Logger:   logger.With("module", "stream"),
	})
	if err != nil {
		_ = sqldb.Close()
		return nil, trace.Wrap(err)
	}
	mgr.OnOpen(resyncer.Refresh)

	strategies := cfg.Strategies
	if len(strategies) == 0 {
		strategies = remediation.DefaultStrategies()
	}
	catalog, err := remediation.NewCatalog(strategies)
	if err != nil {
		_ = sqldb.Close()
		return nil, trace.Wrap(err)
	}
	var estimator remediation.Estimator = remediation.LocalEstimator{Parallelism: cfg.Parallelism}
	if cfg.EstimateSource == config.EstimateRemote {
		estimator = remediation.RemoteEstimator{API: client}
	}
	workflow := hub.NewRegistry[remediation.View]("remediation", logger.With("module", "hub"), m)
	coord, err := remediation.NewCoordinator(remediation.Config{
		Catalog:   catalog,
		Estimator: estimator,
		Applier:   client,
		Refresher: resyncer,
		Journal:   repo,
		Metrics:   m,
		Changes:   workflow,
		Tracer:    tracing.Tracer(),
		Logger:    logger.With("module", "remediation"),
	})
	if err != nil {
		_ = sqldb.Close()
		return nil, trace.Wrap(err)
	}

	w := web.NewServer(web.Options{
		View:           view,
		Scanner:        resyncer,
		Connection:     mgr,
		Workflow:       coord,
		Catalog:        catalog,
		Parallelism:    cfg.Parallelism,
		Journal:        repo,
		Telegram:       bot,
		Traces:         tracing,
		Status:         events,
		Views:          view.Changes(),
		Notices:        notices,
		Remediation:    workflow,
		Metrics:        m,
		MetricsHandler: m.Handler(),
		EventBuffer:    cfg.SSEBuffer,
	}, logger.With("module", "web"))

	a := &App{
		cfg:       cfg,
		log:       logger,
		journal:   repo,
		metrics:   m,
		upstream:  client,
		stream:    mgr,
		view:      view,
		coord:     coord,
		retention: retention.NewService(repo, cfg.RetentionDays, nil, logger.With("module", "retention")),
		telegram:  sink,
		tracing:   tracing,
		web:       w,
	}
	a.httpSrv = &http.Server{Addr: cfg.Addr, Handler: w.Routes(), ReadHeaderTimeout: 10 * time.Second}
	return a, nil
}

func (a *App) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		a.log.Info("http server listening", "addr", a.cfg.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	go a.retention.Loop(ctx, retentionInterval)
	// the first snapshot is fetched by the stream's open hook
	a.stream.Start(ctx)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errc:
		a.log.Error("http server failed", "err", err)
		runErr = trace.Wrap(err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.httpSrv.Shutdown(shutdownCtx)
	a.stream.Stop()
	a.coord.Close()
	a.telegram.Wait()
	return trace.NewAggregate(runErr, a.tracing.Shutdown(shutdownCtx), a.journal.Close())
}
