package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"aegis/internal/hub"
	"aegis/internal/logging"
	"aegis/internal/models"
	"aegis/internal/stream"
)

// printer serializes terminal output from hub callbacks.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) Notify(_ context.Context, n models.Notice) {
	p.println(noticeLine(n))
}

func (p *printer) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, s)
}

func (p *printer) event(ev models.StatusUpdateEvent) error {
	switch e := ev.(type) {
	case models.ContainerStatusUpdate:
		line := fmt.Sprintf("%s %s/%s %s", mutedStyle.Render("container"), e.HostID, e.ContainerID, statusText(e.Status))
		if e.ScanID != "" {
			line += mutedStyle.Render(" scan=" + e.ScanID)
		}
		p.println(line)
	case models.HostStatusUpdate:
		p.println(fmt.Sprintf("%s %s %s", boldStyle.Render("host"), e.HostID, statusText(e.Status)))
	}
	return nil
}

func watchCmd(debug *bool) *cobra.Command {
	var streamURL string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print live status updates from the upstream stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*debug)
			if err != nil {
				return err
			}
			if !*debug {
				cfg.LogLevel = logging.LevelWarn
			}
			logger, err := logging.Configure(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			if streamURL == "" {
				streamURL = cfg.StreamURL
			}

			p := &printer{out: cmd.OutOrStdout()}
			events := hub.NewRegistry[models.StatusUpdateEvent]("status", logger, nil)
			events.Subscribe("terminal", p.event)

			dialer, err := stream.NewDialer(streamURL, nil)
			if err != nil {
				return err
			}
			mgr, err := stream.NewManager(stream.Config{
				URL:          streamURL,
				InitialDelay: cfg.Reconnect.Delay,
				MaxDelay:     cfg.Reconnect.MaxDelay,
				Multiplier:   cfg.Reconnect.Multiplier,
				Jitter:       cfg.Reconnect.Jitter,
				MaxRetries:   cfg.Reconnect.MaxRetries,
			}, stream.Options{Dialer: dialer, Events: events, Notifier: p, Logger: logger})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			p.println(accentStyle.Render("●") + " watching " + streamURL)
			mgr.Start(ctx)
			<-ctx.Done()
			mgr.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&streamURL, "url", "", "Stream URL (defaults to AEGIS_STREAM_URL)")
	return cmd
}
