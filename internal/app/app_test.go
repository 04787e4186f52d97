package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/internal/config"
)

func TestStartupFetchesOneSnapshotPerConnect(t *testing.T) {
	var listings atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/hosts/", func(w http.ResponseWriter, r *http.Request) {
		listings.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, "[]")
	})
	mux.HandleFunc("GET /v1/containers/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	upstream := httptest.NewServer(mux)
	t.Cleanup(upstream.Close)

	cfg := config.Config{
		Addr:        "127.0.0.1:0",
		UpstreamURL: upstream.URL,
		StreamURL:   upstream.URL + "/v1/containers/stream",
		Reconnect: config.Reconnect{
			Delay:      time.Second,
			MaxDelay:   time.Second,
			Multiplier: 1,
		},
		Parallelism:   1,
		DataDir:       t.TempDir(),
		RetentionDays: 30,
		SSEBuffer:     8,
		HTTPTimeout:   5 * time.Second,
	}
	cfg.DBPath = filepath.Join(cfg.DataDir, "aegis.db")
	require.NoError(t, cfg.CheckAndSetDefaults())

	a, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return listings.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), listings.Load())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}
}
