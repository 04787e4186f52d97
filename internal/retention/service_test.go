package retention

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (f *fakePruner) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return 1, f.err
}

func (f *fakePruner) calls() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.cutoffs...)
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestRunUsesRetentionWindow(t *testing.T) {
	now := time.Date(2026, 3, 31, 8, 0, 0, 0, time.UTC)
	p := &fakePruner{}
	NewService(p, 7, clockwork.NewFakeClockAt(now), discard).Run(context.Background())
	require.Len(t, p.calls(), 1)
	assert.Equal(t, now.AddDate(0, 0, -7), p.calls()[0])
}

func TestDefaultRetention(t *testing.T) {
	now := time.Date(2026, 3, 31, 8, 0, 0, 0, time.UTC)
	p := &fakePruner{err: errors.New("database is locked")}
	NewService(p, 0, clockwork.NewFakeClockAt(now), discard).Run(context.Background())
	assert.Equal(t, now.AddDate(0, 0, -30), p.calls()[0])
}

func TestLoopRunsOnEveryTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := &fakePruner{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewService(p, 14, clock, discard).Loop(ctx, time.Hour)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(p.calls()) == 1 }, time.Second, 5*time.Millisecond)
	clock.Advance(time.Hour)
	require.Eventually(t, func() bool { return len(p.calls()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
