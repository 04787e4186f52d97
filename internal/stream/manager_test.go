package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/internal/hub"
	"aegis/internal/models"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type fakeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-c.closed:
		return nil, net.ErrClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	errs  []error
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

type noticeLog struct {
	mu      sync.Mutex
	notices []models.Notice
}

func (n *noticeLog) Notify(_ context.Context, notice models.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *noticeLog) count(level models.NoticeLevel) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, x := range n.notices {
		if x.Level == level {
			c++
		}
	}
	return c
}

type harness struct {
	m       *Manager
	dialer  *fakeDialer
	clock   clockwork.Clock
	advance func(time.Duration)
	block   func(int)
	notices *noticeLog
	events  *hub.Registry[models.StatusUpdateEvent]
	got     chan models.StatusUpdateEvent
}

func newHarness(t *testing.T, cfg Config, dialer *fakeDialer) *harness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := hub.NewRegistry[models.StatusUpdateEvent]("events", logger, nil)
	got := make(chan models.StatusUpdateEvent, 16)
	events.Subscribe("test", func(ev models.StatusUpdateEvent) error {
		got <- ev
		return nil
	})
	notices := &noticeLog{}
	if cfg.URL == "" {
		cfg.URL = "ws://upstream/containers/stream"
	}
	m, err := NewManager(cfg, Options{
		Dialer:   dialer,
		Events:   events,
		Notifier: notices,
		Clock:    clock,
		Logger:   logger,
	})
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return &harness{
		m:       m,
		dialer:  dialer,
		clock:   clock,
		advance: clock.Advance,
		block:   clock.BlockUntil,
		notices: notices,
		events:  events,
		got:     got,
	}
}

func fixedDelay() Config {
	return Config{InitialDelay: 5 * time.Second, MaxDelay: 5 * time.Second, Multiplier: 1}
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.m.State() == want }, waitFor, tick, "state never became %s (now %s)", want, h.m.State())
}

func TestOpenDeliversEventsAndAnnouncesOnce(t *testing.T) {
	h := newHarness(t, fixedDelay(), &fakeDialer{})
	h.m.Start(context.Background())
	h.waitState(t, StateOpen)

	h.m.Open()
	h.m.Open()
	assert.Equal(t, 1, h.dialer.dials())

	h.dialer.last().frames <- []byte(`{"type":"host_status_update","payload":{"host_id":"h1","status":"online"}}`)
	select {
	case ev := <-h.got:
		assert.Equal(t, models.HostStatusUpdate{HostID: "h1", Status: models.StatusOnline}, ev)
	case <-time.After(waitFor):
		t.Fatal("event not delivered")
	}
	assert.Equal(t, 1, h.notices.count(models.NoticeSuccess))
}

func TestMalformedFrameIsDroppedWithoutClosing(t *testing.T) {
	h := newHarness(t, fixedDelay(), &fakeDialer{})
	h.m.Start(context.Background())
	h.waitState(t, StateOpen)

	conn := h.dialer.last()
	conn.frames <- []byte(`{"type":"mystery","payload":{}}`)
	conn.frames <- []byte(`{"type":"container_status_update","payload":{"host_id":"h1","container_id":"c1","status":"scanned"}}`)

	select {
	case ev := <-h.got:
		assert.Equal(t, models.ContainerStatusUpdate{HostID: "h1", ContainerID: "c1", Status: models.StatusScanned}, ev)
	case <-time.After(waitFor):
		t.Fatal("event not delivered")
	}
	assert.Equal(t, StateOpen, h.m.State())
	assert.Equal(t, 1, h.dialer.dials())
}

func TestUnexpectedCloseReconnectsAfterDelay(t *testing.T) {
	h := newHarness(t, fixedDelay(), &fakeDialer{})
	var mu sync.Mutex
	resyncs := 0
	h.m.OnOpen(func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		resyncs++
		return nil
	})
	h.m.Start(context.Background())
	h.waitState(t, StateOpen)

	close(h.dialer.last().frames)
	h.waitState(t, StateReconnecting)
	assert.Equal(t, 1, h.notices.count(models.NoticeWarning))

	h.block(1)
	h.advance(4 * time.Second)
	assert.Equal(t, 1, h.dialer.dials())
	h.advance(time.Second)
	h.waitState(t, StateOpen)

	assert.Equal(t, 2, h.dialer.dials())
	assert.Equal(t, 1, h.events.Len())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return resyncs == 2
	}, waitFor, tick)
	assert.Equal(t, 2, h.notices.count(models.NoticeSuccess))

	h.dialer.last().frames <- []byte(`{"type":"host_status_update","payload":{"host_id":"h2","status":"idle"}}`)
	select {
	case ev := <-h.got:
		assert.Equal(t, "h2", ev.Host())
	case <-time.After(waitFor):
		t.Fatal("event not delivered after reconnect")
	}
	select {
	case ev := <-h.got:
		t.Fatalf("duplicate delivery: %v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestOpenWhileReconnectingConnectsImmediately(t *testing.T) {
	dialer := &fakeDialer{errs: []error{errors.New("connection refused")}}
	h := newHarness(t, fixedDelay(), dialer)
	h.m.Start(context.Background())
	h.waitState(t, StateReconnecting)

	h.m.Open()
	h.waitState(t, StateOpen)
	assert.Equal(t, 1, dialer.dials())

	h.advance(10 * time.Second)
	assert.Never(t, func() bool { return dialer.dials() > 1 }, 50*time.Millisecond, tick)
	assert.Equal(t, StateOpen, h.m.State())
}

func TestGivesUpAfterRetryCeiling(t *testing.T) {
	refused := errors.New("connection refused")
	dialer := &fakeDialer{errs: []error{refused, refused, refused}}
	cfg := fixedDelay()
	cfg.MaxRetries = 2
	h := newHarness(t, cfg, dialer)
	h.m.Start(context.Background())

	for i := 0; i < 2; i++ {
		h.waitState(t, StateReconnecting)
		h.block(1)
		h.advance(5 * time.Second)
	}
	h.waitState(t, StateClosed)
	assert.Equal(t, 1, h.notices.count(models.NoticeError))
	assert.Equal(t, 0, dialer.dials())

	h.m.Open()
	h.waitState(t, StateOpen)
	assert.Equal(t, 1, dialer.dials())
}

func TestStopCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t, fixedDelay(), &fakeDialer{})
	h.m.Start(context.Background())
	h.waitState(t, StateOpen)
	conn := h.dialer.last()

	close(conn.frames)
	h.waitState(t, StateReconnecting)
	h.block(1)
	h.m.Stop()

	assert.Equal(t, StateClosed, h.m.State())
	h.advance(time.Minute)
	assert.Never(t, func() bool { return h.dialer.dials() > 1 }, 50*time.Millisecond, tick)
}

func TestStopClosesOpenTransport(t *testing.T) {
	h := newHarness(t, fixedDelay(), &fakeDialer{})
	h.m.Start(context.Background())
	h.waitState(t, StateOpen)
	conn := h.dialer.last()

	h.m.Stop()

	select {
	case <-conn.closed:
	default:
		t.Fatal("transport left open")
	}
	assert.Equal(t, StateClosed, h.m.State())
	assert.Equal(t, 0, h.notices.count(models.NoticeWarning))
}

func TestNewManagerRequiresURL(t *testing.T) {
	_, err := NewManager(Config{}, Options{Dialer: &fakeDialer{}, Events: hub.NewRegistry[models.StatusUpdateEvent]("e", nil, nil)})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "url"))
}
