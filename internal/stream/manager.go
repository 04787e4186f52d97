package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"aegis/internal/hub"
	"aegis/internal/models"
)

type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "closed"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type Config struct {
	URL          string
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
	// MaxRetries bounds consecutive failed attempts; 0 retries forever.
	MaxRetries int
}

func (c *Config) CheckAndSetDefaults() error {
	if c.URL == "" {
		return trace.BadParameter("stream url is required")
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 5 * time.Second
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = 1
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = 0
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return nil
}

type Notifier interface {
	Notify(ctx context.Context, n models.Notice)
}

type Recorder interface {
	StreamState(state string)
	StreamReconnect()
	StreamEvent(eventType string)
	StreamMalformed()
}

type Options struct {
	Dialer   Dialer
	Events   *hub.Registry[models.StatusUpdateEvent]
	Notifier Notifier
	Metrics  Recorder
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// Manager owns the single upstream transport and reconnects with backoff.
type Manager struct {
	cfg      Config
	dialer   Dialer
	events   *hub.Registry[models.StatusUpdateEvent]
	notifier Notifier
	metrics  Recorder
	clock    clockwork.Clock
	log      *slog.Logger

	mu       sync.Mutex
	base     context.Context
	state    State
	gen      uint64
	conn     Conn
	cancel   context.CancelFunc
	wake     chan struct{}
	retry    backoff.BackOff
	failures int
	onOpen   []func(context.Context) error
	wg       sync.WaitGroup
}

func NewManager(cfg Config, opts Options) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if opts.Dialer == nil {
		return nil, trace.BadParameter("stream dialer is required")
	}
	if opts.Events == nil {
		return nil, trace.BadParameter("event registry is required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}
	m := &Manager{
		cfg:      cfg,
		dialer:   opts.Dialer,
		events:   opts.Events,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		log:      opts.Logger,
		state:    StateClosed,
	}
	m.retry = newBackOff(cfg, opts.Clock)
	return m, nil
}

func newBackOff(cfg Config, clock clockwork.Clock) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.MaxInterval = cfg.MaxDelay
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = cfg.Jitter
	b.MaxElapsedTime = 0
	b.Clock = clock
	b.Reset()
	if cfg.MaxRetries > 0 {
		return backoff.WithMaxRetries(b, uint64(cfg.MaxRetries))
	}
	return b
}

// OnOpen hooks run after each connect, before the first frame is read.
func (m *Manager) OnOpen(fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOpen = append(m.onOpen, fn)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()
	m.Open()
}

func (m *Manager) Open() {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateOpen, StateConnecting:
		return
	case StateReconnecting:
		m.stopTimerLocked()
	case StateClosed:
		m.retry.Reset()
		m.failures = 0
	}
	m.connectLocked()
}

func (m *Manager) Stop() {
	m.mu.Lock()
	m.gen++
	m.stopTimerLocked()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.setStateLocked(StateClosed)
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) connectLocked() {
	m.gen++
	gen := m.gen
	base := m.base
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	m.cancel = cancel
	m.setStateLocked(StateConnecting)
	m.wg.Add(1)
	go m.run(ctx, gen)
}

func (m *Manager) run(ctx context.Context, gen uint64) {
	defer m.wg.Done()
	conn, err := m.dialer.Dial(ctx, m.cfg.URL)
	if err != nil {
		m.fail(gen, &models.TransportError{Op: "dial", Err: err})
		return
	}
	hooks, ok := m.opened(gen, conn)
	if !ok {
		_ = conn.Close()
		return
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	m.log.Info("live updates connected", "url", m.cfg.URL)
	m.notify(models.NoticeSuccess, "Real-time updates connected.")
	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			m.log.Warn("open hook failed", "err", err)
		}
	}

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			m.fail(gen, &models.TransportError{Op: "read", Err: err})
			return
		}
		ev, err := DecodeFrame(frame)
		if err != nil {
			m.metrics.StreamMalformed()
			m.log.Warn("dropping malformed event", "err", err)
			continue
		}
		m.metrics.StreamEvent(ev.EventType())
		m.events.Publish(ev)
	}
}

func (m *Manager) opened(gen uint64, conn Conn) ([]func(context.Context) error, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return nil, false
	}
	m.conn = conn
	m.retry.Reset()
	m.failures = 0
	m.setStateLocked(StateOpen)
	return append([]func(context.Context) error(nil), m.onOpen...), true
}

func (m *Manager) fail(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.base != nil && m.base.Err() != nil {
		m.setStateLocked(StateClosed)
		m.mu.Unlock()
		return
	}
	m.failures++
	failures := m.failures
	delay := m.retry.NextBackOff()
	if delay == backoff.Stop {
		m.setStateLocked(StateClosed)
		m.mu.Unlock()
		m.log.Error("giving up on live updates", "attempts", failures, "err", cause)
		m.notify(models.NoticeError, fmt.Sprintf("Real-time updates stopped after %d failed attempts.", failures))
		return
	}
	m.setStateLocked(StateReconnecting)
	m.scheduleLocked(delay)
	m.mu.Unlock()

	m.metrics.StreamReconnect()
	m.log.Warn("live updates lost", "err", cause, "attempt", failures, "retry_in", delay)
	m.notify(models.NoticeWarning, fmt.Sprintf("Real-time updates disconnected. Reconnecting in %s.", delay.Round(time.Second)))
}

func (m *Manager) scheduleLocked(delay time.Duration) {
	timer := m.clock.NewTimer(delay)
	wake := make(chan struct{})
	m.wake = wake
	gen := m.gen
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-timer.Chan():
			m.reconnect(gen)
		case <-wake:
			timer.Stop()
		}
	}()
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != StateReconnecting {
		return
	}
	m.wake = nil
	m.connectLocked()
}

func (m *Manager) stopTimerLocked() {
	if m.wake != nil {
		close(m.wake)
		m.wake = nil
	}
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	m.metrics.StreamState(s.String())
}

func (m *Manager) notify(level models.NoticeLevel, msg string) {
	m.notifier.Notify(context.Background(), models.Notice{Level: level, Message: msg, At: m.clock.Now().UTC()})
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, models.Notice) {}

type nopRecorder struct{}

func (nopRecorder) StreamState(string) {}
func (nopRecorder) StreamReconnect()   {}
func (nopRecorder) StreamEvent(string) {}
func (nopRecorder) StreamMalformed()   {}
