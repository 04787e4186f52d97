package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"aegis/internal/hub"
	"aegis/internal/models"
	"aegis/internal/reconcile"
	"aegis/internal/remediation"
)

const keepAliveInterval = 25 * time.Second

type sseEvent struct {
	name string
	data []byte
}

// a client whose buffer fills is evicted
type eventClient struct {
	ch      chan sseEvent
	gone    chan struct{}
	once    sync.Once
	evicted bool
}

func (c *eventClient) offer(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.offerRaw(name, data)
}

func (c *eventClient) offerRaw(name string, data []byte) error {
	select {
	case <-c.gone:
		return nil
	default:
	}
	select {
	case c.ch <- sseEvent{name: name, data: data}:
		return nil
	default:
		c.once.Do(func() {
			c.evicted = true
			close(c.gone)
		})
		return fmt.Errorf("event client fell behind")
	}
}

func (c *eventClient) close() {
	c.once.Do(func() { close(c.gone) })
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	c := &eventClient{ch: make(chan sseEvent, s.opts.EventBuffer), gone: make(chan struct{})}
	name := "sse-" + strconv.FormatUint(s.clients.Add(1), 10)
	var unsubscribe []func()
	if reg := s.opts.Status; reg != nil {
		sub := reg.Subscribe(name, func(ev models.StatusUpdateEvent) error {
			b, err := models.EncodeEvent(ev)
			if err != nil {
				return err
			}
			return c.offerRaw("status", b)
		})
		unsubscribe = append(unsubscribe, func() { reg.Unsubscribe(sub) })
	}
	if reg := s.opts.Views; reg != nil {
		unsubscribe = append(unsubscribe, subscribe(reg, name, c, "view", func(ch reconcile.Change) any { return ch }))
	}
	if reg := s.opts.Notices; reg != nil {
		unsubscribe = append(unsubscribe, subscribe(reg, name, c, "notice", func(n models.Notice) any { return n }))
	}
	if reg := s.opts.Remediation; reg != nil {
		unsubscribe = append(unsubscribe, subscribe(reg, name, c, "remediation", func(v remediation.View) any { return v }))
	}
	s.opts.Metrics.EventClientConnected()
	defer func() {
		for _, fn := range unsubscribe {
			fn()
		}
		c.close()
		s.opts.Metrics.EventClientDisconnected(c.evicted)
	}()

	state := "closed"
	if s.opts.Connection != nil {
		state = s.opts.Connection.State().String()
	}
	_ = c.offer("connection", map[string]string{"state": state})

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-c.gone:
			s.log.Warn("event client evicted", "client", name)
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case ev := <-c.ch:
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, ev.data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func subscribe[T any](reg *hub.Registry[T], name string, c *eventClient, event string, conv func(T) any) func() {
	sub := reg.Subscribe(name, func(v T) error { return c.offer(event, conv(v)) })
	return func() { reg.Unsubscribe(sub) }
}
