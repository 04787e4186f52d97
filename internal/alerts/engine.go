// Package alerts turns status transitions in the reconciled view into notices.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"aegis/internal/models"
	"aegis/internal/notifier"
	"aegis/internal/reconcile"
)

type View interface {
	Hosts() []reconcile.HostView
	Containers(hostID string) ([]reconcile.ContainerView, error)
}

// Engine raises notices when a host or container enters or leaves the error
// state, and when a host finishes scanning.
type Engine struct {
	notify   notifier.Notifier
	view     View
	cooldown time.Duration
	clock    clockwork.Clock
	log      *slog.Logger

	mu         sync.Mutex
	hosts      map[string]models.Status
	containers map[string]models.Status
	firing     map[string]bool
	lastFired  map[string]time.Time
}

func NewEngine(n notifier.Notifier, view View, cooldown time.Duration, clock clockwork.Clock, logger *slog.Logger) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		notify:     n,
		view:       view,
		cooldown:   cooldown,
		clock:      clock,
		log:        logger,
		hosts:      map[string]models.Status{},
		containers: map[string]models.Status{},
		firing:     map[string]bool{},
		lastFired:  map[string]time.Time{},
	}
}

func (e *Engine) Handle(c reconcile.Change) error {
	var notices []models.Notice
	e.mu.Lock()
	switch c.Kind {
	case reconcile.ChangeSnapshot:
		e.baselineLocked()
	case reconcile.ChangeHost:
		if c.Host != nil {
			notices = e.evalHostLocked(*c.Host)
		}
	case reconcile.ChangeContainer:
		if c.Container != nil {
			notices = e.evalContainerLocked(*c.Container)
		}
	}
	e.mu.Unlock()

	for _, n := range notices {
		e.notify.Notify(context.Background(), n)
	}
	return nil
}

func (e *Engine) baselineLocked() {
	if e.view == nil {
		return
	}
	hosts := map[string]models.Status{}
	containers := map[string]models.Status{}
	for _, h := range e.view.Hosts() {
		hosts[h.ID] = h.Status
		cs, err := e.view.Containers(h.ID)
		if err != nil {
			continue
		}
		for _, c := range cs {
			containers[containerKey(c.HostID, c.ContainerID)] = c.Status
		}
	}
	e.hosts = hosts
	e.containers = containers
	e.log.Debug("alert baseline reset", "hosts", len(hosts), "containers", len(containers))
}

func (e *Engine) evalHostLocked(h reconcile.HostView) []models.Notice {
	prev, seen := e.hosts[h.ID]
	e.hosts[h.ID] = h.Status
	if !seen || prev == h.Status {
		return nil
	}
	label := h.Name
	if label == "" {
		label = h.ID
	}
	key := "host:" + h.ID

	var out []models.Notice
	switch {
	case h.Status == models.StatusError:
		if n, ok := e.fireLocked(key, fmt.Sprintf("host %s reports an error", label)); ok {
			out = append(out, n)
		}
	case prev == models.StatusError:
		if n, ok := e.recoverLocked(key, fmt.Sprintf("host %s recovered (%s)", label, h.Status)); ok {
			out = append(out, n)
		}
	}
	if prev == models.StatusScanning && h.Status != models.StatusScanning && h.Status != models.StatusError {
		out = append(out, models.Notice{Level: models.NoticeSuccess, Message: fmt.Sprintf("scan finished on host %s", label)})
	}
	return out
}

func (e *Engine) evalContainerLocked(c reconcile.ContainerView) []models.Notice {
	k := containerKey(c.HostID, c.ContainerID)
	prev, seen := e.containers[k]
	e.containers[k] = c.Status
	if !seen || prev == c.Status {
		return nil
	}
	key := "container:" + k
	switch {
	case c.Status == models.StatusError:
		if n, ok := e.fireLocked(key, fmt.Sprintf("scan failed for container %s on host %s", shortTarget(c.ContainerID), c.HostID)); ok {
			return []models.Notice{n}
		}
	case prev == models.StatusError:
		if n, ok := e.recoverLocked(key, fmt.Sprintf("container %s on host %s recovered (%s)", shortTarget(c.ContainerID), c.HostID, c.Status)); ok {
			return []models.Notice{n}
		}
	}
	return nil
}

func (e *Engine) fireLocked(key, msg string) (models.Notice, bool) {
	now := e.clock.Now()
	if last, ok := e.lastFired[key]; ok && now.Sub(last) < e.cooldown {
		e.log.Debug("alert in cooldown", "target", key)
		return models.Notice{}, false
	}
	e.lastFired[key] = now
	e.firing[key] = true
	return models.Notice{Level: models.NoticeWarning, Message: msg, At: now.UTC()}, true
}

func (e *Engine) recoverLocked(key, msg string) (models.Notice, bool) {
	if !e.firing[key] {
		return models.Notice{}, false
	}
	delete(e.firing, key)
	return models.Notice{Level: models.NoticeInfo, Message: msg, At: e.clock.Now().UTC()}, true
}

func containerKey(hostID, containerID string) string {
	return hostID + "/" + containerID
}

func shortTarget(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
