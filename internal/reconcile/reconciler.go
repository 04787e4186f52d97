// Package reconcile projects the live status stream onto a host/container view.
// A host shows scanning while any of its containers is scanning, and otherwise
// its last reported non-scanning status.
package reconcile

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/gravitational/trace"

	"aegis/internal/hub"
	"aegis/internal/models"
)

type HostView struct {
	ID      string        `json:"id"`
	Name    string        `json:"name,omitempty"`
	Address string        `json:"address,omitempty"`
	Status  models.Status `json:"status"`
	Reported       models.Status `json:"reported_status,omitempty"`
	WorstContainer models.Status `json:"worst_container_status,omitempty"`
	Pending        bool          `json:"pending"`
	Containers     int           `json:"containers"`
}

func (h HostView) Effective() models.Status {
	if h.Pending {
		return models.StatusScanning
	}
	return h.Status
}

type ContainerView struct {
	HostID      string        `json:"host_id"`
	ContainerID string        `json:"container_id"`
	Name        string        `json:"name,omitempty"`
	Image       string        `json:"image,omitempty"`
	Status      models.Status `json:"status"`
	ScanID      string        `json:"scan_id,omitempty"`
	Pending     bool          `json:"pending"`
}

func (c ContainerView) Effective() models.Status {
	if c.Pending {
		return models.StatusScanning
	}
	return c.Status
}

type ChangeKind string

const (
	ChangeHost      ChangeKind = "host"
	ChangeContainer ChangeKind = "container"
	ChangeSnapshot  ChangeKind = "snapshot"
)

type Change struct {
	Kind      ChangeKind     `json:"kind"`
	Host      *HostView      `json:"host,omitempty"`
	Container *ContainerView `json:"container,omitempty"`
	Derived bool `json:"derived,omitempty"`
}

type Snapshot struct {
	Hosts      []models.HostRecord
	Containers map[string][]models.ContainerRecord
	// AsOf is the Version read before fetching; zero seeds everything.
	AsOf uint64
}

type hostState struct {
	view       HostView
	base       models.Status
	containers map[string]*ContainerView
	version    uint64
	versions   map[string]uint64
}

type Reconciler struct {
	log     *slog.Logger
	changes *hub.Registry[Change]

	mu      sync.Mutex
	version uint64
	hosts   map[string]*hostState
	// pending is the optimistic side-table; a zero container marks the host.
	pending map[entityKey]struct{}
}

type entityKey struct {
	host      string
	container string
}

func New(changes *hub.Registry[Change], logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		log:     logger,
		changes: changes,
		version: 1,
		hosts:   map[string]*hostState{},
		pending: map[entityKey]struct{}{},
	}
}

func (r *Reconciler) Changes() *hub.Registry[Change] { return r.changes }

// Version increases with every applied event.
func (r *Reconciler) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

func (r *Reconciler) Handle(ev models.StatusUpdateEvent) error {
	var out []Change
	r.mu.Lock()
	r.version++
	switch e := ev.(type) {
	case models.ContainerStatusUpdate:
		out = r.applyContainerLocked(e)
	case models.HostStatusUpdate:
		out = r.applyHostLocked(e)
	default:
		r.mu.Unlock()
		return trace.BadParameter("unsupported status event %T", ev)
	}
	r.mu.Unlock()
	r.publish(out)
	return nil
}

func (r *Reconciler) applyContainerLocked(e models.ContainerStatusUpdate) []Change {
	h := r.hostLocked(e.HostID)
	c, ok := h.containers[e.ContainerID]
	if !ok {
		c = &ContainerView{HostID: e.HostID, ContainerID: e.ContainerID}
		h.containers[e.ContainerID] = c
	}
	changed := !ok || c.Status != e.Status || c.Pending
	c.Status = e.Status
	if e.ScanID != "" && e.ScanID != c.ScanID {
		c.ScanID = e.ScanID
		changed = true
	}
	delete(r.pending, entityKey{e.HostID, e.ContainerID})
	c.Pending = false
	h.versions[e.ContainerID] = r.version

	var out []Change
	if changed {
		cv := *c
		out = append(out, Change{Kind: ChangeContainer, Container: &cv})
	}
	hostPending := h.view.Pending
	delete(r.pending, entityKey{host: e.HostID})
	h.view.Pending = false
	if r.deriveLocked(h) || hostPending {
		hv := h.view
		out = append(out, Change{Kind: ChangeHost, Host: &hv, Derived: true})
	}
	return out
}

func (r *Reconciler) applyHostLocked(e models.HostStatusUpdate) []Change {
	h := r.hostLocked(e.HostID)
	changed := h.view.Reported != e.Status || h.view.Pending
	h.version = r.version
	h.view.Reported = e.Status
	if e.Status != models.StatusScanning {
		h.base = e.Status
	}
	delete(r.pending, entityKey{host: e.HostID})
	h.view.Pending = false
	if r.deriveLocked(h) {
		changed = true
	}
	if !changed {
		return nil
	}
	hv := h.view
	return []Change{{Kind: ChangeHost, Host: &hv}}
}

func (r *Reconciler) deriveLocked(h *hostState) bool {
	var worst models.Status
	for _, c := range h.containers {
		worst = models.Worst(worst, c.Status)
	}
	status := h.base
	if worst == models.StatusScanning {
		status = models.StatusScanning
	}
	changed := status != h.view.Status || worst != h.view.WorstContainer || len(h.containers) != h.view.Containers
	h.view.Status = status
	h.view.WorstContainer = worst
	h.view.Containers = len(h.containers)
	return changed
}

func (r *Reconciler) hostLocked(id string) *hostState {
	h, ok := r.hosts[id]
	if !ok {
		h = &hostState{
			view:       HostView{ID: id, Status: models.StatusIdle},
			base:       models.StatusIdle,
			containers: map[string]*ContainerView{},
			versions:   map[string]uint64{},
		}
		r.hosts[id] = h
	}
	return h
}

// MarkScanning flags a container, or the whole host when containerID is empty
// or "all", until the next event or snapshot covering it.
func (r *Reconciler) MarkScanning(hostID, containerID string) {
	r.setPending(hostID, containerID, true)
}

func (r *Reconciler) ClearPending(hostID, containerID string) {
	r.setPending(hostID, containerID, false)
}

func (r *Reconciler) setPending(hostID, containerID string, on bool) {
	var out []Change
	r.mu.Lock()
	h := r.hostLocked(hostID)
	if containerID == "" || containerID == "all" {
		key := entityKey{host: hostID}
		if on {
			r.pending[key] = struct{}{}
		} else {
			delete(r.pending, key)
		}
		if h.view.Pending != on {
			h.view.Pending = on
			hv := h.view
			out = append(out, Change{Kind: ChangeHost, Host: &hv})
		}
	} else {
		c, ok := h.containers[containerID]
		if !ok {
			if !on {
				r.mu.Unlock()
				return
			}
			c = &ContainerView{HostID: hostID, ContainerID: containerID, Status: models.StatusIdle}
			h.containers[containerID] = c
			r.deriveLocked(h)
		}
		key := entityKey{hostID, containerID}
		if on {
			r.pending[key] = struct{}{}
		} else {
			delete(r.pending, key)
		}
		if c.Pending != on {
			c.Pending = on
			cv := *c
			out = append(out, Change{Kind: ChangeContainer, Container: &cv})
		}
	}
	r.mu.Unlock()
	r.publish(out)
}

// Seed replaces the view with a snapshot. Entities updated by an event after
// s.AsOf are left as they are.
func (r *Reconciler) Seed(s Snapshot) {
	r.mu.Lock()
	newer := func(v uint64) bool { return s.AsOf != 0 && v > s.AsOf }
	next := make(map[string]*hostState, len(s.Hosts))
	for _, rec := range s.Hosts {
		prev := r.hosts[rec.ID]
		h := &hostState{
			view:       HostView{ID: rec.ID, Name: rec.Name, Address: rec.Address, Status: models.StatusIdle},
			base:       models.StatusIdle,
			containers: map[string]*ContainerView{},
			versions:   map[string]uint64{},
		}
		if prev != nil {
			h.base = prev.base
			h.view.Reported = prev.view.Reported
			h.version = prev.version
		}
		if rec.Status != "" && (prev == nil || !newer(prev.version)) {
			h.view.Reported = rec.Status
			if rec.Status != models.StatusScanning {
				h.base = rec.Status
			}
		}
		delete(r.pending, entityKey{host: rec.ID})
		for _, c := range s.Containers[rec.ID] {
			status := c.Status
			if status == "" {
				status = models.StatusIdle
			}
			cv := &ContainerView{
				HostID:      rec.ID,
				ContainerID: c.ContainerID,
				Name:        c.Name,
				Image:       c.Image,
				Status:      status,
			}
			if prev != nil {
				if old, ok := prev.containers[c.ContainerID]; ok {
					cv.ScanID = old.ScanID
					if newer(prev.versions[c.ContainerID]) {
						cv.Status = old.Status
					}
				}
			}
			h.containers[c.ContainerID] = cv
			delete(r.pending, entityKey{rec.ID, c.ContainerID})
		}
		if prev != nil {
			for id, old := range prev.containers {
				if _, listed := h.containers[id]; !listed && newer(prev.versions[id]) {
					cv := *old
					h.containers[id] = &cv
				}
			}
			for id := range h.containers {
				if v, ok := prev.versions[id]; ok {
					h.versions[id] = v
				}
			}
		}
		r.deriveLocked(h)
		next[rec.ID] = h
	}
	for id, prev := range r.hosts {
		if _, listed := next[id]; !listed && touchedAfter(prev, newer) {
			next[id] = prev
		}
	}
	r.hosts = next
	for key := range r.pending {
		r.restorePendingLocked(key)
	}
	r.mu.Unlock()
	r.publish([]Change{{Kind: ChangeSnapshot}})
}

func touchedAfter(h *hostState, newer func(uint64) bool) bool {
	if newer(h.version) {
		return true
	}
	for _, v := range h.versions {
		if newer(v) {
			return true
		}
	}
	return false
}

func (r *Reconciler) restorePendingLocked(key entityKey) {
	h, ok := r.hosts[key.host]
	if !ok {
		delete(r.pending, key)
		return
	}
	if key.container == "" {
		h.view.Pending = true
		return
	}
	if c, ok := h.containers[key.container]; ok {
		c.Pending = true
		return
	}
	delete(r.pending, key)
}

func (r *Reconciler) Hosts() []HostView {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]HostView, 0, len(r.hosts))
	for _, h := range r.hosts {
		out = append(out, h.view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Reconciler) Host(id string) (HostView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hosts[id]
	if !ok {
		return HostView{}, false
	}
	return h.view, true
}

func (r *Reconciler) Containers(hostID string) ([]ContainerView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hosts[hostID]
	if !ok {
		return nil, trace.NotFound("host %q not found", hostID)
	}
	out := make([]ContainerView, 0, len(h.containers))
	for _, c := range h.containers {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContainerID < out[j].ContainerID })
	return out, nil
}

func (r *Reconciler) publish(changes []Change) {
	if r.changes == nil {
		return
	}
	for _, c := range changes {
		r.changes.Publish(c)
	}
}
