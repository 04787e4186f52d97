package models

import "encoding/json"

const (
	EventContainerStatus = "container_status_update"
	EventHostStatus      = "host_status_update"
)

// StatusUpdateEvent is one of ContainerStatusUpdate or HostStatusUpdate.
// The set is closed; consumers switch on the concrete type.
type StatusUpdateEvent interface {
	EventType() string
	Host() string
	statusUpdate()
}

type ContainerStatusUpdate struct {
	HostID      string `json:"host_id"`
	ContainerID string `json:"container_id"`
	Status      Status `json:"status"`
	ScanID      string `json:"scan_id,omitempty"`
}

func (ContainerStatusUpdate) EventType() string { return EventContainerStatus }
func (e ContainerStatusUpdate) Host() string { return e.HostID }
func (ContainerStatusUpdate) statusUpdate() {}

type HostStatusUpdate struct {
	HostID string `json:"host_id"`
	Status Status `json:"status"`
}

func (HostStatusUpdate) EventType() string { return EventHostStatus }
func (e HostStatusUpdate) Host() string { return e.HostID }
func (HostStatusUpdate) statusUpdate() {}

// Envelope is the wire shape of a status event.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func EncodeEvent(ev StatusUpdateEvent) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: ev.EventType(), Payload: payload})
}
