package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"aegis/internal/models"
)

const (
	maxFrameBytes = 1 << 20
	// larger frames are read whole and then rejected as malformed
	maxTransportFrameBytes = 16 * maxFrameBytes
)

type payload struct {
	HostID      flexID  `json:"host_id"`
	ContainerID *flexID `json:"container_id"`
	Status      string  `json:"status"`
	ScanID      *flexID `json:"scan_id"`
}

// DecodeFrame parses one wire frame into a status event.
func DecodeFrame(frame []byte) (models.StatusUpdateEvent, error) {
	raw := bytes.TrimSpace(frame)
	if len(raw) == 0 {
		return nil, malformed("empty frame", raw)
	}
	if len(raw) > maxFrameBytes {
		return nil, malformed("frame exceeds size limit", raw)
	}
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, malformed("invalid json: "+err.Error(), raw)
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil, malformed("missing payload", raw)
	}
	var p payload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, malformed("invalid payload: "+err.Error(), raw)
	}
	if p.HostID == "" {
		return nil, malformed("missing host_id", raw)
	}
	status, err := models.ParseStatus(p.Status)
	if err != nil {
		return nil, malformed(fmt.Sprintf("unknown status %q", p.Status), raw)
	}

	switch env.Type {
	case models.EventContainerStatus:
		if p.ContainerID == nil || *p.ContainerID == "" {
			return nil, malformed("missing container_id", raw)
		}
		ev := models.ContainerStatusUpdate{HostID: string(p.HostID), ContainerID: string(*p.ContainerID), Status: status}
		if p.ScanID != nil {
			ev.ScanID = string(*p.ScanID)
		}
		return ev, nil
	case models.EventHostStatus:
		return models.HostStatusUpdate{HostID: string(p.HostID), Status: status}, nil
	default:
		return nil, malformed(fmt.Sprintf("unknown event type %q", env.Type), raw)
	}
}

func malformed(reason string, raw []byte) error {
	return &models.MalformedEventError{Reason: reason, Raw: preview(raw)}
}

func preview(raw []byte) string {
	b := bytes.ToValidUTF8(raw, []byte("?"))
	b = bytes.ReplaceAll(b, []byte("\x00"), nil)
	if len(b) > 256 {
		b = b[:256]
	}
	return string(b)
}

type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	if _, err := strconv.ParseFloat(string(b), 64); err != nil {
		return fmt.Errorf("identifier must be a string or number, got %s", b)
	}
	*f = flexID(b)
	return nil
}
