package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"aegis/internal/models"
)

const maxBodyBytes = 10 << 20

const ScanAll = "all"

type Client struct {
	base *url.URL
	http *http.Client
}

func NewClient(baseURL string, hc *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, trace.BadParameter("invalid upstream url %q: %v", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, trace.BadParameter("upstream url %q must be http or https", baseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: u, http: hc}, nil
}

type hostRecord struct {
	ID          flexString `json:"id"`
	Name        string     `json:"name"`
	Address     string     `json:"address"`
	Port        int        `json:"port"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
}

type containerRecord struct {
	ContainerID string     `json:"container_id"`
	HostID      flexString `json:"host_id"`
	Name        string     `json:"name"`
	Image       string     `json:"image"`
	Status      string     `json:"status"`
}

func (c *Client) ListHosts(ctx context.Context) ([]models.HostRecord, error) {
	var raw []hostRecord
	if err := c.do(ctx, http.MethodGet, "/v1/hosts/", nil, &raw); err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]models.HostRecord, 0, len(raw))
	for _, h := range raw {
		if h.ID == "" {
			continue
		}
		rec := models.HostRecord{
			ID:          string(h.ID),
			Name:        h.Name,
			Address:     h.Address,
			Port:        h.Port,
			Description: h.Description,
		}
		if st, err := models.ParseStatus(h.Status); err == nil {
			rec.Status = st
		}
		out = append(out, rec)
	}
	return out, nil
}

func (c *Client) ListContainers(ctx context.Context, hostID string) ([]models.ContainerRecord, error) {
	var raw []containerRecord
	if err := c.do(ctx, http.MethodGet, "/v1/hosts/"+url.PathEscape(hostID)+"/containers", nil, &raw); err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]models.ContainerRecord, 0, len(raw))
	for _, r := range raw {
		if r.ContainerID == "" {
			continue
		}
		st, err := models.ParseStatus(r.Status)
		if err != nil {
			st = models.StatusIdle
		}
		out = append(out, models.ContainerRecord{
			ContainerID: r.ContainerID,
			HostID:      hostID,
			Name:        r.Name,
			Image:       r.Image,
			Status:      st,
		})
	}
	return out, nil
}

type scanRequest struct {
	HostID      string `json:"host_id"`
	ContainerID string `json:"container_id"`
}

func (c *Client) TriggerScan(ctx context.Context, hostID, containerID string) error {
	if strings.TrimSpace(hostID) == "" {
		return trace.BadParameter("missing host id")
	}
	if containerID == "" {
		containerID = ScanAll
	}
	return trace.Wrap(c.do(ctx, http.MethodPost, "/v1/scan", scanRequest{HostID: hostID, ContainerID: containerID}, nil))
}

type estimateResponse struct {
	Strategy           string `json:"strategy"`
	AffectedContainers int    `json:"affected_containers"`
	EstimatedTime      *int   `json:"estimated_time"`
	EstimatedSeconds   *int   `json:"estimated_time_seconds"`
}

// Estimate only fills the strategy id of the result.
func (c *Client) Estimate(ctx context.Context, req models.RemediationRequest) (models.DowntimeEstimate, error) {
	var res estimateResponse
	if err := c.do(ctx, http.MethodPost, "/v1/remediation/estimate", req, &res); err != nil {
		return models.DowntimeEstimate{}, trace.Wrap(err)
	}
	est := models.DowntimeEstimate{
		Strategy:               models.Strategy{ID: res.Strategy},
		AffectedContainerCount: res.AffectedContainers,
	}
	switch {
	case res.EstimatedSeconds != nil:
		est.EstimatedTotalSeconds = *res.EstimatedSeconds
	case res.EstimatedTime != nil:
		est.EstimatedTotalSeconds = *res.EstimatedTime
	}
	return est, nil
}

func (c *Client) Apply(ctx context.Context, req models.RemediationRequest) (models.ApplyResult, error) {
	var res models.ApplyResult
	err := c.do(ctx, http.MethodPost, "/v1/remediation/apply", req, &res)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			return models.ApplyResult{}, &models.ApplyError{StatusCode: se.code, Message: se.message}
		}
		return models.ApplyResult{}, &models.ApplyError{Err: err}
	}
	return res, nil
}

func StatusCode(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.code
	}
	return 0
}

type statusError struct {
	method  string
	path    string
	code    int
	message string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream %s %s failed: %d %s", e.method, e.path, e.code, e.message)
}

func (c *Client) do(ctx context.Context, method, p string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return trace.Wrap(err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+p, body)
	if err != nil {
		return trace.Wrap(err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.http.Do(req)
	if err != nil {
		return trace.ConnectionProblem(err, "upstream %s %s", method, p)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return trace.ConnectionProblem(err, "read upstream %s %s", method, p)
	}
	if res.StatusCode >= 300 {
		return trace.Wrap(&statusError{method: method, path: p, code: res.StatusCode, message: errorMessage(b, res.Status)})
	}
	if out == nil || len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return trace.BadParameter("decode upstream %s %s: %v", method, p, err)
	}
	return nil
}

func errorMessage(b []byte, fallback string) string {
	var payload struct {
		Message string          `json:"message"`
		Detail  json.RawMessage `json:"detail"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(b, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if len(payload.Detail) > 0 {
			var s string
			if json.Unmarshal(payload.Detail, &s) == nil && s != "" {
				return s
			}
			var items []struct {
				Msg string `json:"msg"`
			}
			if json.Unmarshal(payload.Detail, &items) == nil {
				msgs := make([]string, 0, len(items))
				for _, it := range items {
					if it.Msg != "" {
						msgs = append(msgs, it.Msg)
					}
				}
				if len(msgs) > 0 {
					return strings.Join(msgs, "; ")
				}
			}
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	msg := strings.TrimSpace(string(b))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if msg == "" {
		msg = fallback
	}
	return msg
}

type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
