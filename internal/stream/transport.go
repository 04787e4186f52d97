package stream

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
)

type Conn interface {
	ReadFrame() ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// NewDialer picks a transport by URL scheme.
func NewDialer(rawURL string, hc *http.Client) (Dialer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, trace.BadParameter("invalid stream url %q: %v", rawURL, err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return &WebSocketDialer{}, nil
	case "http", "https":
		return &LineStreamDialer{HTTP: hc}, nil
	default:
		return nil, trace.BadParameter("unsupported stream url scheme %q", u.Scheme)
	}
}

type WebSocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c, res, err := dialer.DialContext(ctx, rawURL, d.Header)
	if err != nil {
		if res != nil {
			defer res.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
			return nil, trace.ConnectionProblem(nil, "websocket handshake %s: %s %s (%v)", rawURL, res.Status, bytes.TrimSpace(body), err)
		}
		return nil, trace.ConnectionProblem(err, "dial %s", rawURL)
	}
	c.SetReadLimit(maxTransportFrameBytes)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c    *websocket.Conn
	once sync.Once
}

func (w *wsConn) ReadFrame() ([]byte, error) {
	_, data, err := w.c.ReadMessage()
	return data, err
}

func (w *wsConn) Close() error {
	var err error
	w.once.Do(func() {
		_ = w.c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = w.c.Close()
	})
	return err
}

// LineStreamDialer reads one JSON document per line of an HTTP response.
type LineStreamDialer struct {
	HTTP   *http.Client
	Header http.Header
}

func (d *LineStreamDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	hc := d.HTTP
	if hc == nil {
		hc = &http.Client{}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for k, v := range d.Header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/x-ndjson")
	res, err := hc.Do(req)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "dial %s", rawURL)
	}
	if res.StatusCode >= 300 {
		defer res.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		return nil, trace.ConnectionProblem(nil, "stream status %d: %s", res.StatusCode, bytes.TrimSpace(b))
	}
	sc := bufio.NewScanner(res.Body)
	sc.Buffer(make([]byte, 0, 64<<10), maxTransportFrameBytes)
	return &lineConn{body: res.Body, sc: sc}, nil
}

type lineConn struct {
	body io.ReadCloser
	sc   *bufio.Scanner
	once sync.Once
}

func (l *lineConn) ReadFrame() ([]byte, error) {
	for l.sc.Scan() {
		line := bytes.TrimSpace(l.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		return append([]byte(nil), line...), nil
	}
	if err := l.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (l *lineConn) Close() error {
	var err error
	l.once.Do(func() { err = l.body.Close() })
	return err
}
