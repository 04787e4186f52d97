package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/internal/models"
)

func TestWebSocketDialerReadsTextFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"host_status_update","payload":{"host_id":"h1","status":"idle"}}`))
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
	}))
	defer srv.Close()

	d, err := NewDialer("ws"+strings.TrimPrefix(srv.URL, "http")+"/containers/stream", nil)
	require.NoError(t, err)
	conn, err := d.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http")+"/containers/stream")
	require.NoError(t, err)
	defer conn.Close()

	frame, err := conn.ReadFrame()
	require.NoError(t, err)
	ev, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, "h1", ev.Host())

	_, err = conn.ReadFrame()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}

func TestWebSocketDialerSurfacesHandshakeStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream offline", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := &WebSocketDialer{}
	_, err := d.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.Error(t, err)
	assert.True(t, trace.IsConnectionProblem(err))
	assert.Contains(t, err.Error(), "503")
}

func TestLineStreamDialerSkipsBlankLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/x-ndjson", r.Header.Get("Accept"))
		fmt.Fprintln(w, `{"type":"host_status_update","payload":{"host_id":"h1","status":"idle"}}`)
		fmt.Fprintln(w)
		fmt.Fprintln(w, `{"type":"host_status_update","payload":{"host_id":"h2","status":"error"}}`)
	}))
	defer srv.Close()

	d, err := NewDialer(srv.URL, srv.Client())
	require.NoError(t, err)
	conn, err := d.Dial(context.Background(), srv.URL)
	require.NoError(t, err)
	defer conn.Close()

	var hosts []string
	for {
		frame, err := conn.ReadFrame()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		ev, err := DecodeFrame(frame)
		require.NoError(t, err)
		hosts = append(hosts, ev.Host())
	}
	assert.Equal(t, []string{"h1", "h2"}, hosts)
}

func TestOversizedFrameIsDroppedWithoutClosingStream(t *testing.T) {
	big := `{"type":"host_status_update","payload":{"host_id":"` + strings.Repeat("x", maxFrameBytes) + `","status":"idle"}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, big)
		fmt.Fprintln(w, `{"type":"host_status_update","payload":{"host_id":"h2","status":"error"}}`)
	}))
	defer srv.Close()

	d, err := NewDialer(srv.URL, srv.Client())
	require.NoError(t, err)
	conn, err := d.Dial(context.Background(), srv.URL)
	require.NoError(t, err)
	defer conn.Close()

	frame, err := conn.ReadFrame()
	require.NoError(t, err)
	_, err = DecodeFrame(frame)
	var malformed *models.MalformedEventError
	require.ErrorAs(t, err, &malformed)

	frame, err = conn.ReadFrame()
	require.NoError(t, err)
	ev, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, "h2", ev.Host())
}

func TestLineStreamDialerRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := (&LineStreamDialer{HTTP: srv.Client()}).Dial(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestNewDialerRejectsUnknownScheme(t *testing.T) {
	_, err := NewDialer("ftp://upstream/stream", nil)
	require.Error(t, err)
	assert.True(t, trace.IsBadParameter(err))
}
