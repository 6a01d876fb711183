package control

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfleet/carsim/core/session"
	"github.com/openfleet/carsim/infra/logger"
)

func dialHub(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestListenerRoutesAttachedPaths(t *testing.T) {
	l := NewListener()
	srv := httptest.NewServer(l)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/simulation/ghost")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHubBroadcastReachesEveryClient(t *testing.T) {
	l := NewListener()
	srv := httptest.NewServer(l)
	defer srv.Close()

	ch, err := NewFactory(l, logger.NopLogger{})("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "/simulation/sess-1", ch.URL())

	a := dialHub(t, srv, ch.URL())
	b := dialHub(t, srv, ch.URL())

	ch.Broadcast(map[string]any{"type": "deviceConnected", "deviceID": "car-1"})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readJSON(t, conn)
		assert.Equal(t, "deviceConnected", msg["type"])
		assert.Equal(t, "car-1", msg["deviceID"])
	}
}

func TestHubDeliversInboundAndReplies(t *testing.T) {
	l := NewListener()
	srv := httptest.NewServer(l)
	defer srv.Close()

	ch, err := NewFactory(l, logger.NopLogger{})("sess-1")
	require.NoError(t, err)
	ch.SetHandler(func(client session.ControlClient, data []byte) {
		require.NoError(t, client.Send(map[string]any{"echo": string(data)}))
	})

	conn := dialHub(t, srv, ch.URL())
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"cmdType":"connectAll"}`)))

	msg := readJSON(t, conn)
	assert.Equal(t, `{"cmdType":"connectAll"}`, msg["echo"])
}

func TestHubJoinHandlerRunsPerClient(t *testing.T) {
	l := NewListener()
	srv := httptest.NewServer(l)
	defer srv.Close()

	ch, err := NewFactory(l, logger.NopLogger{})("sess-1")
	require.NoError(t, err)

	var mu sync.Mutex
	joined := make(map[string]bool)
	ch.SetJoinHandler(func(client session.ControlClient) {
		mu.Lock()
		joined[client.ID()] = true
		mu.Unlock()
		client.Send(map[string]any{"type": "devicesStatus"})
	})

	a := dialHub(t, srv, ch.URL())
	b := dialHub(t, srv, ch.URL())
	assert.Equal(t, "devicesStatus", readJSON(t, a)["type"])
	assert.Equal(t, "devicesStatus", readJSON(t, b)["type"])

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, joined, 2, "each client gets its own identity")
}

func TestHubCloseGrace(t *testing.T) {
	l := NewListener()
	srv := httptest.NewServer(l)
	defer srv.Close()

	ch, err := NewFactory(l, logger.NopLogger{})("sess-1")
	require.NoError(t, err)
	conn := dialHub(t, srv, ch.URL())

	ch.Broadcast(map[string]any{"type": "simulationTerminated"})
	ch.Close(20 * time.Millisecond)

	// New connections are refused right away.
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + ch.URL()
	_, resp, dialErr := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, dialErr)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	// The already connected client still receives the final broadcast.
	assert.Equal(t, "simulationTerminated", readJSON(t, conn)["type"])

	// After the grace delay the path detaches and the client is dropped.
	require.Eventually(t, func() bool {
		httpResp, err := http.Get(srv.URL + ch.URL())
		if err != nil {
			return false
		}
		httpResp.Body.Close()
		return httpResp.StatusCode == http.StatusNotFound
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, readErr := conn.ReadMessage()
	assert.Error(t, readErr)
}
