package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shantyman/internal/coordinator"
	"shantyman/pkg/config"
	"shantyman/pkg/eventbus"
	"shantyman/pkg/logging"
	"shantyman/pkg/protocol"
)

func newTestHandlers(t *testing.T) (*Handlers, *coordinator.Coordinator) {
	t.Helper()
	logger := logging.NewLogger()
	bus := eventbus.New(logger)
	coord, err := coordinator.New(bus, config.DefaultTimeoutPolicy(), logger, nil)
	require.NoError(t, err)
	t.Cleanup(coord.Dispose)
	return NewHandlers(coord, logger), coord
}

func newTestRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", h.HandleConnect)
	router.GET("/stats", h.HandleStats)
	router.GET("/stats/:owner/:name", h.HandleRepoStats)
	router.POST("/admin/test-artifact", h.HandleTestArtifact)
	router.NoRoute(h.HandleNotFound)
	return router
}

func dialWS(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame protocol.Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestHandleConnectRequiresRepo(t *testing.T) {
	h, _ := newTestHandlers(t)
	router := newTestRouter(h)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/ws", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "repo")
}

func TestHandleConnectSendsConnectedFrame(t *testing.T) {
	h, coord := newTestHandlers(t)
	server := httptest.NewServer(newTestRouter(h))
	defer server.Close()

	conn := dialWS(t, server, "?repo=acme/widgets&client_id=client-1")

	frame := readFrame(t, conn)
	assert.Equal(t, protocol.FrameConnected, frame.Type)

	data, ok := frame.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "client-1", data["clientId"])
	assert.Equal(t, "acme/widgets", data["repository"])

	assert.True(t, coord.Registry().Has("client-1"))
}

func TestHandleConnectGeneratesClientID(t *testing.T) {
	h, coord := newTestHandlers(t)
	server := httptest.NewServer(newTestRouter(h))
	defer server.Close()

	conn := dialWS(t, server, "?repo=acme/widgets")

	frame := readFrame(t, conn)
	data, ok := frame.Data.(map[string]interface{})
	require.True(t, ok)

	clientID, ok := data["clientId"].(string)
	require.True(t, ok)
	assert.NotEmpty(t, clientID)
	assert.True(t, coord.Registry().Has(clientID))
}

func TestClientDisconnectDisposesSession(t *testing.T) {
	h, coord := newTestHandlers(t)
	server := httptest.NewServer(newTestRouter(h))
	defer server.Close()

	conn := dialWS(t, server, "?repo=acme/widgets&client_id=client-gone")
	readFrame(t, conn)
	require.True(t, coord.Registry().Has("client-gone"))

	conn.Close()

	assert.Eventually(t, func() bool {
		return !coord.Registry().Has("client-gone")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconnectKeepsFreshConnection(t *testing.T) {
	h, coord := newTestHandlers(t)
	server := httptest.NewServer(newTestRouter(h))
	defer server.Close()

	first := dialWS(t, server, "?repo=acme/widgets&client_id=client-r")
	readFrame(t, first)

	// Reconnect under the same ID. Closing the replaced socket makes
	// its read loop exit; that teardown must not touch the new
	// connection or its session.
	second := dialWS(t, server, "?repo=acme/widgets&client_id=client-r")
	readFrame(t, second)

	time.Sleep(300 * time.Millisecond)
	assert.True(t, coord.Registry().Has("client-r"))

	delivered := coord.GenerateTestArtifact("acme/widgets", protocol.MusicalParameters{Tempo: 90})
	assert.Equal(t, 1, delivered)

	frame := readFrame(t, second)
	assert.Equal(t, protocol.FrameMusicalParameters, frame.Type)
}

func TestHandleTestArtifactDeliversToListener(t *testing.T) {
	h, _ := newTestHandlers(t)
	server := httptest.NewServer(newTestRouter(h))
	defer server.Close()

	conn := dialWS(t, server, "?repo=acme/widgets&client_id=listener")
	readFrame(t, conn)

	body := `{"repository":"acme/widgets","tempo":128,"scale":"minor","rootNote":"A","instrumentType":"synth","duration":4}`
	resp, err := http.Post(server.URL+"/admin/test-artifact", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, float64(1), result["delivered"])

	frame := readFrame(t, conn)
	assert.Equal(t, protocol.FrameMusicalParameters, frame.Type)

	data, ok := frame.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(128), data["tempo"])
}

func TestHandleTestArtifactRequiresRepository(t *testing.T) {
	h, _ := newTestHandlers(t)
	router := newTestRouter(h)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/admin/test-artifact", strings.NewReader(`{"tempo":120}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleStats(t *testing.T) {
	h, _ := newTestHandlers(t)
	router := newTestRouter(h)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/stats", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Contains(t, stats, "activeStreams")
}

func TestHandleRepoStatsUnknownRepo(t *testing.T) {
	h, _ := newTestHandlers(t)
	router := newTestRouter(h)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/stats/acme/unknown", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleNotFound(t *testing.T) {
	h, _ := newTestHandlers(t)
	router := newTestRouter(h)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/nope", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found")
}
