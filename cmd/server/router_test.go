package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go-tunnel/proxy"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestServer(t *testing.T) (*httptest.Server, *httptest.Server, *proxy.Proxy) {
	t.Helper()

	cfg := defaultConfig()
	px := proxy.New(proxy.Config{Logger: zap.NewNop()})
	ws := proxy.NewWSHandler(px, cfg.wsConfig(zap.NewNop()))

	srv := httptest.NewServer(newRouter(px, ws, cfg.ConnectPath))
	admin := httptest.NewServer(newAdminRouter(px))
	t.Cleanup(func() {
		_ = px.Close()
		srv.Close()
		admin.Close()
	})
	return srv, admin, px
}

func TestRouterForwardsAnyPathAndMethod(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
		for _, path := range []string{"/", "/a/b/c", "/__tunnel"} {
			req, err := http.NewRequest(method, srv.URL+path, nil)
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()

			require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "%s %s", method, path)
			require.Equal(t, "Error: No client connected", strings.Split(string(body), "\n")[0])
		}
	}
}

func TestRouterConnectPathAttachesClient(t *testing.T) {
	srv, admin, px := setupTestServer(t)

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + defaultConfig().ConnectPath
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello proxy.Frame
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, proxy.FrameConnected, hello.Type)
	require.NotNil(t, px.Registry().CurrentPeer())

	resp, err := http.Get(admin.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var health proxy.HealthSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.True(t, health.Client.Connected)
	require.Equal(t, hello.Peer, health.Client.PeerID)
	require.WithinDuration(t, time.Now(), health.Client.ConnectedAt, time.Minute)
}

func TestAdminMetricsEndpoint(t *testing.T) {
	srv, admin, _ := setupTestServer(t)

	resp, err := http.Get(srv.URL + "/anything")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(admin.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `tunnel_requests_total{result="no_client"} 1`)
	require.Contains(t, string(body), "tunnel_client_connected 0")
}

func TestAdminRejectsUnknownRoutes(t *testing.T) {
	_, admin, _ := setupTestServer(t)

	resp, err := http.Post(admin.URL+"/health", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
