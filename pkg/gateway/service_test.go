package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"botcore/pkg/channel"
	"botcore/pkg/config"
	"botcore/pkg/event"
	"botcore/pkg/logger"
	"botcore/pkg/message"
	"botcore/pkg/service"
	"botcore/pkg/session"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Gateway.Port = freeTCPPort(t)
	cfg.Gateway.Codec = "json"
	return cfg
}

func pingServices(t *testing.T) *service.Registry {
	t.Helper()

	services := service.NewRegistry(nil, logger.Discard())
	svc, err := services.Service(context.Background(), "Ping")
	require.NoError(t, err)
	_, err = svc.OnFullmatch("ping", func(ctx context.Context, bot *session.Bot, _ *event.Event) error {
		return bot.Send(ctx, "pong")
	})
	require.NoError(t, err)
	return services
}

// scriptedAdapter sends its inbound script and records everything delivered back.
type scriptedAdapter struct {
	name    string
	inbound []message.InboundEnvelope
	want    int

	mu       sync.Mutex
	outbound []message.OutboundEnvelope
	done     chan struct{}
}

func (a *scriptedAdapter) Name() string       { return a.name }
func (a *scriptedAdapter) PlatformID() string { return a.name }

func (a *scriptedAdapter) Run(ctx context.Context, link *channel.Link) error {
	for _, env := range a.inbound {
		if err := link.Publish(ctx, env); err != nil {
			return err
		}
	}

	for {
		env, err := link.Next(ctx)
		if err != nil {
			return nil
		}
		a.mu.Lock()
		a.outbound = append(a.outbound, env)
		if len(a.outbound) == a.want {
			close(a.done)
		}
		a.mu.Unlock()
	}
}

func (a *scriptedAdapter) outbounds() []message.OutboundEnvelope {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]message.OutboundEnvelope(nil), a.outbound...)
}

func TestGatewayServiceRunE2EInProcessAdapter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := &scriptedAdapter{
		name: "scripted",
		want: 2,
		inbound: []message.InboundEnvelope{
			{UserType: message.ScopeGroup, GroupID: "g1", UserID: "u1", MsgID: "1", UserPM: 6, Content: []message.Segment{message.Text("ping")}},
			{UserType: message.ScopeGroup, GroupID: "g1", UserID: "u1", MsgID: "2", UserPM: 6, Content: []message.Segment{message.Text("unmatched")}},
			{UserType: message.ScopeDirect, UserID: "u2", MsgID: "3", UserPM: 6, Content: []message.Segment{message.Text("ping")}},
		},
		done: make(chan struct{}),
	}

	svc, err := NewService(testConfig(t), pingServices(t), []channel.Adapter{adapter}, logger.Discard())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()

	select {
	case <-adapter.done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for replies")
	}

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for service run to exit")
	}

	targets := map[string]string{}
	for _, out := range adapter.outbounds() {
		require.Equal(t, "pong", message.PlainText(out.Content))
		targets[out.MsgID] = string(out.TargetType) + ":" + out.TargetID
	}
	require.Equal(t, map[string]string{"1": "group:g1", "3": "direct:u2"}, targets)
}

func TestGatewayServiceWebSocketRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t)
	svc, err := NewService(cfg, pingServices(t), nil, logger.Discard())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()

	base := fmt.Sprintf("127.0.0.1:%d", cfg.Gateway.Port)
	require.Equal(t, http.StatusServiceUnavailable, waitHTTPStatus(t, "http://"+base+"/readyz", 2*time.Second))

	ws := dialWebSocket(t, "ws://"+base+"/ws?bot_id=qq", 2*time.Second)
	defer ws.Close()

	require.Equal(t, http.StatusOK, waitHTTPStatusFor(t, "http://"+base+"/readyz", http.StatusOK, 2*time.Second))

	codec, err := message.NewCodec(message.FormatJSON)
	require.NoError(t, err)

	// undecodable frames are dropped without closing the connection
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))

	frame, err := codec.EncodeInbound(message.InboundEnvelope{
		BotSelfID: "bot",
		MsgID:     "m1",
		UserType:  message.ScopeGroup,
		GroupID:   "g1",
		UserID:    "u1",
		UserPM:    6,
		Content:   []message.Segment{message.Text("ping")},
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)

	out, err := codec.DecodeOutbound(data)
	require.NoError(t, err)
	require.Equal(t, "qq", out.BotID)
	require.Equal(t, "g1", out.TargetID)
	require.Equal(t, "m1", out.MsgID)
	require.Equal(t, "pong", message.PlainText(out.Content))

	response, err := http.Get("http://" + base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(response.Body)
	require.NoError(t, response.Body.Close())
	require.NoError(t, err)
	require.Contains(t, string(body), "botcore_inbound_envelopes_total")

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for service run to exit")
	}
}

func postSend(t *testing.T, url string, token string, body string) int {
	t.Helper()

	request, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	require.NoError(t, response.Body.Close())
	return response.StatusCode
}

func TestSendReachesInProcessAdapter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t)
	cfg.Gateway.AccessToken = "s3cret"
	adapter := &scriptedAdapter{name: "scripted", want: 1, done: make(chan struct{})}

	svc, err := NewService(cfg, pingServices(t), []channel.Adapter{adapter}, logger.Discard())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.Gateway.Port)
	require.Equal(t, http.StatusOK, waitHTTPStatusFor(t, base+"/readyz", http.StatusOK, 2*time.Second))

	require.Equal(t, http.StatusNotFound, postSend(t, base+"/send", "s3cret",
		`{"platform_id":"telegram","target_type":"group","target_id":"g1","text":"hello"}`))
	require.Equal(t, http.StatusAccepted, postSend(t, base+"/send", "s3cret",
		`{"platform_id":"scripted","target_type":"group","target_id":"g1","text":"maintenance at noon"}`))

	select {
	case <-adapter.done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the published envelope")
	}

	out := adapter.outbounds()
	require.Len(t, out, 1)
	require.Equal(t, "scripted", out[0].BotID)
	require.Equal(t, message.ScopeGroup, out[0].TargetType)
	require.Equal(t, "g1", out[0].TargetID)
	require.Equal(t, "maintenance at noon", message.PlainText(out[0].Content))

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for service run to exit")
	}
}

func TestHandleSendValidatesRequest(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Gateway.AccessToken = "s3cret"
	svc, err := NewService(cfg, service.NewRegistry(nil, logger.Discard()), nil, logger.Discard())
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		token  string
		body   string
		want   int
	}{
		{name: "wrong method", method: http.MethodGet, token: "s3cret", want: http.StatusMethodNotAllowed},
		{name: "missing token", method: http.MethodPost, body: `{}`, want: http.StatusUnauthorized},
		{name: "bad json", method: http.MethodPost, token: "s3cret", body: `{"platform_id":`, want: http.StatusBadRequest},
		{name: "bad scope", method: http.MethodPost, token: "s3cret", body: `{"platform_id":"qq","target_type":"room","target_id":"1","text":"hi"}`, want: http.StatusBadRequest},
		{name: "empty text", method: http.MethodPost, token: "s3cret", body: `{"platform_id":"qq","target_type":"direct","target_id":"1","text":" "}`, want: http.StatusBadRequest},
		{name: "not connected", method: http.MethodPost, token: "s3cret", body: `{"platform_id":"qq","target_type":"direct","target_id":"1","text":"hi"}`, want: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			request := httptest.NewRequest(tt.method, "/send", strings.NewReader(tt.body))
			if tt.token != "" {
				request.Header.Set("Authorization", "Bearer "+tt.token)
			}
			recorder := httptest.NewRecorder()
			svc.Handler().ServeHTTP(recorder, request)
			require.Equal(t, tt.want, recorder.Code)
		})
	}
}

func TestHandleWebSocketRequiresPlatformAndToken(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Gateway.AccessToken = "s3cret"
	svc, err := NewService(cfg, service.NewRegistry(nil, logger.Discard()), nil, logger.Discard())
	require.NoError(t, err)

	server := httptest.NewServer(svc.Handler())
	defer server.Close()

	response, err := http.Get(server.URL + "/ws?bot_id=qq")
	require.NoError(t, err)
	require.NoError(t, response.Body.Close())
	require.Equal(t, http.StatusUnauthorized, response.StatusCode)

	request, err := http.NewRequest(http.MethodGet, server.URL+"/ws", nil)
	require.NoError(t, err)
	request.Header.Set("Authorization", "Bearer s3cret")
	response, err = http.DefaultClient.Do(request)
	require.NoError(t, err)
	require.NoError(t, response.Body.Close())
	require.Equal(t, http.StatusBadRequest, response.StatusCode)
}

func TestHealthzReportsStatus(t *testing.T) {
	t.Parallel()

	svc, err := NewService(config.Default(), pingServices(t), nil, logger.Discard())
	require.NoError(t, err)

	recorder := httptest.NewRecorder()
	svc.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, recorder.Code)

	var status statusResponse
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&status))
	require.Equal(t, "ok", status.Status)
	require.Equal(t, 1, status.Services)
	require.Empty(t, status.Connections)
}

func TestNewServiceRejectsBadConfig(t *testing.T) {
	t.Parallel()

	services := service.NewRegistry(nil, logger.Discard())

	_, err := NewService(nil, services, nil, nil)
	require.Error(t, err)

	cfg := config.Default()
	cfg.Gateway.Codec = "xml"
	_, err = NewService(cfg, services, nil, nil)
	require.Error(t, err)

	cfg = config.Default()
	cfg.Connection.Overflow = "drop_newest"
	_, err = NewService(cfg, services, nil, nil)
	require.Error(t, err)
}

func dialWebSocket(t *testing.T, url string, timeout time.Duration) *websocket.Conn {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		ws, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			return ws
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial %s: %v", url, err)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func waitHTTPStatus(t *testing.T, url string, timeout time.Duration) int {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		response, err := http.Get(url)
		if err == nil {
			statusCode := response.StatusCode
			require.NoError(t, response.Body.Close())
			return statusCode
		}

		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s: %v", url, err)
		}

		time.Sleep(25 * time.Millisecond)
	}
}

func waitHTTPStatusFor(t *testing.T, url string, want int, timeout time.Duration) int {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		got := waitHTTPStatus(t, url, timeout)
		if got == want || time.Now().After(deadline) {
			return got
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.Port
}
