package host

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/pluginhost/internal/config"
	"github.com/codefionn/pluginhost/internal/core"
	"github.com/codefionn/pluginhost/internal/jsonrpc"
	"github.com/codefionn/pluginhost/internal/securesocket"
)

// echoPlugin answers "echo" with its parameters and upper-cases text.
type echoPlugin struct{}

func (echoPlugin) Initialize(_ core.Shell, d *jsonrpc.Dispatcher) error {
	d.Register("echo", func(_ jsonrpc.Context, _, params string, result *string) core.ErrorCode {
		*result = params
		return core.ErrorNone
	})
	d.Register("later", func(jsonrpc.Context, string, string, *string) core.ErrorCode {
		return core.ErrorNoResponse
	})
	return nil
}

func (echoPlugin) Deinitialize(core.Shell) {}

func (echoPlugin) ReceivedText(_ jsonrpc.Context, text string) string {
	return strings.ToUpper(text)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Port = 0
	cfg.Workers.Count = 2
	cfg.Workers.Mailbox = 32
	return cfg
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	s, err := New(testConfig(), opts...)
	require.NoError(t, err)
	require.NoError(t, s.Register(Descriptor{Callsign: "Echo", Plugin: echoPlugin{}, AutoStart: true}))
	require.NoError(t, s.Start(context.Background()))

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server, path string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func call(t *testing.T, ws *websocket.Conn, id uint32, method, params string) *jsonrpc.Message {
	t.Helper()
	req := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":%q`, id, method)
	if params != "" {
		req += `,"params":` + params
	}
	req += "}"
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(req)))
	return readMessage(t, ws)
}

func readMessage(t *testing.T, ws *websocket.Conn) *jsonrpc.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg jsonrpc.Message
	require.NoError(t, ws.ReadJSON(&msg))
	return &msg
}

func errorCode(msg *jsonrpc.Message) core.ErrorCode {
	if msg.Error == nil {
		return core.ErrorNone
	}
	return msg.Error.Code
}

func TestJSONRPCRoundTrip(t *testing.T) {
	s, ts := newTestServer(t)
	ws := dial(t, ts, "/jsonrpc", nil)

	resp := call(t, ws, 1, "Echo.echo", `{"a":1}`)
	require.NotNil(t, resp.ID)
	assert.Equal(t, uint32(1), *resp.ID)
	assert.Nil(t, resp.Error)
	assert.JSONEq(t, `{"a":1}`, resp.Result)

	resp = call(t, ws, 2, "1.Echo.echo", `[1,2]`)
	assert.JSONEq(t, `[1,2]`, resp.Result)

	resp = call(t, ws, 3, "Missing.echo", `{}`)
	assert.Equal(t, core.ErrorUnavailable, errorCode(resp))

	resp = call(t, ws, 4, "Echo.nothing", `{}`)
	assert.Equal(t, core.ErrorUnknownKey, errorCode(resp))

	assert.Eventually(t, func() bool { return s.Channels() == 1 }, time.Second, 10*time.Millisecond)
}

func TestScopedRoute(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dial(t, ts, "/jsonrpc/Echo", nil)

	resp := call(t, ws, 1, "echo", `"plain"`)
	assert.Equal(t, `"plain"`, resp.Result)

	resp = call(t, ws, 2, "Other.echo", `{}`)
	assert.Equal(t, core.ErrorIncorrectHandler, errorCode(resp))

	r, err := http.Get(ts.URL + "/jsonrpc/Nobody")
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusNotFound, r.StatusCode)
}

func TestNotificationsGetNoResponse(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dial(t, ts, "/jsonrpc", nil)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"Echo.echo","params":1}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":9,"method":"Echo.later"}`)))

	resp := call(t, ws, 10, "Echo.echo", `2`)
	require.NotNil(t, resp.ID)
	assert.Equal(t, uint32(10), *resp.ID)
	assert.Equal(t, "2", resp.Result)
}

func TestManyRequestsAllAnswered(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dial(t, ts, "/jsonrpc", nil)

	const n = 25
	for i := 1; i <= n; i++ {
		req := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"Echo.echo","params":%d}`, i, i)
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(req)))
	}

	seen := make(map[uint32]string)
	for len(seen) < n {
		resp := readMessage(t, ws)
		require.NotNil(t, resp.ID)
		seen[*resp.ID] = resp.Result
	}
	for i := 1; i <= n; i++ {
		assert.Equal(t, fmt.Sprint(i), seen[uint32(i)])
	}
}

func TestMalformedFrame(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dial(t, ts, "/jsonrpc", nil)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":5}`)))
	resp := readMessage(t, ws)
	require.NotNil(t, resp.ID)
	assert.Equal(t, core.ErrorParse, errorCode(resp))

	// The channel keeps working afterwards.
	resp = call(t, ws, 6, "Echo.echo", `true`)
	assert.Equal(t, "true", resp.Result)
}

func TestUndecodableFramesGetParseError(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dial(t, ts, "/jsonrpc", nil)

	frames := []string{
		`{"jsonrpc":"2.0","id":1,"method":"Echo.echo","params":{`,
		`{"jsonrpc":"2.0","id":"abc","method":"Echo.echo"}`,
	}
	for _, frame := range frames {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":`+fmt.Sprint(uint32(core.ErrorParse))+`,"message":"`+core.ErrorToMessage(core.ErrorParse)+`"}}`, string(data))
	}

	resp := call(t, ws, 7, "Echo.echo", `"still here"`)
	assert.Equal(t, `"still here"`, resp.Result)
}

func TestTokenValidation(t *testing.T) {
	s, ts := newTestServer(t)
	s.SetToken("secret")

	anonymous := dial(t, ts, "/jsonrpc", nil)
	resp := call(t, anonymous, 1, "Echo.echo", `1`)
	assert.Equal(t, core.ErrorPrivilegedRequest, errorCode(resp))

	query := dial(t, ts, "/jsonrpc?token=secret", nil)
	resp = call(t, query, 1, "Echo.echo", `1`)
	assert.Equal(t, "1", resp.Result)

	bearer := dial(t, ts, "/jsonrpc", http.Header{"Authorization": {"Bearer secret"}})
	resp = call(t, bearer, 1, "Echo.echo", `1`)
	assert.Equal(t, "1", resp.Result)

	// Rotating the token revokes open connections.
	s.SetToken("rotated")
	resp = call(t, bearer, 2, "Echo.echo", `1`)
	assert.Equal(t, core.ErrorPrivilegedRequest, errorCode(resp))
}

func TestAuthorized(t *testing.T) {
	s, ts := newTestServer(t)
	s.SetToken("secret")
	dial(t, ts, "/jsonrpc?token=secret", nil)

	require.Eventually(t, func() bool { return s.Channels() == 1 }, time.Second, 10*time.Millisecond)
	id := s.channels.snapshot()[0].ch.ID()
	assert.True(t, s.Authorized(id))
	assert.False(t, s.Authorized(id+100))

	s.SetToken("other")
	assert.False(t, s.Authorized(id))
}

func TestSubscriptionDelivery(t *testing.T) {
	s, ts := newTestServer(t)
	ws := dial(t, ts, "/jsonrpc", nil)

	resp := call(t, ws, 1, "Echo.register", `{"event":"tick","id":"client"}`)
	require.Nil(t, resp.Error)

	d := s.registry.Dispatcher("Echo")
	require.NotNil(t, d)
	assert.Equal(t, 1, d.Notify("tick", `{"n":1}`))

	note := readMessage(t, ws)
	assert.Nil(t, note.ID)
	assert.Equal(t, "client.tick", note.Designator)
	assert.JSONEq(t, `{"n":1}`, string(note.Parameters))

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool {
		return len(d.GetHandler(1).Subscribers("tick")) == 0 && s.Channels() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTextRoute(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dial(t, ts, "/text/Echo", nil)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	kind, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.Equal(t, "HELLO", string(data))
}

func TestHTTPRequest(t *testing.T) {
	_, ts := newTestServer(t)

	post := func(body string) *http.Response {
		resp, err := http.Post(ts.URL+"/jsonrpc/Echo", "application/json", bytes.NewBufferString(body))
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := post(`{"jsonrpc":"2.0","id":1,"method":"Echo.echo","params":{"x":true}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var msg jsonrpc.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	assert.JSONEq(t, `{"x":true}`, msg.Result)

	resp = post(`{"jsonrpc":"2.0","method":"Echo.echo","params":1}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = post(`{"jsonrpc":`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	msg = jsonrpc.Message{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	assert.Equal(t, core.ErrorParse, errorCode(&msg))
}

func TestHTTPRequestBeforeStart(t *testing.T) {
	s, err := New(testConfig())
	require.NoError(t, err)
	require.NoError(t, s.Register(Descriptor{Callsign: "Echo", Plugin: echoPlugin{}, AutoStart: true}))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.Shutdown(context.Background())

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Post(ts.URL+"/jsonrpc/Echo", "application/json",
		bytes.NewBufferString(`{"jsonrpc":"2.0","id":3,"method":"Echo.echo","params":1}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var msg jsonrpc.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	require.NotNil(t, msg.ID)
	assert.Equal(t, uint32(3), *msg.ID)
	assert.Equal(t, core.ErrorUnavailable, errorCode(&msg))
}

func TestHealth(t *testing.T) {
	s, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health struct {
		Instance string            `json:"instance"`
		Channels int               `json:"channels"`
		Plugins  []PluginInfo      `json:"plugins"`
		Subsys   map[string]bool   `json:"subsystems"`
		Workers  map[string]uint64 `json:"workers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, s.ID(), health.Instance)
	assert.Equal(t, []PluginInfo{{Callsign: "Echo", State: "activated", Versions: []int{1}}}, health.Plugins)
	assert.True(t, health.Subsys["workers"])
	assert.False(t, health.Subsys["tls"])
	assert.Equal(t, uint64(2), health.Workers["size"])
}

func TestKeepAliveClosesSilentPeer(t *testing.T) {
	s, ts := newTestServer(t)
	s.pingInterval.Store(int64(50 * time.Millisecond))

	// Never reads, so pings are never answered.
	dial(t, ts, "/jsonrpc", nil)
	require.Eventually(t, func() bool { return s.Channels() == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return s.Channels() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestKeepAliveKeepsResponsivePeer(t *testing.T) {
	s, ts := newTestServer(t)
	s.pingInterval.Store(int64(50 * time.Millisecond))

	ws := dial(t, ts, "/jsonrpc", nil)
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, s.Channels())
}

func TestShutdownClosesConnections(t *testing.T) {
	s, ts := newTestServer(t)
	ws := dial(t, ts, "/jsonrpc", nil)
	require.Eventually(t, func() bool { return s.Channels() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
	state, _ := s.registry.State("Echo")
	assert.Equal(t, core.ShellDeactivated, state)
}

func selfSigned(t *testing.T) (*securesocket.Certificate, *securesocket.Key) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "localhost"},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	cert, err := securesocket.ParseCertificatePEM(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, err)
	k, err := securesocket.NewKeyPEM(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	require.NoError(t, err)
	t.Cleanup(func() {
		cert.Release()
		k.Release()
	})
	return cert, k
}

func TestClientValidator(t *testing.T) {
	cert, key := selfSigned(t)
	other, _ := selfSigned(t)
	store := securesocket.NewCertificateStore(cert)
	defer store.Release()

	withStore, err := securesocket.NewContext(securesocket.ContextOptions{Store: store})
	require.NoError(t, err)
	defer withStore.Release()
	bare, err := securesocket.NewContext(securesocket.ContextOptions{Certificate: cert, Key: key})
	require.NoError(t, err)
	defer bare.Release()

	tests := []struct {
		name     string
		ctx      *securesocket.Context
		required bool
		pinned   []string
		cert     *securesocket.Certificate
		want     bool
	}{
		{"no cert optional", bare, false, nil, nil, true},
		{"no cert required", bare, true, nil, nil, false},
		{"pinned match", bare, true, []string{cert.Fingerprint()}, cert, true},
		{"pinned mismatch", bare, true, []string{cert.Fingerprint()}, other, false},
		{"store trusts", withStore, true, nil, cert, true},
		{"store rejects", withStore, true, nil, other, false},
		{"nothing to check", bare, false, nil, other, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := clientValidator(tt.ctx, tt.required, tt.pinned)
			assert.Equal(t, tt.want, v.Validate(tt.cert))
		})
	}
}

func TestServeOverTLS(t *testing.T) {
	cert, key := selfSigned(t)
	tlsCtx, err := securesocket.NewContext(securesocket.ContextOptions{Certificate: cert, Key: key})
	require.NoError(t, err)
	defer tlsCtx.Release()

	s, err := New(testConfig(), WithTLSContext(tlsCtx))
	require.NoError(t, err)
	require.NoError(t, s.Register(Descriptor{Callsign: "Echo", Plugin: echoPlugin{}, AutoStart: true}))

	raw, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := raw.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, s.wrapListener(raw)) }()
	defer func() {
		cancel()
		assert.NoError(t, <-served)
	}()

	store := securesocket.NewCertificateStore(cert)
	defer store.Release()
	clientCtx, err := securesocket.NewContext(securesocket.ContextOptions{Store: store})
	require.NoError(t, err)
	defer clientCtx.Release()

	dialer := websocket.Dialer{
		NetDialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return securesocket.Dial(ctx, network, addr, "localhost", clientCtx)
		},
		HandshakeTimeout: 5 * time.Second,
	}
	ws, _, err := dialer.Dial("wss://"+addr+"/jsonrpc", nil)
	require.NoError(t, err)
	defer ws.Close()

	resp := call(t, ws, 1, "Echo.echo", `"secure"`)
	assert.Equal(t, `"secure"`, resp.Result)
	assert.True(t, s.Subsystems()["tls"])
}

func TestRejectedTLSClientIsCounted(t *testing.T) {
	cert, key := selfSigned(t)
	tlsCtx, err := securesocket.NewContext(securesocket.ContextOptions{Certificate: cert, Key: key})
	require.NoError(t, err)
	defer tlsCtx.Release()

	reject := securesocket.ValidatorFunc(func(*securesocket.Certificate) bool { return false })
	s, err := New(testConfig(), WithTLSContext(tlsCtx), WithValidator(reject))
	require.NoError(t, err)

	raw, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := raw.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, s.wrapListener(raw)) }()
	defer func() {
		cancel()
		assert.NoError(t, <-served)
	}()

	store := securesocket.NewCertificateStore(cert)
	defer store.Release()
	clientCtx, err := securesocket.NewContext(securesocket.ContextOptions{Store: store})
	require.NoError(t, err)
	defer clientCtx.Release()

	dialer := websocket.Dialer{
		NetDialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return securesocket.Dial(ctx, network, addr, "localhost", clientCtx)
		},
		HandshakeTimeout: 2 * time.Second,
	}
	ws, _, err := dialer.Dial("wss://"+addr+"/jsonrpc", nil)
	if err == nil {
		ws.Close()
	}
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return s.HandshakeFailures() == 1 }, 2*time.Second, 10*time.Millisecond)
}
