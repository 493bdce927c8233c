package gateway_talk_api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	pionwebrtc "github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	config "github.com/rapidaai/alchemist/api/gateway-api/config"
	internal_privacy "github.com/rapidaai/alchemist/api/gateway-api/internal/privacy"
	internal_session "github.com/rapidaai/alchemist/api/gateway-api/internal/session"
	internal_upstream "github.com/rapidaai/alchemist/api/gateway-api/internal/upstream"
	"github.com/rapidaai/alchemist/pkg/commons"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ============================================================
// Fakes
// ============================================================

type fakeBridge struct {
	mu     sync.Mutex
	events chan internal_upstream.Event
	texts  []string
	closed bool
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{events: make(chan internal_upstream.Event, 8)}
}

func (b *fakeBridge) Events() <-chan internal_upstream.Event { return b.events }
func (b *fakeBridge) SendAudio([]byte) error                 { return nil }
func (b *fakeBridge) SendImage([]byte) error                 { return nil }
func (b *fakeBridge) CancelTurn() error                      { return nil }
func (b *fakeBridge) DroppedAudio() uint64                   { return 0 }

func (b *fakeBridge) SendText(text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.texts = append(b.texts, text)
	return nil
}

func (b *fakeBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.events)
	}
	return nil
}

func (b *fakeBridge) sentTexts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.texts...)
}

type stubShield struct{}

func (stubShield) Classify(context.Context, []byte) internal_privacy.Result {
	return internal_privacy.Result{Verdict: internal_privacy.VerdictSafe}
}

// bridgeRecorder remembers the bridge minted for the most recent session.
type bridgeRecorder struct {
	mu   sync.Mutex
	last *fakeBridge
}

func (r *bridgeRecorder) factory(_ context.Context, _ commons.Logger, _ internal_upstream.Config) (internal_session.LiveBridge, error) {
	b := newFakeBridge()
	r.mu.Lock()
	r.last = b
	r.mu.Unlock()
	return b, nil
}

func (r *bridgeRecorder) lastBridge() *fakeBridge {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// ============================================================
// Harness
// ============================================================

func newTalkEngine(t *testing.T, factory internal_session.BridgeFactory) (*gin.Engine, *internal_session.Manager) {
	t.Helper()
	logger := commons.NewNopLogger()
	m, err := internal_session.NewManager(context.Background(), logger, internal_session.Config{}, stubShield{}, factory)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	api := NewTalkApi(&config.AppConfig{}, logger, m)
	engine := gin.New()
	engine.POST("/webrtc", api.Negotiate)
	engine.GET("/ws", api.Signal)
	return engine, m
}

func browserOffer(t *testing.T) string {
	t.Helper()
	pc, err := pionwebrtc.NewPeerConnection(pionwebrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	_, err = pc.AddTransceiverFromKind(pionwebrtc.RTPCodecTypeAudio)
	require.NoError(t, err)
	_, err = pc.AddTransceiverFromKind(pionwebrtc.RTPCodecTypeVideo)
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(offer))
	return offer.SDP
}

func postJSON(engine *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func dialSignaling(t *testing.T, server *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntilType drains signaling messages (ICE candidates trickle in at any
// time) until one with the wanted type arrives.
func readUntilType(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %q message", want)
		if msg["type"] == want {
			return msg
		}
	}
}

// ============================================================
// Negotiation
// ============================================================

func TestNegotiateReturnsAnswer(t *testing.T) {
	rec := &bridgeRecorder{}
	engine, m := newTalkEngine(t, rec.factory)

	w := postJSON(engine, "/webrtc", gin.H{"sdp": browserOffer(t), "type": "offer"})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		SDP       string `json:"sdp"`
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "answer", resp.Type)
	assert.Contains(t, resp.SDP, "m=audio")
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, 1, m.Count())
}

func TestNegotiateRejectsNonOffer(t *testing.T) {
	rec := &bridgeRecorder{}
	engine, m := newTalkEngine(t, rec.factory)

	w := postJSON(engine, "/webrtc", gin.H{"sdp": browserOffer(t), "type": "answer"})

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, m.Count())
}

func TestNegotiateRejectsMissingFields(t *testing.T) {
	rec := &bridgeRecorder{}
	engine, _ := newTalkEngine(t, rec.factory)

	w := postJSON(engine, "/webrtc", gin.H{"type": "offer"})

	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(commons.KindBadRequest), resp["kind"])
}

func TestNegotiateReportsUpstreamFailure(t *testing.T) {
	failing := func(_ context.Context, _ commons.Logger, _ internal_upstream.Config) (internal_session.LiveBridge, error) {
		return nil, fmt.Errorf("live endpoint unreachable")
	}
	engine, m := newTalkEngine(t, failing)

	w := postJSON(engine, "/webrtc", gin.H{"sdp": browserOffer(t), "type": "offer"})

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(commons.KindUpstreamUnavailable), resp["kind"])
	assert.Equal(t, 0, m.Count())
}

// ============================================================
// Signaling socket
// ============================================================

func TestSignalRejectsUnknownSession(t *testing.T) {
	rec := &bridgeRecorder{}
	engine, _ := newTalkEngine(t, rec.factory)
	server := httptest.NewServer(engine)
	t.Cleanup(server.Close)

	conn := dialSignaling(t, server, "no-such-session")

	msg := readUntilType(t, conn, "error")
	assert.Equal(t, string(commons.KindSessionNotFound), msg["kind"])

	// the server hangs up after reporting the error
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var next map[string]any
	assert.Error(t, conn.ReadJSON(&next))
}

func TestSignalRoutesClientMessages(t *testing.T) {
	rec := &bridgeRecorder{}
	engine, m := newTalkEngine(t, rec.factory)
	server := httptest.NewServer(engine)
	t.Cleanup(server.Close)

	s, _, err := m.Negotiate(browserOffer(t))
	require.NoError(t, err)
	conn := dialSignaling(t, server, s.ID)

	// a trickled candidate and an interrupt must not break the pump
	require.NoError(t, conn.WriteJSON(gin.H{
		"type": "candidate",
		"candidate": gin.H{
			"candidate": "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
		},
	}))
	require.NoError(t, conn.WriteJSON(gin.H{"type": "interrupt"}))
	require.NoError(t, conn.WriteJSON(gin.H{"type": "bogus"}))

	require.NoError(t, conn.WriteJSON(gin.H{"type": "spatial", "prompt": "what color is this wall"}))
	require.Eventually(t, func() bool {
		texts := rec.lastBridge().sentTexts()
		return len(texts) == 1 && texts[0] == "what color is this wall"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSignalNotifiesSessionClose(t *testing.T) {
	rec := &bridgeRecorder{}
	engine, m := newTalkEngine(t, rec.factory)
	server := httptest.NewServer(engine)
	t.Cleanup(server.Close)

	s, _, err := m.Negotiate(browserOffer(t))
	require.NoError(t, err)
	conn := dialSignaling(t, server, s.ID)

	require.NoError(t, m.Close(s.ID, "operator hangup"))

	msg := readUntilType(t, conn, "closed")
	assert.Equal(t, "closed", msg["type"])
}

func TestSignalSocketLossKeepsSessionAlive(t *testing.T) {
	rec := &bridgeRecorder{}
	engine, m := newTalkEngine(t, rec.factory)
	server := httptest.NewServer(engine)
	t.Cleanup(server.Close)

	s, _, err := m.Negotiate(browserOffer(t))
	require.NoError(t, err)
	conn := dialSignaling(t, server, s.ID)
	require.NoError(t, conn.Close())

	// the browser may reconnect; only the watchdog ends an abandoned session
	time.Sleep(50 * time.Millisecond)
	select {
	case <-s.Done():
		t.Fatal("dropping the signaling socket must not close the session")
	default:
	}
	assert.Equal(t, 1, m.Count())
}
