package signal

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"callify/internal/core/domain"
	"callify/internal/infrastructure/repositories/memory"
	"callify/pkg/config"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBroker(t *testing.T) (*Broker, *httptest.Server) {
	t.Helper()

	b := NewBroker(memory.NewRoomRegistry(), nil, nil, nil, DefaultOptions(), zap.NewNop().Sugar())
	srv := httptest.NewServer(http.HandlerFunc(b.HandleWebSocket))
	t.Cleanup(srv.Close)
	return b, srv
}

type testClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialTestClient(t *testing.T, srv *httptest.Server, displayName string) *testClient {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?display_name=" + displayName
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return &testClient{t: t, ws: ws}
}

func (c *testClient) send(env domain.Envelope) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(env))
}

func (c *testClient) joinRoom(room string) domain.RoomJoinedPayload {
	c.t.Helper()

	payload, _ := json.Marshal(domain.JoinRoomPayload{RoomCode: domain.RoomCode(room)})
	c.send(domain.Envelope{Kind: domain.KindJoinRoom, Payload: payload})

	env := c.expect(domain.KindRoomJoined)
	var joined domain.RoomJoinedPayload
	require.NoError(c.t, json.Unmarshal(env.Payload, &joined))
	return joined
}

// expect reads envelopes until one of the wanted kind arrives.
func (c *testClient) expect(kind domain.MessageKind) domain.Envelope {
	c.t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for {
		c.ws.SetReadDeadline(deadline)
		var env domain.Envelope
		require.NoError(c.t, c.ws.ReadJSON(&env), "waiting for %s", kind)
		if env.Kind == kind {
			return env
		}
	}
}

// expectNone asserts nothing arrives within the window.
func (c *testClient) expectNone(window time.Duration) {
	c.t.Helper()

	c.ws.SetReadDeadline(time.Now().Add(window))
	var env domain.Envelope
	err := c.ws.ReadJSON(&env)
	require.Error(c.t, err, "expected no message, got %+v", env)
}

func TestBroker_JoinRoom_ReturnsFullMemberList(t *testing.T) {
	_, srv := newTestBroker(t)

	c1 := dialTestClient(t, srv, "alice")
	joined1 := c1.joinRoom("standup")
	require.Len(t, joined1.Members, 1)
	assert.Equal(t, joined1.Self, joined1.Members[0].ConnectionID)
	assert.Equal(t, "alice", joined1.Members[0].DisplayName)

	c2 := dialTestClient(t, srv, "bob")
	joined2 := c2.joinRoom("standup")
	require.Len(t, joined2.Members, 2)
	assert.NotEqual(t, joined1.Self, joined2.Self)

	// The existing member learns about the newcomer, not about itself.
	env := c1.expect(domain.KindPeerJoined)
	var peer domain.PeerJoinedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &peer))
	assert.Equal(t, joined2.Self, peer.ConnectionID)
	assert.Equal(t, "bob", peer.DisplayName)
}

func TestBroker_JoinSecondRoom_Rejected(t *testing.T) {
	_, srv := newTestBroker(t)

	c := dialTestClient(t, srv, "alice")
	c.joinRoom("room-a")

	payload, _ := json.Marshal(domain.JoinRoomPayload{RoomCode: "room-b"})
	c.send(domain.Envelope{Kind: domain.KindJoinRoom, Payload: payload})

	env := c.expect(domain.KindError)
	var errPayload domain.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &errPayload))
	assert.Equal(t, "CONFLICT", errPayload.Code)
}

func TestBroker_Signal_ForwardedVerbatimWithSender(t *testing.T) {
	_, srv := newTestBroker(t)

	c1 := dialTestClient(t, srv, "alice")
	joined1 := c1.joinRoom("pair")
	c2 := dialTestClient(t, srv, "bob")
	joined2 := c2.joinRoom("pair")
	c1.expect(domain.KindPeerJoined)

	offer := domain.SignalPayload{
		Description: &domain.SessionDescription{Type: domain.SDPOffer, SDP: "v=0 test-sdp"},
	}
	raw, _ := json.Marshal(offer)
	c1.send(domain.Envelope{Kind: domain.KindSignal, To: joined2.Self, Payload: raw})

	env := c2.expect(domain.KindSignal)
	assert.Equal(t, joined1.Self, env.From)

	var got domain.SignalPayload
	require.NoError(t, json.Unmarshal(env.Payload, &got))
	require.NotNil(t, got.Description)
	assert.Equal(t, "v=0 test-sdp", got.Description.SDP)
}

func TestBroker_Signal_ToDepartedMemberSilentlyDropped(t *testing.T) {
	_, srv := newTestBroker(t)

	c1 := dialTestClient(t, srv, "alice")
	c1.joinRoom("pair")
	c2 := dialTestClient(t, srv, "bob")
	joined2 := c2.joinRoom("pair")
	c1.expect(domain.KindPeerJoined)

	c2.ws.Close()
	c1.expect(domain.KindPeerLeft)

	raw, _ := json.Marshal(domain.SignalPayload{
		Candidate: &domain.ICECandidate{Candidate: "candidate:1"},
	})
	c1.send(domain.Envelope{Kind: domain.KindSignal, To: joined2.Self, Payload: raw})

	// No error envelope comes back; the stale signal just vanishes.
	c1.expectNone(300 * time.Millisecond)
}

func TestBroker_Signal_WithoutRoomRejected(t *testing.T) {
	_, srv := newTestBroker(t)

	c := dialTestClient(t, srv, "alice")
	raw, _ := json.Marshal(domain.SignalPayload{
		Candidate: &domain.ICECandidate{Candidate: "candidate:1"},
	})
	c.send(domain.Envelope{Kind: domain.KindSignal, To: "someone", Payload: raw})

	env := c.expect(domain.KindError)
	var errPayload domain.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &errPayload))
	assert.Equal(t, "INVALID_INPUT", errPayload.Code)
}

func TestBroker_Chat_FannedOutToAllIncludingSender(t *testing.T) {
	_, srv := newTestBroker(t)

	c1 := dialTestClient(t, srv, "alice")
	joined1 := c1.joinRoom("lounge")
	c2 := dialTestClient(t, srv, "bob")
	c2.joinRoom("lounge")
	c1.expect(domain.KindPeerJoined)

	payload, _ := json.Marshal(domain.ChatPayload{Body: "hello room"})
	c1.send(domain.Envelope{Kind: domain.KindChat, Payload: payload})

	var got1, got2 domain.ChatDeliveredPayload
	require.NoError(t, json.Unmarshal(c1.expect(domain.KindChatDelivered).Payload, &got1))
	require.NoError(t, json.Unmarshal(c2.expect(domain.KindChatDelivered).Payload, &got2))

	assert.Equal(t, "hello room", got1.Body)
	assert.Equal(t, joined1.Self, got1.SenderID)
	assert.Equal(t, "alice", got1.DisplayName)
	// Both copies carry the identical server timestamp.
	assert.Equal(t, got1.Timestamp, got2.Timestamp)
	assert.NotZero(t, got1.Timestamp)
}

func TestBroker_Chat_WithoutRoomRejected(t *testing.T) {
	_, srv := newTestBroker(t)

	c := dialTestClient(t, srv, "alice")
	payload, _ := json.Marshal(domain.ChatPayload{Body: "anyone?"})
	c.send(domain.Envelope{Kind: domain.KindChat, Payload: payload})

	env := c.expect(domain.KindError)
	var errPayload domain.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &errPayload))
	assert.Equal(t, "INVALID_INPUT", errPayload.Code)
}

func TestBroker_Disconnect_BroadcastsSinglePeerLeft(t *testing.T) {
	b, srv := newTestBroker(t)

	c1 := dialTestClient(t, srv, "alice")
	c1.joinRoom("meeting")
	c2 := dialTestClient(t, srv, "bob")
	joined2 := c2.joinRoom("meeting")
	c1.expect(domain.KindPeerJoined)

	c2.ws.Close()

	env := c1.expect(domain.KindPeerLeft)
	var left domain.PeerLeftPayload
	require.NoError(t, json.Unmarshal(env.Payload, &left))
	assert.Equal(t, joined2.Self, left.ConnectionID)

	// Exactly one peer-left: nothing else follows.
	c1.expectNone(300 * time.Millisecond)

	require.Eventually(t, func() bool {
		return b.ConnectionCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroker_LeaveRoom_KeepsConnectionUsable(t *testing.T) {
	_, srv := newTestBroker(t)

	c1 := dialTestClient(t, srv, "alice")
	c1.joinRoom("first")
	c2 := dialTestClient(t, srv, "bob")
	c2.joinRoom("first")
	c1.expect(domain.KindPeerJoined)

	c1.send(domain.Envelope{Kind: domain.KindLeaveRoom})
	c2.expect(domain.KindPeerLeft)

	// Same connection joins a different room afterwards.
	joined := c1.joinRoom("second")
	assert.Equal(t, domain.RoomCode("second"), joined.RoomCode)
	assert.Len(t, joined.Members, 1)
}

// captureMetrics records room-count gauge updates and ignores the rest.
type captureMetrics struct {
	mu         sync.Mutex
	roomCounts []int
}

func (m *captureMetrics) RecordConnectionOpened()          {}
func (m *captureMetrics) RecordConnectionClosed()          {}
func (m *captureMetrics) RecordSignalRouted()              {}
func (m *captureMetrics) RecordSignalDropped()             {}
func (m *captureMetrics) RecordChatMessage()               {}
func (m *captureMetrics) RecordMessageDropped(kind string) {}

func (m *captureMetrics) RecordRoomCount(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roomCounts = append(m.roomCounts, n)
}

func (m *captureMetrics) lastRoomCount() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.roomCounts) == 0 {
		return 0, false
	}
	return m.roomCounts[len(m.roomCounts)-1], true
}

func TestBroker_RoomCountGaugeFollowsMembership(t *testing.T) {
	metrics := &captureMetrics{}
	b := NewBroker(memory.NewRoomRegistry(), nil, nil, metrics, DefaultOptions(), zap.NewNop().Sugar())
	srv := httptest.NewServer(http.HandlerFunc(b.HandleWebSocket))
	t.Cleanup(srv.Close)

	c := dialTestClient(t, srv, "alice")
	c.joinRoom("solo")

	n, ok := metrics.lastRoomCount()
	require.True(t, ok)
	assert.Equal(t, 1, n)

	// The last member disconnecting collects the room and zeroes the gauge.
	c.ws.Close()
	require.Eventually(t, func() bool {
		n, ok := metrics.lastRoomCount()
		return ok && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOptionsFromConfig_LimiterArmedOnlyWhenEnabled(t *testing.T) {
	cfg := config.DefaultConfig()

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, cfg.Signal.PingInterval, opts.PingInterval)
	assert.Equal(t, cfg.Signal.SendBufferSize, opts.SendBufferSize)
	// Rate limiting is disabled by default: the configured websocket rate
	// must not leak into the broker.
	assert.Zero(t, opts.MessagesPerSecond)
	assert.Zero(t, opts.MessageBurst)

	cfg.RateLimiting.Enabled = true
	opts = OptionsFromConfig(cfg)
	assert.Equal(t, cfg.RateLimiting.WebSocket.MessagesPerSecond, opts.MessagesPerSecond)
	assert.Equal(t, cfg.RateLimiting.WebSocket.Burst, opts.MessageBurst)
}

func TestBroker_UnknownKind_ReturnsError(t *testing.T) {
	_, srv := newTestBroker(t)

	c := dialTestClient(t, srv, "alice")
	c.send(domain.Envelope{Kind: "who-knows"})

	env := c.expect(domain.KindError)
	var errPayload domain.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &errPayload))
	assert.Equal(t, "INVALID_INPUT", errPayload.Code)
}
