package client

import (
	"context"
	"net/url"
	"sync"

	"callify/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// MeetingOptions configure one meeting client.
type MeetingOptions struct {
	ServerURL   string
	Token       string
	DisplayName string
	ICEServers  []webrtc.ICEServer
	Manager     ManagerOptions
}

// MeetingEvents are the application-facing callbacks. All optional.
type MeetingEvents struct {
	OnRoomJoined   func(domain.RoomJoinedPayload)
	OnPeerJoined   func(domain.PeerJoinedPayload)
	OnPeerLeft     func(domain.PeerLeftPayload)
	OnChat         func(domain.ChatDeliveredPayload)
	OnSessionState func(remote domain.ConnectionID, state domain.SessionState)
	OnServerError  func(domain.ErrorPayload)
	OnDisconnect   func(error)
}

// Meeting is the full client: signaling transport, per-remote sessions, and
// local media, assembled. One Meeting handles one connection; it can join and
// leave rooms repeatedly over its lifetime.
type Meeting struct {
	opts   MeetingOptions
	events MeetingEvents
	logger *zap.SugaredLogger

	transport *Transport
	media     *MediaController

	mu      sync.RWMutex
	self    domain.ConnectionID
	manager *SessionManager
}

// JoinMeeting dials the signaling server and prepares local media. The
// returned Meeting is not in any room until JoinRoom succeeds.
func JoinMeeting(ctx context.Context, opts MeetingOptions, events MeetingEvents, logger *zap.SugaredLogger) (*Meeting, error) {
	m := &Meeting{
		opts:   opts,
		events: events,
		logger: logger,
	}

	m.media = NewMediaController(
		NewSyntheticCaptureDevice(logger),
		func(ctx context.Context) {
			if mgr := m.sessionManager(); mgr != nil {
				mgr.RenegotiateAll(ctx)
			}
		},
		logger,
	)
	if err := m.media.Acquire(ctx); err != nil {
		return nil, err
	}

	transport, err := Dial(ctx, m.dialURL(), EventHandlers{
		OnRoomJoined:    m.handleRoomJoined,
		OnPeerJoined:    m.handlePeerJoined,
		OnPeerLeft:      m.handlePeerLeft,
		OnSignal:        m.handleSignal,
		OnChatDelivered: m.handleChat,
		OnError:         m.handleServerError,
		OnDisconnect:    m.handleDisconnect,
	}, logger)
	if err != nil {
		m.media.Release()
		return nil, err
	}
	m.transport = transport

	return m, nil
}

func (m *Meeting) dialURL() string {
	u, err := url.Parse(m.opts.ServerURL)
	if err != nil {
		return m.opts.ServerURL
	}
	q := u.Query()
	if m.opts.Token != "" {
		q.Set("token", m.opts.Token)
	}
	if m.opts.DisplayName != "" {
		q.Set("display_name", m.opts.DisplayName)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// JoinRoom requests room membership. Confirmation arrives via OnRoomJoined.
func (m *Meeting) JoinRoom(room domain.RoomCode) error {
	return m.transport.JoinRoom(room)
}

// LeaveRoom exits the current room, tearing down every peer session while
// keeping the signaling connection and capture tracks alive.
func (m *Meeting) LeaveRoom() error {
	if mgr := m.sessionManager(); mgr != nil {
		mgr.CloseAll()
	}
	return m.transport.LeaveRoom()
}

// SendChat submits a chat message to the current room.
func (m *Meeting) SendChat(body string) error {
	return m.transport.SendChat(body)
}

// SetMuted toggles one local track kind without renegotiating.
func (m *Meeting) SetMuted(kind domain.TrackKind, muted bool) {
	m.media.SetTrackEnabled(kind, !muted)
}

// ShareScreen switches the outgoing video to screen capture, renegotiating
// with every connected member.
func (m *Meeting) ShareScreen(ctx context.Context) error {
	return m.media.ReplaceVideoSource(ctx, domain.SourceScreen)
}

// ShareCamera switches the outgoing video back to the camera.
func (m *Meeting) ShareCamera(ctx context.Context) error {
	return m.media.ReplaceVideoSource(ctx, domain.SourceCamera)
}

// Self reports this client's connection ID, empty before the first join.
func (m *Meeting) Self() domain.ConnectionID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.self
}

// Close releases media and closes the signaling connection.
func (m *Meeting) Close() error {
	if mgr := m.sessionManager(); mgr != nil {
		mgr.CloseAll()
	}
	m.media.Release()
	return m.transport.Close()
}

func (m *Meeting) sessionManager() *SessionManager {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.manager
}

func (m *Meeting) localTracks() []webrtc.TrackLocal {
	var tracks []webrtc.TrackLocal
	m.media.mu.Lock()
	if t, ok := m.media.audio.(*syntheticTrack); ok {
		tracks = append(tracks, t.Local())
	}
	if t, ok := m.media.video.(*syntheticTrack); ok {
		tracks = append(tracks, t.Local())
	}
	m.media.mu.Unlock()
	return tracks
}

func (m *Meeting) handleRoomJoined(p domain.RoomJoinedPayload) {
	factory := NewPionFactory(PionConfig{ICEServers: m.opts.ICEServers}, m.localTracks, m.logger)

	m.mu.Lock()
	m.self = p.Self
	m.manager = NewSessionManager(p.Self, m.transport, factory, m.opts.Manager, m.logger)
	m.manager.OnSessionStateChange = m.events.OnSessionState
	mgr := m.manager
	m.mu.Unlock()

	m.logger.Infow("joined room", "room", p.RoomCode, "self", p.Self, "members", len(p.Members))

	mgr.HandleRoomJoined(context.Background(), p)
	if m.events.OnRoomJoined != nil {
		m.events.OnRoomJoined(p)
	}
}

func (m *Meeting) handlePeerJoined(p domain.PeerJoinedPayload) {
	if mgr := m.sessionManager(); mgr != nil {
		mgr.HandlePeerJoined(context.Background(), p)
	}
	if m.events.OnPeerJoined != nil {
		m.events.OnPeerJoined(p)
	}
}

func (m *Meeting) handlePeerLeft(p domain.PeerLeftPayload) {
	if mgr := m.sessionManager(); mgr != nil {
		mgr.HandlePeerLeft(p)
	}
	if m.events.OnPeerLeft != nil {
		m.events.OnPeerLeft(p)
	}
}

func (m *Meeting) handleSignal(from domain.ConnectionID, payload domain.SignalPayload) {
	if mgr := m.sessionManager(); mgr != nil {
		mgr.HandleSignal(context.Background(), from, payload)
	}
}

func (m *Meeting) handleChat(p domain.ChatDeliveredPayload) {
	if m.events.OnChat != nil {
		m.events.OnChat(p)
	}
}

func (m *Meeting) handleServerError(p domain.ErrorPayload) {
	m.logger.Warnw("server error", "code", p.Code, "message", p.Message)
	if m.events.OnServerError != nil {
		m.events.OnServerError(p)
	}
}

func (m *Meeting) handleDisconnect(err error) {
	if mgr := m.sessionManager(); mgr != nil {
		mgr.CloseAll()
	}
	if m.events.OnDisconnect != nil {
		m.events.OnDisconnect(err)
	}
}
