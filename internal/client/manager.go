package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"callify/internal/core/domain"
	"callify/internal/core/ports"
	"callify/pkg/retry"

	"go.uber.org/zap"
)

// ManagerOptions tune the session manager's negotiation behaviour.
type ManagerOptions struct {
	// ICEConnectTimeout bounds how long a session may sit in connecting
	// before it is declared failed and torn down.
	ICEConnectTimeout time.Duration
	// SignalRetry governs retries of outbound offers and answers. Candidates
	// are never retried; a lost candidate is recovered by ICE itself.
	SignalRetry retry.Config
}

func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		ICEConnectTimeout: 30 * time.Second,
		SignalRetry:       retry.DefaultConfig(),
	}
}

// SessionManager owns one peerSession per remote member and drives the
// offer/answer exchange. Exactly one side of every pair initiates: the
// lexicographically larger connection ID. A failed session never affects
// sessions with other members.
type SessionManager struct {
	self    domain.ConnectionID
	sender  ports.SignalSender
	factory ports.PeerLinkFactory
	opts    ManagerOptions
	logger  *zap.SugaredLogger

	mu       sync.RWMutex
	sessions map[domain.ConnectionID]*peerSession
	// departed remembers members whose peer-left was observed, so their
	// in-flight signals are dropped instead of reopening a session.
	departed map[domain.ConnectionID]struct{}

	// OnSessionStateChange, when set, observes every session transition.
	// Called outside manager locks.
	OnSessionStateChange func(remote domain.ConnectionID, state domain.SessionState)
}

func NewSessionManager(
	self domain.ConnectionID,
	sender ports.SignalSender,
	factory ports.PeerLinkFactory,
	opts ManagerOptions,
	logger *zap.SugaredLogger,
) *SessionManager {
	return &SessionManager{
		self:     self,
		sender:   sender,
		factory:  factory,
		opts:     opts,
		logger:   logger,
		sessions: make(map[domain.ConnectionID]*peerSession),
		departed: make(map[domain.ConnectionID]struct{}),
	}
}

// HandleRoomJoined opens a session toward every member already in the room.
// Only the pairs where this side wins the tie-break get an immediate offer;
// for the rest, the remote member initiates on its own peer-joined event.
func (m *SessionManager) HandleRoomJoined(ctx context.Context, p domain.RoomJoinedPayload) {
	for _, member := range p.Members {
		if member.ConnectionID == m.self {
			continue
		}
		m.openSession(ctx, member.ConnectionID)
	}
}

// HandlePeerJoined opens a session toward the newcomer.
func (m *SessionManager) HandlePeerJoined(ctx context.Context, p domain.PeerJoinedPayload) {
	m.openSession(ctx, p.ConnectionID)
}

// HandlePeerLeft tears down the session with the departed member. Safe to
// call for an unknown or already-closed session.
func (m *SessionManager) HandlePeerLeft(p domain.PeerLeftPayload) {
	m.mu.Lock()
	sess, ok := m.sessions[p.ConnectionID]
	delete(m.sessions, p.ConnectionID)
	m.departed[p.ConnectionID] = struct{}{}
	m.mu.Unlock()

	if !ok {
		return
	}
	sess.teardown(domain.SessionClosed)
	m.notify(p.ConnectionID, domain.SessionClosed)
	m.logger.Infow("session closed after peer left", "remote", p.ConnectionID)
}

// HandleSignal routes an inbound description or candidate to the session
// with the sending member. An offer from a member without a session opens
// one on the answering side: the membership event that normally opens it can
// be lost to a full send buffer, and the offer is the pair's last chance to
// connect. Everything else from an unknown member belongs to someone who
// already left and is dropped.
func (m *SessionManager) HandleSignal(ctx context.Context, from domain.ConnectionID, payload domain.SignalPayload) {
	m.mu.RLock()
	sess, ok := m.sessions[from]
	_, left := m.departed[from]
	m.mu.RUnlock()
	if !ok {
		if left || payload.Description == nil || payload.Description.Type != domain.SDPOffer {
			m.logger.Debugw("dropping signal from unknown member", "from", from)
			return
		}
		sess, _ = m.ensureSession(from)
		if sess == nil {
			return
		}
	}

	switch {
	case payload.Description != nil:
		m.handleDescription(ctx, sess, *payload.Description)
	case payload.Candidate != nil:
		if err := sess.bufferOrApply(*payload.Candidate); err != nil {
			m.logger.Warnw("failed to apply remote candidate", "remote", from, "error", err)
		}
	}
}

// RenegotiateAll re-offers to every live session, used after the local video
// source changes. Each session renegotiates independently; one failure never
// blocks the others.
func (m *SessionManager) RenegotiateAll(ctx context.Context) {
	m.mu.RLock()
	sessions := make([]*peerSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	for _, sess := range sessions {
		if sess.currentState().Terminal() {
			continue
		}
		if err := m.sendOffer(ctx, sess); err != nil {
			m.logger.Warnw("renegotiation failed", "remote", sess.remote, "error", err)
		}
	}
}

// ActiveSessions returns the remotes with a non-terminal session.
func (m *SessionManager) ActiveSessions() []domain.ConnectionID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.ConnectionID, 0, len(m.sessions))
	for id, sess := range m.sessions {
		if !sess.currentState().Terminal() {
			out = append(out, id)
		}
	}
	return out
}

// SessionState reports the negotiation state toward one remote.
func (m *SessionManager) SessionState(remote domain.ConnectionID) (domain.SessionState, bool) {
	m.mu.RLock()
	sess, ok := m.sessions[remote]
	m.mu.RUnlock()
	if !ok {
		return "", false
	}
	return sess.currentState(), true
}

// CloseAll tears down every session, used when leaving the room.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[domain.ConnectionID]*peerSession)
	m.departed = make(map[domain.ConnectionID]struct{})
	m.mu.Unlock()

	for id, sess := range sessions {
		sess.teardown(domain.SessionClosed)
		m.notify(id, domain.SessionClosed)
	}
}

func (m *SessionManager) openSession(ctx context.Context, remote domain.ConnectionID) {
	sess, created := m.ensureSession(remote)
	if sess == nil || !created {
		return
	}

	if domain.InitiatorFor(m.self, remote) == domain.RoleOfferer {
		if err := m.sendOffer(ctx, sess); err != nil {
			m.logger.Errorw("initial offer failed", "remote", remote, "error", err)
			m.failSession(sess)
		}
	}
}

// ensureSession returns the live session toward remote, creating one when
// none exists. A created session is reported so the caller knows whether the
// initial offer is still owed.
func (m *SessionManager) ensureSession(remote domain.ConnectionID) (*peerSession, bool) {
	m.mu.Lock()
	if existing, ok := m.sessions[remote]; ok && !existing.currentState().Terminal() {
		m.mu.Unlock()
		return existing, false
	}
	delete(m.departed, remote)

	role := domain.InitiatorFor(m.self, remote)
	link, err := m.factory.NewPeerLink(remote, ports.PeerLinkCallbacks{
		OnCandidate: func(cand domain.ICECandidate) {
			m.sendCandidate(remote, cand)
		},
		OnStateChange: func(state domain.SessionState) {
			m.onLinkStateChange(remote, state)
		},
	})
	if err != nil {
		m.mu.Unlock()
		m.logger.Errorw("failed to create peer link", "remote", remote, "error", err)
		return nil, false
	}

	sess := newPeerSession(remote, role, link)
	m.sessions[remote] = sess
	m.mu.Unlock()

	m.logger.Infow("session opened", "remote", remote, "role", role)
	return sess, true
}

// sendOffer creates and relays a local offer, serialized with the session's
// other negotiation work.
func (m *SessionManager) sendOffer(ctx context.Context, sess *peerSession) error {
	offer, err := sess.link.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if !sess.setState(domain.SessionHaveLocalOffer) {
		return domain.ErrSessionClosed
	}

	err = retry.Do(ctx, m.opts.SignalRetry, func() error {
		return m.sender.SendSignal(sess.remote, domain.SignalPayload{Description: &offer})
	})
	if err != nil {
		return fmt.Errorf("failed to send offer: %w", err)
	}

	m.armConnectDeadline(sess)
	m.notify(sess.remote, domain.SessionHaveLocalOffer)
	return nil
}

func (m *SessionManager) handleDescription(ctx context.Context, sess *peerSession, desc domain.SessionDescription) {
	switch desc.Type {
	case domain.SDPOffer:
		m.handleRemoteOffer(ctx, sess, desc)
	case domain.SDPAnswer:
		m.handleRemoteAnswer(sess, desc)
	default:
		m.logger.Warnw("ignoring unknown description type", "remote", sess.remote, "type", desc.Type)
	}
}

func (m *SessionManager) handleRemoteOffer(ctx context.Context, sess *peerSession, offer domain.SessionDescription) {
	state := sess.currentState()
	if state.Terminal() {
		return
	}

	// Glare: both sides offered at once, which only happens when a
	// renegotiation crosses the initial exchange. The tie-break settles it
	// deterministically: the winner ignores the incoming offer and waits for
	// its answer; the loser discards its own offer and answers instead.
	if state == domain.SessionHaveLocalOffer {
		if domain.InitiatorFor(m.self, sess.remote) == domain.RoleOfferer {
			m.logger.Debugw("ignoring glare offer, local offer wins", "remote", sess.remote)
			return
		}
		if err := sess.link.RollbackLocalOffer(); err != nil {
			m.logger.Errorw("glare rollback failed", "remote", sess.remote, "error", err)
			m.failSession(sess)
			return
		}
		m.logger.Debugw("rolled back local offer on glare", "remote", sess.remote)
	}

	if err := sess.applyRemoteDescription(offer); err != nil {
		m.logger.Errorw("failed to apply remote offer", "remote", sess.remote, "error", err)
		m.failSession(sess)
		return
	}
	sess.setState(domain.SessionHaveRemoteOffer)
	m.notify(sess.remote, domain.SessionHaveRemoteOffer)

	answer, err := sess.link.CreateAnswer(ctx)
	if err != nil {
		m.logger.Errorw("failed to create answer", "remote", sess.remote, "error", err)
		m.failSession(sess)
		return
	}

	err = retry.Do(ctx, m.opts.SignalRetry, func() error {
		return m.sender.SendSignal(sess.remote, domain.SignalPayload{Description: &answer})
	})
	if err != nil {
		m.logger.Errorw("failed to send answer", "remote", sess.remote, "error", err)
		m.failSession(sess)
		return
	}

	sess.setState(domain.SessionConnecting)
	m.armConnectDeadline(sess)
	m.notify(sess.remote, domain.SessionConnecting)
}

func (m *SessionManager) handleRemoteAnswer(sess *peerSession, answer domain.SessionDescription) {
	if sess.currentState() != domain.SessionHaveLocalOffer {
		m.logger.Debugw("dropping unexpected answer", "remote", sess.remote, "state", sess.currentState())
		return
	}

	if err := sess.applyRemoteDescription(answer); err != nil {
		m.logger.Errorw("failed to apply remote answer", "remote", sess.remote, "error", err)
		m.failSession(sess)
		return
	}

	sess.setState(domain.SessionConnecting)
	m.notify(sess.remote, domain.SessionConnecting)
}

func (m *SessionManager) sendCandidate(remote domain.ConnectionID, cand domain.ICECandidate) {
	if err := m.sender.SendSignal(remote, domain.SignalPayload{Candidate: &cand}); err != nil {
		m.logger.Warnw("failed to send candidate", "remote", remote, "error", err)
	}
}

func (m *SessionManager) onLinkStateChange(remote domain.ConnectionID, state domain.SessionState) {
	m.mu.RLock()
	sess, ok := m.sessions[remote]
	m.mu.RUnlock()
	if !ok {
		return
	}

	switch state {
	case domain.SessionConnected:
		sess.stopICETimer()
		sess.setState(domain.SessionConnected)
		m.notify(remote, domain.SessionConnected)
		m.logger.Infow("session connected", "remote", remote)
	case domain.SessionFailed, domain.SessionDisconnected:
		m.failSession(sess)
	default:
		if sess.setState(state) {
			m.notify(remote, state)
		}
	}
}

// armConnectDeadline bounds the time between sending a description and the
// link reporting connected.
func (m *SessionManager) armConnectDeadline(sess *peerSession) {
	if m.opts.ICEConnectTimeout <= 0 {
		return
	}
	sess.armICETimer(m.opts.ICEConnectTimeout, func() {
		if sess.currentState() == domain.SessionConnected {
			return
		}
		m.logger.Warnw("connect deadline expired", "remote", sess.remote)
		m.failSession(sess)
	})
}

// failSession tears one session down without touching the rest of the mesh.
func (m *SessionManager) failSession(sess *peerSession) {
	if sess.currentState().Terminal() {
		return
	}
	sess.teardown(domain.SessionFailed)
	m.notify(sess.remote, domain.SessionFailed)
	m.logger.Warnw("session failed", "remote", sess.remote)
}

func (m *SessionManager) notify(remote domain.ConnectionID, state domain.SessionState) {
	if m.OnSessionStateChange != nil {
		m.OnSessionStateChange(remote, state)
	}
}
