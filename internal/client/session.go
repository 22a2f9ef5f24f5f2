package client

import (
	"sync"
	"time"

	"callify/internal/core/domain"
	"callify/internal/core/ports"
)

// peerSession is the per-remote negotiation state machine. One exists for
// every other member of the room; all transitions happen under mu, which also
// serializes renegotiations on the same session.
type peerSession struct {
	remote domain.ConnectionID
	role   domain.NegotiationRole
	link   ports.PeerLink

	mu             sync.Mutex
	state          domain.SessionState
	haveRemoteDesc bool
	// Candidates that arrived before the remote description. ICE candidates
	// may outrun the offer/answer they belong to; they are held here and
	// applied in arrival order once the description lands.
	pendingCandidates []domain.ICECandidate

	iceTimer *time.Timer
}

func newPeerSession(remote domain.ConnectionID, role domain.NegotiationRole, link ports.PeerLink) *peerSession {
	return &peerSession{
		remote: remote,
		role:   role,
		link:   link,
		state:  domain.SessionNew,
	}
}

// currentState reads the state without caller locking.
func (s *peerSession) currentState() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState transitions unless the session is already terminal.
func (s *peerSession) setState(state domain.SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.state = state
	return true
}

// bufferOrApply routes a remote candidate: applied directly once the remote
// description is set, buffered otherwise. Returns the apply error, if any.
func (s *peerSession) bufferOrApply(cand domain.ICECandidate) error {
	s.mu.Lock()
	if !s.haveRemoteDesc {
		s.pendingCandidates = append(s.pendingCandidates, cand)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.link.AddICECandidate(cand)
}

// applyRemoteDescription sets the remote description and flushes candidates
// buffered while it was missing, preserving their arrival order.
func (s *peerSession) applyRemoteDescription(desc domain.SessionDescription) error {
	if err := s.link.SetRemoteDescription(desc); err != nil {
		return err
	}

	s.mu.Lock()
	s.haveRemoteDesc = true
	buffered := s.pendingCandidates
	s.pendingCandidates = nil
	s.mu.Unlock()

	for _, cand := range buffered {
		if err := s.link.AddICECandidate(cand); err != nil {
			return err
		}
	}
	return nil
}

// armICETimer starts (or restarts) the connect deadline. onExpire runs unless
// the timer is stopped first by a connected transition or teardown.
func (s *peerSession) armICETimer(d time.Duration, onExpire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.iceTimer != nil {
		s.iceTimer.Stop()
	}
	s.iceTimer = time.AfterFunc(d, onExpire)
}

func (s *peerSession) stopICETimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.iceTimer != nil {
		s.iceTimer.Stop()
		s.iceTimer = nil
	}
}

// teardown closes the link exactly once and parks the session in a terminal
// state. Repeated calls are no-ops, so a peer-left event racing an ICE
// failure cannot double-close.
func (s *peerSession) teardown(final domain.SessionState) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = final
	if s.iceTimer != nil {
		s.iceTimer.Stop()
		s.iceTimer = nil
	}
	s.pendingCandidates = nil
	s.mu.Unlock()

	s.link.Close()
}
