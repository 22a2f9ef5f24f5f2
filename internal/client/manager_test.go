package client

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"callify/internal/core/domain"
	"callify/internal/core/ports"
	"callify/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sentSignal struct {
	to      domain.ConnectionID
	payload domain.SignalPayload
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentSignal
	err  error
}

func (s *fakeSender) SendSignal(to domain.ConnectionID, payload domain.SignalPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentSignal{to: to, payload: payload})
	return nil
}

func (s *fakeSender) sentTo(to domain.ConnectionID) []sentSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentSignal
	for _, sig := range s.sent {
		if sig.to == to {
			out = append(out, sig)
		}
	}
	return out
}

func (s *fakeSender) offersTo(to domain.ConnectionID) int {
	n := 0
	for _, sig := range s.sentTo(to) {
		if sig.payload.Description != nil && sig.payload.Description.Type == domain.SDPOffer {
			n++
		}
	}
	return n
}

func (s *fakeSender) answersTo(to domain.ConnectionID) int {
	n := 0
	for _, sig := range s.sentTo(to) {
		if sig.payload.Description != nil && sig.payload.Description.Type == domain.SDPAnswer {
			n++
		}
	}
	return n
}

type fakeLink struct {
	mu          sync.Mutex
	offers      int
	answers     int
	remoteDescs []domain.SessionDescription
	candidates  []domain.ICECandidate
	rolledBack  bool
	closed      bool

	offerErr error
}

func (l *fakeLink) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.offerErr != nil {
		return domain.SessionDescription{}, l.offerErr
	}
	l.offers++
	return domain.SessionDescription{Type: domain.SDPOffer, SDP: fmt.Sprintf("offer-%d", l.offers)}, nil
}

func (l *fakeLink) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.answers++
	return domain.SessionDescription{Type: domain.SDPAnswer, SDP: fmt.Sprintf("answer-%d", l.answers)}, nil
}

func (l *fakeLink) SetRemoteDescription(desc domain.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remoteDescs = append(l.remoteDescs, desc)
	return nil
}

func (l *fakeLink) RollbackLocalOffer() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolledBack = true
	return nil
}

func (l *fakeLink) AddICECandidate(cand domain.ICECandidate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, cand)
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) appliedCandidates() []domain.ICECandidate {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.ICECandidate, len(l.candidates))
	copy(out, l.candidates)
	return out
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type fakeFactory struct {
	mu        sync.Mutex
	links     map[domain.ConnectionID]*fakeLink
	callbacks map[domain.ConnectionID]ports.PeerLinkCallbacks
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		links:     make(map[domain.ConnectionID]*fakeLink),
		callbacks: make(map[domain.ConnectionID]ports.PeerLinkCallbacks),
	}
}

func (f *fakeFactory) NewPeerLink(remote domain.ConnectionID, callbacks ports.PeerLinkCallbacks) (ports.PeerLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	link := &fakeLink{}
	f.links[remote] = link
	f.callbacks[remote] = callbacks
	return link, nil
}

func (f *fakeFactory) link(remote domain.ConnectionID) *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[remote]
}

func (f *fakeFactory) fireStateChange(remote domain.ConnectionID, state domain.SessionState) {
	f.mu.Lock()
	cb := f.callbacks[remote]
	f.mu.Unlock()
	if cb.OnStateChange != nil {
		cb.OnStateChange(state)
	}
}

func testManagerOptions() ManagerOptions {
	return ManagerOptions{
		ICEConnectTimeout: 0, // no timer in unit tests unless a test arms it
		SignalRetry: retry.Config{
			MaxAttempts:  1,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
			Multiplier:   1,
		},
	}
}

func newTestManager(self domain.ConnectionID) (*SessionManager, *fakeSender, *fakeFactory) {
	sender := &fakeSender{}
	factory := newFakeFactory()
	m := NewSessionManager(self, sender, factory, testManagerOptions(), zap.NewNop().Sugar())
	return m, sender, factory
}

func roomJoined(self domain.ConnectionID, others ...domain.ConnectionID) domain.RoomJoinedPayload {
	members := []domain.Member{{ConnectionID: self}}
	for _, id := range others {
		members = append(members, domain.Member{ConnectionID: id})
	}
	return domain.RoomJoinedPayload{RoomCode: "room", Self: self, Members: members}
}

func TestHandleRoomJoined_OffersOnlyWhereTieBreakWins(t *testing.T) {
	m, sender, _ := newTestManager("bbb")
	ctx := context.Background()

	m.HandleRoomJoined(ctx, roomJoined("bbb", "aaa", "ccc"))

	// "bbb" > "aaa": this side offers. "bbb" < "ccc": the other side will.
	assert.Equal(t, 1, sender.offersTo("aaa"))
	assert.Equal(t, 0, sender.offersTo("ccc"))

	state, ok := m.SessionState("aaa")
	require.True(t, ok)
	assert.Equal(t, domain.SessionHaveLocalOffer, state)

	state, ok = m.SessionState("ccc")
	require.True(t, ok)
	assert.Equal(t, domain.SessionNew, state)
}

func TestHandlePeerJoined_AnswererWaitsForOffer(t *testing.T) {
	m, sender, _ := newTestManager("aaa")
	ctx := context.Background()

	m.HandlePeerJoined(ctx, domain.PeerJoinedPayload{ConnectionID: "zzz"})

	assert.Equal(t, 0, sender.offersTo("zzz"))

	offer := domain.SessionDescription{Type: domain.SDPOffer, SDP: "remote-offer"}
	m.HandleSignal(ctx, "zzz", domain.SignalPayload{Description: &offer})

	assert.Equal(t, 1, sender.answersTo("zzz"))
	state, _ := m.SessionState("zzz")
	assert.Equal(t, domain.SessionConnecting, state)
}

func TestHandleSignal_AnswerCompletesOffererExchange(t *testing.T) {
	m, sender, factory := newTestManager("bbb")
	ctx := context.Background()

	m.HandlePeerJoined(ctx, domain.PeerJoinedPayload{ConnectionID: "aaa"})
	require.Equal(t, 1, sender.offersTo("aaa"))

	answer := domain.SessionDescription{Type: domain.SDPAnswer, SDP: "remote-answer"}
	m.HandleSignal(ctx, "aaa", domain.SignalPayload{Description: &answer})

	link := factory.link("aaa")
	require.Len(t, link.remoteDescs, 1)
	assert.Equal(t, domain.SDPAnswer, link.remoteDescs[0].Type)

	state, _ := m.SessionState("aaa")
	assert.Equal(t, domain.SessionConnecting, state)
}

func TestHandleSignal_UnexpectedAnswerDropped(t *testing.T) {
	m, _, factory := newTestManager("aaa")
	ctx := context.Background()

	m.HandlePeerJoined(ctx, domain.PeerJoinedPayload{ConnectionID: "zzz"})

	answer := domain.SessionDescription{Type: domain.SDPAnswer, SDP: "stray"}
	m.HandleSignal(ctx, "zzz", domain.SignalPayload{Description: &answer})

	assert.Empty(t, factory.link("zzz").remoteDescs)
}

func TestHandleSignal_GlareLoserRollsBackAndAnswers(t *testing.T) {
	m, sender, factory := newTestManager("aaa")
	ctx := context.Background()

	// Force this (tie-break losing) side into have-local-offer, as happens
	// when a renegotiation crosses the remote's offer.
	m.HandlePeerJoined(ctx, domain.PeerJoinedPayload{ConnectionID: "zzz"})
	m.RenegotiateAll(ctx)
	require.Equal(t, 1, sender.offersTo("zzz"))

	offer := domain.SessionDescription{Type: domain.SDPOffer, SDP: "their-offer"}
	m.HandleSignal(ctx, "zzz", domain.SignalPayload{Description: &offer})

	link := factory.link("zzz")
	assert.True(t, link.rolledBack)
	assert.Equal(t, 1, sender.answersTo("zzz"))
	state, _ := m.SessionState("zzz")
	assert.Equal(t, domain.SessionConnecting, state)
}

func TestHandleSignal_GlareWinnerIgnoresIncomingOffer(t *testing.T) {
	m, sender, factory := newTestManager("zzz")
	ctx := context.Background()

	m.HandlePeerJoined(ctx, domain.PeerJoinedPayload{ConnectionID: "aaa"})
	require.Equal(t, 1, sender.offersTo("aaa"))

	offer := domain.SessionDescription{Type: domain.SDPOffer, SDP: "their-offer"}
	m.HandleSignal(ctx, "aaa", domain.SignalPayload{Description: &offer})

	link := factory.link("aaa")
	assert.False(t, link.rolledBack)
	assert.Equal(t, 0, sender.answersTo("aaa"))
	assert.Empty(t, link.remoteDescs)
	state, _ := m.SessionState("aaa")
	assert.Equal(t, domain.SessionHaveLocalOffer, state)
}

func TestHandleSignal_CandidatesBufferedUntilDescription(t *testing.T) {
	m, _, factory := newTestManager("aaa")
	ctx := context.Background()

	m.HandlePeerJoined(ctx, domain.PeerJoinedPayload{ConnectionID: "zzz"})
	link := factory.link("zzz")

	first := domain.ICECandidate{Candidate: "candidate:1"}
	second := domain.ICECandidate{Candidate: "candidate:2"}
	m.HandleSignal(ctx, "zzz", domain.SignalPayload{Candidate: &first})
	m.HandleSignal(ctx, "zzz", domain.SignalPayload{Candidate: &second})
	assert.Empty(t, link.appliedCandidates())

	offer := domain.SessionDescription{Type: domain.SDPOffer, SDP: "remote-offer"}
	m.HandleSignal(ctx, "zzz", domain.SignalPayload{Description: &offer})

	applied := link.appliedCandidates()
	require.Len(t, applied, 2)
	assert.Equal(t, "candidate:1", applied[0].Candidate)
	assert.Equal(t, "candidate:2", applied[1].Candidate)

	// Later candidates skip the buffer.
	third := domain.ICECandidate{Candidate: "candidate:3"}
	m.HandleSignal(ctx, "zzz", domain.SignalPayload{Candidate: &third})
	assert.Len(t, link.appliedCandidates(), 3)
}

func TestHandleSignal_OfferWithoutSessionOpensOne(t *testing.T) {
	m, sender, factory := newTestManager("aaa")

	// No room-joined or peer-joined was seen for "zzz": the membership event
	// can be lost on a full send buffer. The offer itself must open the
	// session on the answering side.
	offer := domain.SessionDescription{Type: domain.SDPOffer, SDP: "first-contact"}
	m.HandleSignal(context.Background(), "zzz", domain.SignalPayload{Description: &offer})

	state, ok := m.SessionState("zzz")
	require.True(t, ok)
	assert.Equal(t, domain.SessionConnecting, state)
	assert.Equal(t, 1, sender.answersTo("zzz"))
	assert.Equal(t, 0, sender.offersTo("zzz"))

	link := factory.link("zzz")
	require.Len(t, link.remoteDescs, 1)
	assert.Equal(t, domain.SDPOffer, link.remoteDescs[0].Type)
}

func TestHandleSignal_CandidateFromUnknownMemberDropped(t *testing.T) {
	m, sender, _ := newTestManager("aaa")

	cand := domain.ICECandidate{Candidate: "candidate:stray"}
	m.HandleSignal(context.Background(), "ghost", domain.SignalPayload{Candidate: &cand})

	_, ok := m.SessionState("ghost")
	assert.False(t, ok)
	assert.Empty(t, sender.sent)
}

func TestHandlePeerLeft_ClosesSessionIdempotently(t *testing.T) {
	m, _, factory := newTestManager("bbb")
	ctx := context.Background()

	m.HandlePeerJoined(ctx, domain.PeerJoinedPayload{ConnectionID: "aaa"})
	link := factory.link("aaa")

	m.HandlePeerLeft(domain.PeerLeftPayload{ConnectionID: "aaa"})
	assert.True(t, link.isClosed())
	_, ok := m.SessionState("aaa")
	assert.False(t, ok)

	// Second leave and post-leave signals are no-ops; even a late offer must
	// not reopen a session with the departed member.
	m.HandlePeerLeft(domain.PeerLeftPayload{ConnectionID: "aaa"})
	offer := domain.SessionDescription{Type: domain.SDPOffer, SDP: "late"}
	m.HandleSignal(ctx, "aaa", domain.SignalPayload{Description: &offer})
	assert.Len(t, link.remoteDescs, 0)
	_, ok = m.SessionState("aaa")
	assert.False(t, ok)
}

func TestRenegotiateAll_OffersToEveryLiveSession(t *testing.T) {
	m, sender, factory := newTestManager("mmm")
	ctx := context.Background()

	m.HandleRoomJoined(ctx, roomJoined("mmm", "aaa", "zzz"))
	require.Equal(t, 1, sender.offersTo("aaa"))

	// One session dies; renegotiation must skip it.
	factory.fireStateChange("zzz", domain.SessionFailed)

	m.RenegotiateAll(ctx)

	assert.Equal(t, 2, sender.offersTo("aaa"))
	assert.Equal(t, 0, sender.offersTo("zzz"))
}

func TestLinkFailure_IsolatedPerPeer(t *testing.T) {
	m, _, factory := newTestManager("mmm")
	ctx := context.Background()

	m.HandleRoomJoined(ctx, roomJoined("mmm", "aaa", "zzz"))

	factory.fireStateChange("aaa", domain.SessionFailed)

	state, _ := m.SessionState("aaa")
	assert.Equal(t, domain.SessionFailed, state)
	assert.True(t, factory.link("aaa").isClosed())

	state, _ = m.SessionState("zzz")
	assert.NotEqual(t, domain.SessionFailed, state)
	assert.False(t, factory.link("zzz").isClosed())

	assert.Equal(t, []domain.ConnectionID{"zzz"}, m.ActiveSessions())
}

func TestConnectedTransition_StopsTimerAndNotifies(t *testing.T) {
	m, _, factory := newTestManager("bbb")
	ctx := context.Background()

	var mu sync.Mutex
	var seen []domain.SessionState
	m.OnSessionStateChange = func(remote domain.ConnectionID, state domain.SessionState) {
		mu.Lock()
		seen = append(seen, state)
		mu.Unlock()
	}

	m.HandlePeerJoined(ctx, domain.PeerJoinedPayload{ConnectionID: "aaa"})
	factory.fireStateChange("aaa", domain.SessionConnected)

	state, _ := m.SessionState("aaa")
	assert.Equal(t, domain.SessionConnected, state)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, domain.SessionConnected)
}

func TestConnectDeadline_FailsStalledSession(t *testing.T) {
	sender := &fakeSender{}
	factory := newFakeFactory()
	opts := testManagerOptions()
	opts.ICEConnectTimeout = 20 * time.Millisecond
	m := NewSessionManager("bbb", sender, factory, opts, zap.NewNop().Sugar())

	m.HandlePeerJoined(context.Background(), domain.PeerJoinedPayload{ConnectionID: "aaa"})

	require.Eventually(t, func() bool {
		state, _ := m.SessionState("aaa")
		return state == domain.SessionFailed
	}, time.Second, 5*time.Millisecond)
	assert.True(t, factory.link("aaa").isClosed())
}

func TestCloseAll_TearsDownEverySession(t *testing.T) {
	m, _, factory := newTestManager("mmm")
	ctx := context.Background()

	m.HandleRoomJoined(ctx, roomJoined("mmm", "aaa", "zzz"))
	m.CloseAll()

	assert.True(t, factory.link("aaa").isClosed())
	assert.True(t, factory.link("zzz").isClosed())
	assert.Empty(t, m.ActiveSessions())
}
