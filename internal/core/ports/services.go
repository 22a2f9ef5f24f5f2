package ports

import (
	"context"

	"callify/internal/core/domain"
)

// HistoryRecorder is the meeting-history boundary. The broker invokes it
// fire-and-forget on every successful join; failures are logged, never
// surfaced to the joining client.
type HistoryRecorder interface {
	RecordJoin(ctx context.Context, user domain.UserID, room domain.RoomCode) error
}

// SignalSender abstracts the client's outbound path to the broker so the
// session manager can be driven by a fake transport in tests.
type SignalSender interface {
	SendSignal(to domain.ConnectionID, payload domain.SignalPayload) error
}

// PeerLink is one end of a peer-to-peer media connection. The production
// implementation wraps a pion PeerConnection; tests substitute a fake that
// emits synthetic events.
type PeerLink interface {
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetRemoteDescription(desc domain.SessionDescription) error
	// RollbackLocalOffer discards a pending local offer so an incoming one
	// can be answered (glare recovery).
	RollbackLocalOffer() error
	AddICECandidate(cand domain.ICECandidate) error
	Close() error
}

// PeerLinkFactory mints one PeerLink per remote member. The OnCandidate and
// OnStateChange callbacks feed the session manager's state machine.
type PeerLinkFactory interface {
	NewPeerLink(remote domain.ConnectionID, callbacks PeerLinkCallbacks) (PeerLink, error)
}

type PeerLinkCallbacks struct {
	OnCandidate   func(domain.ICECandidate)
	OnStateChange func(domain.SessionState)
}

// CaptureDevice is the capture hardware boundary of the local media
// controller. Acquire errors must be distinguishable: device missing vs
// permission refused (domain.ErrDeviceUnavailable / ErrPermissionDenied).
type CaptureDevice interface {
	AcquireAudio(ctx context.Context) (MediaTrack, error)
	AcquireVideo(ctx context.Context, source domain.VideoSource) (MediaTrack, error)
}

// MediaTrack is one outgoing capture track.
type MediaTrack interface {
	Kind() domain.TrackKind
	ID() string
	Stop() error
}
