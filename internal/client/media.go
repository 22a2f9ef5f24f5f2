package client

import (
	"context"
	"sync"

	"callify/internal/core/domain"
	"callify/internal/core/ports"

	"go.uber.org/zap"
)

// MediaController owns the local capture tracks: one audio, one video. Mute
// flips a per-kind flag without touching negotiation; swapping the video
// source replaces the track and triggers renegotiation with every session.
type MediaController struct {
	device ports.CaptureDevice
	logger *zap.SugaredLogger

	// onVideoReplaced fires after the video track has been swapped, with the
	// controller's lock released. Wired to SessionManager.RenegotiateAll.
	onVideoReplaced func(ctx context.Context)

	mu          sync.Mutex
	audio       ports.MediaTrack
	video       ports.MediaTrack
	states      map[domain.TrackKind]domain.TrackState
	videoSource domain.VideoSource
	released    bool
}

func NewMediaController(device ports.CaptureDevice, onVideoReplaced func(ctx context.Context), logger *zap.SugaredLogger) *MediaController {
	return &MediaController{
		device:          device,
		logger:          logger,
		onVideoReplaced: onVideoReplaced,
		states: map[domain.TrackKind]domain.TrackState{
			domain.TrackAudio: domain.TrackEnabled,
			domain.TrackVideo: domain.TrackEnabled,
		},
		videoSource: domain.SourceNone,
	}
}

// Acquire captures microphone and camera. Errors keep the two failure modes
// apart: domain.ErrDeviceUnavailable when hardware is missing,
// domain.ErrPermissionDenied when the user refused access. A video failure
// releases the already-captured audio track so Acquire is all-or-nothing.
func (m *MediaController) Acquire(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.audio != nil || m.video != nil {
		return nil
	}

	audio, err := m.device.AcquireAudio(ctx)
	if err != nil {
		return err
	}

	video, err := m.device.AcquireVideo(ctx, domain.SourceCamera)
	if err != nil {
		audio.Stop()
		return err
	}

	m.audio = audio
	m.video = video
	m.videoSource = domain.SourceCamera
	m.released = false

	m.logger.Infow("local media acquired", "audio", audio.ID(), "video", video.ID())
	return nil
}

// SetTrackEnabled mutes or unmutes one kind. This is a local toggle only;
// the track stays attached to every session and no renegotiation happens.
func (m *MediaController) SetTrackEnabled(kind domain.TrackKind, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if enabled {
		m.states[kind] = domain.TrackEnabled
	} else {
		m.states[kind] = domain.TrackDisabled
	}

	var track ports.MediaTrack
	switch kind {
	case domain.TrackAudio:
		track = m.audio
	case domain.TrackVideo:
		track = m.video
	}
	if pausable, ok := track.(interface{ SetEnabled(bool) }); ok {
		pausable.SetEnabled(enabled)
	}
}

// TrackEnabled reports the current mute flag for one kind.
func (m *MediaController) TrackEnabled(kind domain.TrackKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[kind] == domain.TrackEnabled
}

// VideoSource reports where the current video track comes from.
func (m *MediaController) VideoSource() domain.VideoSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoSource
}

// ReplaceVideoSource swaps the video track for a capture of the given
// source, then kicks off renegotiation. On capture failure the old track is
// kept and the sessions are untouched.
func (m *MediaController) ReplaceVideoSource(ctx context.Context, source domain.VideoSource) error {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if source == m.videoSource {
		m.mu.Unlock()
		return nil
	}

	newTrack, err := m.device.AcquireVideo(ctx, source)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	old := m.video
	m.video = newTrack
	m.videoSource = source
	// The replacement inherits the current mute flag.
	if m.states[domain.TrackVideo] == domain.TrackDisabled {
		if pausable, ok := newTrack.(interface{ SetEnabled(bool) }); ok {
			pausable.SetEnabled(false)
		}
	}
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}

	m.logger.Infow("video source replaced", "source", source, "track", newTrack.ID())

	if m.onVideoReplaced != nil {
		m.onVideoReplaced(ctx)
	}
	return nil
}

// Release stops every capture track. Idempotent; the hardware indicators go
// off even if the connection teardown path is also running.
func (m *MediaController) Release() {
	m.mu.Lock()
	audio, video := m.audio, m.video
	m.audio, m.video = nil, nil
	m.videoSource = domain.SourceNone
	m.released = true
	m.mu.Unlock()

	if audio != nil {
		audio.Stop()
	}
	if video != nil {
		video.Stop()
	}
}
