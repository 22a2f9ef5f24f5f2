package client

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"callify/internal/core/domain"
	"callify/internal/core/ports"
	"callify/pkg/utils"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	opusClockRate = 48000
	vp8ClockRate  = 90000
	audioInterval = 20 * time.Millisecond
	videoInterval = 33 * time.Millisecond
)

// SyntheticCaptureDevice generates placeholder media instead of touching
// real hardware: silence on the audio track, an empty VP8 stream on video.
// It keeps the whole mesh exercisable from a headless process. Screen
// capture is modeled as a second synthetic generator with its own SSRC.
type SyntheticCaptureDevice struct {
	logger *zap.SugaredLogger
}

var _ ports.CaptureDevice = (*SyntheticCaptureDevice)(nil)

func NewSyntheticCaptureDevice(logger *zap.SugaredLogger) *SyntheticCaptureDevice {
	return &SyntheticCaptureDevice{logger: logger}
}

func (d *SyntheticCaptureDevice) AcquireAudio(ctx context.Context) (ports.MediaTrack, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		utils.GenerateID("audio"),
		"callify-audio",
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}
	return d.start(domain.TrackAudio, track, audioInterval, opusClockRate), nil
}

func (d *SyntheticCaptureDevice) AcquireVideo(ctx context.Context, source domain.VideoSource) (ports.MediaTrack, error) {
	if source == domain.SourceNone {
		return nil, domain.ErrDeviceUnavailable
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		utils.GenerateID(string(source)),
		"callify-video",
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}
	return d.start(domain.TrackVideo, track, videoInterval, vp8ClockRate), nil
}

func (d *SyntheticCaptureDevice) start(kind domain.TrackKind, track *webrtc.TrackLocalStaticRTP, interval time.Duration, clockRate uint32) *syntheticTrack {
	t := &syntheticTrack{
		kind:  kind,
		track: track,
		stop:  make(chan struct{}),
	}
	go t.pump(interval, clockRate, d.logger)
	return t
}

// syntheticTrack is one generated capture track. It paces RTP packets onto
// the underlying local track until stopped. While disabled the pump keeps
// ticking but skips writes, so unmuting resumes at a coherent timestamp.
type syntheticTrack struct {
	kind  domain.TrackKind
	track *webrtc.TrackLocalStaticRTP
	muted atomic.Bool

	stopOnce sync.Once
	stop     chan struct{}
}

var _ ports.MediaTrack = (*syntheticTrack)(nil)

func (t *syntheticTrack) Kind() domain.TrackKind { return t.kind }
func (t *syntheticTrack) ID() string             { return t.track.ID() }

func (t *syntheticTrack) Stop() error {
	t.stopOnce.Do(func() { close(t.stop) })
	return nil
}

// SetEnabled pauses or resumes packet emission without detaching the track.
func (t *syntheticTrack) SetEnabled(enabled bool) { t.muted.Store(!enabled) }

// Local exposes the underlying track for attachment to peer connections.
func (t *syntheticTrack) Local() webrtc.TrackLocal { return t.track }

func (t *syntheticTrack) pump(interval time.Duration, clockRate uint32, logger *zap.SugaredLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ssrc := rand.Uint32()
	seq := uint16(rand.Intn(1 << 16))
	var timestamp uint32
	step := uint32(float64(clockRate) * interval.Seconds())

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if t.muted.Load() {
				seq++
				timestamp += step
				continue
			}
			pkt := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					SequenceNumber: seq,
					Timestamp:      timestamp,
					SSRC:           ssrc,
				},
				Payload: make([]byte, 16),
			}
			if err := t.track.WriteRTP(pkt); err != nil {
				logger.Debugw("synthetic track write failed", "track", t.track.ID(), "error", err)
			}
			seq++
			timestamp += step
		}
	}
}
