package client

import (
	"context"
	"fmt"
	"io"

	"callify/internal/core/domain"
	"callify/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// PionConfig configures the WebRTC engine shared by every peer link.
type PionConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// LocalTracks supplies the capture tracks to attach to a new peer
// connection. Called once per link; renegotiation re-reads it.
type LocalTracks func() []webrtc.TrackLocal

// PionFactory mints peer links backed by pion PeerConnections.
type PionFactory struct {
	config PionConfig
	tracks LocalTracks
	logger *zap.SugaredLogger
}

var _ ports.PeerLinkFactory = (*PionFactory)(nil)

func NewPionFactory(config PionConfig, tracks LocalTracks, logger *zap.SugaredLogger) *PionFactory {
	return &PionFactory{
		config: config,
		tracks: tracks,
		logger: logger,
	}
}

func (f *PionFactory) NewPeerLink(remote domain.ConnectionID, callbacks ports.PeerLinkCallbacks) (ports.PeerLink, error) {
	settingEngine := webrtc.SettingEngine{}
	if f.config.PortRange.Min > 0 && f.config.PortRange.Max > 0 {
		settingEngine.SetEphemeralUDPPortRange(f.config.PortRange.Min, f.config.PortRange.Max)
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   f.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	link := &pionLink{
		pc:     pc,
		remote: remote,
		logger: f.logger,
	}

	if f.tracks != nil {
		for _, track := range f.tracks() {
			sender, err := pc.AddTrack(track)
			if err != nil {
				pc.Close()
				return nil, fmt.Errorf("failed to add local track: %w", err)
			}
			go link.drainSenderRTCP(sender)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || callbacks.OnCandidate == nil {
			return
		}
		init := c.ToJSON()
		callbacks.OnCandidate(domain.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		f.logger.Debugw("peer connection state changed", "remote", remote, "state", state)
		if callbacks.OnStateChange == nil {
			return
		}
		if mapped, ok := mapConnectionState(state); ok {
			callbacks.OnStateChange(mapped)
		}
	})

	pc.OnTrack(link.handleRemoteTrack)

	return link, nil
}

func mapConnectionState(state webrtc.PeerConnectionState) (domain.SessionState, bool) {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return domain.SessionConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return domain.SessionConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return domain.SessionDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return domain.SessionFailed, true
	case webrtc.PeerConnectionStateClosed:
		return domain.SessionClosed, true
	default:
		return "", false
	}
}

// pionLink adapts one pion PeerConnection to the PeerLink contract.
type pionLink struct {
	pc     *webrtc.PeerConnection
	remote domain.ConnectionID
	logger *zap.SugaredLogger
}

var _ ports.PeerLink = (*pionLink)(nil)

func (l *pionLink) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set local offer: %w", err)
	}
	return domain.SessionDescription{Type: domain.SDPOffer, SDP: offer.SDP}, nil
}

func (l *pionLink) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("failed to set local answer: %w", err)
	}
	return domain.SessionDescription{Type: domain.SDPAnswer, SDP: answer.SDP}, nil
}

func (l *pionLink) SetRemoteDescription(desc domain.SessionDescription) error {
	sdpType := webrtc.SDPTypeOffer
	if desc.Type == domain.SDPAnswer {
		sdpType = webrtc.SDPTypeAnswer
	}
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: sdpType,
		SDP:  desc.SDP,
	})
}

func (l *pionLink) RollbackLocalOffer() error {
	return l.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (l *pionLink) AddICECandidate(cand domain.ICECandidate) error {
	return l.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	})
}

func (l *pionLink) Close() error {
	return l.pc.Close()
}

// drainSenderRTCP keeps the sender's RTCP path flowing and surfaces keyframe
// requests. pion requires senders to be read or the interceptor pipeline
// stalls.
func (l *pionLink) drainSenderRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}

		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, packet := range packets {
			switch p := packet.(type) {
			case *rtcp.PictureLossIndication:
				l.logger.Debugw("keyframe requested", "remote", l.remote)
			case *rtcp.ReceiverReport:
				for _, report := range p.Reports {
					if report.FractionLost > 0 {
						l.logger.Debugw("remote reporting loss",
							"remote", l.remote,
							"fraction_lost", report.FractionLost,
							"jitter", report.Jitter,
						)
					}
				}
			}
		}
	}
}

// handleRemoteTrack consumes the remote member's media. This client renders
// nothing; packets are parsed for liveness logging and dropped.
func (l *pionLink) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	l.logger.Infow("remote track started",
		"remote", l.remote,
		"track_id", track.ID(),
		"codec", track.Codec().MimeType,
	)

	go func() {
		for {
			if _, _, err := receiver.ReadRTCP(); err != nil {
				return
			}
		}
	}()

	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}
	var received uint64
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if err != io.EOF {
				l.logger.Debugw("remote track ended", "remote", l.remote, "error", err)
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		received++
		if received%1000 == 0 {
			l.logger.Debugw("receiving media",
				"remote", l.remote,
				"track_id", track.ID(),
				"packets", received,
				"sequence", pkt.SequenceNumber,
			)
		}
	}
}
