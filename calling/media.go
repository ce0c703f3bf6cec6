/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Herbanova Inc.
 */

package calling

import (
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// MediaConfig holds the configuration for the WebRTC media path.
type MediaConfig struct {
	// ICEServers for NAT traversal
	ICEServers []webrtc.ICEServer
}

// DefaultMediaConfig returns a default media configuration.
func DefaultMediaConfig() *MediaConfig {
	return &MediaConfig{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// Media is the WebRTC-backed media path for one call. It implements
// MediaProvider over a Pion peer connection with a bidirectional audio
// transceiver.
type Media struct {
	mu             sync.Mutex
	peerConnection *webrtc.PeerConnection
	localTrack     *webrtc.TrackLocalStaticRTP
	remoteTrack    *webrtc.TrackRemote
	muted          bool

	onRemoteTrack func(track *webrtc.TrackRemote)
}

// NewMedia builds the media path for one call.
func NewMedia(config *MediaConfig) (*Media, error) {
	if config == nil {
		config = DefaultMediaConfig()
	}

	// Register only PCMU and PCMA; SIP gateways consistently negotiate PCMU
	// and the extra codecs from RegisterDefaultCodecs can break negotiation.
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		PayloadType:        0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register PCMU: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMA, ClockRate: 8000},
		PayloadType:        8,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register PCMA: %w", err)
	}

	// ice-lite gateways send RTP before the SDP answer finishes processing;
	// undeclared SSRC handling makes OnTrack fire for that early media.
	settings := webrtc.SettingEngine{}
	settings.SetHandleUndeclaredSSRCWithoutAnswer(true)

	// Default interceptors (RTCP reports, NACK, TWCC) are required with a
	// custom MediaEngine, otherwise incoming SRTP is not processed.
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithSettingEngine(settings),
		webrtc.WithInterceptorRegistry(i),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: config.ICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	media := &Media{peerConnection: pc}

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		media.mu.Lock()
		media.remoteTrack = track
		handler := media.onRemoteTrack
		media.mu.Unlock()

		if handler != nil {
			handler(track)
		}
	})

	if err := media.addAudioTrack(); err != nil {
		pc.Close()
		return nil, err
	}
	return media, nil
}

// OnRemoteTrack sets the callback for when the remote audio track arrives.
func (m *Media) OnRemoteTrack(handler func(track *webrtc.TrackRemote)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRemoteTrack = handler
}

// addAudioTrack attaches the local PCMU track via a sendrecv transceiver.
// Sendrecv is required for OnTrack to fire when the gateway sends RTP back.
func (m *Media) addAudioTrack() error {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		"audio",
		"softphone",
	)
	if err != nil {
		return fmt.Errorf("failed to create audio track: %w", err)
	}

	transceiver, err := m.peerConnection.AddTransceiverFromTrack(track,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv},
	)
	if err != nil {
		return fmt.Errorf("failed to add audio transceiver: %w", err)
	}

	// Drain RTCP from the sender to keep the connection alive.
	go func() {
		sender := transceiver.Sender()
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, rtcpErr := sender.Read(rtcpBuf); rtcpErr != nil {
				return
			}
		}
	}()

	m.localTrack = track
	return nil
}

// LocalTrack returns the local audio track for feeding captured samples.
func (m *Media) LocalTrack() *webrtc.TrackLocalStaticRTP {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localTrack
}

// CreateOffer produces the local SDP offer with ICE candidates included.
func (m *Media) CreateOffer() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	offer, err := m.peerConnection.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := m.peerConnection.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(m.peerConnection)
	<-gatherComplete

	localDesc := m.peerConnection.LocalDescription()
	if localDesc == nil {
		return "", fmt.Errorf("local description is nil after gathering")
	}
	return localDesc.SDP, nil
}

// CreateAnswer applies the remote offer and produces the local SDP answer.
func (m *Media) CreateAnswer(remoteOffer string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.peerConnection.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  remoteOffer,
	})
	if err != nil {
		return "", fmt.Errorf("failed to set remote offer: %w", err)
	}

	answer, err := m.peerConnection.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := m.peerConnection.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(m.peerConnection)
	<-gatherComplete

	localDesc := m.peerConnection.LocalDescription()
	if localDesc == nil {
		return "", fmt.Errorf("local description is nil after gathering")
	}
	return localDesc.SDP, nil
}

// AcceptAnswer applies the remote SDP answer. Duplicate answers, which can
// arrive after a signaling reconnect, are ignored once the connection is
// stable.
func (m *Media) AcceptAnswer(remoteAnswer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.peerConnection.SignalingState() == webrtc.SignalingStateStable {
		return nil
	}
	return m.peerConnection.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  remoteAnswer,
	})
}

// SetMuted toggles whether captured audio is sent to the peer.
func (m *Media) SetMuted(muted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = muted
	return nil
}

// IsMuted reports whether local audio is muted.
func (m *Media) IsMuted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

// Connected reports whether the peer connection reached the connected state.
func (m *Media) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peerConnection == nil {
		return false
	}
	return m.peerConnection.ConnectionState() == webrtc.PeerConnectionStateConnected
}

// Close tears down the peer connection.
func (m *Media) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peerConnection == nil {
		return nil
	}
	err := m.peerConnection.Close()
	m.peerConnection = nil
	return err
}
