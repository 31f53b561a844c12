package negotiation

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/callcore/internal/config"
	"github.com/1ureka/callcore/internal/media"
	"github.com/1ureka/callcore/internal/util"
)

// peer is the subset of a PeerConnection the engine drives. Tests swap in a
// fake; production uses pionPeer.
type peer interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sd webrtc.SessionDescription) error
	SetRemoteDescription(sd webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (rtpSender, error)

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(media.RemoteTrack))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))

	Close() error
}

// rtpSender is the outbound half of a transceiver.
type rtpSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// pionPeer adapts *webrtc.PeerConnection to peer.
type pionPeer struct {
	pc *webrtc.PeerConnection
}

// newPionPeer creates a PeerConnection with the default codecs and
// interceptors (NACK, RTCP reports, TWCC) bound to the given ICE servers.
func newPionPeer(servers []config.ICEServer) (*pionPeer, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(registry))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(servers)})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return &pionPeer{pc: pc}, nil
}

// iceServers converts configured servers. TURN entries only exist when the
// configuration adds them.
func iceServers(servers []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		srv := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
			srv.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, srv)
	}
	return out
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(sd webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(sd)
}

func (p *pionPeer) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(sd)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

// AddTrack adds an outbound track and drains its RTCP so interceptors
// (NACK responder, sender reports) keep running.
func (p *pionPeer) AddTrack(track webrtc.TrackLocal) (rtpSender, error) {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}

	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

// OnICECandidate forwards gathered candidates; the end-of-gathering nil is
// swallowed.
func (p *pionPeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

// OnTrack forwards inbound tracks. A keyframe is requested as soon as a
// video track arrives so the picture starts without waiting for the next
// periodic keyframe.
func (p *pionPeer) OnTrack(fn func(media.RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}
			if err := p.pc.WriteRTCP(pli); err != nil {
				util.LogDebug("request keyframe: %v", err)
			}
		}
		fn(track)
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
