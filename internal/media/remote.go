package media

import (
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/callcore/internal/util"
)

// rtpBufferSize is the max RTP packet size read from a remote track (MTU).
const rtpBufferSize = 1500

// RemoteTrack is an inbound track delivered by the negotiation.
// *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Read(b []byte) (int, interceptor.Attributes, error)
}

// RemoteStream collects the inbound tracks of a call. It is read-only to
// everything outside this package.
type RemoteStream struct {
	mu     sync.Mutex
	tracks map[Kind]RemoteTrack
	output string
}

func newRemoteStream() *RemoteStream {
	return &RemoteStream{tracks: make(map[Kind]RemoteTrack)}
}

// Track returns the inbound track of kind k, or nil.
func (s *RemoteStream) Track(k Kind) RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks[k]
}

// Kinds returns which kinds have arrived so far.
func (s *RemoteStream) Kinds() []Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Kind
	for _, k := range []Kind{KindAudio, KindVideo} {
		if _, ok := s.tracks[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// OutputDevice returns the playback device selected for this stream.
func (s *RemoteStream) OutputDevice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output
}

func (s *RemoteStream) add(t RemoteTrack) {
	s.mu.Lock()
	s.tracks[KindOf(t.Kind())] = t
	s.mu.Unlock()
}

func (s *RemoteStream) setOutput(deviceID string) {
	s.mu.Lock()
	s.output = deviceID
	s.mu.Unlock()
}

// drain reads RTP from t until the track ends (the peer connection is
// closed). Packets are only parsed for statistics; playback belongs to the
// host platform.
func drain(t RemoteTrack) {
	buf := make([]byte, rtpBufferSize)
	for {
		n, _, err := t.Read(buf)
		if err != nil {
			util.LogDebug("remote %s track %s ended: %v", t.Kind(), t.ID(), err)
			return
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		util.Stats.AddRecv(len(pkt.Payload))
	}
}
