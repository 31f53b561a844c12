// Package media acquires and releases local capture tracks, exposes the
// local and remote streams of a call, and switches capture devices while
// the call is live.
//
// The host capture API (microphones, cameras, speakers) is an external
// collaborator reached through Provider.
package media

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Kind is the media kind of a call or of a single track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// CodecType maps k onto pion's RTP codec type.
func (k Kind) CodecType() webrtc.RTPCodecType {
	if k == KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

// KindOf maps a pion codec type back onto a Kind.
func KindOf(t webrtc.RTPCodecType) Kind {
	if t == webrtc.RTPCodecTypeVideo {
		return KindVideo
	}
	return KindAudio
}

// capability returns the outbound codec used for local tracks of kind k.
func (k Kind) capability() webrtc.RTPCodecCapability {
	if k == KindVideo {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

// DeviceKind represents the type of media device.
type DeviceKind int

const (
	DeviceAudioInput  DeviceKind = iota // Microphone
	DeviceVideoInput                    // Camera
	DeviceAudioOutput                   // Speaker/headphones
)

func (k DeviceKind) String() string {
	switch k {
	case DeviceAudioInput:
		return "audioinput"
	case DeviceVideoInput:
		return "videoinput"
	case DeviceAudioOutput:
		return "audiooutput"
	default:
		return "unknown"
	}
}

// inputFor returns the capture device kind backing a track kind.
func inputFor(k Kind) DeviceKind {
	if k == KindVideo {
		return DeviceVideoInput
	}
	return DeviceAudioInput
}

// DeviceInfo describes a media device.
type DeviceInfo struct {
	DeviceID string
	Kind     DeviceKind
	Label    string
}

// DevicePrefs are weak references to the devices the user selected.
// An empty id means "the platform default".
type DevicePrefs struct {
	AudioIn  string
	VideoIn  string
	AudioOut string
}

func (p DevicePrefs) input(k Kind) string {
	if k == KindVideo {
		return p.VideoIn
	}
	return p.AudioIn
}

// State is a pair of audio/video enabled flags.
type State struct {
	AudioEnabled bool `json:"audio_enabled"`
	VideoEnabled bool `json:"video_enabled"`
}

// Get returns the flag for k.
func (s State) Get(k Kind) bool {
	if k == KindVideo {
		return s.VideoEnabled
	}
	return s.AudioEnabled
}

// With returns a copy of s with the flag for k set to enabled.
func (s State) With(k Kind, enabled bool) State {
	if k == KindVideo {
		s.VideoEnabled = enabled
	} else {
		s.AudioEnabled = enabled
	}
	return s
}

// InitialState is the state of a fresh call: audio on, video on only for
// video calls.
func InitialState(callKind Kind) State {
	return State{AudioEnabled: true, VideoEnabled: callKind == KindVideo}
}

// ---------------------------------------------------------------------------
// Host capture API
// ---------------------------------------------------------------------------

// Source is an open capture device producing encoded samples.
// ReadSample must return promptly once ctx is cancelled or Close is called.
type Source interface {
	ReadSample(ctx context.Context) (pionmedia.Sample, error)
	DeviceID() string
	Label() string
	Close() error
}

// Provider is the host platform's capture/playback API.
//
// Open fails with an error wrapping callerr.ErrPermissionDenied or
// callerr.ErrDeviceUnavailable; unclassified errors are treated as
// ErrDeviceUnavailable.
type Provider interface {
	Open(ctx context.Context, kind Kind, deviceID string) (Source, error)
	Enumerate(ctx context.Context, kind DeviceKind) ([]DeviceInfo, error)
	SelectOutput(ctx context.Context, deviceID string, sink *RemoteStream) error
}

func (k Kind) String() string { return string(k) }

// ParseKind parses "audio" or "video".
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown media kind %q", s)
	}
	return k, nil
}
