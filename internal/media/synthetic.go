package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/1ureka/callcore/internal/callerr"
)

const (
	// opusFrame is the Opus frame duration used by the synthetic microphone.
	opusFrame = 20 * time.Millisecond
	// videoFrame paces the synthetic camera at 15 fps.
	videoFrame = time.Second / 15
)

// opusSilence is a single 20 ms Opus packet carrying silence (TOC 0xf8).
var opusSilence = []byte{0xf8, 0xff, 0xfe}

var errSourceClosed = errors.New("source closed")

// Synthetic is a Provider with no hardware behind it. The microphone emits
// Opus silence and the camera emits empty keyframe-sized VP8 payloads; both
// are paced in real time. Useful for headless peers and tests.
type Synthetic struct {
	// Deny makes every Open fail with ErrPermissionDenied.
	Deny bool
}

var syntheticDevices = []DeviceInfo{
	{DeviceID: "synthetic-mic", Kind: DeviceAudioInput, Label: "Synthetic Microphone"},
	{DeviceID: "synthetic-cam", Kind: DeviceVideoInput, Label: "Synthetic Camera"},
	{DeviceID: "synthetic-speaker", Kind: DeviceAudioOutput, Label: "Synthetic Speaker"},
}

func (p *Synthetic) Open(ctx context.Context, kind Kind, deviceID string) (Source, error) {
	if p.Deny {
		return nil, fmt.Errorf("%w: %s capture blocked", callerr.ErrPermissionDenied, kind)
	}

	want := inputFor(kind)
	for _, d := range syntheticDevices {
		if d.Kind != want || (deviceID != "" && deviceID != d.DeviceID) {
			continue
		}
		return newSyntheticSource(kind, d), nil
	}
	return nil, fmt.Errorf("%w: no %s device %q", callerr.ErrDeviceUnavailable, want, deviceID)
}

func (p *Synthetic) Enumerate(_ context.Context, kind DeviceKind) ([]DeviceInfo, error) {
	var out []DeviceInfo
	for _, d := range syntheticDevices {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out, nil
}

func (p *Synthetic) SelectOutput(_ context.Context, deviceID string, _ *RemoteStream) error {
	for _, d := range syntheticDevices {
		if d.Kind == DeviceAudioOutput && d.DeviceID == deviceID {
			return nil
		}
	}
	return fmt.Errorf("%w: no audiooutput device %q", callerr.ErrDeviceUnavailable, deviceID)
}

type syntheticSource struct {
	info    DeviceInfo
	payload []byte
	ticker  *time.Ticker
	frame   time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

func newSyntheticSource(kind Kind, info DeviceInfo) *syntheticSource {
	s := &syntheticSource{info: info, closed: make(chan struct{})}
	if kind == KindVideo {
		s.frame = videoFrame
		s.payload = make([]byte, 64)
	} else {
		s.frame = opusFrame
		s.payload = opusSilence
	}
	s.ticker = time.NewTicker(s.frame)
	return s
}

func (s *syntheticSource) ReadSample(ctx context.Context) (pionmedia.Sample, error) {
	select {
	case <-ctx.Done():
		return pionmedia.Sample{}, ctx.Err()
	case <-s.closed:
		return pionmedia.Sample{}, errSourceClosed
	case <-s.ticker.C:
		return pionmedia.Sample{Data: s.payload, Duration: s.frame}, nil
	}
}

func (s *syntheticSource) DeviceID() string { return s.info.DeviceID }
func (s *syntheticSource) Label() string    { return s.info.Label }

func (s *syntheticSource) Close() error {
	s.closeOnce.Do(func() {
		s.ticker.Stop()
		close(s.closed)
	})
	return nil
}
