package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/callcore/internal/callerr"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeSource struct {
	id     string
	once   sync.Once
	closed chan struct{}
	open   *atomic.Int64
}

func (s *fakeSource) ReadSample(ctx context.Context) (pionmedia.Sample, error) {
	select {
	case <-ctx.Done():
		return pionmedia.Sample{}, ctx.Err()
	case <-s.closed:
		return pionmedia.Sample{}, errSourceClosed
	}
}

func (s *fakeSource) DeviceID() string { return s.id }
func (s *fakeSource) Label() string    { return "fake " + s.id }

func (s *fakeSource) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.open.Add(-1)
	})
	return nil
}

type fakeProvider struct {
	fail    map[Kind]error
	open    atomic.Int64
	outputs []string
}

func (p *fakeProvider) Open(_ context.Context, kind Kind, deviceID string) (Source, error) {
	if err := p.fail[kind]; err != nil {
		return nil, err
	}
	if deviceID == "" {
		deviceID = "default-" + kind.String()
	}
	p.open.Add(1)
	return &fakeSource{id: deviceID, closed: make(chan struct{}), open: &p.open}, nil
}

func (p *fakeProvider) Enumerate(context.Context, DeviceKind) ([]DeviceInfo, error) {
	return nil, nil
}

func (p *fakeProvider) SelectOutput(_ context.Context, deviceID string, _ *RemoteStream) error {
	p.outputs = append(p.outputs, deviceID)
	return nil
}

type fakeSubstituter struct {
	err      error
	replaced []Kind
}

func (s *fakeSubstituter) ReplaceTrack(kind Kind, _ webrtc.TrackLocal) error {
	if s.err != nil {
		return s.err
	}
	s.replaced = append(s.replaced, kind)
	return nil
}

type fakeRemoteTrack struct {
	kind webrtc.RTPCodecType
	done chan struct{}
}

func (t *fakeRemoteTrack) ID() string                { return "remote-" + t.kind.String() }
func (t *fakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *fakeRemoteTrack) Read([]byte) (int, interceptor.Attributes, error) {
	<-t.done
	return 0, nil, errors.New("eof")
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestAcquireVideo(t *testing.T) {
	prov := &fakeProvider{}
	p := NewPipeline(prov)

	stream, err := p.Acquire(context.Background(), KindVideo, DevicePrefs{VideoIn: "cam-2"})
	require.NoError(t, err)
	require.Len(t, stream.Tracks(), 2)
	assert.Equal(t, KindAudio, stream.Tracks()[0].Kind())
	assert.Equal(t, "cam-2", stream.Track(KindVideo).DeviceID())
	assert.Equal(t, 2, p.HeldTracks())

	require.NoError(t, stream.Release())
	assert.Equal(t, 0, p.HeldTracks())
	assert.EqualValues(t, 0, prov.open.Load())
}

func TestAcquireAudioOnly(t *testing.T) {
	p := NewPipeline(&fakeProvider{})

	stream, err := p.Acquire(context.Background(), KindAudio, DevicePrefs{})
	require.NoError(t, err)
	assert.Nil(t, stream.Track(KindVideo))
	assert.NotNil(t, stream.Track(KindAudio))
	require.NoError(t, stream.Release())
}

func TestAcquirePermissionDenied(t *testing.T) {
	prov := &fakeProvider{fail: map[Kind]error{KindAudio: callerr.ErrPermissionDenied}}
	p := NewPipeline(prov)

	_, err := p.Acquire(context.Background(), KindVideo, DevicePrefs{})
	require.ErrorIs(t, err, callerr.ErrPermissionDenied)
	assert.Equal(t, 0, p.HeldTracks())
}

func TestAcquirePartialFailureReleasesAudio(t *testing.T) {
	prov := &fakeProvider{fail: map[Kind]error{KindVideo: errors.New("camera unplugged")}}
	p := NewPipeline(prov)

	_, err := p.Acquire(context.Background(), KindVideo, DevicePrefs{})
	require.ErrorIs(t, err, callerr.ErrDeviceUnavailable)
	assert.Equal(t, 0, p.HeldTracks())
	assert.EqualValues(t, 0, prov.open.Load())
}

func TestToggleTwiceRestores(t *testing.T) {
	p := NewPipeline(&fakeProvider{})
	stream, err := p.Acquire(context.Background(), KindVideo, DevicePrefs{})
	require.NoError(t, err)
	p.Install(stream, DevicePrefs{})
	defer p.ReleaseAll()

	var reports []bool
	p.OnToggle(func(k Kind, enabled bool) {
		assert.Equal(t, KindVideo, k)
		reports = append(reports, enabled)
	})

	p.ToggleTrack(KindVideo, false)
	assert.False(t, stream.Track(KindVideo).Enabled())
	p.ToggleTrack(KindVideo, true)
	assert.True(t, stream.Track(KindVideo).Enabled())
	assert.Equal(t, []bool{false, true}, reports)
}

func TestToggleBeforeInstallIsApplied(t *testing.T) {
	p := NewPipeline(&fakeProvider{})
	p.ToggleTrack(KindAudio, false)

	stream, err := p.Acquire(context.Background(), KindAudio, DevicePrefs{})
	require.NoError(t, err)
	assert.True(t, stream.Track(KindAudio).Enabled())

	p.Install(stream, DevicePrefs{})
	defer p.ReleaseAll()
	assert.False(t, stream.Track(KindAudio).Enabled())
}

func TestReleaseAllIdempotent(t *testing.T) {
	p := NewPipeline(&fakeProvider{})
	require.NoError(t, p.ReleaseAll())

	stream, err := p.Acquire(context.Background(), KindVideo, DevicePrefs{})
	require.NoError(t, err)
	p.Install(stream, DevicePrefs{})

	require.NoError(t, p.ReleaseAll())
	require.NoError(t, p.ReleaseAll())
	assert.Equal(t, 0, p.HeldTracks())
	assert.Nil(t, p.Local())
	assert.Nil(t, p.Remote())
}

func TestSwitchDevice(t *testing.T) {
	prov := &fakeProvider{}
	p := NewPipeline(prov)
	stream, err := p.Acquire(context.Background(), KindVideo, DevicePrefs{})
	require.NoError(t, err)
	p.Install(stream, DevicePrefs{})
	defer p.ReleaseAll()

	sub := &fakeSubstituter{}
	p.SetSubstituter(sub)
	p.ToggleTrack(KindVideo, false)

	require.NoError(t, p.SwitchDevice(context.Background(), KindVideo, "cam-usb"))
	assert.Equal(t, []Kind{KindVideo}, sub.replaced)
	assert.Equal(t, "cam-usb", stream.Track(KindVideo).DeviceID())
	assert.False(t, stream.Track(KindVideo).Enabled(), "enabled flag survives the switch")
	assert.Equal(t, "cam-usb", p.Prefs().VideoIn)
	assert.Equal(t, 2, p.HeldTracks())
	assert.EqualValues(t, 2, prov.open.Load())
}

func TestSwitchDeviceOpenFailureKeepsOld(t *testing.T) {
	prov := &fakeProvider{}
	p := NewPipeline(prov)
	stream, err := p.Acquire(context.Background(), KindAudio, DevicePrefs{AudioIn: "mic-1"})
	require.NoError(t, err)
	p.Install(stream, DevicePrefs{AudioIn: "mic-1"})
	defer p.ReleaseAll()

	prov.fail = map[Kind]error{KindAudio: callerr.ErrDeviceUnavailable}
	err = p.SwitchDevice(context.Background(), KindAudio, "mic-2")
	require.ErrorIs(t, err, callerr.ErrDeviceUnavailable)
	assert.Equal(t, "mic-1", stream.Track(KindAudio).DeviceID())
	assert.Equal(t, 1, p.HeldTracks())
}

func TestSwitchDeviceSubstituteFailureKeepsOld(t *testing.T) {
	prov := &fakeProvider{}
	p := NewPipeline(prov)
	stream, err := p.Acquire(context.Background(), KindAudio, DevicePrefs{AudioIn: "mic-1"})
	require.NoError(t, err)
	p.Install(stream, DevicePrefs{AudioIn: "mic-1"})
	defer p.ReleaseAll()

	p.SetSubstituter(&fakeSubstituter{err: errors.New("sender closed")})
	require.Error(t, p.SwitchDevice(context.Background(), KindAudio, "mic-2"))
	assert.Equal(t, "mic-1", stream.Track(KindAudio).DeviceID())
	assert.Equal(t, 1, p.HeldTracks())
	assert.EqualValues(t, 1, prov.open.Load())
}

func TestSwitchDeviceWithoutTrack(t *testing.T) {
	p := NewPipeline(&fakeProvider{})
	err := p.SwitchDevice(context.Background(), KindVideo, "cam")
	require.ErrorIs(t, err, callerr.ErrInvalidState)
}

func TestRemotePlaybackDevice(t *testing.T) {
	prov := &fakeProvider{}
	p := NewPipeline(prov)

	err := p.SetRemotePlaybackDevice(context.Background(), "speaker-1")
	require.ErrorIs(t, err, callerr.ErrInvalidState)

	track := &fakeRemoteTrack{kind: webrtc.RTPCodecTypeAudio, done: make(chan struct{})}
	defer close(track.done)

	remote := p.AddRemoteTrack(track)
	assert.Equal(t, []Kind{KindAudio}, remote.Kinds())
	assert.Equal(t, "speaker-1", remote.OutputDevice(), "remembered choice applied on arrival")

	require.NoError(t, p.SetRemotePlaybackDevice(context.Background(), "speaker-2"))
	assert.Equal(t, "speaker-2", remote.OutputDevice())
	assert.Equal(t, []string{"speaker-1", "speaker-2"}, prov.outputs)
}

func TestSyntheticProvider(t *testing.T) {
	p := NewPipeline(&Synthetic{})
	stream, err := p.Acquire(context.Background(), KindVideo, DevicePrefs{})
	require.NoError(t, err)
	assert.Equal(t, "synthetic-cam", stream.Track(KindVideo).DeviceID())
	require.NoError(t, stream.Release())

	_, err = NewPipeline(&Synthetic{Deny: true}).Acquire(context.Background(), KindAudio, DevicePrefs{})
	require.ErrorIs(t, err, callerr.ErrPermissionDenied)

	_, err = (&Synthetic{}).Open(context.Background(), KindAudio, "missing")
	require.ErrorIs(t, err, callerr.ErrDeviceUnavailable)
}
