package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/callcore/internal/callerr"
	"github.com/1ureka/callcore/internal/util"
)

// Substituter swaps the outbound track of one kind on a live connection
// without renegotiating. The negotiation engine implements it.
type Substituter interface {
	ReplaceTrack(kind Kind, track webrtc.TrackLocal) error
}

// ToggleFunc is told about every local enable/disable so the new state can
// be reported to the remote party. It must not block.
type ToggleFunc func(kind Kind, enabled bool)

// Pipeline is the sole owner of local capture tracks. Nothing else reads or
// writes a track's enabled flag.
//
// Acquire is deliberately stateless: the caller decides whether the stream
// it gets back is still wanted (Install) or stale (LocalStream.Release).
type Pipeline struct {
	provider Provider
	held     atomic.Int64

	mu       sync.Mutex
	local    *LocalStream
	remote   *RemoteStream
	prefs    DevicePrefs
	intent   map[Kind]bool
	sub      Substituter
	onToggle ToggleFunc
}

// NewPipeline creates a pipeline backed by the given host capture API.
func NewPipeline(provider Provider) *Pipeline {
	return &Pipeline{
		provider: provider,
		intent:   make(map[Kind]bool),
	}
}

// ---------------------------------------------------------------------------
// Acquisition
// ---------------------------------------------------------------------------

// Acquire opens the microphone, and the camera when callKind is video.
// On failure nothing stays open.
func (p *Pipeline) Acquire(ctx context.Context, callKind Kind, prefs DevicePrefs) (*LocalStream, error) {
	if !callKind.Valid() {
		return nil, fmt.Errorf("acquire: unknown media kind %q", callKind)
	}

	kinds := []Kind{KindAudio}
	if callKind == KindVideo {
		kinds = append(kinds, KindVideo)
	}

	stream := newLocalStream()
	for _, k := range kinds {
		src, err := p.open(ctx, k, prefs.input(k))
		if err != nil {
			stream.Release()
			return nil, err
		}
		t, err := newLocalTrack(k, src, stream.id, true, &p.held)
		if err != nil {
			stream.Release()
			return nil, fmt.Errorf("%w: %v", callerr.ErrDeviceUnavailable, err)
		}
		stream.swap(t)
	}

	util.LogDebug("acquired %s stream %s", callKind, stream.id)
	return stream, nil
}

func (p *Pipeline) open(ctx context.Context, k Kind, deviceID string) (Source, error) {
	src, err := p.provider.Open(ctx, k, deviceID)
	if err != nil {
		if callerr.IsAcquisition(err) {
			return nil, fmt.Errorf("open %s: %w", k, err)
		}
		return nil, fmt.Errorf("open %s: %w: %v", k, callerr.ErrDeviceUnavailable, err)
	}
	return src, nil
}

// Install makes stream the active local stream and applies any enable
// intent recorded before it existed.
func (p *Pipeline) Install(stream *LocalStream, prefs DevicePrefs) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.local = stream
	p.prefs = prefs
	for k, enabled := range p.intent {
		if t := stream.Track(k); t != nil {
			t.setEnabled(enabled)
		}
	}
}

// Local returns the active local stream, or nil.
func (p *Pipeline) Local() *LocalStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

// Remote returns the remote stream, or nil before the first inbound track.
func (p *Pipeline) Remote() *RemoteStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

// HeldTracks returns how many capture tracks are currently open, including
// streams that were acquired but never installed.
func (p *Pipeline) HeldTracks() int {
	return int(p.held.Load())
}

// Enumerate lists the host's devices of one kind.
func (p *Pipeline) Enumerate(ctx context.Context, kind DeviceKind) ([]DeviceInfo, error) {
	return p.provider.Enumerate(ctx, kind)
}

// ---------------------------------------------------------------------------
// Live controls
// ---------------------------------------------------------------------------

// SetSubstituter registers the live connection for SwitchDevice. Pass nil
// to detach.
func (p *Pipeline) SetSubstituter(s Substituter) {
	p.mu.Lock()
	p.sub = s
	p.mu.Unlock()
}

// OnToggle registers the toggle reporter.
func (p *Pipeline) OnToggle(fn ToggleFunc) {
	p.mu.Lock()
	p.onToggle = fn
	p.mu.Unlock()
}

// ToggleTrack sets the enabled flag of the local track of kind k. The intent
// is remembered even when no such track exists yet, and the reporter is
// always told.
func (p *Pipeline) ToggleTrack(k Kind, enabled bool) {
	p.mu.Lock()
	p.intent[k] = enabled
	if p.local != nil {
		if t := p.local.Track(k); t != nil {
			t.setEnabled(enabled)
		}
	}
	fn := p.onToggle
	p.mu.Unlock()

	if fn != nil {
		fn(k, enabled)
	}
}

// SwitchDevice replaces the capture source of kind k in place. The new track
// is substituted into the live connection when there is one; on any failure
// the previous device keeps running.
func (p *Pipeline) SwitchDevice(ctx context.Context, k Kind, deviceID string) error {
	p.mu.Lock()
	stream := p.local
	p.mu.Unlock()

	if stream == nil || stream.Track(k) == nil {
		return fmt.Errorf("%w: no live %s track", callerr.ErrInvalidState, k)
	}

	src, err := p.open(ctx, k, deviceID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	old := stream.Track(k)
	if p.local != stream || old == nil {
		src.Close()
		return fmt.Errorf("%w: stream released during switch", callerr.ErrInvalidState)
	}

	next, err := newLocalTrack(k, src, stream.id, old.Enabled(), &p.held)
	if err != nil {
		return fmt.Errorf("%w: %v", callerr.ErrDeviceUnavailable, err)
	}

	if p.sub != nil {
		if err := p.sub.ReplaceTrack(k, next.Track()); err != nil {
			next.stop()
			return fmt.Errorf("substitute %s track: %w", k, err)
		}
	}

	stream.swap(next)
	old.stop()

	if k == KindVideo {
		p.prefs.VideoIn = deviceID
	} else {
		p.prefs.AudioIn = deviceID
	}
	util.LogInfo("switched %s input to %q", k, next.Label())
	return nil
}

// Prefs returns the currently selected devices.
func (p *Pipeline) Prefs() DevicePrefs {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prefs
}

// ---------------------------------------------------------------------------
// Remote side
// ---------------------------------------------------------------------------

// AddRemoteTrack records an inbound track and starts reading it.
func (p *Pipeline) AddRemoteTrack(t RemoteTrack) *RemoteStream {
	p.mu.Lock()
	if p.remote == nil {
		p.remote = newRemoteStream()
	}
	remote := p.remote
	out := p.prefs.AudioOut
	p.mu.Unlock()

	remote.add(t)
	go drain(t)

	if out != "" && KindOf(t.Kind()) == KindAudio {
		if err := p.provider.SelectOutput(context.Background(), out, remote); err != nil {
			util.LogWarning("select playback device %q: %v", out, err)
		} else {
			remote.setOutput(out)
		}
	}
	return remote
}

// SetRemotePlaybackDevice routes remote audio to deviceID. Best-effort: it
// only applies once a remote stream exists, otherwise the choice is kept for
// the next one.
func (p *Pipeline) SetRemotePlaybackDevice(ctx context.Context, deviceID string) error {
	p.mu.Lock()
	p.prefs.AudioOut = deviceID
	remote := p.remote
	p.mu.Unlock()

	if remote == nil {
		return fmt.Errorf("%w: no remote stream yet", callerr.ErrInvalidState)
	}
	if err := p.provider.SelectOutput(ctx, deviceID, remote); err != nil {
		return err
	}
	remote.setOutput(deviceID)
	return nil
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// ReleaseAll stops every local track and forgets the remote stream.
// Idempotent; safe when nothing was acquired.
func (p *Pipeline) ReleaseAll() error {
	p.mu.Lock()
	local := p.local
	p.local = nil
	p.remote = nil
	p.sub = nil
	p.intent = make(map[Kind]bool)
	p.mu.Unlock()

	if local == nil {
		return nil
	}
	if err := local.Release(); err != nil {
		util.LogWarning("release local stream %s: %v", local.id, err)
		return err
	}
	util.LogDebug("released local stream %s", local.id)
	return nil
}
