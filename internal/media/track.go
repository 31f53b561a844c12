package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/callcore/internal/util"
)

// LocalTrack is one captured track: a Source pumped into a pion sample track.
// While disabled the pump keeps reading but drops samples, so re-enabling
// is instant and needs no renegotiation.
type LocalTrack struct {
	kind    Kind
	source  Source
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool

	held *atomic.Int64

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// newLocalTrack wraps source in an outbound track and starts the pump.
// Ownership of source moves to the track, even on error.
func newLocalTrack(kind Kind, source Source, streamID string, enabled bool, held *atomic.Int64) (*LocalTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(kind.capability(), kind.String()+"-"+uuid.NewString(), streamID)
	if err != nil {
		source.Close()
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &LocalTrack{
		kind:   kind,
		source: source,
		track:  track,
		held:   held,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	t.enabled.Store(enabled)
	held.Add(1)

	go t.pump(ctx)
	return t, nil
}

// pump is the single writer of the outbound track.
func (t *LocalTrack) pump(ctx context.Context) {
	defer close(t.done)
	for {
		sample, err := t.source.ReadSample(ctx)
		if err != nil {
			if ctx.Err() == nil {
				util.LogDebug("%s source %q stopped: %v", t.kind, t.source.DeviceID(), err)
			}
			return
		}
		if !t.enabled.Load() {
			continue
		}
		if err := t.track.WriteSample(sample); err != nil {
			util.LogDebug("%s track write failed: %v", t.kind, err)
			continue
		}
		util.Stats.AddSample()
	}
}

func (t *LocalTrack) Kind() Kind               { return t.kind }
func (t *LocalTrack) DeviceID() string         { return t.source.DeviceID() }
func (t *LocalTrack) Label() string            { return t.source.Label() }
func (t *LocalTrack) Enabled() bool            { return t.enabled.Load() }
func (t *LocalTrack) Track() webrtc.TrackLocal { return t.track }
func (t *LocalTrack) setEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *LocalTrack) ID() string               { return t.track.ID() }

// stop halts the pump and releases the device. Idempotent.
func (t *LocalTrack) stop() error {
	var err error
	t.stopOnce.Do(func() {
		t.cancel()
		err = t.source.Close()
		<-t.done
		t.held.Add(-1)
	})
	return err
}

// LocalStream groups the local tracks of one call.
type LocalStream struct {
	id string

	mu       sync.Mutex
	tracks   map[Kind]*LocalTrack
	released bool
}

func newLocalStream() *LocalStream {
	return &LocalStream{
		id:     uuid.NewString(),
		tracks: make(map[Kind]*LocalTrack),
	}
}

// ID returns the stream id shared by every track (the msid in the SDP).
func (s *LocalStream) ID() string { return s.id }

// Track returns the track of kind k, or nil.
func (s *LocalStream) Track(k Kind) *LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks[k]
}

// Tracks returns the tracks in a stable order: audio first.
func (s *LocalStream) Tracks() []*LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*LocalTrack
	for _, k := range []Kind{KindAudio, KindVideo} {
		if t, ok := s.tracks[k]; ok {
			out = append(out, t)
		}
	}
	return out
}

// swap replaces the track of the same kind and returns the previous one.
func (s *LocalStream) swap(t *LocalTrack) *LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.tracks[t.kind]
	s.tracks[t.kind] = t
	return old
}

// Release stops every track. A second call is a no-op.
func (s *LocalStream) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	tracks := s.tracks
	s.tracks = make(map[Kind]*LocalTrack)
	s.mu.Unlock()

	var errs []error
	for _, t := range tracks {
		errs = append(errs, t.stop())
	}
	return errors.Join(errs...)
}
