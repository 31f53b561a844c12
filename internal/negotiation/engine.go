// Package negotiation owns the peer connection of one call: it builds and
// consumes SDP offers and answers, orders ICE candidates against the remote
// description and reports connection state.
//
// Renegotiation is not supported. Tracks must be attached before the first
// offer or answer; switching capture devices later goes through
// ReplaceTrack, which needs no new SDP.
package negotiation

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/callcore/internal/callerr"
	"github.com/1ureka/callcore/internal/config"
	"github.com/1ureka/callcore/internal/media"
	"github.com/1ureka/callcore/internal/util"
)

// Role decides which half of the offer/answer exchange an engine may run.
type Role int

const (
	Caller Role = iota
	Receiver
)

func (r Role) String() string {
	if r == Receiver {
		return "receiver"
	}
	return "caller"
}

// Phase is the connection phase derived from the peer connection state.
type Phase int

const (
	PhaseNew Phase = iota
	PhaseNegotiating
	PhaseConnected
	PhaseDisconnected
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseNew:
		return "new"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnected:
		return "disconnected"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// phaseOf maps a pion connection state. ok is false for states the engine
// does not report (closed).
func phaseOf(s webrtc.PeerConnectionState) (Phase, bool) {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return PhaseNew, true
	case webrtc.PeerConnectionStateConnecting:
		return PhaseNegotiating, true
	case webrtc.PeerConnectionStateConnected:
		return PhaseConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return PhaseDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return PhaseFailed, true
	default:
		return 0, false
	}
}

// Engine is the negotiation state of one call.
//
// Callbacks run on pion's goroutines and must not block; the call controller
// only posts them into its own event queue.
type Engine struct {
	role Role
	pc   peer

	mu        sync.Mutex
	senders   map[media.Kind]rtpSender
	started   bool // local description set
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	seen      map[string]struct{}
	phase     Phase

	// closed is set by Teardown without taking mu, which an SDP operation
	// holds for its whole duration.
	closed atomic.Bool

	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(media.RemoteTrack)
	onState     func(Phase)

	teardownOnce sync.Once
}

// New creates an engine backed by a pion PeerConnection bound to servers.
func New(servers []config.ICEServer, role Role) (*Engine, error) {
	pc, err := newPionPeer(servers)
	if err != nil {
		return nil, err
	}
	return newEngine(pc, role), nil
}

func newEngine(pc peer, role Role) *Engine {
	e := &Engine{
		role:    role,
		pc:      pc,
		senders: make(map[media.Kind]rtpSender),
		seen:    make(map[string]struct{}),
	}

	pc.OnICECandidate(e.handleLocalCandidate)
	pc.OnTrack(e.handleTrack)
	pc.OnConnectionStateChange(e.handleState)
	return e
}

// ---------------------------------------------------------------------------
// Callbacks
// ---------------------------------------------------------------------------

// OnLocalCandidate registers the sink for gathered local candidates. Each
// distinct candidate is delivered once.
func (e *Engine) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	e.mu.Lock()
	e.onCandidate = fn
	e.mu.Unlock()
}

// OnRemoteTrack registers the sink for inbound tracks.
func (e *Engine) OnRemoteTrack(fn func(media.RemoteTrack)) {
	e.mu.Lock()
	e.onTrack = fn
	e.mu.Unlock()
}

// OnConnectionState registers the sink for Connected, Disconnected and
// Failed reports.
func (e *Engine) OnConnectionState(fn func(Phase)) {
	e.mu.Lock()
	e.onState = fn
	e.mu.Unlock()
}

func (e *Engine) handleLocalCandidate(c webrtc.ICECandidateInit) {
	if e.closed.Load() {
		return
	}
	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		return
	}
	if _, dup := e.seen[c.Candidate]; dup {
		e.mu.Unlock()
		return
	}
	e.seen[c.Candidate] = struct{}{}
	fn := e.onCandidate
	e.mu.Unlock()

	if fn != nil {
		util.Stats.AddCandidateSent()
		fn(c)
	}
}

func (e *Engine) handleTrack(t media.RemoteTrack) {
	e.mu.Lock()
	fn := e.onTrack
	e.mu.Unlock()
	closed := e.closed.Load()

	util.LogDebug("remote %s track %s arrived", t.Kind(), t.ID())
	if fn != nil && !closed {
		fn(t)
	}
}

func (e *Engine) handleState(s webrtc.PeerConnectionState) {
	phase, ok := phaseOf(s)
	if !ok {
		return
	}

	if e.closed.Load() {
		return
	}
	e.mu.Lock()
	e.phase = phase
	fn := e.onState
	e.mu.Unlock()

	util.LogDebug("peer connection %s (%s)", s, e.role)
	switch phase {
	case PhaseConnected, PhaseDisconnected, PhaseFailed:
		if fn != nil {
			fn(phase)
		}
	}
}

// Phase returns the last observed connection phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// ---------------------------------------------------------------------------
// Offer / answer
// ---------------------------------------------------------------------------

// AttachLocalTracks adds every track of stream as an outbound transceiver.
// It must run before CreateOffer or AcceptOffer.
func (e *Engine) AttachLocalTracks(stream *media.LocalStream) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.usable(); err != nil {
		return err
	}
	if e.started || e.remoteSet {
		return fmt.Errorf("%w: tracks attached after negotiation started (renegotiation unsupported)", callerr.ErrInvalidState)
	}

	for _, t := range stream.Tracks() {
		sender, err := e.pc.AddTrack(t.Track())
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		e.senders[t.Kind()] = sender
	}
	return nil
}

// CreateOffer produces the caller's offer and sets it as local description.
func (e *Engine) CreateOffer() (webrtc.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.usable(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if e.role != Caller {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: only the caller creates an offer", callerr.ErrInvalidState)
	}
	if e.started {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: local description already set", callerr.ErrInvalidState)
	}

	offer, err := e.pc.CreateOffer()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create offer: %v", callerr.ErrNegotiationFailed, err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local offer: %v", callerr.ErrNegotiationFailed, err)
	}
	if err := e.tornDuring(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	e.started = true
	e.phase = PhaseNegotiating
	return offer, nil
}

// AcceptOffer applies the caller's offer, then produces and sets the local
// answer. A repeated offer is reported as callerr.ErrStale.
func (e *Engine) AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.usable(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if e.role != Receiver {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: only the receiver accepts an offer", callerr.ErrInvalidState)
	}
	if e.remoteSet {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: offer already applied", callerr.ErrStale)
	}
	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: expected offer, got %s", callerr.ErrNegotiationFailed, offer.Type)
	}

	if err := e.setRemote(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}

	answer, err := e.pc.CreateAnswer()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create answer: %v", callerr.ErrNegotiationFailed, err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local answer: %v", callerr.ErrNegotiationFailed, err)
	}
	if err := e.tornDuring(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	e.started = true
	e.phase = PhaseNegotiating
	return answer, nil
}

// AcceptAnswer applies the receiver's answer on the caller side. A repeated
// answer is reported as callerr.ErrStale and leaves the connection as is.
func (e *Engine) AcceptAnswer(answer webrtc.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.usable(); err != nil {
		return err
	}
	if e.role != Caller {
		return fmt.Errorf("%w: only the caller accepts an answer", callerr.ErrInvalidState)
	}
	if !e.started {
		return fmt.Errorf("%w: answer before offer", callerr.ErrInvalidState)
	}
	if e.remoteSet {
		return fmt.Errorf("%w: answer already applied", callerr.ErrStale)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("%w: expected answer, got %s", callerr.ErrNegotiationFailed, answer.Type)
	}
	if err := e.setRemote(answer); err != nil {
		return err
	}
	return e.tornDuring()
}

// setRemote applies the remote description and drains queued candidates in
// arrival order. e.mu is held for the whole call so a live candidate can
// never overtake a queued one.
func (e *Engine) setRemote(sd webrtc.SessionDescription) error {
	if err := e.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("%w: set remote %s: %v", callerr.ErrNegotiationFailed, sd.Type, err)
	}

	queued := e.pending
	e.pending = nil
	for _, c := range queued {
		e.apply(c)
	}
	e.remoteSet = true

	if len(queued) > 0 {
		util.LogDebug("applied %d queued ICE candidates", len(queued))
	}
	return nil
}

// ---------------------------------------------------------------------------
// ICE
// ---------------------------------------------------------------------------

// AddRemoteCandidate applies c, or queues it until the remote description
// is set.
func (e *Engine) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed.Load() {
		return fmt.Errorf("%w: engine torn down", callerr.ErrStale)
	}
	if !e.remoteSet {
		e.pending = append(e.pending, c)
		return nil
	}
	return e.apply(c)
}

// apply adds one candidate. A candidate the connection refuses is logged and
// skipped; it does not fail the negotiation.
func (e *Engine) apply(c webrtc.ICECandidateInit) error {
	if err := e.pc.AddICECandidate(c); err != nil {
		util.LogWarning("failed to add ICE candidate: %v", err)
		return err
	}
	util.Stats.AddCandidateApplied()
	return nil
}

// Pending returns how many candidates wait for the remote description.
func (e *Engine) Pending() int {
	if e.closed.Load() {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// ---------------------------------------------------------------------------
// Live media
// ---------------------------------------------------------------------------

// ReplaceTrack swaps the outbound track of kind on the existing sender
// without renegotiating.
func (e *Engine) ReplaceTrack(kind media.Kind, track webrtc.TrackLocal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.usable(); err != nil {
		return err
	}
	sender, ok := e.senders[kind]
	if !ok {
		return fmt.Errorf("%w: no %s sender", callerr.ErrInvalidState, kind)
	}
	return sender.ReplaceTrack(track)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Teardown closes the peer connection. It does not wait for an offer or
// answer in progress; that operation returns callerr.ErrStale. Idempotent.
func (e *Engine) Teardown() error {
	var err error
	e.teardownOnce.Do(func() {
		e.closed.Store(true)
		err = e.pc.Close()
	})
	return err
}

func (e *Engine) usable() error {
	if e.closed.Load() {
		return fmt.Errorf("%w: engine torn down", callerr.ErrInvalidState)
	}
	return nil
}

// tornDuring reports a Teardown that ran while e.mu was held.
func (e *Engine) tornDuring() error {
	if e.closed.Load() {
		return fmt.Errorf("%w: engine torn down during negotiation", callerr.ErrStale)
	}
	return nil
}
