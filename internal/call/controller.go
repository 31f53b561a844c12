package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/callcore/internal/callerr"
	"github.com/1ureka/callcore/internal/media"
	"github.com/1ureka/callcore/internal/negotiation"
	"github.com/1ureka/callcore/internal/signaling"
	"github.com/1ureka/callcore/internal/util"
)

const eventQueueSize = 64

// Negotiator is the negotiation engine as seen by the controller.
// *negotiation.Engine implements it.
type Negotiator interface {
	AttachLocalTracks(stream *media.LocalStream) error
	CreateOffer() (webrtc.SessionDescription, error)
	AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	AcceptAnswer(answer webrtc.SessionDescription) error
	AddRemoteCandidate(c webrtc.ICECandidateInit) error
	ReplaceTrack(kind media.Kind, track webrtc.TrackLocal) error

	OnLocalCandidate(fn func(webrtc.ICECandidateInit))
	OnRemoteTrack(fn func(media.RemoteTrack))
	OnConnectionState(fn func(negotiation.Phase))

	Teardown() error
}

// EngineFactory creates the negotiation engine for a new session.
type EngineFactory func(role negotiation.Role) (Negotiator, error)

// Options configure a Controller.
type Options struct {
	Signaling signaling.Sender
	Pipeline  *media.Pipeline
	NewEngine EngineFactory

	// DisconnectGrace is how long a Disconnected connection may recover
	// before the call ends. Zero ends it immediately.
	DisconnectGrace time.Duration
	// ErrorWindow is how long a signaling error stays in Snapshot.Error.
	ErrorWindow time.Duration
}

// task is one unit of work for the controller goroutine. discard, if set,
// runs instead of run when the controller stops before reaching it.
type task struct {
	run     func()
	discard func()
}

// Controller owns the call session. Every mutation runs on the goroutine
// started by Run, one event at a time; slow work (device acquisition, SDP)
// runs elsewhere and comes back as an event tagged with the session epoch.
type Controller struct {
	opts   Options
	events chan task
	done   chan struct{}

	stopMu  sync.Mutex
	stopped bool

	hookMu        sync.Mutex
	onStatus      func(Snapshot)
	onIncoming    func(Incoming)
	onError       func(error)
	onRemoteTrack func(media.RemoteTrack)

	snapMu sync.RWMutex
	snap   Snapshot

	// Owned by the Run goroutine.
	session     *Session
	engine      Negotiator
	epoch       uint64
	early       []webrtc.ICECandidateInit
	orphans     []string // request ids of calls ended before their ack
	graceTimer  *time.Timer
	errorMsg    string
	errorToken  uint64
	signalingUp bool
}

// New creates a controller. Run must be started before any other call.
func New(opts Options) *Controller {
	c := &Controller{
		opts:        opts,
		events:      make(chan task, eventQueueSize),
		done:        make(chan struct{}),
		signalingUp: true,
	}
	c.snap = Snapshot{Status: Idle, SignalingUp: true}
	opts.Pipeline.OnToggle(c.reportToggle)
	return c
}

// ---------------------------------------------------------------------------
// Hooks
// ---------------------------------------------------------------------------

// Hooks run on the controller goroutine and must not block.

func (c *Controller) OnStatus(fn func(Snapshot)) {
	c.hookMu.Lock()
	c.onStatus = fn
	c.hookMu.Unlock()
}

func (c *Controller) OnIncoming(fn func(Incoming)) {
	c.hookMu.Lock()
	c.onIncoming = fn
	c.hookMu.Unlock()
}

// OnError receives asynchronous failures: negotiation failures, signaling
// errors and busy rejections. Errors returned by intent methods are not
// repeated here.
func (c *Controller) OnError(fn func(error)) {
	c.hookMu.Lock()
	c.onError = fn
	c.hookMu.Unlock()
}

func (c *Controller) OnRemoteTrack(fn func(media.RemoteTrack)) {
	c.hookMu.Lock()
	c.onRemoteTrack = fn
	c.hookMu.Unlock()
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

// ---------------------------------------------------------------------------
// Event loop
// ---------------------------------------------------------------------------

// Run processes events until ctx is done. A live call is ended on exit.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case t := <-c.events:
			t.run()
		case <-ctx.Done():
			if c.session != nil {
				c.endLocal("")
			}
			c.stop()
			return ctx.Err()
		}
	}
}

// stop refuses further events and discards the ones still queued.
func (c *Controller) stop() {
	close(c.done)

	c.stopMu.Lock()
	c.stopped = true
	c.stopMu.Unlock()

	for {
		select {
		case t := <-c.events:
			if t.discard != nil {
				t.discard()
			}
		default:
			return
		}
	}
}

// post enqueues fn. It returns false once the controller has stopped.
func (c *Controller) post(fn func()) bool {
	return c.enqueue(task{run: fn})
}

func (c *Controller) enqueue(t task) bool {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()
	if c.stopped {
		return false
	}
	select {
	case c.events <- t:
		return true
	case <-c.done:
		return false
	}
}

// do runs fn on the controller goroutine and waits for its result.
func (c *Controller) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	if !c.post(func() { reply <- fn() }) {
		return fmt.Errorf("%w: controller stopped", callerr.ErrInvalidState)
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return fmt.Errorf("%w: controller stopped", callerr.ErrInvalidState)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// await runs start on the controller goroutine. start either fails at once
// or leaves reply to an async completion.
func (c *Controller) await(ctx context.Context, start func(reply chan<- error) error) error {
	reply := make(chan error, 1)
	if !c.post(func() {
		if err := start(reply); err != nil {
			reply <- err
		}
	}) {
		return fmt.Errorf("%w: controller stopped", callerr.ErrInvalidState)
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return fmt.Errorf("%w: controller stopped", callerr.ErrInvalidState)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// current returns the session if it is still the one issued epoch.
func (c *Controller) current(epoch uint64) *Session {
	if c.session == nil || c.session.epoch != epoch {
		return nil
	}
	return c.session
}

// ---------------------------------------------------------------------------
// Local intents
// ---------------------------------------------------------------------------

// Initiate starts an outgoing call. It returns once media is acquired and
// call:initiate has been queued, or with the acquisition error.
func (c *Controller) Initiate(ctx context.Context, remote signaling.Party, kind media.Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("initiate: unknown media kind %q", kind)
	}
	if remote.ID == "" {
		return errors.New("initiate: empty receiver id")
	}

	return c.await(ctx, func(reply chan<- error) error {
		if c.session != nil {
			return fmt.Errorf("%w: already in a call", callerr.ErrBusy)
		}

		c.epoch++
		s := newSession(c.epoch, negotiation.Caller, kind, remote, Idle)
		c.session = s
		c.transition(Calling)

		c.acquire(s, func(stream *media.LocalStream, err error) {
			if err != nil {
				c.endLocal("")
				reply <- err
				return
			}

			requestID := uuid.NewString()
			err = c.opts.Signaling.Send(signaling.Message{
				Event: signaling.EventInitiate,
				Data:  signaling.Payload{ReceiverID: remote.ID, MediaKind: kind, RequestID: requestID},
			})
			if err != nil {
				c.finish("", "")
				reply <- fmt.Errorf("initiate: %w", err)
				return
			}
			s.requestID = requestID
			reply <- nil
		}, reply)
		return nil
	})
}

// Accept answers the ringing call.
func (c *Controller) Accept(ctx context.Context) error {
	return c.await(ctx, func(reply chan<- error) error {
		s := c.session
		if s == nil || s.Status != Ringing {
			return fmt.Errorf("%w: no ringing call", callerr.ErrInvalidState)
		}
		c.transition(Connecting)

		c.acquire(s, func(stream *media.LocalStream, err error) {
			if err != nil {
				c.finish(signaling.EventReject, "")
				reply <- err
				return
			}
			if err := c.startEngine(s, stream); err != nil {
				c.finish(signaling.EventReject, signaling.ReasonNegotiationFailed)
				reply <- err
				return
			}
			c.send(signaling.SessionMessage(signaling.EventAccept, s.ID))
			reply <- nil
		}, reply)
		return nil
	})
}

// Reject declines the ringing call.
func (c *Controller) Reject(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.session == nil || c.session.Status != Ringing {
			return fmt.Errorf("%w: no ringing call", callerr.ErrInvalidState)
		}
		c.finish(signaling.EventReject, "")
		return nil
	})
}

// End hangs up in any active state: cancel while calling, reject while
// ringing, end otherwise.
func (c *Controller) End(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.session == nil {
			return fmt.Errorf("%w: no call to end", callerr.ErrInvalidState)
		}
		c.endLocal(signaling.ReasonHangup)
		return nil
	})
}

// ToggleTrack flips the local enabled flag of kind and returns the new
// value. The remote party is told once the session has an id.
func (c *Controller) ToggleTrack(ctx context.Context, kind media.Kind) (bool, error) {
	var enabled bool
	err := c.do(ctx, func() error {
		s := c.session
		if s == nil || !s.Status.Active() {
			return fmt.Errorf("%w: no active call", callerr.ErrInvalidState)
		}
		enabled = !s.Local.Get(kind)
		s.Local = s.Local.With(kind, enabled)
		c.opts.Pipeline.ToggleTrack(kind, enabled)
		c.publish()
		return nil
	})
	return enabled, err
}

// SwitchDevice replaces the capture device of kind in the live call.
func (c *Controller) SwitchDevice(ctx context.Context, kind media.Kind, deviceID string) error {
	return c.opts.Pipeline.SwitchDevice(ctx, kind, deviceID)
}

// SetPlaybackDevice routes remote audio to deviceID.
func (c *Controller) SetPlaybackDevice(ctx context.Context, deviceID string) error {
	return c.opts.Pipeline.SetRemotePlaybackDevice(ctx, deviceID)
}

// reportToggle is the pipeline's toggle reporter. It runs on the controller
// goroutine because only ToggleTrack drives the pipeline toggle.
func (c *Controller) reportToggle(kind media.Kind, enabled bool) {
	s := c.session
	if s == nil || s.ID == "" {
		return
	}
	c.send(signaling.Message{
		Event: signaling.EventMediaToggle,
		Data:  signaling.Payload{SessionID: s.ID, MediaKind: kind, Enabled: signaling.Bool(enabled)},
	})
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// HandleMessage feeds one inbound signaling message. Safe to call from the
// gateway's read goroutine.
func (c *Controller) HandleMessage(msg signaling.Message) {
	c.post(func() { c.handle(msg) })
}

// HandleChannelState records signaling link changes. A lost link does not
// end the call; the media path is independent.
func (c *Controller) HandleChannelState(connected bool) {
	c.post(func() {
		c.signalingUp = connected
		if !connected && c.session != nil {
			util.LogWarning("signaling link down during call %s, media continues", c.sessionID())
		}
		c.publish()
	})
}

func (c *Controller) handle(msg signaling.Message) {
	d := msg.Data
	switch msg.Event {
	case signaling.EventIncoming:
		c.handleIncoming(d)
	case signaling.EventInitiated:
		c.handleInitiated(d)
	case signaling.EventAccepted:
		c.handleAccepted(d)
	case signaling.EventStarted:
		if c.session.matches(d.SessionID) {
			util.LogInfo("call %s started", d.SessionID)
		}
	case signaling.EventRejected, signaling.EventCancelled, signaling.EventEnded, signaling.EventMissed:
		c.handleRemoteEnd(msg.Event, d)
	case signaling.EventMediaToggle:
		c.handleRemoteToggle(d)
	case signaling.EventError:
		c.handleError(d)
	case signaling.EventOffer:
		c.handleOffer(d)
	case signaling.EventAnswer:
		c.handleAnswer(d)
	case signaling.EventCandidate:
		c.handleCandidate(d)
	default:
		util.LogDebug("ignoring signaling event %q", msg.Event)
	}
}

func (c *Controller) handleIncoming(d signaling.Payload) {
	if d.SessionID == "" || d.Caller == nil {
		util.LogWarning("malformed call:incoming")
		return
	}
	if c.session.matches(d.SessionID) {
		return
	}
	if c.session != nil {
		util.LogInfo("busy, declining call %s from %s", d.SessionID, d.Caller.ID)
		c.send(signaling.Message{
			Event: signaling.EventReject,
			Data:  signaling.Payload{SessionID: d.SessionID, Reason: signaling.ReasonBusy},
		})
		return
	}

	kind := d.MediaKind
	if !kind.Valid() {
		kind = media.KindAudio
	}

	c.epoch++
	s := newSession(c.epoch, negotiation.Receiver, kind, *d.Caller, Idle)
	s.ID = d.SessionID
	c.session = s
	c.transition(Ringing)

	c.hookMu.Lock()
	fn := c.onIncoming
	c.hookMu.Unlock()
	if fn != nil {
		fn(Incoming{SessionID: s.ID, Caller: s.Remote, Kind: kind})
	}
}

// handleInitiated binds the authority's id to the outgoing call. An ack
// owed to a call ended before it was acked is answered with call:cancel.
func (c *Controller) handleInitiated(d signaling.Payload) {
	if d.SessionID == "" {
		return
	}

	s := c.session
	owned := s.awaitingAck() && d.RequestID == s.requestID
	if !owned && c.takeOrphan(d.RequestID) {
		util.LogDebug("cancelling orphaned call %s", d.SessionID)
		c.send(signaling.SessionMessage(signaling.EventCancel, d.SessionID))
		return
	}
	if !s.awaitingAck() || (d.RequestID != "" && d.RequestID != s.requestID) {
		util.LogDebug("stale call:initiated %s", d.SessionID)
		return
	}
	s.ID = d.SessionID
	util.LogDebug("call %s initiated", s.ID)

	// Announce toggles made before the id existed.
	initial := media.InitialState(s.Kind)
	for _, k := range []media.Kind{media.KindAudio, media.KindVideo} {
		if s.Local.Get(k) != initial.Get(k) {
			c.reportToggle(k, s.Local.Get(k))
		}
	}
	c.publish()
}

func (c *Controller) handleAccepted(d signaling.Payload) {
	s := c.session
	if !s.matches(d.SessionID) || s.Status != Calling {
		util.LogDebug("stale call:accepted %s", d.SessionID)
		return
	}
	if d.Receiver != nil {
		s.Remote = *d.Receiver
	}
	c.transition(Connecting)

	stream := c.opts.Pipeline.Local()
	if err := c.startEngine(s, stream); err != nil {
		c.fail(signaling.EventEnd, err)
		return
	}

	engine, epoch := c.engine, s.epoch
	go func() {
		offer, err := engine.CreateOffer()
		c.post(func() {
			s := c.current(epoch)
			if s == nil {
				return
			}
			if err != nil {
				c.fail(signaling.EventEnd, err)
				return
			}
			c.send(signaling.Message{
				Event: signaling.EventOffer,
				Data:  signaling.Payload{SessionID: s.ID, ReceiverID: s.Remote.ID, SDP: &offer},
			})
		})
	}()
}

func (c *Controller) handleOffer(d signaling.Payload) {
	s := c.session
	if !s.matches(d.SessionID) || s.Role != negotiation.Receiver || c.engine == nil || d.SDP == nil {
		util.LogDebug("stale webrtc:offer %s", d.SessionID)
		return
	}

	engine, epoch, offer := c.engine, s.epoch, *d.SDP
	go func() {
		answer, err := engine.AcceptOffer(offer)
		c.post(func() {
			s := c.current(epoch)
			if s == nil {
				return
			}
			if err != nil {
				c.negotiationError(signaling.EventOffer, err)
				return
			}
			c.send(signaling.Message{
				Event: signaling.EventAnswer,
				Data:  signaling.Payload{SessionID: s.ID, CallerID: s.Remote.ID, SDP: &answer},
			})
		})
	}()
}

func (c *Controller) handleAnswer(d signaling.Payload) {
	s := c.session
	if !s.matches(d.SessionID) || s.Role != negotiation.Caller || c.engine == nil || d.SDP == nil {
		util.LogDebug("stale webrtc:answer %s", d.SessionID)
		return
	}

	engine, epoch, answer := c.engine, s.epoch, *d.SDP
	go func() {
		err := engine.AcceptAnswer(answer)
		c.post(func() {
			if c.current(epoch) == nil || err == nil {
				return
			}
			c.negotiationError(signaling.EventAnswer, err)
		})
	}()
}

func (c *Controller) handleCandidate(d signaling.Payload) {
	s := c.session
	if !s.matches(d.SessionID) || d.Candidate == nil {
		util.LogDebug("stale webrtc:ice-candidate %s", d.SessionID)
		return
	}
	if c.engine == nil {
		c.early = append(c.early, *d.Candidate)
		return
	}
	if err := c.engine.AddRemoteCandidate(*d.Candidate); err != nil {
		util.LogDebug("remote candidate rejected: %v", err)
	}
}

func (c *Controller) handleRemoteToggle(d signaling.Payload) {
	s := c.session
	if !s.matches(d.SessionID) || d.Enabled == nil || !d.MediaKind.Valid() {
		util.LogDebug("stale call:media-toggle %s", d.SessionID)
		return
	}
	s.RemoteMedia = s.RemoteMedia.With(d.MediaKind, *d.Enabled)
	c.publish()
}

func (c *Controller) handleRemoteEnd(event signaling.Event, d signaling.Payload) {
	s := c.session
	if !s.matches(d.SessionID) {
		util.LogDebug("stale %s %s", event, d.SessionID)
		return
	}

	util.LogInfo("call %s: %s (reason=%q)", s.ID, event, d.Reason)
	if event == signaling.EventRejected && d.Reason == signaling.ReasonBusy {
		c.raise(fmt.Errorf("%w: %s is in another call", callerr.ErrBusy, s.Remote.ID))
	}
	c.finish("", "")
}

// handleError shows the authority's error and ends the session it refers
// to. An error that answers the initiate of a call already ended only
// settles that orphan.
func (c *Controller) handleError(d signaling.Payload) {
	s := c.session
	owned := s.awaitingAck() && d.RequestID == s.requestID
	if d.SessionID == "" && !owned && c.takeOrphan(d.RequestID) {
		util.LogDebug("initiate of ended call refused: %s", d.Message)
		return
	}

	err := &callerr.SignalingError{Message: d.Message}
	util.LogWarning("%v", err)
	c.showError(d.Message)
	c.raise(err)

	if s == nil {
		return
	}
	switch {
	case d.SessionID != "":
		if s.matches(d.SessionID) {
			c.finish("", "")
		}
	case d.RequestID != "":
		if owned {
			c.finish("", "")
		}
	default:
		c.finish("", "")
	}
}

// takeOrphan settles the orphan an ack or error answers. Without a request
// id the oldest one is taken, as the authority answers initiates in order.
func (c *Controller) takeOrphan(requestID string) bool {
	if len(c.orphans) == 0 {
		return false
	}
	if requestID == "" {
		c.orphans = c.orphans[1:]
		return true
	}
	for i, id := range c.orphans {
		if id == requestID {
			c.orphans = append(c.orphans[:i], c.orphans[i+1:]...)
			return true
		}
	}
	return false
}

// negotiationError handles a failed SDP step. A repeated description is a
// duplicate delivery and changes nothing; only ErrNegotiationFailed ends
// the call.
func (c *Controller) negotiationError(ev signaling.Event, err error) {
	switch {
	case errors.Is(err, callerr.ErrStale):
		util.LogDebug("duplicate %s ignored: %v", ev, err)
	case errors.Is(err, callerr.ErrNegotiationFailed):
		c.fail(signaling.EventEnd, err)
	default:
		util.LogWarning("%s not applied: %v", ev, err)
	}
}

// ---------------------------------------------------------------------------
// Media and negotiation plumbing
// ---------------------------------------------------------------------------

// acquire opens capture for s off the controller goroutine. done runs on
// the controller goroutine, only if s is still current; otherwise the
// stream is released and reply gets nil.
func (c *Controller) acquire(s *Session, done func(*media.LocalStream, error), reply chan<- error) {
	epoch, kind, prefs := s.epoch, s.Kind, c.opts.Pipeline.Prefs()
	go func() {
		stream, err := c.opts.Pipeline.Acquire(context.Background(), kind, prefs)
		release := func() {
			if stream != nil {
				stream.Release()
			}
		}
		posted := c.enqueue(task{
			run: func() {
				if c.current(epoch) == nil {
					release()
					util.LogDebug("discarding media acquired for ended call")
					reply <- nil
					return
				}
				if err == nil {
					c.opts.Pipeline.Install(stream, prefs)
				}
				done(stream, err)
			},
			discard: release,
		})
		if !posted {
			release()
		}
	}()
}

// startEngine creates the negotiation engine for s, attaches the local
// tracks and replays candidates that arrived before it existed.
func (c *Controller) startEngine(s *Session, stream *media.LocalStream) error {
	if stream == nil {
		return fmt.Errorf("%w: no local media", callerr.ErrInvalidState)
	}

	engine, err := c.opts.NewEngine(s.Role)
	if err != nil {
		return fmt.Errorf("%w: %v", callerr.ErrNegotiationFailed, err)
	}

	epoch := s.epoch
	engine.OnLocalCandidate(func(cand webrtc.ICECandidateInit) {
		c.post(func() {
			if s := c.current(epoch); s != nil {
				c.send(signaling.Message{
					Event: signaling.EventCandidate,
					Data:  signaling.Payload{SessionID: s.ID, TargetID: s.Remote.ID, Candidate: &cand},
				})
			}
		})
	})
	engine.OnRemoteTrack(func(t media.RemoteTrack) {
		c.post(func() { c.remoteTrack(epoch, t) })
	})
	engine.OnConnectionState(func(p negotiation.Phase) {
		c.post(func() { c.connectionState(epoch, p) })
	})

	if err := engine.AttachLocalTracks(stream); err != nil {
		engine.Teardown()
		return fmt.Errorf("%w: %v", callerr.ErrNegotiationFailed, err)
	}

	c.engine = engine
	c.opts.Pipeline.SetSubstituter(engine)

	early := c.early
	c.early = nil
	for _, cand := range early {
		if err := engine.AddRemoteCandidate(cand); err != nil {
			util.LogDebug("early candidate rejected: %v", err)
		}
	}
	return nil
}

func (c *Controller) remoteTrack(epoch uint64, t media.RemoteTrack) {
	if c.current(epoch) == nil {
		return
	}
	c.opts.Pipeline.AddRemoteTrack(t)
	c.markConnected()

	c.hookMu.Lock()
	fn := c.onRemoteTrack
	c.hookMu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (c *Controller) connectionState(epoch uint64, p negotiation.Phase) {
	s := c.current(epoch)
	if s == nil {
		return
	}

	switch p {
	case negotiation.PhaseConnected:
		c.stopGrace()
		c.markConnected()
	case negotiation.PhaseFailed:
		c.fail(signaling.EventEnd, fmt.Errorf("%w: connection failed", callerr.ErrNegotiationFailed))
	case negotiation.PhaseDisconnected:
		if c.opts.DisconnectGrace <= 0 {
			util.LogWarning("call %s: connection lost", s.ID)
			c.endLocal(signaling.ReasonDisconnect)
			return
		}
		if c.graceTimer != nil {
			return
		}
		util.LogWarning("call %s: connection interrupted, waiting %s", s.ID, c.opts.DisconnectGrace)
		c.graceTimer = time.AfterFunc(c.opts.DisconnectGrace, func() {
			c.post(func() {
				if c.current(epoch) == nil || c.graceTimer == nil {
					return
				}
				c.graceTimer = nil
				util.LogWarning("call %s: connection did not recover", c.sessionID())
				c.endLocal(signaling.ReasonDisconnect)
			})
		})
	}
}

func (c *Controller) markConnected() {
	s := c.session
	if s.Status != Connecting {
		return
	}
	s.ConnectedAt = time.Now()
	c.transition(Connected)
}

func (c *Controller) stopGrace() {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// endLocal ends the session on local initiative and tells the remote party
// with the event that fits the current status.
func (c *Controller) endLocal(reason string) {
	s := c.session
	switch s.Status {
	case Calling:
		if s.ID == "" {
			if s.requestID != "" {
				c.orphans = append(c.orphans, s.requestID)
			}
			c.finish("", "")
			return
		}
		c.finish(signaling.EventCancel, "")
	case Ringing:
		c.finish(signaling.EventReject, "")
	default:
		c.finish(signaling.EventEnd, reason)
	}
}

// fail ends the session after a negotiation error and surfaces it once.
func (c *Controller) fail(notify signaling.Event, err error) {
	util.LogError("call %s failed: %v", c.sessionID(), err)
	reason := ""
	if errors.Is(err, callerr.ErrNegotiationFailed) {
		reason = signaling.ReasonNegotiationFailed
	}
	c.finish(notify, reason)
	c.raise(err)
}

// finish moves the session through Ended back to Idle and releases every
// resource it owned. notify, if set, is sent to the remote party first.
func (c *Controller) finish(notify signaling.Event, reason string) {
	s := c.session
	if s == nil {
		return
	}

	if notify != "" && s.ID != "" {
		c.send(signaling.Message{
			Event: notify,
			Data:  signaling.Payload{SessionID: s.ID, Reason: reason},
		})
	}
	c.transition(Ended)

	c.stopGrace()
	if c.engine != nil {
		if err := c.engine.Teardown(); err != nil {
			util.LogWarning("teardown negotiation: %v", err)
		}
		c.engine = nil
	}
	c.opts.Pipeline.ReleaseAll()
	c.early = nil

	c.transition(Idle)
	c.session = nil
	c.publish()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// transition is the only writer of Session.Status.
func (c *Controller) transition(to Status) {
	s := c.session
	if !CanTransition(s.Status, to) {
		util.LogError("illegal transition %s -> %s (call %s)", s.Status, to, s.ID)
		return
	}
	util.LogTransition(s.ID, s.Status.String(), to.String())
	s.Status = to

	c.publish()

	c.hookMu.Lock()
	fn := c.onStatus
	c.hookMu.Unlock()
	if fn != nil {
		fn(c.Snapshot())
	}
}

// publish refreshes the snapshot readers see.
func (c *Controller) publish() {
	snap := c.session.snapshot()
	if c.session != nil && c.session.Status == Idle {
		snap = Snapshot{Status: Idle}
	}
	snap.Error = c.errorMsg
	snap.SignalingUp = c.signalingUp

	c.snapMu.Lock()
	c.snap = snap
	c.snapMu.Unlock()
}

func (c *Controller) send(msg signaling.Message) {
	if err := c.opts.Signaling.Send(msg); err != nil {
		util.LogWarning("send %s: %v", msg.Event, err)
	}
}

func (c *Controller) raise(err error) {
	c.hookMu.Lock()
	fn := c.onError
	c.hookMu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// showError keeps msg in the snapshot for the error window.
func (c *Controller) showError(msg string) {
	c.errorToken++
	token := c.errorToken
	c.errorMsg = msg
	c.publish()

	window := c.opts.ErrorWindow
	if window <= 0 {
		return
	}
	time.AfterFunc(window, func() {
		c.post(func() {
			if c.errorToken == token {
				c.errorMsg = ""
				c.publish()
			}
		})
	})
}

func (c *Controller) sessionID() string {
	if c.session == nil {
		return "-"
	}
	return c.session.ID
}
