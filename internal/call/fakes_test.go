package call

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/callcore/internal/media"
	"github.com/1ureka/callcore/internal/negotiation"
	"github.com/1ureka/callcore/internal/relay"
	"github.com/1ureka/callcore/internal/signaling"
)

// ---------------------------------------------------------------------------
// fakeEngine
// ---------------------------------------------------------------------------

// fakeEngine completes the offer/answer exchange without a network: it
// emits one local candidate per description it creates and reports
// Connected once both descriptions are in place.
type fakeEngine struct {
	role negotiation.Role

	mu      sync.Mutex
	applied []string
	torn    bool
	remote  bool

	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(media.RemoteTrack)
	onState     func(negotiation.Phase)
}

func (e *fakeEngine) AttachLocalTracks(*media.LocalStream) error { return nil }

func (e *fakeEngine) CreateOffer() (webrtc.SessionDescription, error) {
	go e.onCandidate(webrtc.ICECandidateInit{Candidate: "cand-caller"})
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "fake-offer"}, nil
}

func (e *fakeEngine) AcceptOffer(webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	e.mu.Lock()
	e.remote = true
	e.mu.Unlock()
	go e.onCandidate(webrtc.ICECandidateInit{Candidate: "cand-receiver"})
	go e.onState(negotiation.PhaseConnected)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake-answer"}, nil
}

func (e *fakeEngine) AcceptAnswer(webrtc.SessionDescription) error {
	e.mu.Lock()
	e.remote = true
	e.mu.Unlock()
	go e.onState(negotiation.PhaseConnected)
	return nil
}

func (e *fakeEngine) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applied = append(e.applied, c.Candidate)
	return nil
}

func (e *fakeEngine) ReplaceTrack(media.Kind, webrtc.TrackLocal) error { return nil }

func (e *fakeEngine) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) { e.onCandidate = fn }
func (e *fakeEngine) OnRemoteTrack(fn func(media.RemoteTrack))          { e.onTrack = fn }
func (e *fakeEngine) OnConnectionState(fn func(negotiation.Phase))      { e.onState = fn }

func (e *fakeEngine) Teardown() error {
	e.mu.Lock()
	e.torn = true
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) candidates() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.applied...)
}

type engines struct {
	mu   sync.Mutex
	list []*fakeEngine
}

func (es *engines) factory(role negotiation.Role) (Negotiator, error) {
	e := &fakeEngine{role: role}
	es.mu.Lock()
	es.list = append(es.list, e)
	es.mu.Unlock()
	return e, nil
}

// live counts engines that were created and not torn down.
func (es *engines) live() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	n := 0
	for _, e := range es.list {
		e.mu.Lock()
		if !e.torn {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

func (es *engines) last() *fakeEngine {
	es.mu.Lock()
	defer es.mu.Unlock()
	if len(es.list) == 0 {
		return nil
	}
	return es.list[len(es.list)-1]
}

func (es *engines) count() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return len(es.list)
}

// ---------------------------------------------------------------------------
// outbox: a recording signaling.Sender
// ---------------------------------------------------------------------------

type outbox struct {
	mu   sync.Mutex
	msgs []signaling.Message
}

func (o *outbox) Send(msg signaling.Message) error {
	o.mu.Lock()
	o.msgs = append(o.msgs, msg)
	o.mu.Unlock()
	return nil
}

func (o *outbox) events() []signaling.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []signaling.Event
	for _, m := range o.msgs {
		out = append(out, m.Event)
	}
	return out
}

// find returns the last message of event.
func (o *outbox) find(event signaling.Event) (signaling.Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.msgs) - 1; i >= 0; i-- {
		if o.msgs[i].Event == event {
			return o.msgs[i], true
		}
	}
	return signaling.Message{}, false
}

func (o *outbox) all(event signaling.Event) []signaling.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []signaling.Message
	for _, m := range o.msgs {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

// failingSender refuses every message, like a gateway whose outbox is full.
type failingSender struct {
	err error
}

func (f failingSender) Send(signaling.Message) error { return f.err }

// ---------------------------------------------------------------------------
// gatedProvider
// ---------------------------------------------------------------------------

// gatedProvider holds every Open until gate is closed.
type gatedProvider struct {
	media.Synthetic
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
	opened  atomic.Int32
	closed  atomic.Int32
}

func (p *gatedProvider) Open(ctx context.Context, kind media.Kind, deviceID string) (media.Source, error) {
	p.once.Do(func() { close(p.entered) })
	<-p.gate
	src, err := p.Synthetic.Open(ctx, kind, deviceID)
	if err != nil {
		return nil, err
	}
	p.opened.Add(1)
	return &countedSource{Source: src, closed: &p.closed}, nil
}

type countedSource struct {
	media.Source
	closed *atomic.Int32
	once   sync.Once
}

func (s *countedSource) Close() error {
	s.once.Do(func() { s.closed.Add(1) })
	return s.Source.Close()
}

// ---------------------------------------------------------------------------
// relayLink: an in-memory gateway through a real relay.Hub
// ---------------------------------------------------------------------------

// relayLink is the sending half: like the WebSocket client it never blocks
// and delivers in order from its own goroutine.
type relayLink struct {
	id    string
	hub   *relay.Hub
	queue chan signaling.Message
}

func (l *relayLink) Send(msg signaling.Message) error {
	l.queue <- msg
	return nil
}

func (l *relayLink) run() {
	for msg := range l.queue {
		l.hub.Handle(l.id, msg)
	}
}

// inbound is the receiving half registered with the hub.
type inbound struct {
	ctrl *Controller
}

func (in inbound) Write(msg signaling.Message) error {
	in.ctrl.HandleMessage(msg)
	return nil
}

// ---------------------------------------------------------------------------
// harness
// ---------------------------------------------------------------------------

type harness struct {
	ctrl    *Controller
	pipe    *media.Pipeline
	engines *engines

	mu       sync.Mutex
	statuses []Status
	errs     []error
	incoming []Incoming
}

func newHarness(t *testing.T, sender signaling.Sender, provider media.Provider, grace time.Duration) *harness {
	t.Helper()
	es := &engines{}
	return startHarness(t, sender, provider, grace, es, es.factory)
}

// newPionHarness runs the controller on real negotiation engines.
func newPionHarness(t *testing.T, sender signaling.Sender) *harness {
	t.Helper()
	return startHarness(t, sender, &media.Synthetic{}, 0, &engines{}, pionEngine)
}

func pionEngine(role negotiation.Role) (Negotiator, error) {
	e, err := negotiation.New(nil, role)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func startHarness(t *testing.T, sender signaling.Sender, provider media.Provider, grace time.Duration, es *engines, factory EngineFactory) *harness {
	t.Helper()
	h := &harness{pipe: media.NewPipeline(provider), engines: es}
	h.ctrl = New(Options{
		Signaling:       sender,
		Pipeline:        h.pipe,
		NewEngine:       factory,
		DisconnectGrace: grace,
		ErrorWindow:     50 * time.Millisecond,
	})
	h.ctrl.OnStatus(func(s Snapshot) {
		h.mu.Lock()
		h.statuses = append(h.statuses, s.Status)
		h.mu.Unlock()
	})
	h.ctrl.OnError(func(err error) {
		h.mu.Lock()
		h.errs = append(h.errs, err)
		h.mu.Unlock()
	})
	h.ctrl.OnIncoming(func(in Incoming) {
		h.mu.Lock()
		h.incoming = append(h.incoming, in)
		h.mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.ctrl.Run(ctx)
	return h
}

// flush waits until every event queued so far has been processed.
func (h *harness) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, h.ctrl.do(context.Background(), func() error { return nil }))
}

func (h *harness) feed(t *testing.T, msg signaling.Message) {
	t.Helper()
	h.ctrl.HandleMessage(msg)
	h.flush(t)
}

func (h *harness) waitStatus(t *testing.T, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ctrl.Snapshot().Status == want },
		2*time.Second, 5*time.Millisecond, "want status %s, have %s", want, h.ctrl.Snapshot().Status)
}

func (h *harness) history() []Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Status(nil), h.statuses...)
}

func (h *harness) errors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}

func incoming(id, caller string, kind media.Kind) signaling.Message {
	return signaling.Message{
		Event: signaling.EventIncoming,
		Data:  signaling.Payload{SessionID: id, Caller: &signaling.Party{ID: caller}, MediaKind: kind},
	}
}

func candidateMsg(id, cand string) signaling.Message {
	return signaling.Message{
		Event: signaling.EventCandidate,
		Data:  signaling.Payload{SessionID: id, Candidate: &webrtc.ICECandidateInit{Candidate: cand}},
	}
}

func sdpMsg(event signaling.Event, id string, typ webrtc.SDPType) signaling.Message {
	return signaling.Message{
		Event: event,
		Data:  signaling.Payload{SessionID: id, SDP: &webrtc.SessionDescription{Type: typ, SDP: "x"}},
	}
}
