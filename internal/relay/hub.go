// Package relay is the signaling authority peers connect to. It assigns
// session ids, routes call events between the two participants of a call,
// declines calls to busy users and expires unanswered calls.
package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/callcore/internal/signaling"
	"github.com/1ureka/callcore/internal/util"
)

// Outbound delivers messages to one connected user.
type Outbound interface {
	Write(msg signaling.Message) error
}

type member struct {
	party signaling.Party
	out   Outbound
}

type callState struct {
	id       string
	caller   string
	receiver string
	kind     string
	accepted bool
	timer    *time.Timer
}

// other returns the participant that is not user.
func (c *callState) other(user string) string {
	if user == c.caller {
		return c.receiver
	}
	return c.caller
}

type delivery struct {
	to  Outbound
	msg signaling.Message
}

// Hub is the registry of connected users and live calls.
type Hub struct {
	ringTimeout time.Duration

	mu      sync.Mutex
	members map[string]*member
	calls   map[string]*callState
	byUser  map[string]string // user id -> call id
}

// NewHub creates a hub. Calls not answered within ringTimeout are missed.
func NewHub(ringTimeout time.Duration) *Hub {
	return &Hub{
		ringTimeout: ringTimeout,
		members:     make(map[string]*member),
		calls:       make(map[string]*callState),
		byUser:      make(map[string]string),
	}
}

// Join registers a connection for party. A second connection for the same
// user replaces the first.
func (h *Hub) Join(party signaling.Party, out Outbound) {
	h.mu.Lock()
	if _, ok := h.members[party.ID]; ok {
		util.LogWarning("user %s reconnected, replacing previous connection", party.ID)
	}
	h.members[party.ID] = &member{party: party, out: out}
	h.mu.Unlock()

	util.LogInfo("user %s joined", party.ID)
}

// Leave unregisters conn. A live call of the user ends with reason
// disconnect. Leave is a no-op if conn was already replaced.
func (h *Hub) Leave(userID string, conn Outbound) {
	h.mu.Lock()
	m, ok := h.members[userID]
	if !ok || m.out != conn {
		h.mu.Unlock()
		return
	}
	delete(h.members, userID)

	var out []delivery
	if c := h.callOf(userID); c != nil {
		out = h.closeCall(c, signaling.EventEnded, userID, signaling.ReasonDisconnect)
	}
	h.mu.Unlock()

	h.deliver(out)
	util.LogInfo("user %s left", userID)
}

// Online returns the number of connected users.
func (h *Hub) Online() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.members)
}

// Calls returns the number of live calls.
func (h *Hub) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

// Handle routes one message sent by user from.
func (h *Hub) Handle(from string, msg signaling.Message) {
	h.mu.Lock()
	var out []delivery
	switch msg.Event {
	case signaling.EventInitiate:
		out = h.initiate(from, msg.Data)
	case signaling.EventAccept:
		out = h.accept(from, msg.Data)
	case signaling.EventReject:
		out = h.terminate(from, msg.Data, roleReceiver, signaling.EventRejected)
	case signaling.EventCancel:
		out = h.terminate(from, msg.Data, roleCaller, signaling.EventCancelled)
	case signaling.EventEnd:
		out = h.terminate(from, msg.Data, roleAny, signaling.EventEnded)
	case signaling.EventMediaToggle, signaling.EventOffer, signaling.EventAnswer, signaling.EventCandidate:
		out = h.forward(from, msg)
	default:
		util.LogDebug("ignoring %q from %s", msg.Event, from)
	}
	h.mu.Unlock()

	h.deliver(out)
}

// ---------------------------------------------------------------------------
// Handlers (h.mu held)
// ---------------------------------------------------------------------------

type participant int

const (
	roleAny participant = iota
	roleCaller
	roleReceiver
)

func (h *Hub) initiate(from string, d signaling.Payload) []delivery {
	caller := h.members[from]
	if caller == nil {
		return nil
	}
	if h.callOf(from) != nil {
		return h.fail(from, d.RequestID, "you are already in a call")
	}
	receiver := h.members[d.ReceiverID]
	if receiver == nil || d.ReceiverID == from {
		return h.fail(from, d.RequestID, "user is offline")
	}

	id := uuid.NewString()
	out := []delivery{{caller.out, signaling.Message{
		Event: signaling.EventInitiated,
		Data:  signaling.Payload{SessionID: id, RequestID: d.RequestID},
	}}}

	if h.callOf(d.ReceiverID) != nil {
		util.LogInfo("call %s: %s is busy", id, d.ReceiverID)
		return append(out, delivery{caller.out, signaling.Message{
			Event: signaling.EventRejected,
			Data:  signaling.Payload{SessionID: id, Reason: signaling.ReasonBusy},
		}})
	}

	c := &callState{id: id, caller: from, receiver: d.ReceiverID, kind: d.MediaKind.String()}
	h.calls[id] = c
	h.byUser[from] = id
	h.byUser[d.ReceiverID] = id
	if h.ringTimeout > 0 {
		c.timer = time.AfterFunc(h.ringTimeout, func() { h.expire(id) })
	}

	party := caller.party
	util.LogInfo("call %s: %s -> %s (%s)", id, from, d.ReceiverID, c.kind)
	return append(out, delivery{receiver.out, signaling.Message{
		Event: signaling.EventIncoming,
		Data:  signaling.Payload{SessionID: id, Caller: &party, MediaKind: d.MediaKind},
	}})
}

func (h *Hub) accept(from string, d signaling.Payload) []delivery {
	c := h.participantCall(from, d.SessionID, roleReceiver)
	if c == nil || c.accepted {
		return nil
	}
	c.accepted = true
	if c.timer != nil {
		c.timer.Stop()
	}

	var out []delivery
	if m := h.members[c.caller]; m != nil {
		party := h.members[from].party
		out = append(out, delivery{m.out, signaling.Message{
			Event: signaling.EventAccepted,
			Data:  signaling.Payload{SessionID: c.id, Receiver: &party},
		}})
	}
	out = append(out, delivery{h.members[from].out, signaling.SessionMessage(signaling.EventStarted, c.id)})
	return out
}

func (h *Hub) terminate(from string, d signaling.Payload, role participant, notify signaling.Event) []delivery {
	c := h.participantCall(from, d.SessionID, role)
	if c == nil {
		return nil
	}
	return h.closeCall(c, notify, from, d.Reason)
}

func (h *Hub) forward(from string, msg signaling.Message) []delivery {
	c := h.participantCall(from, msg.Data.SessionID, roleAny)
	if c == nil {
		return nil
	}
	m := h.members[c.other(from)]
	if m == nil {
		return nil
	}

	if msg.Event == signaling.EventOffer {
		msg.Data.CallerID = from
	}
	return []delivery{{m.out, msg}}
}

// expire fires when a call rang out.
func (h *Hub) expire(id string) {
	h.mu.Lock()
	c := h.calls[id]
	var out []delivery
	if c != nil && !c.accepted {
		util.LogInfo("call %s missed", id)
		out = h.closeCall(c, signaling.EventMissed, "", "")
	}
	h.mu.Unlock()

	h.deliver(out)
}

// closeCall removes c and notifies the participants other than by. A missed
// call (by == "") notifies both.
func (h *Hub) closeCall(c *callState, notify signaling.Event, by, reason string) []delivery {
	if c.timer != nil {
		c.timer.Stop()
	}
	delete(h.calls, c.id)
	delete(h.byUser, c.caller)
	delete(h.byUser, c.receiver)

	msg := signaling.Message{Event: notify, Data: signaling.Payload{SessionID: c.id, Reason: reason}}
	if notify == signaling.EventEnded {
		msg.Data.EndedBy = by
	}

	var out []delivery
	for _, user := range []string{c.caller, c.receiver} {
		if user == by {
			continue
		}
		if m := h.members[user]; m != nil {
			out = append(out, delivery{m.out, msg})
		}
	}
	return out
}

func (h *Hub) callOf(user string) *callState {
	return h.calls[h.byUser[user]]
}

// participantCall returns the call id if from takes part in it in role.
func (h *Hub) participantCall(from, id string, role participant) *callState {
	c := h.calls[id]
	if c == nil {
		util.LogDebug("unknown call %q from %s", id, from)
		return nil
	}
	switch {
	case role == roleCaller && from != c.caller,
		role == roleReceiver && from != c.receiver,
		from != c.caller && from != c.receiver:
		util.LogDebug("user %s is not allowed to act on call %s", from, id)
		return nil
	}
	return c
}

// fail answers the request identified by requestID with call:error.
func (h *Hub) fail(to, requestID, message string) []delivery {
	m := h.members[to]
	if m == nil {
		return nil
	}
	return []delivery{{m.out, signaling.Message{
		Event: signaling.EventError,
		Data:  signaling.Payload{RequestID: requestID, Message: message},
	}}}
}

func (h *Hub) deliver(out []delivery) {
	for _, d := range out {
		if err := d.to.Write(d.msg); err != nil {
			util.LogWarning("deliver %s: %v", d.msg.Event, err)
		}
	}
}
