// Package signaling carries call-control events between a peer and the
// signaling authority over a WebSocket.
package signaling

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/callcore/internal/media"
)

// Event names a signaling message.
type Event string

const (
	EventInitiate    Event = "call:initiate"
	EventIncoming    Event = "call:incoming"
	EventInitiated   Event = "call:initiated"
	EventAccept      Event = "call:accept"
	EventAccepted    Event = "call:accepted"
	EventStarted     Event = "call:started"
	EventReject      Event = "call:reject"
	EventRejected    Event = "call:rejected"
	EventCancel      Event = "call:cancel"
	EventCancelled   Event = "call:cancelled"
	EventEnd         Event = "call:end"
	EventEnded       Event = "call:ended"
	EventMissed      Event = "call:missed"
	EventMediaToggle Event = "call:media-toggle"
	EventError       Event = "call:error"
	EventOffer       Event = "webrtc:offer"
	EventAnswer      Event = "webrtc:answer"
	EventCandidate   Event = "webrtc:ice-candidate"
)

// Reasons carried by call:ended / call:rejected / call:end.
const (
	ReasonBusy              = "busy"
	ReasonNegotiationFailed = "negotiation_failed"
	ReasonDisconnect        = "disconnect"
	ReasonHangup            = "hangup"
)

// Party is the identity and display metadata of a call participant.
type Party struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Payload is the union of every event's fields. Which fields are set
// depends on the event.
type Payload struct {
	SessionID  string     `json:"session_id,omitempty"`
	ReceiverID string     `json:"receiver_id,omitempty"`
	CallerID   string     `json:"caller_id,omitempty"`
	TargetID   string     `json:"target_id,omitempty"`
	MediaKind  media.Kind `json:"media_kind,omitempty"`

	// RequestID is chosen by the caller in call:initiate and echoed in the
	// call:initiated or call:error that answers it.
	RequestID string `json:"request_id,omitempty"`

	Caller   *Party `json:"caller,omitempty"`
	Receiver *Party `json:"receiver,omitempty"`

	EndedBy string `json:"ended_by,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`

	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Message is the JSON frame exchanged over the WebSocket.
type Message struct {
	Event Event   `json:"event"`
	Data  Payload `json:"data"`
}

// Sender is the outbound half of the gateway. Send must not block.
type Sender interface {
	Send(msg Message) error
}

// SessionMessage builds a message that only names a session.
func SessionMessage(event Event, sessionID string) Message {
	return Message{Event: event, Data: Payload{SessionID: sessionID}}
}

// Bool returns a pointer to b, for Payload.Enabled.
func Bool(b bool) *bool { return &b }
