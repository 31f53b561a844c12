// Package call implements the call session state machine and the controller
// that serializes every intent, signaling event and media/negotiation
// completion against it.
package call

import (
	"fmt"
	"time"

	"github.com/1ureka/callcore/internal/media"
	"github.com/1ureka/callcore/internal/negotiation"
	"github.com/1ureka/callcore/internal/signaling"
)

// Status is the state of the (single) call session.
type Status int

const (
	Idle Status = iota
	Calling
	Ringing
	Connecting
	Connected
	Ended
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Calling:
		return "calling"
	case Ringing:
		return "ringing"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Ended:
		return "ended"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Active reports whether s belongs to a live session.
func (s Status) Active() bool {
	return s != Idle && s != Ended
}

var transitions = map[Status][]Status{
	Idle:       {Calling, Ringing},
	Calling:    {Connecting, Ended},
	Ringing:    {Connecting, Ended},
	Connecting: {Connected, Ended},
	Connected:  {Ended},
	Ended:      {Idle},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session is one call attempt. It is created by a local initiate or an
// incoming call and discarded when it ends; it is never reused.
type Session struct {
	ID     string // assigned by the signaling authority; empty until acked
	Role   negotiation.Role
	Kind   media.Kind
	Remote signaling.Party
	Status Status

	Local       media.State
	RemoteMedia media.State
	ConnectedAt time.Time

	epoch uint64
	// requestID is the token sent with call:initiate; set once the
	// initiate was handed to the gateway.
	requestID string
}

func newSession(epoch uint64, role negotiation.Role, kind media.Kind, remote signaling.Party, status Status) *Session {
	return &Session{
		Role:        role,
		Kind:        kind,
		Remote:      remote,
		Status:      status,
		Local:       media.InitialState(kind),
		RemoteMedia: media.InitialState(kind),
		epoch:       epoch,
	}
}

// awaitingAck reports whether s is an outgoing call whose initiate was sent
// and not yet acknowledged.
func (s *Session) awaitingAck() bool {
	return s != nil && s.Role == negotiation.Caller && s.ID == "" && s.requestID != ""
}

// matches reports whether an inbound event for id belongs to s.
func (s *Session) matches(id string) bool {
	return s != nil && id != "" && s.ID == id
}

// Snapshot is a read-only view of the controller state.
type Snapshot struct {
	Status      Status
	SessionID   string
	Role        negotiation.Role
	Kind        media.Kind
	Remote      signaling.Party
	Local       media.State
	RemoteMedia media.State
	ConnectedAt time.Time

	// Error is the last signaling error, cleared after the display window.
	Error string
	// SignalingUp is false while the signaling link is reconnecting.
	SignalingUp bool
}

func (s *Session) snapshot() Snapshot {
	if s == nil {
		return Snapshot{Status: Idle}
	}
	return Snapshot{
		Status:      s.Status,
		SessionID:   s.ID,
		Role:        s.Role,
		Kind:        s.Kind,
		Remote:      s.Remote,
		Local:       s.Local,
		RemoteMedia: s.RemoteMedia,
		ConnectedAt: s.ConnectedAt,
	}
}

// Duration formats the time spent connected as mm:ss.
func (s Snapshot) Duration(now time.Time) string {
	if s.Status != Connected || s.ConnectedAt.IsZero() {
		return "00:00"
	}
	secs := int(now.Sub(s.ConnectedAt).Seconds())
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// Incoming describes a ringing call for the UI.
type Incoming struct {
	SessionID string
	Caller    signaling.Party
	Kind      media.Kind
}
