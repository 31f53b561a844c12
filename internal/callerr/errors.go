// Package callerr defines the error taxonomy shared by the call core.
//
// Packages wrap these sentinels with fmt.Errorf("%w: ...") so callers can
// classify failures with errors.Is:
//
//	if errors.Is(err, callerr.ErrPermissionDenied) { ... }
package callerr

import "errors"

var (
	// ErrPermissionDenied: the host refused access to a capture device.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrDeviceUnavailable: the requested device is missing or busy.
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrNegotiationFailed is always fatal to the session.
	ErrNegotiationFailed = errors.New("negotiation failed")
	// ErrBusy is returned when a second concurrent call is attempted.
	ErrBusy = errors.New("busy")
	// ErrStale marks an event or completion that no longer matches the
	// current session. Never surfaced to the user.
	ErrStale = errors.New("stale session")
	// ErrInvalidState is returned for intents that are illegal in the
	// current state (e.g. Accept while Idle).
	ErrInvalidState = errors.New("invalid state")
)

// SignalingError is an error reported by the remote signaling authority
// through a call:error event.
type SignalingError struct {
	Message string
}

func (e *SignalingError) Error() string {
	return "signaling error: " + e.Message
}

// IsAcquisition reports whether err is a recoverable device acquisition
// failure (retry or switch device).
func IsAcquisition(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrDeviceUnavailable)
}
