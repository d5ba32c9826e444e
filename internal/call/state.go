// Package call implements the 1:1 call state machine. A Manager is the single
// authority over the call lifecycle: it reacts to local actions and inbound
// signaling, drives media capture and the peer connection, and guarantees
// that every resource is released however a call ends.
package call

import (
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/signaling"
)

var (
	ErrCallInProgress   = errors.New("a call is already in progress")
	ErrNoIncomingCall   = errors.New("no incoming call")
	ErrNoCall           = errors.New("no call in progress")
	ErrAlreadyAccepting = errors.New("call is already being accepted")
	ErrNoVideo          = errors.New("call has no video")
	// ErrCallEnded is returned by a local action whose call ended (or was
	// replaced) while the action was waiting on media or the network.
	ErrCallEnded = errors.New("call ended")
)

// State is the call state.
type State int

const (
	StateIdle State = iota
	StateOutgoing
	StateIncoming
	StateActive
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoing:
		return "outgoing"
	case StateIncoming:
		return "incoming"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// live reports whether s belongs to a call that can still be ended.
func (s State) live() bool {
	return s == StateOutgoing || s == StateIncoming || s == StateActive
}

// EndReason says why a call ended.
type EndReason int

const (
	EndHangUp EndReason = iota // local hang up
	EndRemote                  // counterpart sent end
	EndRejected                // rejected, by either side
	EndBusy                    // counterpart was busy
	EndConnectionLost
	EndTimeout // not answered in time
	EndFailed  // negotiation or media failure
	EndShutdown
)

func (r EndReason) String() string {
	switch r {
	case EndHangUp:
		return "hung up"
	case EndRemote:
		return "ended by remote"
	case EndRejected:
		return "rejected"
	case EndBusy:
		return "busy"
	case EndConnectionLost:
		return "connection lost"
	case EndTimeout:
		return "not answered"
	case EndFailed:
		return "failed"
	case EndShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Hooks let UI code follow the call. They run outside the manager lock, on
// whichever goroutine caused the event, and may call back into the Manager.
type Hooks struct {
	StateChanged func(State)
	IncomingCall func(from signaling.UserID, medium media.Medium)
	RemoteTrack  func(track *webrtc.TrackRemote, remote *media.RemoteStream)
	CallEnded    func(counterpart signaling.UserID, reason EndReason)
}

// Snapshot is a read-only view of the current call.
type Snapshot struct {
	State        State
	SessionID    string
	Counterpart  signaling.UserID
	Medium       media.Medium
	Muted        bool
	VideoEnabled bool
	Remote       *media.RemoteStream
}
