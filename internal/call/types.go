// Package call holds the per-call state machine. It knows nothing about the
// transport: the overlay client drives a Session and publishes whatever the
// transitions require.
package call

import (
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/petervdpas/delta/internal/proto"
)

type State int

const (
	StateInit State = iota
	StateOutgoing
	StateIncoming
	StateOngoing
	StateEnded
)

var stateNames = [...]string{"init", "outgoing", "incoming", "ongoing", "ended"}

func (s State) String() string {
	if s < StateInit || s > StateEnded {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	i, err := lookup(stateNames[:], string(b))
	if err != nil {
		return fmt.Errorf("call state: %w", err)
	}
	*s = State(i)
	return nil
}

// EndReason is set once a session reaches StateEnded.
type EndReason int

const (
	EndNone EndReason = iota
	EndPeerInAnotherCall
	EndPeerRejected
	EndPeerMuted
	EndCancelled
	EndOther
)

var reasonNames = [...]string{"", "peer_in_another_call", "peer_rejected", "peer_muted", "cancelled", "other"}

func (r EndReason) String() string {
	if r < EndNone || r > EndOther {
		return fmt.Sprintf("EndReason(%d)", int(r))
	}
	return reasonNames[r]
}

func (r EndReason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *EndReason) UnmarshalText(b []byte) error {
	i, err := lookup(reasonNames[:], string(b))
	if err != nil {
		return fmt.Errorf("end reason: %w", err)
	}
	*r = EndReason(i)
	return nil
}

func lookup(names []string, s string) (int, error) {
	for i, n := range names {
		if n == s {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown value %q", s)
}

// ReasonFromReject maps the callee's reject reason to how the caller's
// session ends.
func ReasonFromReject(r proto.RejectReason) EndReason {
	switch r {
	case proto.RejectAlreadyInCall:
		return EndPeerInAnotherCall
	case proto.RejectRejectedByUser:
		return EndPeerRejected
	case proto.RejectMutedByUser:
		return EndPeerMuted
	default:
		return EndOther
	}
}

type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Direction) UnmarshalText(b []byte) error {
	switch string(b) {
	case "outgoing":
		*d = Outgoing
	case "incoming":
		*d = Incoming
	default:
		return fmt.Errorf("call direction: unknown value %q", b)
	}
	return nil
}

// Decision resolves a pending incoming call. The first one delivered wins.
type Decision int

const (
	DecisionAccept Decision = iota + 1
	DecisionDecline
	DecisionRemoteCancel
)

func (d Decision) String() string {
	switch d {
	case DecisionAccept:
		return "accept"
	case DecisionDecline:
		return "decline"
	case DecisionRemoteCancel:
		return "remote_cancel"
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// Half names one direction of the media stream.
type Half int

const (
	HalfInbound Half = iota
	HalfOutbound
)

func (h Half) String() string {
	if h == HalfOutbound {
		return "outbound"
	}
	return "inbound"
}

type EventKind int

const (
	EventState EventKind = iota
	EventDuration
)

// Event is delivered to session observers on every state transition and on
// every tick while the call is ongoing.
type Event struct {
	Kind    EventKind
	State   State
	Reason  EndReason
	Elapsed time.Duration
}

// Snapshot is a copy of a session's observable state.
type Snapshot struct {
	ID        string        `json:"id"`
	Peer      peer.ID       `json:"peer"`
	Direction Direction     `json:"direction"`
	State     State         `json:"state"`
	Reason    EndReason     `json:"reason,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}
