package proto

const (
	// GossipTopic is the single shared topic every peer joins. All application
	// messages ride on it as JSON envelopes.
	GossipTopic = "delta"
	MdnsTag     = "delta-mdns"

	// libp2p stream protocol ID for the bidirectional call audio stream
	AudioProtoID = "/audio"
)

// Envelope type discriminators.
const (
	TypePropertyChanged     = "property_changed"
	TypeAlert               = "alert"
	TypeCallRequest         = "call_request"
	TypeCallRequestCancel   = "call_request_cancel"
	TypeCallRequestResponse = "call_request_response"
)

// AlertKind is the kind of a broadcast alert.
type AlertKind string

const (
	AlertSos      AlertKind = "sos"      // life-threatening situation
	AlertHazard   AlertKind = "hazard"   // hazardous situation
	AlertYielding AlertKind = "yielding" // yielding to others
)

func (k AlertKind) Valid() bool {
	switch k {
	case AlertSos, AlertHazard, AlertYielding:
		return true
	}
	return false
}

// RejectReason is why the callee refused a call request.
type RejectReason string

const (
	RejectAlreadyInCall  RejectReason = "already_in_call"
	RejectRejectedByUser RejectReason = "rejected_by_user"
	RejectMutedByUser    RejectReason = "muted_by_user"
	RejectOther          RejectReason = "other"
)

func (r RejectReason) Valid() bool {
	switch r {
	case RejectAlreadyInCall, RejectRejectedByUser, RejectMutedByUser, RejectOther:
		return true
	}
	return false
}

// Outcome is the callee's answer to a call request.
type Outcome struct {
	Accepted bool         `json:"accepted"`
	Reason   RejectReason `json:"reason,omitempty"` // set when Accepted is false
}

func Accept() Outcome                    { return Outcome{Accepted: true} }
func Reject(reason RejectReason) Outcome { return Outcome{Reason: reason} }
