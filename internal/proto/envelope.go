package proto

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrMalformed is wrapped by every Decode failure.
var ErrMalformed = errors.New("malformed envelope")

// Envelope is the tagged union published on the gossip topic. Type selects
// which of the other fields are meaningful:
//
//	property_changed       Properties
//	alert                  Alert
//	call_request           Destination
//	call_request_cancel    Destination
//	call_request_response  Destination, Outcome
//
// Destination is always the identity of the addressed peer, so every peer can
// cheaply skip envelopes meant for somebody else.
type Envelope struct {
	Type        string     `json:"type"`
	Properties  []Property `json:"properties,omitempty"`
	Alert       AlertKind  `json:"alert,omitempty"`
	Destination peer.ID    `json:"destination,omitempty"`
	Outcome     *Outcome   `json:"outcome,omitempty"`
}

func PropertyChanged(props ...Property) Envelope {
	return Envelope{Type: TypePropertyChanged, Properties: props}
}

func Alert(kind AlertKind) Envelope {
	return Envelope{Type: TypeAlert, Alert: kind}
}

func CallRequest(dest peer.ID) Envelope {
	return Envelope{Type: TypeCallRequest, Destination: dest}
}

func CallRequestCancel(dest peer.ID) Envelope {
	return Envelope{Type: TypeCallRequestCancel, Destination: dest}
}

func CallRequestResponse(dest peer.ID, outcome Outcome) Envelope {
	return Envelope{Type: TypeCallRequestResponse, Destination: dest, Outcome: &outcome}
}

// Validate checks that the fields required by Type are present and that no
// field belonging to another variant is set.
func (e Envelope) Validate() error {
	directed := e.Destination != ""
	switch e.Type {
	case TypePropertyChanged:
		if len(e.Properties) == 0 {
			return errors.New("property_changed without properties")
		}
		for i, p := range e.Properties {
			if err := p.validate(); err != nil {
				return fmt.Errorf("property %d: %w", i, err)
			}
		}
		if e.Alert != "" || directed || e.Outcome != nil {
			return errors.New("property_changed carries foreign fields")
		}
	case TypeAlert:
		if !e.Alert.Valid() {
			return fmt.Errorf("unknown alert kind %q", e.Alert)
		}
		if len(e.Properties) > 0 || directed || e.Outcome != nil {
			return errors.New("alert carries foreign fields")
		}
	case TypeCallRequest, TypeCallRequestCancel:
		if !directed {
			return fmt.Errorf("%s without destination", e.Type)
		}
		if len(e.Properties) > 0 || e.Alert != "" || e.Outcome != nil {
			return fmt.Errorf("%s carries foreign fields", e.Type)
		}
	case TypeCallRequestResponse:
		if !directed {
			return errors.New("call_request_response without destination")
		}
		if e.Outcome == nil {
			return errors.New("call_request_response without outcome")
		}
		if e.Outcome.Accepted && e.Outcome.Reason != "" {
			return errors.New("accepted outcome carries a reject reason")
		}
		if !e.Outcome.Accepted && !e.Outcome.Reason.Valid() {
			return fmt.Errorf("unknown reject reason %q", e.Outcome.Reason)
		}
		if len(e.Properties) > 0 || e.Alert != "" {
			return errors.New("call_request_response carries foreign fields")
		}
	case "":
		return errors.New("missing type")
	default:
		return fmt.Errorf("unknown type %q", e.Type)
	}
	return nil
}

// Encode validates and marshals e.
func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Type, err)
	}
	return json.Marshal(e)
}

// Decode unmarshals and validates a payload received from the topic.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return e, nil
}
