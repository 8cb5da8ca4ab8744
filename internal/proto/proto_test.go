package proto

import (
	"crypto/rand"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

func newPeerID(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestEnvelopeRoundTrip(t *testing.T) {
	dest := newPeerID(t)
	cases := []struct {
		name string
		env  Envelope
	}{
		{"properties", PropertyChanged(
			NameProperty("Alice"),
			LocationProperty(Location{Latitude: 52.37, Longitude: 4.89}),
			SpeedProperty(13.5),
			SignalQualityProperty(SignalNone),
			SignalQualityProperty(SignalGood),
			IconProperty("driving-symbolic"),
		)},
		{"alert sos", Alert(AlertSos)},
		{"alert hazard", Alert(AlertHazard)},
		{"alert yielding", Alert(AlertYielding)},
		{"call request", CallRequest(dest)},
		{"call cancel", CallRequestCancel(dest)},
		{"accept", CallRequestResponse(dest, Accept())},
		{"reject busy", CallRequestResponse(dest, Reject(RejectAlreadyInCall))},
		{"reject user", CallRequestResponse(dest, Reject(RejectRejectedByUser))},
		{"reject muted", CallRequestResponse(dest, Reject(RejectMutedByUser))},
		{"reject other", CallRequestResponse(dest, Reject(RejectOther))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode(tc.env)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("decode %s: %v", data, err)
			}
			if !reflect.DeepEqual(got, tc.env) {
				t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, tc.env)
			}
		})
	}
}

func TestEnvelopeWireShape(t *testing.T) {
	data, err := Encode(PropertyChanged(NameProperty("Bob"), SignalQualityProperty(SignalOk)))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"property_changed","properties":[{"name":"Bob"},{"signal_quality":"ok"}]}`
	if string(data) != want {
		t.Fatalf("wire = %s\nwant   %s", data, want)
	}
}

func TestDecodeMalformed(t *testing.T) {
	dest := newPeerID(t).String()
	cases := map[string]string{
		"not json":           `hello`,
		"missing type":       `{}`,
		"unknown type":       `{"type":"teleport"}`,
		"empty properties":   `{"type":"property_changed"}`,
		"two fields":         `{"type":"property_changed","properties":[{"name":"a","icon":"b"}]}`,
		"empty property":     `{"type":"property_changed","properties":[{}]}`,
		"bad signal":         `{"type":"property_changed","properties":[{"signal_quality":"loud"}]}`,
		"bad alert":          `{"type":"alert","alert":"meteor"}`,
		"request no dest":    `{"type":"call_request"}`,
		"bad dest":           `{"type":"call_request","destination":"not-a-peer"}`,
		"response no result": `{"type":"call_request_response","destination":"` + dest + `"}`,
		"reject no reason":   `{"type":"call_request_response","destination":"` + dest + `","outcome":{"accepted":false}}`,
		"accept with reason": `{"type":"call_request_response","destination":"` + dest + `","outcome":{"accepted":true,"reason":"other"}}`,
		"alert with dest":    `{"type":"alert","alert":"sos","destination":"` + dest + `"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(payload))
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("Decode(%s) err = %v, want ErrMalformed", payload, err)
			}
		})
	}
}

func TestEncodeRejectsInvalid(t *testing.T) {
	if _, err := Encode(Alert("meteor")); err == nil {
		t.Fatal("expected error for unknown alert kind")
	}
	if _, err := Encode(PropertyChanged(SpeedProperty(math.NaN()))); err == nil || !strings.Contains(err.Error(), "finite") {
		t.Fatalf("err = %v, want finite speed error", err)
	}
	if _, err := Encode(PropertyChanged()); err == nil {
		t.Fatal("expected error for empty property list")
	}
}

func TestLocationDistance(t *testing.T) {
	amsterdam := Location{Latitude: 52.3676, Longitude: 4.9041}
	rotterdam := Location{Latitude: 51.9244, Longitude: 4.4777}

	if d := amsterdam.Distance(amsterdam); d > 1 {
		t.Fatalf("distance to self = %f, want about 0", d)
	}
	d := amsterdam.Distance(rotterdam)
	if d < 56_000 || d > 60_000 {
		t.Fatalf("Amsterdam-Rotterdam = %.0f m, want about 57-58 km", d)
	}
	if back := rotterdam.Distance(amsterdam); math.Abs(back-d) > 1e-6 {
		t.Fatalf("distance not symmetric: %f vs %f", d, back)
	}

	// A quarter of the equator.
	q := Location{}.Distance(Location{Longitude: 90})
	if want := math.Pi / 2 * earthRadius; math.Abs(q-want) > 1 {
		t.Fatalf("quarter equator = %f, want %f", q, want)
	}
}

func TestSignalQualityText(t *testing.T) {
	for q := SignalNone; q <= SignalExcellent; q++ {
		b, err := q.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		var back SignalQuality
		if err := back.UnmarshalText(b); err != nil {
			t.Fatal(err)
		}
		if back != q {
			t.Fatalf("%s round trip = %s", q, back)
		}
	}
	if _, err := SignalQuality(9).MarshalText(); err == nil {
		t.Fatal("expected error for out-of-range quality")
	}
}

func TestPropertyKind(t *testing.T) {
	cases := map[string]Property{
		"name":           NameProperty("a"),
		"location":       LocationProperty(Location{}),
		"speed":          SpeedProperty(0),
		"signal_quality": SignalQualityProperty(SignalWeak),
		"icon":           IconProperty("x"),
		"":               {},
	}
	for want, p := range cases {
		if got := p.Kind(); got != want {
			t.Errorf("Kind() = %q, want %q", got, want)
		}
	}
}
