package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCount(t *testing.T) {
	m := New()
	m.SetPeers(3)
	m.EnvelopeReceived("alert")
	m.EnvelopeReceived("alert")
	m.DecodeError()
	m.PublishError("call_request")
	m.CallTransition("ended", "cancelled")
	m.StreamDropped()
	m.StreamOpenError()

	if got := testutil.ToFloat64(m.PeersKnown); got != 3 {
		t.Fatalf("peers = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.EnvelopesTotal.WithLabelValues("alert")); got != 2 {
		t.Fatalf("alert envelopes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.DecodeErrors); got != 1 {
		t.Fatalf("decode errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PublishErrors.WithLabelValues("call_request")); got != 1 {
		t.Fatalf("publish errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CallTransitions.WithLabelValues("ended", "cancelled")); got != 1 {
		t.Fatalf("transitions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.StreamsDropped); got != 1 {
		t.Fatalf("dropped = %v, want 1", got)
	}
	n, err := testutil.GatherAndCount(m.Registry, "delta_peers_known", "delta_envelopes_received_total")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("gathered %d series, want 2", n)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SetPeers(1)
	m.EnvelopeReceived("alert")
	m.DecodeError()
	m.PublishError("alert")
	m.CallTransition("ongoing", "")
	m.StreamDropped()
	m.StreamOpenError()
}
