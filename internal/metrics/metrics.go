// Package metrics exposes the overlay client's Prometheus meters. Every method
// is safe on a nil *Metrics, so components can run without a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Registry         *prometheus.Registry
	PeersKnown       prometheus.Gauge
	EnvelopesTotal   *prometheus.CounterVec
	DecodeErrors     prometheus.Counter
	PublishErrors    *prometheus.CounterVec
	CallTransitions  *prometheus.CounterVec
	StreamsDropped   prometheus.Counter
	StreamOpenErrors prometheus.Counter
}

// New creates a custom registry holding the delta meters.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	peers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "delta_peers_known",
		Help: "Number of peers currently in the registry.",
	})
	envelopes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delta_envelopes_received_total",
		Help: "Decoded gossip envelopes by type.",
	}, []string{"type"})
	decodeErrs := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delta_decode_errors_total",
		Help: "Gossip payloads dropped because they did not decode.",
	})
	publishErrs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delta_publish_errors_total",
		Help: "Failed publishes by envelope type.",
	}, []string{"type"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delta_call_transitions_total",
		Help: "Call session transitions by target state and end reason.",
	}, []string{"state", "reason"})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delta_streams_dropped_total",
		Help: "Audio streams reset because they matched no session.",
	})
	openErrs := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delta_stream_open_errors_total",
		Help: "Audio streams that could not be opened.",
	})

	reg.MustRegister(peers, envelopes, decodeErrs, publishErrs, transitions, dropped, openErrs)

	return &Metrics{
		Registry:         reg,
		PeersKnown:       peers,
		EnvelopesTotal:   envelopes,
		DecodeErrors:     decodeErrs,
		PublishErrors:    publishErrs,
		CallTransitions:  transitions,
		StreamsDropped:   dropped,
		StreamOpenErrors: openErrs,
	}
}

func (m *Metrics) SetPeers(n int) {
	if m == nil {
		return
	}
	m.PeersKnown.Set(float64(n))
}

func (m *Metrics) EnvelopeReceived(typ string) {
	if m == nil {
		return
	}
	m.EnvelopesTotal.WithLabelValues(typ).Inc()
}

func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

func (m *Metrics) PublishError(typ string) {
	if m == nil {
		return
	}
	m.PublishErrors.WithLabelValues(typ).Inc()
}

// CallTransition counts a session entering state. reason is empty unless the
// state is ended.
func (m *Metrics) CallTransition(state, reason string) {
	if m == nil {
		return
	}
	m.CallTransitions.WithLabelValues(state, reason).Inc()
}

func (m *Metrics) StreamDropped() {
	if m == nil {
		return
	}
	m.StreamsDropped.Inc()
}

func (m *Metrics) StreamOpenError() {
	if m == nil {
		return
	}
	m.StreamOpenErrors.Inc()
}
