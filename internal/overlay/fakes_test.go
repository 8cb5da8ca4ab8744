package overlay

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/petervdpas/delta/internal/call"
	"github.com/petervdpas/delta/internal/p2p"
	"github.com/petervdpas/delta/internal/proto"
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

// fakeNet records publishes and lets tests inject events. When linked to a
// bus, publishes are delivered to every other member as messages.
type fakeNet struct {
	id     peer.ID
	events chan p2p.Event
	bus    *fakeBus

	mu         sync.Mutex
	published  []proto.Envelope
	explicit   map[peer.ID]bool
	publishErr error
}

func newFakeNet(id peer.ID) *fakeNet {
	return &fakeNet{
		id:       id,
		events:   make(chan p2p.Event, 64),
		explicit: map[peer.ID]bool{},
	}
}

func (n *fakeNet) ID() peer.ID              { return n.id }
func (n *fakeNet) Events() <-chan p2p.Event { return n.events }

func (n *fakeNet) Publish(_ context.Context, data []byte) error {
	env, err := proto.Decode(data)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.published = append(n.published, env)
	perr := n.publishErr
	n.mu.Unlock()
	if perr != nil {
		return perr
	}
	if n.bus != nil {
		n.bus.deliver(n.id, data)
	}
	return nil
}

func (n *fakeNet) AddExplicitPeer(p peer.ID) {
	n.mu.Lock()
	n.explicit[p] = true
	n.mu.Unlock()
}

func (n *fakeNet) RemoveExplicitPeer(p peer.ID) {
	n.mu.Lock()
	delete(n.explicit, p)
	n.mu.Unlock()
}

func (n *fakeNet) isExplicit(p peer.ID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.explicit[p]
}

func (n *fakeNet) sent() []proto.Envelope {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]proto.Envelope(nil), n.published...)
}

func (n *fakeNet) sentOfType(typ string) []proto.Envelope {
	var out []proto.Envelope
	for _, e := range n.sent() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type fakeBus struct {
	mu      sync.Mutex
	members []*fakeNet
}

func (b *fakeBus) join(n *fakeNet) {
	b.mu.Lock()
	b.members = append(b.members, n)
	b.mu.Unlock()
	n.bus = b
}

func (b *fakeBus) deliver(from peer.ID, data []byte) {
	b.mu.Lock()
	members := append([]*fakeNet(nil), b.members...)
	b.mu.Unlock()
	for _, m := range members {
		if m.id == from {
			continue
		}
		m.events <- p2p.Event{Kind: p2p.EventMessage, Peer: from, Data: data}
	}
}

// fakeNeg counts opens. When linked to a peer negotiator, OpenStream creates
// a connected pair and hands the far end to that negotiator's Incoming.
type fakeNeg struct {
	self     peer.ID
	incoming chan p2p.InboundStream
	remote   map[peer.ID]*fakeNeg

	mu      sync.Mutex
	opens   int
	openErr error
	last    *fakeStream
}

func newFakeNeg(self peer.ID) *fakeNeg {
	return &fakeNeg{
		self:     self,
		incoming: make(chan p2p.InboundStream, 4),
		remote:   map[peer.ID]*fakeNeg{},
	}
}

func (n *fakeNeg) Incoming() <-chan p2p.InboundStream { return n.incoming }

func (n *fakeNeg) OpenStream(_ context.Context, p peer.ID) (p2p.Stream, error) {
	n.mu.Lock()
	n.opens++
	err := n.openErr
	n.mu.Unlock()
	if err != nil {
		return nil, &p2p.StreamOpenError{Peer: p, Err: err}
	}
	local, far := newStreamPair()
	n.mu.Lock()
	n.last = local
	n.mu.Unlock()
	if r, ok := n.remote[p]; ok {
		r.incoming <- p2p.InboundStream{Peer: n.self, Stream: far}
	}
	return local, nil
}

func (n *fakeNeg) openCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.opens
}

var errReset = errors.New("stream reset")

// fakeStream is one end of an in-memory duplex stream.
type fakeStream struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu     sync.Mutex
	resets int
}

func newStreamPair() (*fakeStream, *fakeStream) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return &fakeStream{r: ar, w: aw}, &fakeStream{r: br, w: bw}
}

func (s *fakeStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *fakeStream) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *fakeStream) CloseRead() error            { return s.r.Close() }
func (s *fakeStream) CloseWrite() error           { return s.w.Close() }

func (s *fakeStream) Close() error {
	_ = s.r.Close()
	return s.w.Close()
}

func (s *fakeStream) Reset() error {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
	_ = s.r.CloseWithError(errReset)
	return s.w.CloseWithError(errReset)
}

func (s *fakeStream) resetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// fakePipeline holds the attached halves so tests can close them.
type fakePipeline struct {
	mu  sync.Mutex
	in  io.ReadCloser
	out io.WriteCloser
}

func (p *fakePipeline) AttachInput(r io.ReadCloser) {
	p.mu.Lock()
	p.in = r
	p.mu.Unlock()
}

func (p *fakePipeline) AttachOutput(w io.WriteCloser) {
	p.mu.Lock()
	p.out = w
	p.mu.Unlock()
}

func (p *fakePipeline) halves() (io.ReadCloser, io.WriteCloser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.in, p.out
}

type policyFunc func(name string) bool

func (f policyFunc) IsAllowedPeer(name string) bool { return f(name) }

// callLog collects call events from OnCall.
type callLog struct {
	mu     sync.Mutex
	events []CallEvent
}

func (l *callLog) record(e CallEvent) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *callLog) states() []CallEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []CallEvent
	for _, e := range l.events {
		if e.Kind == call.EventState {
			out = append(out, e)
		}
	}
	return out
}

func (l *callLog) durations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Kind == call.EventDuration {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
