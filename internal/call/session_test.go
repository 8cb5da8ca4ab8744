package call

import (
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/petervdpas/delta/internal/proto"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, e := range r.events {
		if e.Kind == EventState {
			out = append(out, e.State)
		}
	}
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestDecisionFirstWriterWins(t *testing.T) {
	s := NewIncoming(peer.ID("caller"))
	if !s.Resolve(DecisionRemoteCancel) {
		t.Fatal("first Resolve lost")
	}
	if s.Resolve(DecisionAccept) {
		t.Fatal("second Resolve won")
	}
	if d := <-s.Decision(); d != DecisionRemoteCancel {
		t.Fatalf("decision = %s, want remote_cancel", d)
	}
	if s.Resolve(DecisionDecline) {
		t.Fatal("Resolve won after the decision was consumed")
	}

	out := NewOutgoing(peer.ID("callee"))
	if out.Resolve(DecisionAccept) {
		t.Fatal("outgoing session accepted a decision")
	}
	if out.Decision() != nil {
		t.Fatal("outgoing session has a decision channel")
	}
}

func TestConnectAndEnd(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	s := NewOutgoing(peer.ID("callee"), WithClock(clk.now), WithTickInterval(time.Hour))
	rec := &recorder{}
	s.OnChange(rec.record)

	if s.State() != StateOutgoing {
		t.Fatalf("state = %s", s.State())
	}
	if !s.Connect() {
		t.Fatal("Connect failed")
	}
	if s.Connect() {
		t.Fatal("second Connect succeeded")
	}
	clk.advance(3 * time.Second)
	if got := s.Elapsed(); got != 3*time.Second {
		t.Fatalf("elapsed = %s, want 3s", got)
	}
	if !s.End(EndOther) {
		t.Fatal("End failed")
	}
	if s.End(EndCancelled) {
		t.Fatal("second End succeeded")
	}
	clk.advance(time.Minute)
	if got := s.Elapsed(); got != 3*time.Second {
		t.Fatalf("elapsed after end = %s, want frozen 3s", got)
	}
	if s.Reason() != EndOther {
		t.Fatalf("reason = %s", s.Reason())
	}
	want := []State{StateOngoing, StateEnded}
	got := rec.states()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("state events = %v, want %v", got, want)
	}
	if s.Connect() {
		t.Fatal("Connect after End succeeded")
	}
}

func TestEndBeforeConnectHasNoDuration(t *testing.T) {
	s := NewIncoming(peer.ID("caller"))
	s.End(EndCancelled)
	snap := s.Snapshot()
	if snap.State != StateEnded || snap.Reason != EndCancelled || snap.Elapsed != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Direction != Incoming {
		t.Fatalf("direction = %s", snap.Direction)
	}
}

func TestHalfCloseJoin(t *testing.T) {
	s := NewIncoming(peer.ID("caller"), WithTickInterval(time.Hour))
	rec := &recorder{}
	s.OnChange(rec.record)

	if s.HalfClose(HalfInbound) {
		t.Fatal("half close before Ongoing ended the call")
	}
	s.Connect()
	if !s.AttachMedia() {
		t.Fatal("AttachMedia failed")
	}
	if s.AttachMedia() {
		t.Fatal("second AttachMedia succeeded")
	}

	if s.HalfClose(HalfInbound) {
		t.Fatal("one half ended the call")
	}
	if s.HalfClose(HalfInbound) {
		t.Fatal("repeated inbound half ended the call")
	}
	if s.State() != StateOngoing {
		t.Fatalf("state = %s, want ongoing", s.State())
	}
	if !s.HalfClose(HalfOutbound) {
		t.Fatal("both halves did not end the call")
	}
	if s.HalfClose(HalfOutbound) {
		t.Fatal("half close after end reported end again")
	}
	if s.State() != StateEnded || s.Reason() != EndOther {
		t.Fatalf("state = %s reason = %s", s.State(), s.Reason())
	}

	ended := 0
	for _, st := range rec.states() {
		if st == StateEnded {
			ended++
		}
	}
	if ended != 1 {
		t.Fatalf("ended events = %d, want 1", ended)
	}
}

func TestTickerStopsOnEnd(t *testing.T) {
	s := NewOutgoing(peer.ID("callee"), WithTickInterval(2*time.Millisecond))
	rec := &recorder{}
	s.OnChange(rec.record)
	s.Connect()

	deadline := time.Now().Add(2 * time.Second)
	for rec.count(EventDuration) < 3 {
		if time.Now().After(deadline) {
			t.Fatal("no duration ticks")
		}
		time.Sleep(time.Millisecond)
	}

	s.End(EndOther)
	time.Sleep(20 * time.Millisecond)
	n := rec.count(EventDuration)
	time.Sleep(30 * time.Millisecond)
	if got := rec.count(EventDuration); got != n {
		t.Fatalf("ticks continued after end: %d -> %d", n, got)
	}
}

func TestTickDispatch(t *testing.T) {
	ticks := make(chan func(), 1)
	var stopped sync.Once
	done := make(chan struct{})
	s := NewOutgoing(peer.ID("callee"),
		WithTickInterval(time.Millisecond),
		WithTickDispatch(func(emit func()) bool {
			select {
			case ticks <- emit:
				return true
			default:
				// Owner is busy; stop ticking so the test sees a bounded count.
				stopped.Do(func() { close(done) })
				return false
			}
		}),
	)
	rec := &recorder{}
	s.OnChange(rec.record)
	s.Connect()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ticker never stopped after dispatch refused")
	}
	if n := rec.count(EventDuration); n != 0 {
		t.Fatalf("%d ticks emitted on the ticker goroutine", n)
	}

	emit := <-ticks
	emit()
	if n := rec.count(EventDuration); n != 1 {
		t.Fatalf("duration events = %d, want 1", n)
	}

	s.End(EndOther)
	emit()
	if n := rec.count(EventDuration); n != 1 {
		t.Fatal("tick emitted after the session ended")
	}
}

func TestRemoteCancelledFlag(t *testing.T) {
	s := NewIncoming(peer.ID("caller"))
	if s.RemoteCancelled() {
		t.Fatal("fresh session flagged")
	}
	s.MarkRemoteCancelled()
	if !s.RemoteCancelled() {
		t.Fatal("flag not recorded")
	}
}

func TestReasonFromReject(t *testing.T) {
	cases := map[proto.RejectReason]EndReason{
		proto.RejectAlreadyInCall:  EndPeerInAnotherCall,
		proto.RejectRejectedByUser: EndPeerRejected,
		proto.RejectMutedByUser:    EndPeerMuted,
		proto.RejectOther:          EndOther,
	}
	for in, want := range cases {
		if got := ReasonFromReject(in); got != want {
			t.Errorf("ReasonFromReject(%s) = %s, want %s", in, got, want)
		}
	}
}
