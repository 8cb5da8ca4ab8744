package call

import (
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/petervdpas/delta/internal/util"
)

var log = logging.Logger("delta/call")

// DefaultTickInterval is how often ongoing sessions report elapsed time.
const DefaultTickInterval = 200 * time.Millisecond

type Option func(*Session)

// WithClock replaces time.Now for elapsed-time bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

func WithTickInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.tickEvery = d
		}
	}
}

// WithTickDispatch hands every duration tick to dispatch instead of emitting
// it on the ticker goroutine. dispatch runs emit wherever the owner wants the
// event delivered; returning false stops the ticker.
func WithTickDispatch(dispatch func(emit func()) bool) Option {
	return func(s *Session) {
		if dispatch != nil {
			s.dispatch = dispatch
		}
	}
}

// Session is one call with one counterpart. Transitions are only made by the
// goroutine that owns the session; every method is safe to call from others
// for reading.
type Session struct {
	id        string
	peer      peer.ID
	dir       Direction
	now       func() time.Time
	tickEvery time.Duration
	dispatch  func(emit func()) bool

	// pending carries the one decision for an incoming call.
	pending chan Decision

	mu              sync.Mutex
	state           State
	reason          EndReason
	startedAt       time.Time
	endedAfter      time.Duration
	halves          [2]bool
	closedHalves    int
	mediaAttached   bool
	remoteCancelled bool
	resolved        bool
	stopTicker      func()

	listeners util.Listeners[Event]
}

func newSession(p peer.ID, dir Direction, state State, opts []Option) *Session {
	s := &Session{
		id:        uuid.NewString(),
		peer:      p,
		dir:       dir,
		now:       time.Now,
		tickEvery: DefaultTickInterval,
		dispatch:  func(emit func()) bool { emit(); return true },
		state:     state,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewOutgoing starts a session for a call we placed to p.
func NewOutgoing(p peer.ID, opts ...Option) *Session {
	s := newSession(p, Outgoing, StateOutgoing, opts)
	log.Debugw("session created", "id", s.id, "peer", p, "direction", Outgoing)
	return s
}

// NewIncoming starts a session for a call p placed to us. The local decision
// is delivered through Resolve and read from Decision.
func NewIncoming(p peer.ID, opts ...Option) *Session {
	s := newSession(p, Incoming, StateIncoming, opts)
	s.pending = make(chan Decision, 1)
	log.Debugw("session created", "id", s.id, "peer", p, "direction", Incoming)
	return s
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Peer() peer.ID        { return s.peer }
func (s *Session) Direction() Direction { return s.dir }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Reason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Elapsed is the time spent Ongoing: running while connected, frozen after.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedLocked()
}

func (s *Session) elapsedLocked() time.Duration {
	switch {
	case s.state == StateOngoing:
		return s.now().Sub(s.startedAt)
	case s.state == StateEnded:
		return s.endedAfter
	}
	return 0
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:        s.id,
		Peer:      s.peer,
		Direction: s.dir,
		State:     s.state,
		Reason:    s.reason,
		Elapsed:   s.elapsedLocked(),
	}
}

// OnChange registers fn for state and duration events.
func (s *Session) OnChange(fn func(Event)) (remove func()) {
	return s.listeners.Add(fn)
}

// Resolve offers d as the decision for an incoming call. It returns false if
// a decision was already made or the session is outgoing.
func (s *Session) Resolve(d Decision) bool {
	if s.pending == nil {
		return false
	}
	s.mu.Lock()
	if s.resolved {
		s.mu.Unlock()
		return false
	}
	s.resolved = true
	s.mu.Unlock()

	// Only one send ever happens, so the buffered slot is always free.
	s.pending <- d
	log.Debugw("decision resolved", "id", s.id, "decision", d)
	return true
}

// Decision yields the winning decision once. It is nil for outgoing sessions.
func (s *Session) Decision() <-chan Decision {
	return s.pending
}

// MarkRemoteCancelled records a cancel that lost the race to a local
// decision which has not been applied yet.
func (s *Session) MarkRemoteCancelled() {
	s.mu.Lock()
	s.remoteCancelled = true
	s.mu.Unlock()
}

func (s *Session) RemoteCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteCancelled
}

// Connect moves a ringing session to Ongoing and starts the duration ticker.
func (s *Session) Connect() bool {
	s.mu.Lock()
	if s.state != StateOutgoing && s.state != StateIncoming {
		s.mu.Unlock()
		return false
	}
	s.state = StateOngoing
	s.startedAt = s.now()
	stop := make(chan struct{})
	var once sync.Once
	s.stopTicker = func() { once.Do(func() { close(stop) }) }
	s.mu.Unlock()

	go s.tick(stop)
	log.Infow("call connected", "id", s.id, "peer", s.peer)
	s.listeners.Emit(Event{Kind: EventState, State: StateOngoing})
	return true
}

// End moves the session to Ended with reason. Ending twice is a no-op.
func (s *Session) End(reason EndReason) bool {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return false
	}
	s.endedAfter = s.elapsedLocked()
	s.state = StateEnded
	s.reason = reason
	stop := s.stopTicker
	s.stopTicker = nil
	elapsed := s.endedAfter
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	log.Infow("call ended", "id", s.id, "peer", s.peer, "reason", reason, "elapsed", elapsed)
	s.listeners.Emit(Event{Kind: EventState, State: StateEnded, Reason: reason, Elapsed: elapsed})
	return true
}

// AttachMedia marks the stream as attached. Only the first call on an ongoing
// session succeeds.
func (s *Session) AttachMedia() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOngoing || s.mediaAttached {
		return false
	}
	s.mediaAttached = true
	return true
}

func (s *Session) MediaAttached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mediaAttached
}

// HalfClose records that one direction of the stream finished. The session
// ends with EndOther once both directions have, and HalfClose reports true
// for that call only. Repeats for the same half are ignored.
func (s *Session) HalfClose(h Half) bool {
	s.mu.Lock()
	if s.state != StateOngoing || s.halves[h] {
		s.mu.Unlock()
		return false
	}
	s.halves[h] = true
	s.closedHalves++
	done := s.closedHalves == len(s.halves)
	s.mu.Unlock()

	log.Debugw("half closed", "id", s.id, "half", h)
	if !done {
		return false
	}
	return s.End(EndOther)
}

func (s *Session) tick(stop <-chan struct{}) {
	t := time.NewTicker(s.tickEvery)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if s.State() != StateOngoing {
				return
			}
			if !s.dispatch(s.emitTick) {
				return
			}
		}
	}
}

// emitTick reports the elapsed time, unless the session left Ongoing while
// the tick was in flight.
func (s *Session) emitTick() {
	s.mu.Lock()
	if s.state != StateOngoing {
		s.mu.Unlock()
		return
	}
	elapsed := s.elapsedLocked()
	s.mu.Unlock()
	s.listeners.Emit(Event{Kind: EventDuration, State: StateOngoing, Elapsed: elapsed})
}
