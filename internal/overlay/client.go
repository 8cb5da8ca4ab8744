// Package overlay runs the client actor: one loop owning the peer registry and
// the active call, fed by substrate events and by commands from the UI.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/petervdpas/delta/internal/call"
	"github.com/petervdpas/delta/internal/metrics"
	"github.com/petervdpas/delta/internal/p2p"
	"github.com/petervdpas/delta/internal/proto"
	"github.com/petervdpas/delta/internal/state"
	"github.com/petervdpas/delta/internal/util"
)

var log = logging.Logger("delta/overlay")

var (
	ErrClosed         = errors.New("overlay client closed")
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrUnknownPeer    = errors.New("unknown peer")
	ErrSelfCall       = errors.New("cannot call self")
)

// Network is the gossip substrate.
type Network interface {
	ID() peer.ID
	Events() <-chan p2p.Event
	Publish(ctx context.Context, data []byte) error
	AddExplicitPeer(p peer.ID)
	RemoveExplicitPeer(p peer.ID)
}

// Negotiator opens and accepts the audio stream.
type Negotiator interface {
	Incoming() <-chan p2p.InboundStream
	OpenStream(ctx context.Context, p peer.ID) (p2p.Stream, error)
}

// Policy decides whether a peer may ring us, by display name.
type Policy interface {
	IsAllowedPeer(name string) bool
}

// AudioPipeline consumes the remote audio and produces the local one. It owns
// both ends once attached and must close them when done.
type AudioPipeline interface {
	AttachInput(r io.ReadCloser)
	AttachOutput(w io.WriteCloser)
}

// AlertEvent is delivered when a peer broadcasts an alert.
type AlertEvent struct {
	Peer peer.ID         `json:"peer"`
	Name string          `json:"name"`
	Kind proto.AlertKind `json:"kind"`
}

// CallEvent is delivered on every session transition and duration tick.
type CallEvent struct {
	Kind call.EventKind `json:"-"`
	Call call.Snapshot  `json:"call"`
}

type Config struct {
	// Properties are published when a peer joins the topic and on every
	// republish tick until replaced by PublishPropertyChanged.
	Properties        []proto.Property
	RepublishInterval time.Duration
	TickInterval      time.Duration
	// MediaTimeout bounds how long an accepted incoming call waits for the
	// caller's stream.
	MediaTimeout time.Duration
	// PeerTimeout is how long a peer we only hear through the mesh may stay
	// silent before it is dropped. Directly connected peers stay until they
	// disconnect.
	PeerTimeout time.Duration

	Policy  Policy
	Audio   AudioPipeline
	Metrics *metrics.Metrics
}

const (
	defaultRepublishInterval = 3 * time.Second

	// silentRepublishes is the default PeerTimeout in republish intervals.
	silentRepublishes = 4
)

type Client struct {
	net     Network
	neg     Negotiator
	policy  Policy
	audio   AudioPipeline
	metrics *metrics.Metrics
	cfg     Config
	self    peer.ID
	now     func() time.Time

	cmds chan command
	done chan struct{}

	// Owned by the loop.
	registry   *state.Registry
	session    *call.Session
	stream     p2p.Stream
	mediaTimer *time.Timer
	own        map[string]proto.Property
	direct     map[peer.ID]struct{}
	heard      map[peer.ID]time.Time

	alerts util.Listeners[AlertEvent]
	calls  util.Listeners[CallEvent]
}

func New(net Network, neg Negotiator, cfg Config) *Client {
	if cfg.RepublishInterval <= 0 {
		cfg.RepublishInterval = defaultRepublishInterval
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = call.DefaultTickInterval
	}
	if cfg.MediaTimeout <= 0 {
		cfg.MediaTimeout = util.DefaultStreamTimeout
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = silentRepublishes * cfg.RepublishInterval
	}
	c := &Client{
		net:      net,
		neg:      neg,
		policy:   cfg.Policy,
		audio:    cfg.Audio,
		metrics:  cfg.Metrics,
		cfg:      cfg,
		self:     net.ID(),
		now:      time.Now,
		cmds:     make(chan command, 1),
		done:     make(chan struct{}),
		registry: state.NewRegistry(),
		own:      map[string]proto.Property{},
		direct:   map[peer.ID]struct{}{},
		heard:    map[peer.ID]time.Time{},
	}
	if c.audio == nil {
		c.audio = &NullPipeline{}
	}
	for _, p := range cfg.Properties {
		if k := p.Kind(); k != "" {
			c.own[k] = p
		}
	}
	c.registry.OnChange(func(state.Diff) { c.metrics.SetPeers(c.registry.Len()) })
	return c
}

func (c *Client) ID() peer.ID { return c.self }

// Registry is the live peer registry. It is mutated only by the loop; reads
// from other goroutines see a consistent copy per call.
func (c *Client) Registry() *state.Registry { return c.registry }

// OnPeersChanged registers fn for registry diffs. fn runs on the loop and
// must not call back into the client.
func (c *Client) OnPeersChanged(fn func(state.Diff)) (remove func()) {
	return c.registry.OnChange(fn)
}

// OnAlert registers fn for received alerts. fn runs on the loop.
func (c *Client) OnAlert(fn func(AlertEvent)) (remove func()) {
	return c.alerts.Add(fn)
}

// OnCall registers fn for call transitions and duration ticks. fn runs on
// the loop.
func (c *Client) OnCall(fn func(CallEvent)) (remove func()) {
	return c.calls.Add(fn)
}

// Run starts the background tasks and processes events and commands until
// ctx is done.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.done)

	go c.acceptStreams(ctx)
	go c.republishLoop(ctx)

	events := c.net.Events()
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case cmd := <-c.cmds:
			c.handle(ctx, cmd)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.handleEvent(ctx, ev)
		}
	}
}

// enqueue hands cmd to the loop from a background goroutine.
func (c *Client) enqueue(ctx context.Context, cmd command) bool {
	select {
	case c.cmds <- cmd:
		return true
	case <-ctx.Done():
		return false
	case <-c.done:
		return false
	}
}

// do sends cmd and waits for the loop to reply on reply.
func do[T any](ctx context.Context, c *Client, cmd command, reply <-chan T) (T, error) {
	var zero T
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-c.done:
		return zero, ErrClosed
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-c.done:
		return zero, ErrClosed
	}
}

func doErr(ctx context.Context, c *Client, cmd command, reply <-chan error) error {
	err, sendErr := do(ctx, c, cmd, reply)
	if sendErr != nil {
		return sendErr
	}
	return err
}

// CallRequest rings p.
func (c *Client) CallRequest(ctx context.Context, p peer.ID) error {
	reply := make(chan error, 1)
	return doErr(ctx, c, cmdCallRequest{peer: p, reply: reply}, reply)
}

// CallIncomingAccept accepts the ringing incoming call, if any.
func (c *Client) CallIncomingAccept(ctx context.Context) error {
	reply := make(chan error, 1)
	return doErr(ctx, c, cmdResolve{decision: call.DecisionAccept, reply: reply}, reply)
}

// CallIncomingDecline declines the ringing incoming call, if any.
func (c *Client) CallIncomingDecline(ctx context.Context) error {
	reply := make(chan error, 1)
	return doErr(ctx, c, cmdResolve{decision: call.DecisionDecline, reply: reply}, reply)
}

// CallOutgoingCancel withdraws our unanswered call request.
func (c *Client) CallOutgoingCancel(ctx context.Context) error {
	reply := make(chan error, 1)
	return doErr(ctx, c, cmdCancel{reply: reply}, reply)
}

// CallOngoingEnd hangs up whatever call exists.
func (c *Client) CallOngoingEnd(ctx context.Context) error {
	reply := make(chan error, 1)
	return doErr(ctx, c, cmdHangup{reply: reply}, reply)
}

func (c *Client) PublishAlert(ctx context.Context, kind proto.AlertKind) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown alert kind %q", kind)
	}
	reply := make(chan error, 1)
	return doErr(ctx, c, cmdPublish{env: proto.Alert(kind), reply: reply}, reply)
}

// PublishPropertyChanged replaces our own properties of the given kinds and
// announces them.
func (c *Client) PublishPropertyChanged(ctx context.Context, props ...proto.Property) error {
	env := proto.PropertyChanged(props...)
	if err := env.Validate(); err != nil {
		return err
	}
	reply := make(chan error, 1)
	return doErr(ctx, c, cmdPublish{env: env, reply: reply}, reply)
}

// Peers returns the registry contents in order.
func (c *Client) Peers(ctx context.Context) ([]state.Peer, error) {
	reply := make(chan []state.Peer, 1)
	return do[[]state.Peer](ctx, c, cmdPeers{reply: reply}, reply)
}

// ActiveCall returns the current session, if there is one.
func (c *Client) ActiveCall(ctx context.Context) (call.Snapshot, bool, error) {
	reply := make(chan *call.Snapshot, 1)
	snap, err := do[*call.Snapshot](ctx, c, cmdActiveCall{reply: reply}, reply)
	if err != nil || snap == nil {
		return call.Snapshot{}, false, err
	}
	return *snap, true, nil
}

func (c *Client) acceptStreams(ctx context.Context) {
	incoming := c.neg.Incoming()
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-incoming:
			if !ok {
				return
			}
			if !c.enqueue(ctx, cmdInboundStream{in: in}) {
				_ = in.Stream.Reset()
				return
			}
		}
	}
}

func (c *Client) republishLoop(ctx context.Context) {
	t := time.NewTicker(c.cfg.RepublishInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !c.enqueue(ctx, cmdRepublish{}) {
				return
			}
		}
	}
}

func (c *Client) shutdown() {
	if c.session != nil {
		c.endCall(c.session, call.EndOther)
	}
}
