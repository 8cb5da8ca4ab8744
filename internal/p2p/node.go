package p2p

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/petervdpas/delta/internal/proto"
	"github.com/petervdpas/delta/internal/util"
)

var log = logging.Logger("delta/p2p")

func init() {
	// Silence noisy libp2p subsystems; dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("mdns", "error")
	logging.SetLogLevel("pubsub", "warn")
	logging.SetLogLevel("autonat", "warn")
}

// explicitTag protects connections to discovered peers from the connection
// manager, which keeps them in the gossip mesh.
const explicitTag = "delta"

type EventKind int

const (
	EventPeerDiscovered EventKind = iota
	EventPeerExpired
	EventMessage
	EventPeerSubscribed
)

func (k EventKind) String() string {
	switch k {
	case EventPeerDiscovered:
		return "peer_discovered"
	case EventPeerExpired:
		return "peer_expired"
	case EventMessage:
		return "message"
	case EventPeerSubscribed:
		return "peer_subscribed"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one thing the substrate observed. Data is set for EventMessage
// only, and Peer is the message author there.
type Event struct {
	Kind EventKind
	Peer peer.ID
	Data []byte
}

type Options struct {
	ListenAddrs   []string
	KeyFile       string
	Topic         string
	MdnsTag       string
	AudioProtocol string
	StreamTimeout time.Duration
}

// Node is the libp2p substrate: host, mDNS discovery, and the gossip topic.
// Everything it observes is merged into one event channel.
type Node struct {
	Host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	mdns  mdns.Service

	streams *Streams
	events  chan Event
	wg      sync.WaitGroup
}

type mdnsNotifee struct {
	h host.Host
}

// HandlePeerFound only dials. The peer is reported once the connection is up.
func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Debugw("mdns dial failed", "peer", pi.ID, "err", err)
	}
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnw("corrupt identity key, generating a new one", "file", keyFile, "err", err)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("read identity key: %w", err)
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}
	return priv, true, nil
}

// New brings the substrate up in startup order: identity, host, discovery,
// topic subscription. The event pumps run until ctx is cancelled.
func New(ctx context.Context, opts Options) (*Node, error) {
	if opts.Topic == "" {
		opts.Topic = proto.GossipTopic
	}
	if opts.MdnsTag == "" {
		opts.MdnsTag = proto.MdnsTag
	}
	if opts.AudioProtocol == "" {
		opts.AudioProtocol = proto.AudioProtoID
	}

	priv, isNew, err := loadOrCreateKey(opts.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Infow("generated new identity key", "file", opts.KeyFile)
	} else {
		log.Infow("loaded identity key", "file", opts.KeyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(opts.ListenAddrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}

	// Subscribe before discovery starts so no connection is missed.
	connSub, err := h.EventBus().Subscribe(new(event.EvtPeerConnectednessChanged))
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("event bus: %w", err)
	}

	md := mdns.NewMdnsService(h, opts.MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = connSub.Close()
		_ = h.Close()
		return nil, fmt.Errorf("mdns: %w", err)
	}

	fail := func(err error) (*Node, error) {
		_ = md.Close()
		_ = connSub.Close()
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return fail(fmt.Errorf("gossipsub: %w", err))
	}
	topic, err := ps.Join(opts.Topic)
	if err != nil {
		return fail(fmt.Errorf("join %s: %w", opts.Topic, err))
	}
	topicEvents, err := topic.EventHandler()
	if err != nil {
		return fail(fmt.Errorf("topic events: %w", err))
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topicEvents.Cancel()
		return fail(fmt.Errorf("subscribe %s: %w", opts.Topic, err))
	}

	n := &Node{
		Host:    h,
		ps:      ps,
		topic:   topic,
		sub:     sub,
		mdns:    md,
		streams: NewStreams(ctx, h, opts.AudioProtocol, opts.StreamTimeout),
		events:  make(chan Event, 32),
	}

	n.wg.Add(3)
	go n.pumpConnectedness(ctx, connSub)
	go n.pumpMessages(ctx)
	go n.pumpTopicPeers(ctx, topicEvents)
	go func() {
		n.wg.Wait()
		close(n.events)
	}()

	log.Infow("node started", "id", h.ID(), "addrs", n.LocalAddrs(), "topic", opts.Topic)
	return n, nil
}

func (n *Node) ID() peer.ID { return n.Host.ID() }

// Events yields everything the substrate observed. It is closed once the
// context given to New is cancelled.
func (n *Node) Events() <-chan Event { return n.events }

// Streams returns the audio stream negotiator bound to this host.
func (n *Node) Streams() *Streams { return n.streams }

// Publish sends data to every subscriber of the topic.
func (n *Node) Publish(ctx context.Context, data []byte) error {
	return n.topic.Publish(ctx, data)
}

// AddExplicitPeer keeps the connection to p open regardless of the
// connection manager's trimming.
func (n *Node) AddExplicitPeer(p peer.ID) {
	n.Host.ConnManager().Protect(p, explicitTag)
}

func (n *Node) RemoveExplicitPeer(p peer.ID) {
	n.Host.ConnManager().Unprotect(p, explicitTag)
}

// LocalAddrs returns the host's listen addresses without loopback and
// link-local ones.
func (n *Node) LocalAddrs() []string {
	return filterAddrs(n.Host.Addrs())
}

func filterAddrs(addrs []ma.Multiaddr) []string {
	var out []string
	for _, a := range addrs {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

func (n *Node) Close() error {
	n.streams.Close()
	n.sub.Cancel()
	_ = n.mdns.Close()
	if err := n.topic.Close(); err != nil {
		log.Debugw("topic close", "err", err)
	}
	return n.Host.Close()
}

func (n *Node) emit(ctx context.Context, ev Event) bool {
	select {
	case n.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (n *Node) pumpConnectedness(ctx context.Context, sub event.Subscription) {
	defer n.wg.Done()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sub.Out():
			if !ok {
				return
			}
			evt := raw.(event.EvtPeerConnectednessChanged)
			var kind EventKind
			switch evt.Connectedness {
			case network.Connected:
				kind = EventPeerDiscovered
			case network.NotConnected:
				kind = EventPeerExpired
			default:
				continue
			}
			if !n.emit(ctx, Event{Kind: kind, Peer: evt.Peer}) {
				return
			}
		}
	}
}

func (n *Node) pumpMessages(ctx context.Context) {
	defer n.wg.Done()
	self := n.Host.ID()
	for {
		m, err := n.sub.Next(ctx)
		if err != nil {
			return
		}
		from := m.GetFrom()
		if from == self {
			continue
		}
		if !n.emit(ctx, Event{Kind: EventMessage, Peer: from, Data: m.Data}) {
			return
		}
	}
}

func (n *Node) pumpTopicPeers(ctx context.Context, h *pubsub.TopicEventHandler) {
	defer n.wg.Done()
	defer h.Cancel()
	for {
		pe, err := h.NextPeerEvent(ctx)
		if err != nil {
			return
		}
		if pe.Type != pubsub.PeerJoin {
			continue
		}
		if !n.emit(ctx, Event{Kind: EventPeerSubscribed, Peer: pe.Peer}) {
			return
		}
	}
}
