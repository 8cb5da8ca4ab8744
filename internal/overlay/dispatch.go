package overlay

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/petervdpas/delta/internal/call"
	"github.com/petervdpas/delta/internal/p2p"
	"github.com/petervdpas/delta/internal/proto"
	"github.com/petervdpas/delta/internal/state"
)

// propertyOrder is the order own properties are republished in.
var propertyOrder = []string{"name", "location", "speed", "signal_quality", "icon"}

func (c *Client) handleEvent(ctx context.Context, ev p2p.Event) {
	if ev.Peer == c.self {
		return
	}
	switch ev.Kind {
	case p2p.EventPeerDiscovered:
		if _, ok := c.registry.Get(ev.Peer); !ok {
			c.registry.Insert(state.Peer{ID: ev.Peer})
		}
		c.direct[ev.Peer] = struct{}{}
		c.net.AddExplicitPeer(ev.Peer)
		log.Debugw("peer appeared", "peer", ev.Peer)
	case p2p.EventPeerExpired:
		delete(c.direct, ev.Peer)
		c.net.RemoveExplicitPeer(ev.Peer)
		c.forgetPeer(ev.Peer)
		log.Debugw("peer expired", "peer", ev.Peer)
	case p2p.EventMessage:
		c.handleMessage(ctx, ev.Peer, ev.Data)
	case p2p.EventPeerSubscribed:
		log.Debugw("peer joined topic", "peer", ev.Peer)
		c.publishOwn(ctx)
	}
}

func (c *Client) handleMessage(ctx context.Context, from peer.ID, data []byte) {
	env, err := proto.Decode(data)
	if err != nil {
		log.Debugw("dropping undecodable message", "from", from, "err", err)
		c.metrics.DecodeError()
		return
	}
	c.metrics.EnvelopeReceived(env.Type)
	c.heard[from] = c.now()

	p, known := c.registry.Get(from)
	if !known {
		p = state.Peer{ID: from}
		c.registry.Insert(p)
	}

	switch env.Type {
	case proto.TypePropertyChanged:
		p.Apply(env.Properties)
		c.registry.Insert(p)
		return
	case proto.TypeAlert:
		if c.policy != nil && !c.policy.IsAllowedPeer(p.Name) {
			log.Debugw("dropping alert from muted peer", "from", from, "name", p.Name, "kind", env.Alert)
			return
		}
		log.Infow("alert received", "from", from, "name", p.Name, "kind", env.Alert)
		c.alerts.Emit(AlertEvent{Peer: from, Name: p.Name, Kind: env.Alert})
		return
	}

	if env.Destination != c.self {
		return
	}
	switch env.Type {
	case proto.TypeCallRequest:
		c.onCallRequest(ctx, p)
	case proto.TypeCallRequestCancel:
		c.onCallCancel(from)
	case proto.TypeCallRequestResponse:
		c.onCallResponse(ctx, from, *env.Outcome)
	}
}

// forgetPeer removes p from the registry. A call still ringing with p can
// never be answered, so it ends.
func (c *Client) forgetPeer(p peer.ID) {
	delete(c.heard, p)
	c.registry.Remove(p)

	sess := c.session
	if sess == nil || sess.Peer() != p {
		return
	}
	switch sess.State() {
	case call.StateOutgoing, call.StateIncoming:
		log.Infow("peer gone, ending ringing call", "peer", p, "id", sess.ID())
		c.endCall(sess, call.EndOther)
		// Wakes the decision waiter; its stale result is discarded.
		sess.Resolve(call.DecisionRemoteCancel)
	}
}

// expireSilent drops peers we only know from the mesh once they have been
// quiet for longer than PeerTimeout.
func (c *Client) expireSilent() {
	now := c.now()
	for _, p := range c.registry.Peers() {
		if _, ok := c.direct[p.ID]; ok {
			continue
		}
		if now.Sub(c.heard[p.ID]) > c.cfg.PeerTimeout {
			log.Debugw("peer silent, dropping", "peer", p.ID, "name", p.Name)
			c.forgetPeer(p.ID)
		}
	}
}

func (c *Client) publish(ctx context.Context, env proto.Envelope) {
	data, err := proto.Encode(env)
	if err != nil {
		log.Errorw("encode failed", "type", env.Type, "err", err)
		return
	}
	if err := c.net.Publish(ctx, data); err != nil {
		log.Warnw("publish failed", "type", env.Type, "err", err)
		c.metrics.PublishError(env.Type)
	}
}

// publishOwn announces every own property we have. Receivers replace fields,
// so repeating this is harmless.
func (c *Client) publishOwn(ctx context.Context) {
	props := make([]proto.Property, 0, len(c.own))
	for _, k := range propertyOrder {
		if p, ok := c.own[k]; ok {
			props = append(props, p)
		}
	}
	if len(props) == 0 {
		return
	}
	c.publish(ctx, proto.PropertyChanged(props...))
}

func (c *Client) sessionOpts(ctx context.Context) []call.Option {
	return []call.Option{
		call.WithTickInterval(c.cfg.TickInterval),
		call.WithTickDispatch(func(emit func()) bool {
			return c.enqueue(ctx, cmdTick{emit: emit})
		}),
	}
}

// openSession installs sess as the active call. Callers check for an existing
// session first; reaching the panic means that check was skipped.
func (c *Client) openSession(sess *call.Session) {
	if c.session != nil {
		panic(fmt.Sprintf("overlay: session %s still active while opening %s", c.session.ID(), sess.ID()))
	}
	c.session = sess
	sess.OnChange(func(e call.Event) {
		if e.Kind == call.EventState {
			c.metrics.CallTransition(e.State.String(), e.Reason.String())
		}
		c.calls.Emit(CallEvent{Kind: e.Kind, Call: sess.Snapshot()})
	})
	c.metrics.CallTransition(sess.State().String(), "")
	c.calls.Emit(CallEvent{Kind: call.EventState, Call: sess.Snapshot()})
}

func (c *Client) endCall(sess *call.Session, reason call.EndReason) {
	sess.End(reason)
	c.release(sess)
}

// release drops sess as the active call and tears down what it held.
func (c *Client) release(sess *call.Session) {
	if c.session != sess {
		return
	}
	c.session = nil
	c.stopMediaTimer()
	if c.stream != nil {
		_ = c.stream.Reset()
		c.stream = nil
	}
}

func (c *Client) startOutgoing(ctx context.Context, p peer.ID) error {
	if p == c.self {
		return ErrSelfCall
	}
	if c.session != nil {
		return ErrCallInProgress
	}
	if _, ok := c.registry.Get(p); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, p)
	}
	c.openSession(call.NewOutgoing(p, c.sessionOpts(ctx)...))
	c.publish(ctx, proto.CallRequest(p))
	return nil
}

func (c *Client) onCallRequest(ctx context.Context, from state.Peer) {
	if c.session != nil {
		log.Infow("busy, rejecting call request", "from", from.ID, "session", c.session.ID())
		c.publish(ctx, proto.CallRequestResponse(from.ID, proto.Reject(proto.RejectAlreadyInCall)))
		return
	}
	if c.policy != nil && !c.policy.IsAllowedPeer(from.Name) {
		log.Infow("caller not allowed, rejecting", "from", from.ID, "name", from.Name)
		c.publish(ctx, proto.CallRequestResponse(from.ID, proto.Reject(proto.RejectMutedByUser)))
		return
	}
	sess := call.NewIncoming(from.ID, c.sessionOpts(ctx)...)
	c.openSession(sess)
	go c.awaitDecision(ctx, sess)
}

// awaitDecision forwards whichever of accept, decline or remote cancel was
// resolved first.
func (c *Client) awaitDecision(ctx context.Context, sess *call.Session) {
	select {
	case d := <-sess.Decision():
		c.enqueue(ctx, cmdIncomingResolved{sess: sess, decision: d})
	case <-ctx.Done():
	}
}

func (c *Client) resolveLocal(d call.Decision) {
	sess := c.session
	if sess == nil || sess.State() != call.StateIncoming {
		log.Debugw("no incoming call to resolve", "decision", d)
		return
	}
	if !sess.Resolve(d) {
		log.Debugw("incoming call already resolved", "id", sess.ID(), "decision", d)
	}
}

func (c *Client) onCallCancel(from peer.ID) {
	sess := c.session
	if sess == nil || sess.Peer() != from || sess.Direction() != call.Incoming {
		log.Warnw("cancel for a call we do not have", "from", from)
		return
	}
	switch sess.State() {
	case call.StateIncoming:
		if !sess.Resolve(call.DecisionRemoteCancel) {
			// A local decision is queued but not applied; the cancel still wins.
			sess.MarkRemoteCancelled()
		}
	case call.StateOngoing:
		if sess.MediaAttached() {
			log.Warnw("cancel for a connected call", "from", from, "id", sess.ID())
			return
		}
		c.endCall(sess, call.EndCancelled)
	}
}

func (c *Client) applyDecision(ctx context.Context, sess *call.Session, d call.Decision) {
	if c.session != sess || sess.State() != call.StateIncoming {
		log.Debugw("stale decision", "id", sess.ID(), "decision", d)
		return
	}
	if d == call.DecisionRemoteCancel || sess.RemoteCancelled() {
		c.endCall(sess, call.EndCancelled)
		return
	}
	switch d {
	case call.DecisionAccept:
		c.publish(ctx, proto.CallRequestResponse(sess.Peer(), proto.Accept()))
		sess.Connect()
		c.armMediaTimeout(ctx, sess)
	case call.DecisionDecline:
		c.publish(ctx, proto.CallRequestResponse(sess.Peer(), proto.Reject(proto.RejectRejectedByUser)))
		c.endCall(sess, call.EndPeerRejected)
	}
}

func (c *Client) onCallResponse(ctx context.Context, from peer.ID, out proto.Outcome) {
	sess := c.session
	if sess == nil || sess.Peer() != from || sess.Direction() != call.Outgoing || sess.State() != call.StateOutgoing {
		log.Warnw("unexpected call response", "from", from, "accepted", out.Accepted)
		return
	}
	if !out.Accepted {
		c.endCall(sess, call.ReasonFromReject(out.Reason))
		return
	}
	sess.Connect()
	go c.openStream(ctx, sess)
}

func (c *Client) openStream(ctx context.Context, sess *call.Session) {
	s, err := c.neg.OpenStream(ctx, sess.Peer())
	if !c.enqueue(ctx, cmdStreamOpened{sess: sess, stream: s, err: err}) && s != nil {
		_ = s.Reset()
	}
}

func (c *Client) streamOpened(ctx context.Context, sess *call.Session, s p2p.Stream, err error) {
	if err != nil {
		c.metrics.StreamOpenError()
		log.Warnw("audio stream open failed", "peer", sess.Peer(), "err", err)
		if c.session == sess {
			c.endCall(sess, call.EndOther)
		}
		return
	}
	if c.session != sess || sess.State() != call.StateOngoing {
		log.Debugw("discarding stream for a finished call", "id", sess.ID())
		_ = s.Reset()
		c.metrics.StreamDropped()
		return
	}
	c.attachMedia(ctx, sess, s)
}

func (c *Client) inboundStream(ctx context.Context, in p2p.InboundStream) {
	sess := c.session
	if sess == nil || sess.Peer() != in.Peer || sess.Direction() != call.Incoming ||
		sess.State() != call.StateOngoing || sess.MediaAttached() {
		log.Warnw("resetting unexpected audio stream", "peer", in.Peer)
		_ = in.Stream.Reset()
		c.metrics.StreamDropped()
		return
	}
	c.stopMediaTimer()
	c.attachMedia(ctx, sess, in.Stream)
}

func (c *Client) attachMedia(ctx context.Context, sess *call.Session, s p2p.Stream) {
	if !sess.AttachMedia() {
		_ = s.Reset()
		return
	}
	c.stream = s
	report := func(h call.Half) func() {
		return func() {
			go c.enqueue(ctx, cmdHalfClosed{sess: sess, half: h})
		}
	}
	c.audio.AttachInput(newInboundHalf(s, report(call.HalfInbound)))
	c.audio.AttachOutput(newOutboundHalf(s, report(call.HalfOutbound)))
	log.Infow("audio attached", "id", sess.ID(), "peer", sess.Peer())
}

func (c *Client) halfClosed(sess *call.Session, h call.Half) {
	if c.session != sess {
		return
	}
	if sess.HalfClose(h) {
		if c.stream != nil {
			_ = c.stream.Close()
			c.stream = nil
		}
		c.release(sess)
	}
}

func (c *Client) armMediaTimeout(ctx context.Context, sess *call.Session) {
	c.stopMediaTimer()
	c.mediaTimer = time.AfterFunc(c.cfg.MediaTimeout, func() {
		c.enqueue(ctx, cmdMediaTimeout{sess: sess})
	})
}

func (c *Client) stopMediaTimer() {
	if c.mediaTimer != nil {
		c.mediaTimer.Stop()
		c.mediaTimer = nil
	}
}

func (c *Client) mediaTimeout(sess *call.Session) {
	if c.session != sess || sess.State() != call.StateOngoing || sess.MediaAttached() {
		return
	}
	log.Warnw("caller never opened the audio stream", "id", sess.ID(), "peer", sess.Peer())
	c.endCall(sess, call.EndOther)
}

func (c *Client) cancelOutgoing(ctx context.Context) {
	sess := c.session
	if sess == nil || sess.State() != call.StateOutgoing {
		log.Debugw("no outgoing call to cancel")
		return
	}
	c.publish(ctx, proto.CallRequestCancel(sess.Peer()))
	c.endCall(sess, call.EndCancelled)
}

// hangup ends the active call from whatever state it is in.
func (c *Client) hangup(ctx context.Context) {
	sess := c.session
	if sess == nil {
		return
	}
	switch sess.State() {
	case call.StateOutgoing:
		c.cancelOutgoing(ctx)
	case call.StateIncoming:
		c.resolveLocal(call.DecisionDecline)
	case call.StateOngoing:
		c.endCall(sess, call.EndOther)
	}
}
