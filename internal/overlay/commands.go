package overlay

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/petervdpas/delta/internal/call"
	"github.com/petervdpas/delta/internal/p2p"
	"github.com/petervdpas/delta/internal/proto"
	"github.com/petervdpas/delta/internal/state"
)

type command interface{}

// Local commands from the UI.
type (
	cmdCallRequest struct {
		peer  peer.ID
		reply chan<- error
	}
	cmdResolve struct {
		decision call.Decision
		reply    chan<- error
	}
	cmdCancel struct {
		reply chan<- error
	}
	cmdHangup struct {
		reply chan<- error
	}
	cmdPublish struct {
		env   proto.Envelope
		reply chan<- error
	}
	cmdPeers struct {
		reply chan<- []state.Peer
	}
	cmdActiveCall struct {
		reply chan<- *call.Snapshot
	}
)

// Commands background tasks send back to the loop.
type (
	cmdIncomingResolved struct {
		sess     *call.Session
		decision call.Decision
	}
	cmdStreamOpened struct {
		sess   *call.Session
		stream p2p.Stream
		err    error
	}
	cmdInboundStream struct {
		in p2p.InboundStream
	}
	cmdHalfClosed struct {
		sess *call.Session
		half call.Half
	}
	cmdMediaTimeout struct {
		sess *call.Session
	}
	cmdTick struct {
		emit func()
	}
	cmdRepublish struct{}
)

func (c *Client) handle(ctx context.Context, cmd command) {
	switch cmd := cmd.(type) {
	case cmdCallRequest:
		cmd.reply <- c.startOutgoing(ctx, cmd.peer)
	case cmdResolve:
		c.resolveLocal(cmd.decision)
		cmd.reply <- nil
	case cmdCancel:
		c.cancelOutgoing(ctx)
		cmd.reply <- nil
	case cmdHangup:
		c.hangup(ctx)
		cmd.reply <- nil
	case cmdPublish:
		if cmd.env.Type == proto.TypePropertyChanged {
			for _, p := range cmd.env.Properties {
				c.own[p.Kind()] = p
			}
		}
		c.publish(ctx, cmd.env)
		cmd.reply <- nil
	case cmdPeers:
		cmd.reply <- c.registry.Peers()
	case cmdActiveCall:
		if c.session == nil {
			cmd.reply <- nil
			return
		}
		snap := c.session.Snapshot()
		cmd.reply <- &snap

	case cmdIncomingResolved:
		c.applyDecision(ctx, cmd.sess, cmd.decision)
	case cmdStreamOpened:
		c.streamOpened(ctx, cmd.sess, cmd.stream, cmd.err)
	case cmdInboundStream:
		c.inboundStream(ctx, cmd.in)
	case cmdHalfClosed:
		c.halfClosed(cmd.sess, cmd.half)
	case cmdMediaTimeout:
		c.mediaTimeout(cmd.sess)
	case cmdTick:
		cmd.emit()
	case cmdRepublish:
		c.publishOwn(ctx)
		c.expireSilent()
	default:
		log.Errorw("unknown command", "command", cmd)
	}
}
