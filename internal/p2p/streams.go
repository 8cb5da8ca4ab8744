package p2p

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/petervdpas/delta/internal/util"
)

// Stream is a bidirectional byte stream whose halves close independently.
// network.Stream satisfies it.
type Stream interface {
	io.ReadWriteCloser
	CloseRead() error
	CloseWrite() error
	Reset() error
}

// InboundStream is a stream a remote peer opened to us.
type InboundStream struct {
	Peer   peer.ID
	Stream Stream
}

// StreamOpenError reports that a stream to Peer could not be opened, either
// because the peer is unreachable or because opening timed out.
type StreamOpenError struct {
	Peer peer.ID
	Err  error
}

func (e *StreamOpenError) Error() string {
	return fmt.Sprintf("open stream to %s: %v", e.Peer, e.Err)
}

func (e *StreamOpenError) Unwrap() error { return e.Err }

// Streams negotiates the audio stream for one protocol ID.
type Streams struct {
	h       host.Host
	proto   protocol.ID
	timeout time.Duration
	ctx     context.Context

	once     sync.Once
	incoming chan InboundStream
}

func NewStreams(ctx context.Context, h host.Host, proto string, timeout time.Duration) *Streams {
	if timeout <= 0 {
		timeout = util.DefaultStreamTimeout
	}
	return &Streams{
		h:        h,
		proto:    protocol.ID(proto),
		timeout:  timeout,
		ctx:      ctx,
		incoming: make(chan InboundStream),
	}
}

// Incoming returns the sequence of streams remote peers open to us. The
// handler is registered on the first call; every later call returns the same
// channel. Streams arriving while nobody reads are held until the context
// passed to NewStreams is done, then reset.
func (s *Streams) Incoming() <-chan InboundStream {
	s.once.Do(func() {
		s.h.SetStreamHandler(s.proto, s.handle)
		log.Debugw("accepting streams", "protocol", s.proto)
	})
	return s.incoming
}

func (s *Streams) handle(st network.Stream) {
	in := InboundStream{Peer: st.Conn().RemotePeer(), Stream: st}
	select {
	case s.incoming <- in:
	case <-s.ctx.Done():
		_ = st.Reset()
	}
}

// OpenStream dials p if needed and opens the protocol stream. It fails with
// *StreamOpenError when the peer is unreachable or the bounded timeout expires.
func (s *Streams) OpenStream(ctx context.Context, p peer.ID) (Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.h.Connect(ctx, peer.AddrInfo{ID: p}); err != nil {
		return nil, &StreamOpenError{Peer: p, Err: fmt.Errorf("connect: %w", err)}
	}
	st, err := s.h.NewStream(ctx, p, s.proto)
	if err != nil {
		return nil, &StreamOpenError{Peer: p, Err: fmt.Errorf("stream: %w", err)}
	}
	return st, nil
}

// Close unregisters the handler. Incoming stays open so readers never see a
// spurious end of sequence.
func (s *Streams) Close() {
	s.h.RemoveStreamHandler(s.proto)
}
