package overlay

import (
	"io"
	"sync"

	"github.com/petervdpas/delta/internal/p2p"
)

// inboundHalf is the read side of the audio stream handed to the pipeline.
// done runs once, on the first read error or on Close.
type inboundHalf struct {
	s    p2p.Stream
	once sync.Once
	done func()
}

func newInboundHalf(s p2p.Stream, done func()) *inboundHalf {
	return &inboundHalf{s: s, done: done}
}

func (h *inboundHalf) Read(p []byte) (int, error) {
	n, err := h.s.Read(p)
	if err != nil {
		h.once.Do(h.done)
	}
	return n, err
}

func (h *inboundHalf) Close() error {
	err := h.s.CloseRead()
	h.once.Do(h.done)
	return err
}

// outboundHalf is the write side. done runs once, on the first write error or
// on Close.
type outboundHalf struct {
	s    p2p.Stream
	once sync.Once
	done func()
}

func newOutboundHalf(s p2p.Stream, done func()) *outboundHalf {
	return &outboundHalf{s: s, done: done}
}

func (h *outboundHalf) Write(p []byte) (int, error) {
	n, err := h.s.Write(p)
	if err != nil {
		h.once.Do(h.done)
	}
	return n, err
}

func (h *outboundHalf) Close() error {
	err := h.s.CloseWrite()
	h.once.Do(h.done)
	return err
}

// NullPipeline drains the remote audio and sends none. The outbound half is
// held open until the inbound one ends, so a call between two headless peers
// lasts until one side hangs up.
type NullPipeline struct {
	mu        sync.Mutex
	gen       uint64
	out       io.WriteCloser
	inputDone bool
}

func (n *NullPipeline) AttachInput(r io.ReadCloser) {
	n.mu.Lock()
	n.gen++
	gen := n.gen
	n.out = nil
	n.inputDone = false
	n.mu.Unlock()

	go func() {
		_, _ = io.Copy(io.Discard, r)
		_ = r.Close()

		n.mu.Lock()
		if n.gen != gen {
			n.mu.Unlock()
			return
		}
		n.inputDone = true
		w := n.out
		n.out = nil
		n.mu.Unlock()
		if w != nil {
			_ = w.Close()
		}
	}()
}

func (n *NullPipeline) AttachOutput(w io.WriteCloser) {
	n.mu.Lock()
	if n.inputDone {
		n.mu.Unlock()
		_ = w.Close()
		return
	}
	n.out = w
	n.mu.Unlock()
}
