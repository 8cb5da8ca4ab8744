// Package viewer bridges the overlay client to an external UI: events go out
// over a websocket and commands come back on the same connection.
package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petervdpas/delta/internal/call"
	"github.com/petervdpas/delta/internal/metrics"
	"github.com/petervdpas/delta/internal/overlay"
	"github.com/petervdpas/delta/internal/proto"
	"github.com/petervdpas/delta/internal/state"
	"github.com/petervdpas/delta/internal/util"
)

var log = logging.Logger("delta/viewer")

const (
	recentAlerts   = 32
	writeWait      = 10 * time.Second
	commandTimeout = 5 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The UI is served from elsewhere (a desktop shell or a dev server).
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Overlay is the part of the overlay client the viewer drives.
type Overlay interface {
	ID() peer.ID
	Registry() *state.Registry
	OnPeersChanged(fn func(state.Diff)) (remove func())
	OnAlert(fn func(overlay.AlertEvent)) (remove func())
	OnCall(fn func(overlay.CallEvent)) (remove func())
	ActiveCall(ctx context.Context) (call.Snapshot, bool, error)
	CallRequest(ctx context.Context, p peer.ID) error
	CallIncomingAccept(ctx context.Context) error
	CallIncomingDecline(ctx context.Context) error
	CallOutgoingCancel(ctx context.Context) error
	CallOngoingEnd(ctx context.Context) error
	PublishAlert(ctx context.Context, kind proto.AlertKind) error
}

// message is everything sent to the UI. Type selects which fields are set:
// hello (self), peers (peers, and diff when caused by a change), call (event,
// call), alert (alert), error (error).
type message struct {
	Type  string              `json:"type"`
	Self  peer.ID             `json:"self,omitempty"`
	Diff  *state.Diff         `json:"diff,omitempty"`
	Peers []state.Peer        `json:"peers,omitempty"`
	Event string              `json:"event,omitempty"`
	Call  *call.Snapshot      `json:"call,omitempty"`
	Alert *overlay.AlertEvent `json:"alert,omitempty"`
	Error string              `json:"error,omitempty"`
}

// command is everything the UI may send.
type command struct {
	Command string          `json:"command"`
	Peer    string          `json:"peer,omitempty"`
	Kind    proto.AlertKind `json:"kind,omitempty"`
}

type Viewer struct {
	ov      Overlay
	metrics *metrics.Metrics
	hub     *hub
	alerts  *util.RingBuffer[overlay.AlertEvent]
	remove  []func()
}

// New subscribes to ov. m may be nil, in which case /metrics is not served.
func New(ov Overlay, m *metrics.Metrics) *Viewer {
	v := &Viewer{
		ov:      ov,
		metrics: m,
		hub:     newHub(),
		alerts:  util.NewRingBuffer[overlay.AlertEvent](recentAlerts),
	}
	reg := ov.Registry()
	v.remove = append(v.remove,
		// Diffs are emitted by the owner right after the mutation, so the
		// list read here is the state the diff produced.
		ov.OnPeersChanged(func(d state.Diff) {
			v.hub.broadcast(message{Type: "peers", Diff: &d, Peers: reg.Peers()})
		}),
		ov.OnAlert(func(a overlay.AlertEvent) {
			v.alerts.Push(a)
			v.hub.broadcast(message{Type: "alert", Alert: &a})
		}),
		ov.OnCall(func(e overlay.CallEvent) {
			snap := e.Call
			v.hub.broadcast(message{Type: "call", Event: eventName(e.Kind), Call: &snap})
		}),
	)
	return v
}

func eventName(k call.EventKind) string {
	if k == call.EventDuration {
		return "duration"
	}
	return "state"
}

// Close unsubscribes from the overlay and disconnects every UI client.
func (v *Viewer) Close() {
	for _, fn := range v.remove {
		fn()
	}
	v.hub.closeAll()
}

func (v *Viewer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", v.serveWS)
	mux.Handle("/api/peers", noCache(http.HandlerFunc(v.servePeers)))
	mux.Handle("/api/call", noCache(http.HandlerFunc(v.serveCall)))
	if v.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(v.metrics.Registry, promhttp.HandlerOpts{}))
	}
	return mux
}

// Serve listens on addr until ctx is done.
func (v *Viewer) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           v.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
		v.Close()
	}()

	log.Infow("viewer listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("viewer: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

// GET /api/peers
func (v *Viewer) servePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	peers := v.ov.Registry().Peers()
	if peers == nil {
		peers = []state.Peer{}
	}
	writeJSON(w, peers)
}

// GET /api/call
func (v *Viewer) serveCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, ok, err := v.ov.ActiveCall(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	out := struct {
		Active bool           `json:"active"`
		Call   *call.Snapshot `json:"call,omitempty"`
	}{Active: ok}
	if ok {
		out.Call = &snap
	}
	writeJSON(w, out)
}

// GET /ws
func (v *Viewer) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugw("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close()

	// Subscribe before the greeting so nothing emitted meanwhile is lost.
	events, cancel := v.hub.subscribe()
	defer cancel()

	for _, m := range v.greeting(r.Context()) {
		if err := writeMessage(conn, m); err != nil {
			return
		}
	}

	replies := make(chan message, 8)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			var err error
			select {
			case b, ok := <-events:
				if !ok {
					_ = conn.Close()
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				err = conn.WriteMessage(websocket.TextMessage, b)
			case m := <-replies:
				err = writeMessage(conn, m)
			}
			if err != nil {
				log.Debugw("websocket write failed", "remote", r.RemoteAddr, "err", err)
				_ = conn.Close()
				return
			}
		}
	}()

	log.Debugw("ui connected", "remote", r.RemoteAddr)
	for {
		var cmd command
		if err := conn.ReadJSON(&cmd); err != nil {
			break
		}
		if err := v.exec(r.Context(), cmd); err != nil {
			select {
			case replies <- message{Type: "error", Error: err.Error()}:
			default:
			}
		}
	}
	cancel()
	<-writerDone
	log.Debugw("ui disconnected", "remote", r.RemoteAddr)
}

func writeMessage(conn *websocket.Conn, m message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(m)
}

// greeting is what a new UI client needs to catch up: who we are, the peer
// list, the active call and the recent alerts.
func (v *Viewer) greeting(ctx context.Context) []message {
	out := []message{
		{Type: "hello", Self: v.ov.ID()},
		{Type: "peers", Peers: v.ov.Registry().Peers()},
	}
	if snap, ok, err := v.ov.ActiveCall(ctx); err == nil && ok {
		out = append(out, message{Type: "call", Event: "state", Call: &snap})
	}
	for _, a := range v.alerts.Snapshot() {
		out = append(out, message{Type: "alert", Alert: &a})
	}
	return out
}

func (v *Viewer) exec(ctx context.Context, cmd command) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch cmd.Command {
	case "call_request":
		p, err := peer.Decode(cmd.Peer)
		if err != nil {
			return fmt.Errorf("call_request: bad peer %q: %w", cmd.Peer, err)
		}
		return v.ov.CallRequest(ctx, p)
	case "call_accept":
		return v.ov.CallIncomingAccept(ctx)
	case "call_decline":
		return v.ov.CallIncomingDecline(ctx)
	case "call_cancel":
		return v.ov.CallOutgoingCancel(ctx)
	case "call_end":
		return v.ov.CallOngoingEnd(ctx)
	case "alert":
		return v.ov.PublishAlert(ctx, cmd.Kind)
	}
	return fmt.Errorf("unknown command %q", cmd.Command)
}
