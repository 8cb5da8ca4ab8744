package state

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/petervdpas/delta/internal/proto"
	"github.com/petervdpas/delta/internal/util"
)

// Peer is what we know about one overlay participant. ID never changes; the
// rest is replaced by property_changed envelopes.
type Peer struct {
	ID            peer.ID             `json:"id"`
	Name          string              `json:"name"`
	Location      *proto.Location     `json:"location,omitempty"`
	Speed         float64             `json:"speed"`
	SignalQuality proto.SignalQuality `json:"signal_quality"`
	Icon          string              `json:"icon,omitempty"`
}

// Apply overwrites the fields carried by props, in order.
func (p *Peer) Apply(props []proto.Property) {
	for _, prop := range props {
		switch {
		case prop.Name != nil:
			p.Name = *prop.Name
		case prop.Location != nil:
			loc := *prop.Location
			p.Location = &loc
		case prop.Speed != nil:
			p.Speed = *prop.Speed
		case prop.SignalQuality != nil:
			p.SignalQuality = *prop.SignalQuality
		case prop.Icon != nil:
			p.Icon = *prop.Icon
		}
	}
}

func (p Peer) clone() Peer {
	if p.Location != nil {
		loc := *p.Location
		p.Location = &loc
	}
	return p
}

// Diff describes one registry mutation in list-model terms: at Position,
// Removed entries were replaced by Added entries.
type Diff struct {
	Position int `json:"position"`
	Removed  int `json:"removed"`
	Added    int `json:"added"`
}

// Registry is an insertion-ordered set of peers keyed by identity.
type Registry struct {
	mu    sync.Mutex
	order []peer.ID
	index map[peer.ID]int
	peers map[peer.ID]Peer

	listeners util.Listeners[Diff]
}

func NewRegistry() *Registry {
	return &Registry{
		index: map[peer.ID]int{},
		peers: map[peer.ID]Peer{},
	}
}

// Insert adds p, or replaces the entry with the same ID in place. It reports
// whether p was new.
func (r *Registry) Insert(p Peer) bool {
	r.mu.Lock()
	pos, exists := r.index[p.ID]
	r.peers[p.ID] = p.clone()
	d := Diff{Position: pos, Removed: 1, Added: 1}
	if !exists {
		pos = len(r.order)
		r.order = append(r.order, p.ID)
		r.index[p.ID] = pos
		d = Diff{Position: pos, Removed: 0, Added: 1}
	}
	r.mu.Unlock()

	r.listeners.Emit(d)
	return !exists
}

// Remove deletes the peer with id, shifting later entries down by one.
func (r *Registry) Remove(id peer.ID) bool {
	r.mu.Lock()
	pos, ok := r.index[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.index, id)
	delete(r.peers, id)
	r.order = append(r.order[:pos], r.order[pos+1:]...)
	for i := pos; i < len(r.order); i++ {
		r.index[r.order[i]] = i
	}
	r.mu.Unlock()

	r.listeners.Emit(Diff{Position: pos, Removed: 1, Added: 0})
	return true
}

func (r *Registry) Get(id peer.ID) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	return p.clone(), ok
}

// At returns the peer at position i in insertion order.
func (r *Registry) At(i int) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.order) {
		return Peer{}, false
	}
	return r.peers[r.order[i]].clone(), true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Peers returns a copy of all peers in insertion order.
func (r *Registry) Peers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.peers[id].clone())
	}
	return out
}

// OnChange registers fn to be called after every mutation, on the mutating
// goroutine. The returned function unregisters it.
func (r *Registry) OnChange(fn func(Diff)) (remove func()) {
	return r.listeners.Add(fn)
}
