// Package core owns in-memory room and transcript state. It is safe for
// concurrent use from multiple connection contexts and never touches
// adapter-owned resources except the room's media router handle, which it
// closes when the room empties.
package core

import (
	"sync"

	"github.com/rs/zerolog/log"

	"meetsrv/internal/domain"
	"meetsrv/internal/metrics"
)

// RouterHandle is the slice of a media router the registry needs: it only
// ever closes it, exactly once, when the owning room is deleted.
type RouterHandle interface {
	Close()
}

// Room is a threadsafe in-memory room. The router handle is created lazily
// by the media layer; concurrent EnsureRouter calls converge on one instance.
type Room struct {
	ID domain.RoomID

	mu     sync.RWMutex
	peers  map[domain.PeerID]*domain.Peer
	router RouterHandle
}

func newRoom(id domain.RoomID) *Room {
	return &Room{ID: id, peers: make(map[domain.PeerID]*domain.Peer)}
}

func (r *Room) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Room) Peer(id domain.PeerID) (*domain.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// PeersSnapshot returns a copy of the membership set for APIs and broadcasts.
func (r *Room) PeersSnapshot() []domain.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// EnsureRouter returns the room's router, creating it with create on first
// need. The room lock is held across creation so a concurrent caller cannot
// materialize a second router for the same room.
func (r *Room) EnsureRouter(create func() (RouterHandle, error)) (RouterHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.router != nil {
		return r.router, nil
	}
	router, err := create()
	if err != nil {
		return nil, err
	}
	r.router = router
	log.Info().Str("module", "core.room").Str("room", string(r.ID)).Msg("router created")
	return router, nil
}

func (r *Room) Router() (RouterHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.router, r.router != nil
}

func (r *Room) addPeer(p *domain.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.ID] = p
	log.Info().Str("module", "core.room").Str("room", string(r.ID)).Str("peer", string(p.ID)).Msg("peer added")
}

// removePeer reports whether the room became empty. The router handle
// stays attached; it is only detached together with the registry's map
// delete, so a rejoin racing the removal keeps a working router.
func (r *Room) removePeer(id domain.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; !ok {
		return len(r.peers) == 0
	}
	delete(r.peers, id)
	log.Info().Str("module", "core.room").Str("room", string(r.ID)).Str("peer", string(id)).Msg("peer removed")
	return len(r.peers) == 0
}

// detachRouter removes and returns the router handle, if any.
func (r *Room) detachRouter() RouterHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	router := r.router
	r.router = nil
	return router
}

// Registry owns room membership state. All operations are synchronous and
// in-memory; there is no persistence.
type Registry struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*Room
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[domain.RoomID]*Room)}
}

// CreateRoom is idempotent: it returns the existing room if present.
func (reg *Registry) CreateRoom(id domain.RoomID) *Room {
	reg.mu.RLock()
	room, ok := reg.rooms[id]
	reg.mu.RUnlock()
	if ok {
		return room
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if room, ok = reg.rooms[id]; ok {
		return room
	}
	room = newRoom(id)
	reg.rooms[id] = room
	metrics.Default.RoomsActive.Inc()
	log.Info().Str("module", "core.registry").Str("room", string(id)).Msg("room created")
	return room
}

func (reg *Registry) Get(id domain.RoomID) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	room, ok := reg.rooms[id]
	return room, ok
}

// AddPeer creates the room if absent.
func (reg *Registry) AddPeer(roomID domain.RoomID, peer *domain.Peer) *Room {
	room := reg.CreateRoom(roomID)
	room.addPeer(peer)
	return room
}

// RemovePeer is a no-op if the room or peer is absent. If removal empties
// the room, the room is deleted and its router (if any) is closed.
func (reg *Registry) RemovePeer(roomID domain.RoomID, peerID domain.PeerID) {
	reg.mu.RLock()
	room, ok := reg.rooms[roomID]
	reg.mu.RUnlock()
	if !ok {
		return
	}
	if !room.removePeer(peerID) {
		return
	}
	var router RouterHandle
	reg.mu.Lock()
	// Re-check under the write lock: a peer may have joined between the
	// emptiness check and here, in which case the room and its router stay.
	if room.PeerCount() == 0 {
		delete(reg.rooms, roomID)
		router = room.detachRouter()
		metrics.Default.RoomsActive.Dec()
		log.Info().Str("module", "core.registry").Str("room", string(roomID)).Msg("room deleted")
	}
	reg.mu.Unlock()
	if router != nil {
		router.Close()
		log.Info().Str("module", "core.registry").Str("room", string(roomID)).Msg("router closed")
	}
}

// ListPeers returns an empty slice if the room is absent; it never errors.
func (reg *Registry) ListPeers(roomID domain.RoomID) []domain.Peer {
	reg.mu.RLock()
	room, ok := reg.rooms[roomID]
	reg.mu.RUnlock()
	if !ok {
		return []domain.Peer{}
	}
	return room.PeersSnapshot()
}
