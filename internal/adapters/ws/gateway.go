package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"meetsrv/internal/core"
	"meetsrv/internal/domain"
	"meetsrv/internal/media"
	"meetsrv/internal/metrics"
)

var ErrBackpressure = errors.New("backpressure")

// sessionControl is what the gateway needs from the transcription side.
// *transcribe.Manager satisfies it.
type sessionControl interface {
	Start(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) error
	Stop(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID)
	PushAudio(roomID domain.RoomID, peerID domain.PeerID, base64Chunk string)
}

// Gateway owns the websocket connections and dispatches the wire events.
// It is the broadcast surface the broker and the transcription manager
// publish through.
type Gateway struct {
	rooms    *core.Registry
	broker   *media.Broker
	sessions sessionControl

	mu    sync.RWMutex
	conns map[domain.PeerID]*wsConn
}

func NewGateway(rooms *core.Registry, broker *media.Broker, sessions sessionControl) *Gateway {
	return &Gateway{
		rooms:    rooms,
		broker:   broker,
		sessions: sessions,
		conns:    make(map[domain.PeerID]*wsConn),
	}
}

type wsConn struct {
	conn   *websocket.Conn
	send   chan []byte
	peerID domain.PeerID
	media  *media.Conn

	mu     sync.RWMutex
	closed bool
	joined map[domain.RoomID]struct{}
}

func (c *wsConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *wsConn) markJoined(roomID domain.RoomID) {
	c.mu.Lock()
	c.joined[roomID] = struct{}{}
	c.mu.Unlock()
}

func (c *wsConn) markLeft(roomID domain.RoomID) {
	c.mu.Lock()
	delete(c.joined, roomID)
	c.mu.Unlock()
}

func (c *wsConn) joinedRooms() []domain.RoomID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.RoomID, 0, len(c.joined))
	for id := range c.joined {
		out = append(out, id)
	}
	return out
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWS upgrades the request and runs the read/write pumps for the
// connection lifetime. The peer identity comes from the client token
// cookie; a fresh id is minted when the middleware gave us none.
func (g *Gateway) HandleWS(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	if token == "" {
		token = uuid.NewString()
	}
	peerID := domain.PeerID(token)
	log.Info().Str("module", "ws").Str("peer", string(peerID)).Msg("new WS connection")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}

	wc := &wsConn{
		conn:   conn,
		send:   make(chan []byte, 32),
		peerID: peerID,
		media:  g.broker.NewConn(peerID),
		joined: make(map[domain.RoomID]struct{}),
	}

	g.mu.Lock()
	if old, ok := g.conns[peerID]; ok {
		// same token reconnected: the replacement inherits the room
		// membership and the stale connection is dropped
		for _, roomID := range old.joinedRooms() {
			wc.markJoined(roomID)
		}
		old.Close()
	}
	g.conns[peerID] = wc
	g.mu.Unlock()
	metrics.Default.ConnectionsActive.Inc()

	ctx, cancel := context.WithCancel(ctx)
	go g.writePump(ctx, wc)
	go func() {
		defer cancel()
		g.readPump(ctx, wc)
		g.disconnect(wc)
	}()
}

// disconnect runs the full teardown cascade for every room the
// connection had joined: transcription session first so its final
// segment still resolves the speaker, then registry removal, then the
// departure broadcast. The cascade only touches membership this
// connection still owns: once a reconnect of the same token has taken
// over in the conn table, the peer's rooms belong to the replacement.
func (g *Gateway) disconnect(wc *wsConn) {
	for _, roomID := range wc.joinedRooms() {
		if !g.owns(wc) {
			break
		}
		g.sessions.Stop(context.Background(), roomID, wc.peerID)
		g.rooms.RemovePeer(roomID, wc.peerID)
		g.ToRoom(roomID, "participant-left", map[string]any{"socketId": wc.peerID})
	}
	g.broker.CloseConn(wc.media)

	g.mu.Lock()
	if cur, ok := g.conns[wc.peerID]; ok && cur == wc {
		delete(g.conns, wc.peerID)
	}
	g.mu.Unlock()
	metrics.Default.ConnectionsActive.Dec()
	log.Info().Str("module", "ws").Str("peer", string(wc.peerID)).Msg("connection closed")
}

// owns reports whether wc is still the registered connection for its peer.
func (g *Gateway) owns(wc *wsConn) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.conns[wc.peerID] == wc
}

// ToRoom delivers an event to every connected peer of the room.
func (g *Gateway) ToRoom(roomID domain.RoomID, event string, payload any) {
	g.broadcast(roomID, "", event, payload)
}

// ToRoomExcept delivers an event to every connected peer of the room
// except one. The broker uses it for newProducer announcements.
func (g *Gateway) ToRoomExcept(roomID domain.RoomID, except domain.PeerID, event string, payload any) {
	g.broadcast(roomID, except, event, payload)
}

func (g *Gateway) broadcast(roomID domain.RoomID, except domain.PeerID, event string, payload any) {
	for _, p := range g.rooms.ListPeers(roomID) {
		if p.ID == except {
			continue
		}
		g.mu.RLock()
		wc, ok := g.conns[p.ID]
		g.mu.RUnlock()
		if !ok {
			continue
		}
		g.sendEvent(wc, event, payload)
	}
}
