package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"meetsrv/internal/core"
	"meetsrv/internal/domain"
	"meetsrv/internal/media"
)

type fakeSessions struct {
	mu      sync.Mutex
	started []string
	stopped []string
	audio   []string
}

func key(roomID domain.RoomID, peerID domain.PeerID) string {
	return string(roomID) + "/" + string(peerID)
}

func (f *fakeSessions) Start(_ context.Context, roomID domain.RoomID, peerID domain.PeerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, key(roomID, peerID))
	return nil
}

func (f *fakeSessions) Stop(_ context.Context, roomID domain.RoomID, peerID domain.PeerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, key(roomID, peerID))
}

func (f *fakeSessions) PushAudio(roomID domain.RoomID, peerID domain.PeerID, chunk string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, key(roomID, peerID)+":"+chunk)
}

func (f *fakeSessions) snapshot() (started, stopped, audio []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...),
		append([]string(nil), f.stopped...),
		append([]string(nil), f.audio...)
}

type wsClient struct {
	conn   *websocket.Conn
	frames []outFrame
}

func dialClient(t *testing.T, url, token string) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{conn: conn}
}

func (c *wsClient) send(t *testing.T, eventType, id string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := c.conn.WriteJSON(envelope{Type: eventType, ID: id, Data: raw}); err != nil {
		t.Fatalf("write %s: %v", eventType, err)
	}
}

// waitFrame reads until a frame of the wanted type arrives; other frames are
// buffered and skipped.
func (c *wsClient) waitFrame(t *testing.T, eventType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_ = c.conn.SetReadDeadline(deadline)
		var frame outFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read waiting for %s: %v", eventType, err)
		}
		c.frames = append(c.frames, frame)
		if frame.Type == eventType {
			payload, _ := frame.Data.(map[string]any)
			return payload
		}
	}
	t.Fatalf("no %s frame within deadline", eventType)
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, string, *Gateway, *fakeSessions, *core.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rooms := core.NewRegistry()
	broker := media.NewBroker(media.NewPionEngine(media.DefaultWebRTCConfig()), rooms, media.BrokerConfig{})
	sessions := &fakeSessions{}
	g := NewGateway(rooms, broker, sessions)
	broker.Bind(g, nil)

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Set("client_token", c.Query("token"))
		g.HandleWS(context.Background(), c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return srv, url, g, sessions, rooms
}

func TestJoinAndPeerBroadcasts(t *testing.T) {
	_, url, _, _, rooms := newTestServer(t)

	alice := dialClient(t, url, "p1")
	alice.send(t, "createRoom", "1", map[string]any{"roomId": "room-1"})
	ack := alice.waitFrame(t, "createRoom")
	if ack["ok"] != true || ack["roomId"] != "room-1" {
		t.Fatalf("bad createRoom ack: %v", ack)
	}

	alice.send(t, "joinRoom", "2", map[string]any{"roomId": "room-1", "name": "Alice"})
	ack = alice.waitFrame(t, "joinRoom")
	if peers := ack["peers"].([]any); len(peers) != 1 {
		t.Fatalf("expected 1 peer in join ack, got %v", ack)
	}

	bob := dialClient(t, url, "p2")
	bob.send(t, "joinRoom", "1", map[string]any{"roomId": "room-1", "name": "Bob"})
	bob.waitFrame(t, "joinRoom")

	// the join is announced to the already-present peer only
	joined := alice.waitFrame(t, "participant-joined")
	if joined["socketId"] != "p2" || joined["name"] != "Bob" {
		t.Fatalf("bad participant-joined payload: %v", joined)
	}

	bob.send(t, "getPeers", "2", map[string]any{"roomId": "room-1"})
	ack = bob.waitFrame(t, "getPeers")
	if peers := ack["peers"].([]any); len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %v", ack)
	}

	bob.send(t, "leaveRoom", "", map[string]any{"roomId": "room-1"})
	left := alice.waitFrame(t, "participant-left")
	if left["socketId"] != "p2" {
		t.Fatalf("bad participant-left payload: %v", left)
	}

	waitCond(t, func() bool { return len(rooms.ListPeers("room-1")) == 1 })
}

func TestTranscriptionEvents(t *testing.T) {
	_, url, _, sessions, _ := newTestServer(t)

	alice := dialClient(t, url, "p1")
	alice.send(t, "joinRoom", "1", map[string]any{"roomId": "room-1", "name": "Alice"})
	alice.waitFrame(t, "joinRoom")

	alice.send(t, "transcription:start", "2", map[string]any{"roomId": "room-1"})
	ack := alice.waitFrame(t, "transcription:start")
	if ack["ok"] != true {
		t.Fatalf("bad start ack: %v", ack)
	}

	alice.send(t, "transcription:audio", "", map[string]any{"roomId": "room-1", "data": "Y2h1bms="})
	alice.send(t, "transcription:stop", "", map[string]any{"roomId": "room-1"})

	waitCond(t, func() bool {
		started, stopped, audio := sessions.snapshot()
		return len(started) == 1 && len(stopped) == 1 && len(audio) == 1
	})
	started, stopped, audio := sessions.snapshot()
	if started[0] != "room-1/p1" || stopped[0] != "room-1/p1" {
		t.Fatalf("wrong session keys: start=%v stop=%v", started, stopped)
	}
	if audio[0] != "room-1/p1:Y2h1bms=" {
		t.Fatalf("wrong audio routing: %v", audio)
	}
}

func TestDisconnectCascade(t *testing.T) {
	_, url, _, sessions, rooms := newTestServer(t)

	alice := dialClient(t, url, "p1")
	alice.send(t, "joinRoom", "1", map[string]any{"roomId": "room-1", "name": "Alice"})
	alice.waitFrame(t, "joinRoom")

	bob := dialClient(t, url, "p2")
	bob.send(t, "joinRoom", "1", map[string]any{"roomId": "room-1", "name": "Bob"})
	bob.waitFrame(t, "joinRoom")
	alice.waitFrame(t, "participant-joined")

	// dropping the socket must stop the session, remove the peer and
	// announce the departure
	_ = bob.conn.Close()

	left := alice.waitFrame(t, "participant-left")
	if left["socketId"] != "p2" {
		t.Fatalf("bad participant-left payload: %v", left)
	}
	waitCond(t, func() bool {
		_, stopped, _ := sessions.snapshot()
		return len(stopped) == 1 && stopped[0] == "room-1/p2"
	})
	waitCond(t, func() bool { return len(rooms.ListPeers("room-1")) == 1 })
}

func TestStaleTeardownSkipsTakenOverPeer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rooms := core.NewRegistry()
	broker := media.NewBroker(media.NewPionEngine(media.DefaultWebRTCConfig()), rooms, media.BrokerConfig{})
	sessions := &fakeSessions{}
	g := NewGateway(rooms, broker, sessions)
	broker.Bind(g, nil)

	stale := &wsConn{
		send:   make(chan []byte, 1),
		peerID: "p1",
		media:  broker.NewConn("p1"),
		joined: map[domain.RoomID]struct{}{"room-1": {}},
	}
	rooms.AddPeer("room-1", &domain.Peer{ID: "p1", Name: "Alice"})

	// the same token reconnects and takes over before the stale
	// connection's teardown gets to run
	fresh := &wsConn{
		send:   make(chan []byte, 1),
		peerID: "p1",
		media:  broker.NewConn("p1"),
		joined: map[domain.RoomID]struct{}{"room-1": {}},
	}
	g.mu.Lock()
	g.conns["p1"] = fresh
	g.mu.Unlock()

	g.disconnect(stale)

	if peers := rooms.ListPeers("room-1"); len(peers) != 1 {
		t.Fatalf("stale teardown evicted the taken-over peer: %v", peers)
	}
	if _, stopped, _ := sessions.snapshot(); len(stopped) != 0 {
		t.Fatalf("stale teardown stopped the replacement's session: %v", stopped)
	}
	g.mu.RLock()
	cur := g.conns["p1"]
	g.mu.RUnlock()
	if cur != fresh {
		t.Fatalf("replacement connection lost its conn table entry")
	}
}

func TestReconnectInheritsMembership(t *testing.T) {
	_, url, g, _, rooms := newTestServer(t)

	first := dialClient(t, url, "p1")
	first.send(t, "joinRoom", "1", map[string]any{"roomId": "room-1", "name": "Alice"})
	first.waitFrame(t, "joinRoom")

	second := dialClient(t, url, "p1")
	// the stale connection is closed by the takeover and its teardown
	// must leave the membership in place
	waitCond(t, func() bool {
		g.mu.RLock()
		wc, ok := g.conns["p1"]
		g.mu.RUnlock()
		if !ok {
			return false
		}
		for _, id := range wc.joinedRooms() {
			if id == "room-1" {
				return true
			}
		}
		return false
	})
	if peers := rooms.ListPeers("room-1"); len(peers) != 1 {
		t.Fatalf("membership lost across reconnect: %v", peers)
	}

	// the inherited room is torn down when the replacement disconnects
	_ = second.conn.Close()
	waitCond(t, func() bool { return len(rooms.ListPeers("room-1")) == 0 })
}

func TestUnknownEventIgnored(t *testing.T) {
	_, url, _, _, _ := newTestServer(t)
	alice := dialClient(t, url, "p1")
	alice.send(t, "bogus", "1", map[string]any{})

	// the connection survives and keeps serving
	alice.send(t, "createRoom", "2", map[string]any{"roomId": "room-1"})
	ack := alice.waitFrame(t, "createRoom")
	if ack["ok"] != true {
		t.Fatalf("connection unusable after unknown event: %v", ack)
	}
}

func waitCond(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}
