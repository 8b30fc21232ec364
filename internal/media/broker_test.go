package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"meetsrv/internal/core"
	"meetsrv/internal/domain"
)

type fakeEngine struct {
	created atomic.Int32
	fail    bool
}

func (e *fakeEngine) CreateRouter(context.Context) (Router, error) {
	if e.fail {
		return nil, errors.New("engine down")
	}
	n := e.created.Add(1)
	return &fakeRouter{id: fmt.Sprintf("router-%d", n), consumable: true}, nil
}

type fakeRouter struct {
	id         string
	consumable bool
	closed     atomic.Int32
	nextID     atomic.Int32
}

func (r *fakeRouter) ID() string                       { return r.id }
func (r *fakeRouter) RTPCapabilities() RTPCapabilities { return RTPCapabilities(`{"codecs":[]}`) }
func (r *fakeRouter) CreateWebRtcTransport(context.Context) (Transport, error) {
	return &fakeTransport{id: fmt.Sprintf("%s-t%d", r.id, r.nextID.Add(1)), router: r}, nil
}
func (r *fakeRouter) CreatePlainTransport(context.Context) (Transport, error) {
	return &fakeTransport{id: fmt.Sprintf("%s-p%d", r.id, r.nextID.Add(1)), router: r, plain: true}, nil
}
func (r *fakeRouter) CanConsume(string, RTPCapabilities) bool { return r.consumable }
func (r *fakeRouter) Close()                                  { r.closed.Add(1) }

type fakeTransport struct {
	id     string
	router *fakeRouter
	plain  bool
	closed atomic.Int32
}

func (t *fakeTransport) ID() string          { return t.id }
func (t *fakeTransport) Info() TransportInfo { return TransportInfo{ID: t.id} }
func (t *fakeTransport) PlainInfo() (PlainTransportInfo, bool) {
	if !t.plain {
		return PlainTransportInfo{}, false
	}
	return PlainTransportInfo{ID: t.id, IP: "127.0.0.1", Port: 5004}, true
}
func (t *fakeTransport) Connect(_ context.Context, params RTPParameters) (RTPParameters, error) {
	return params, nil
}
func (t *fakeTransport) Produce(_ context.Context, kind string, _ RTPParameters) (Producer, error) {
	return &fakeProducer{id: t.id + "-prod", kind: kind}, nil
}
func (t *fakeTransport) Consume(_ context.Context, producerID string, _ RTPCapabilities) (Consumer, error) {
	return &fakeConsumer{id: t.id + "-cons", producerID: producerID}, nil
}
func (t *fakeTransport) Close() { t.closed.Add(1) }

type fakeProducer struct {
	id    string
	kind  string
	mu    sync.Mutex
	hooks []func()
	done  bool
}

func (p *fakeProducer) ID() string   { return p.id }
func (p *fakeProducer) Kind() string { return p.kind }
func (p *fakeProducer) OnClose(fn func()) {
	p.mu.Lock()
	p.hooks = append(p.hooks, fn)
	p.mu.Unlock()
}
func (p *fakeProducer) Close() {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	hooks := p.hooks
	p.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

type fakeConsumer struct {
	id         string
	producerID string
	resumed    atomic.Int32
	closed     atomic.Int32
}

func (c *fakeConsumer) ID() string                   { return c.id }
func (c *fakeConsumer) ProducerID() string           { return c.producerID }
func (c *fakeConsumer) Kind() string                 { return "audio" }
func (c *fakeConsumer) RTPParameters() RTPParameters { return nil }
func (c *fakeConsumer) Resume() error                { c.resumed.Add(1); return nil }
func (c *fakeConsumer) Close()                       { c.closed.Add(1) }

type captureNotifier struct {
	mu     sync.Mutex
	events []string
	except []domain.PeerID
}

func (n *captureNotifier) ToRoomExcept(_ domain.RoomID, except domain.PeerID, event string, _ any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	n.except = append(n.except, except)
}

type captureControl struct {
	mu      sync.Mutex
	started []domain.PeerID
	stopped []domain.PeerID
}

func (c *captureControl) Start(_ context.Context, _ domain.RoomID, peerID domain.PeerID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, peerID)
	return nil
}

func (c *captureControl) Stop(_ context.Context, _ domain.RoomID, peerID domain.PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = append(c.stopped, peerID)
}

func newTestBroker(t *testing.T, cfg BrokerConfig) (*Broker, *core.Registry, *fakeEngine, *captureNotifier, *captureControl) {
	t.Helper()
	engine := &fakeEngine{}
	rooms := core.NewRegistry()
	b := NewBroker(engine, rooms, cfg)
	n := &captureNotifier{}
	ctl := &captureControl{}
	b.Bind(n, ctl)
	return b, rooms, engine, n, ctl
}

func TestEnsureRouterRequiresRoom(t *testing.T) {
	b, _, _, _, _ := newTestBroker(t, BrokerConfig{})
	if _, err := b.EnsureRouter(context.Background(), "nope"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestEnsureRouterSingleInstance(t *testing.T) {
	b, rooms, engine, _, _ := newTestBroker(t, BrokerConfig{})
	rooms.CreateRoom("room-1")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.EnsureRouter(context.Background(), "room-1"); err != nil {
				t.Errorf("ensure router: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := engine.created.Load(); got != 1 {
		t.Fatalf("expected exactly one router, engine created %d", got)
	}
}

func TestEnsureRouterEngineFailure(t *testing.T) {
	engine := &fakeEngine{fail: true}
	rooms := core.NewRegistry()
	rooms.CreateRoom("room-1")
	b := NewBroker(engine, rooms, BrokerConfig{})

	_, err := b.EnsureRouter(context.Background(), "room-1")
	var engErr *EngineError
	if !errors.As(err, &engErr) {
		t.Fatalf("expected EngineError, got %v", err)
	}

	// the failure must not poison the room: a healthy engine succeeds after
	engine.fail = false
	if _, err := b.EnsureRouter(context.Background(), "room-1"); err != nil {
		t.Fatalf("retry after engine recovery: %v", err)
	}
}

func TestProduceBroadcastsAndTracksOwner(t *testing.T) {
	b, rooms, _, n, ctl := newTestBroker(t, BrokerConfig{})
	rooms.AddPeer("room-1", &domain.Peer{ID: "p1"})
	conn := b.NewConn("p1")

	info, err := b.CreateWebRtcTransport(context.Background(), conn, "room-1")
	if err != nil {
		t.Fatalf("create transport: %v", err)
	}
	producerID, err := b.Produce(context.Background(), conn, "room-1", info.ID, "audio", nil)
	if err != nil {
		t.Fatalf("produce: %v", err)
	}

	owner, ok := b.OwnerOf(producerID)
	if !ok || owner != "p1" {
		t.Fatalf("expected owner p1, got %q ok=%v", owner, ok)
	}

	if len(n.events) != 2 || n.events[0] != "newProducer" || n.events[1] != "speaker-activity" {
		t.Fatalf("unexpected broadcast events: %v", n.events)
	}
	for _, except := range n.except {
		if except != "p1" {
			t.Fatalf("broadcast must exclude the producer, excluded %q", except)
		}
	}
	if len(ctl.started) != 0 {
		t.Fatalf("transcription must not auto-start without the flag")
	}
}

func TestProduceAutoStartsTranscription(t *testing.T) {
	b, rooms, _, _, ctl := newTestBroker(t, BrokerConfig{AutoStartTranscription: true})
	rooms.AddPeer("room-1", &domain.Peer{ID: "p1"})
	conn := b.NewConn("p1")

	info, err := b.CreateWebRtcTransport(context.Background(), conn, "room-1")
	if err != nil {
		t.Fatalf("create transport: %v", err)
	}
	if _, err := b.Produce(context.Background(), conn, "room-1", info.ID, "audio", nil); err != nil {
		t.Fatalf("produce: %v", err)
	}
	if len(ctl.started) != 1 || ctl.started[0] != "p1" {
		t.Fatalf("expected auto-start for p1, got %v", ctl.started)
	}
}

func TestProducerCloseCascades(t *testing.T) {
	b, rooms, _, _, ctl := newTestBroker(t, BrokerConfig{})
	rooms.AddPeer("room-1", &domain.Peer{ID: "p1"})
	conn := b.NewConn("p1")

	info, _ := b.CreateWebRtcTransport(context.Background(), conn, "room-1")
	producerID, err := b.Produce(context.Background(), conn, "room-1", info.ID, "audio", nil)
	if err != nil {
		t.Fatalf("produce: %v", err)
	}

	b.CloseConn(conn)

	if _, ok := b.OwnerOf(producerID); ok {
		t.Fatalf("producer mapping must be dropped on close")
	}
	if len(ctl.stopped) != 1 || ctl.stopped[0] != "p1" {
		t.Fatalf("expected transcription stop for p1, got %v", ctl.stopped)
	}
}

func TestConsumeCapabilityMismatch(t *testing.T) {
	b, rooms, _, _, _ := newTestBroker(t, BrokerConfig{})
	rooms.AddPeer("room-1", &domain.Peer{ID: "p1"})
	conn := b.NewConn("p1")

	info, _ := b.CreateWebRtcTransport(context.Background(), conn, "room-1")
	producerID, _ := b.Produce(context.Background(), conn, "room-1", info.ID, "audio", nil)

	room, _ := rooms.Get("room-1")
	handle, _ := room.Router()
	handle.(*fakeRouter).consumable = false

	_, err := b.Consume(context.Background(), conn, "room-1", info.ID, producerID, nil)
	if !errors.Is(err, ErrCannotConsume) {
		t.Fatalf("expected ErrCannotConsume, got %v", err)
	}
}

func TestConsumeAndResume(t *testing.T) {
	b, rooms, _, _, _ := newTestBroker(t, BrokerConfig{})
	rooms.AddPeer("room-1", &domain.Peer{ID: "p1"})
	conn := b.NewConn("p1")

	info, _ := b.CreateWebRtcTransport(context.Background(), conn, "room-1")
	producerID, _ := b.Produce(context.Background(), conn, "room-1", info.ID, "audio", nil)

	res, err := b.Consume(context.Background(), conn, "room-1", info.ID, producerID, nil)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if res.ProducerID != producerID {
		t.Fatalf("consume result points at wrong producer: %+v", res)
	}
	if err := b.ResumeConsumer(conn, res.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := b.ResumeConsumer(conn, "nope"); !errors.Is(err, ErrConsumerNotFound) {
		t.Fatalf("expected ErrConsumerNotFound, got %v", err)
	}
}

func TestAutoCaptureOnAudioProduce(t *testing.T) {
	b, rooms, _, _, _ := newTestBroker(t, BrokerConfig{AutoCapture: true})
	rooms.AddPeer("room-1", &domain.Peer{ID: "p1"})
	conn := b.NewConn("p1")

	info, _ := b.CreateWebRtcTransport(context.Background(), conn, "room-1")
	if _, err := b.Produce(context.Background(), conn, "room-1", info.ID, "audio", nil); err != nil {
		t.Fatalf("produce: %v", err)
	}
	conn.mu.Lock()
	captures := len(conn.captures)
	conn.mu.Unlock()
	if captures != 1 {
		t.Fatalf("expected one capture transport, got %d", captures)
	}

	// video producers are not captured
	if _, err := b.Produce(context.Background(), conn, "room-1", info.ID, "video", nil); err != nil {
		t.Fatalf("produce video: %v", err)
	}
	conn.mu.Lock()
	captures = len(conn.captures)
	conn.mu.Unlock()
	if captures != 1 {
		t.Fatalf("video produce must not add a capture, got %d", captures)
	}
}

func TestConnectUnknownTransport(t *testing.T) {
	b, rooms, _, _, _ := newTestBroker(t, BrokerConfig{})
	rooms.CreateRoom("room-1")
	conn := b.NewConn("p1")
	if _, err := b.ConnectTransport(context.Background(), conn, "nope", nil); !errors.Is(err, ErrTransportNotFound) {
		t.Fatalf("expected ErrTransportNotFound, got %v", err)
	}
}
