package media

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"meetsrv/internal/core"
	"meetsrv/internal/domain"
)

// Notifier fans a room event out to every peer in the room except one. The
// event gateway implements it.
type Notifier interface {
	ToRoomExcept(roomID domain.RoomID, except domain.PeerID, event string, payload any)
}

// TranscriptionControl is the slice of the transcription manager the broker
// needs for the produce-time auto-start and producer-close cascades.
type TranscriptionControl interface {
	Start(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) error
	Stop(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID)
}

type BrokerConfig struct {
	// AutoStartTranscription starts a transcription session for a peer on
	// its first produced media.
	AutoStartTranscription bool
	// AutoCapture attaches a server-side plain-transport consumer to every
	// audio producer.
	AutoCapture bool
}

// NewProducerEvent is broadcast to the producer's room, excluding the
// producer's own connection.
type NewProducerEvent struct {
	ProducerID string        `json:"producerId"`
	SocketID   domain.PeerID `json:"socketId"`
	Kind       string        `json:"kind"`
}

// Broker lazily materializes one router per room and keeps per-connection
// transport, producer and consumer handles. Handles are never reused across
// connections.
type Broker struct {
	engine        Engine
	rooms         *core.Registry
	cfg           BrokerConfig
	notifier      Notifier
	transcription TranscriptionControl

	mu           sync.RWMutex
	producerPeer map[string]domain.PeerID
}

func NewBroker(engine Engine, rooms *core.Registry, cfg BrokerConfig) *Broker {
	return &Broker{
		engine:       engine,
		rooms:        rooms,
		cfg:          cfg,
		producerPeer: make(map[string]domain.PeerID),
	}
}

// Bind wires the broadcast and transcription collaborators. Called once at
// startup, before any connection is served.
func (b *Broker) Bind(n Notifier, t TranscriptionControl) {
	b.notifier = n
	b.transcription = t
}

// Conn holds the engine handles scoped to one peer's connection. All of them
// are discarded when the connection closes.
type Conn struct {
	PeerID domain.PeerID

	mu         sync.Mutex
	transports map[string]Transport
	producers  map[string]Producer
	consumers  map[string]Consumer
	captures   []Transport
}

func (b *Broker) NewConn(peerID domain.PeerID) *Conn {
	return &Conn{
		PeerID:     peerID,
		transports: make(map[string]Transport),
		producers:  make(map[string]Producer),
		consumers:  make(map[string]Consumer),
	}
}

func (c *Conn) transport(id string) (Transport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.transports[id]
	return t, ok
}

// EnsureRouter returns the room's router, creating it on first need. The
// room must exist; concurrent calls for the same room converge on a single
// router instance.
func (b *Broker) EnsureRouter(ctx context.Context, roomID domain.RoomID) (Router, error) {
	room, ok := b.rooms.Get(roomID)
	if !ok {
		return nil, ErrRoomNotFound
	}
	handle, err := room.EnsureRouter(func() (core.RouterHandle, error) {
		router, err := b.engine.CreateRouter(ctx)
		if err != nil {
			return nil, &EngineError{Op: "createRouter", Err: err}
		}
		return router, nil
	})
	if err != nil {
		return nil, err
	}
	return handle.(Router), nil
}

func (b *Broker) RouterCapabilities(ctx context.Context, roomID domain.RoomID) (RTPCapabilities, error) {
	router, err := b.EnsureRouter(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return router.RTPCapabilities(), nil
}

func (b *Broker) CreateWebRtcTransport(ctx context.Context, conn *Conn, roomID domain.RoomID) (TransportInfo, error) {
	router, err := b.EnsureRouter(ctx, roomID)
	if err != nil {
		return TransportInfo{}, err
	}
	t, err := router.CreateWebRtcTransport(ctx)
	if err != nil {
		return TransportInfo{}, err
	}
	conn.mu.Lock()
	conn.transports[t.ID()] = t
	conn.mu.Unlock()
	log.Info().Str("module", "media.broker").Str("peer", string(conn.PeerID)).
		Str("transport", t.ID()).Msg("webrtc transport created")
	return t.Info(), nil
}

func (b *Broker) CreatePlainTransport(ctx context.Context, conn *Conn, roomID domain.RoomID) (PlainTransportInfo, error) {
	router, err := b.EnsureRouter(ctx, roomID)
	if err != nil {
		return PlainTransportInfo{}, err
	}
	t, err := router.CreatePlainTransport(ctx)
	if err != nil {
		return PlainTransportInfo{}, err
	}
	conn.mu.Lock()
	conn.transports[t.ID()] = t
	conn.mu.Unlock()
	info, _ := t.PlainInfo()
	return info, nil
}

func (b *Broker) ConnectTransport(ctx context.Context, conn *Conn, transportID string, params RTPParameters) (RTPParameters, error) {
	t, ok := conn.transport(transportID)
	if !ok {
		return nil, ErrTransportNotFound
	}
	return t.Connect(ctx, params)
}

// Produce creates a producer on one of the connection's transports and runs
// the produce-time cascades: producer→peer bookkeeping, the newProducer and
// speaker-activity broadcasts, the optional transcription auto-start and the
// optional server-side capture.
func (b *Broker) Produce(ctx context.Context, conn *Conn, roomID domain.RoomID, transportID, kind string, rtpParameters RTPParameters) (string, error) {
	t, ok := conn.transport(transportID)
	if !ok {
		return "", ErrTransportNotFound
	}
	producer, err := t.Produce(ctx, kind, rtpParameters)
	if err != nil {
		return "", err
	}

	peerID := conn.PeerID
	conn.mu.Lock()
	conn.producers[producer.ID()] = producer
	conn.mu.Unlock()

	b.mu.Lock()
	b.producerPeer[producer.ID()] = peerID
	b.mu.Unlock()

	producerID := producer.ID()
	producer.OnClose(func() {
		b.mu.Lock()
		delete(b.producerPeer, producerID)
		b.mu.Unlock()
		if b.transcription != nil {
			b.transcription.Stop(context.Background(), roomID, peerID)
		}
	})

	if b.cfg.AutoStartTranscription && b.transcription != nil {
		if err := b.transcription.Start(ctx, roomID, peerID); err != nil {
			log.Error().Err(err).Str("module", "media.broker").
				Str("peer", string(peerID)).Msg("auto-start transcription failed")
		}
	}

	if b.notifier != nil {
		b.notifier.ToRoomExcept(roomID, peerID, "newProducer",
			NewProducerEvent{ProducerID: producerID, SocketID: peerID, Kind: kind})
		b.notifier.ToRoomExcept(roomID, peerID, "speaker-activity",
			map[string]any{"speaker": peerID})
	}

	if b.cfg.AutoCapture && kind == "audio" {
		b.startCapture(ctx, conn, roomID, producer)
	}

	log.Info().Str("module", "media.broker").Str("peer", string(peerID)).
		Str("producer", producerID).Str("kind", kind).Msg("producer created")
	return producerID, nil
}

// startCapture attaches a plain transport consumer to the producer so its
// media is available server-side. Best effort: a failure is logged and the
// produce call still succeeds.
func (b *Broker) startCapture(ctx context.Context, conn *Conn, roomID domain.RoomID, producer Producer) {
	router, err := b.EnsureRouter(ctx, roomID)
	if err != nil {
		log.Error().Err(err).Str("module", "media.broker").Msg("capture: no router")
		return
	}
	t, err := router.CreatePlainTransport(ctx)
	if err != nil {
		log.Error().Err(err).Str("module", "media.broker").Msg("capture: plain transport failed")
		return
	}
	if _, err := t.Consume(ctx, producer.ID(), router.RTPCapabilities()); err != nil {
		log.Warn().Err(err).Str("module", "media.broker").Msg("capture: consume failed")
		t.Close()
		return
	}
	conn.mu.Lock()
	conn.captures = append(conn.captures, t)
	conn.mu.Unlock()
	producer.OnClose(t.Close)
	if info, ok := t.PlainInfo(); ok {
		log.Info().Str("module", "media.broker").Str("producer", producer.ID()).
			Str("ip", info.IP).Int("port", info.Port).Msg("capture transport listening")
	}
}

// ConsumeResult is returned to the consuming client.
type ConsumeResult struct {
	ID            string        `json:"id"`
	ProducerID    string        `json:"producerId"`
	Kind          string        `json:"kind"`
	RTPParameters RTPParameters `json:"rtpParameters,omitempty"`
}

func (b *Broker) Consume(ctx context.Context, conn *Conn, roomID domain.RoomID, transportID, producerID string, caps RTPCapabilities) (ConsumeResult, error) {
	room, ok := b.rooms.Get(roomID)
	if !ok {
		return ConsumeResult{}, ErrRouterNotFound
	}
	handle, ok := room.Router()
	if !ok {
		return ConsumeResult{}, ErrRouterNotFound
	}
	router := handle.(Router)
	if !router.CanConsume(producerID, caps) {
		return ConsumeResult{}, ErrCannotConsume
	}
	t, ok := conn.transport(transportID)
	if !ok {
		return ConsumeResult{}, ErrTransportNotFound
	}
	consumer, err := t.Consume(ctx, producerID, caps)
	if err != nil {
		return ConsumeResult{}, err
	}
	conn.mu.Lock()
	conn.consumers[consumer.ID()] = consumer
	conn.mu.Unlock()
	return ConsumeResult{
		ID:            consumer.ID(),
		ProducerID:    consumer.ProducerID(),
		Kind:          consumer.Kind(),
		RTPParameters: consumer.RTPParameters(),
	}, nil
}

func (b *Broker) ResumeConsumer(conn *Conn, consumerID string) error {
	conn.mu.Lock()
	consumer, ok := conn.consumers[consumerID]
	conn.mu.Unlock()
	if !ok {
		return ErrConsumerNotFound
	}
	return consumer.Resume()
}

// OwnerOf resolves a producer to the peer that created it.
func (b *Broker) OwnerOf(producerID string) (domain.PeerID, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	peerID, ok := b.producerPeer[producerID]
	return peerID, ok
}

// CloseConn discards every handle the connection owns. Producer close hooks
// run here, cascading into transcription stops and capture teardown.
func (b *Broker) CloseConn(conn *Conn) {
	conn.mu.Lock()
	producers := conn.producers
	consumers := conn.consumers
	transports := conn.transports
	captures := conn.captures
	conn.producers = make(map[string]Producer)
	conn.consumers = make(map[string]Consumer)
	conn.transports = make(map[string]Transport)
	conn.captures = nil
	conn.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
	for _, c := range consumers {
		c.Close()
	}
	for _, t := range captures {
		t.Close()
	}
	for _, t := range transports {
		t.Close()
	}
	log.Info().Str("module", "media.broker").Str("peer", string(conn.PeerID)).Msg("connection handles closed")
}
