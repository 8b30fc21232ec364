package transcribe

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"meetsrv/internal/core"
	"meetsrv/internal/domain"
	"meetsrv/internal/events"
	"meetsrv/internal/metrics"
	"meetsrv/internal/storage"
)

// Broadcaster fans an event out to every connection joined to a room. The
// event gateway implements it.
type Broadcaster interface {
	ToRoom(roomID domain.RoomID, event string, payload any)
}

// streamingClient is what a session holds onto; *StreamClient in
// production, a fake in tests.
type streamingClient interface {
	Start(ctx context.Context) error
	SendAudio(base64Chunk string)
	OnResult(fn func(Result))
	OnTerminal(fn func(error))
	Stop() error
}

type ManagerConfig struct {
	// LiveEnabled selects the live engine; without it every session runs
	// the simulated engine.
	LiveEnabled bool
	APIKey      string
	Model       string
	URL         string
	FFmpegPath  string

	MaxOutstanding int
	MaxRetries     int
	ReconnectBase  time.Duration

	// TickInterval paces the simulated engine. Defaults to one second.
	TickInterval time.Duration

	// Persist saves the room transcript to the store when a session stops.
	Persist bool
}

type sessionKey struct {
	roomID domain.RoomID
	peerID domain.PeerID
}

type session struct {
	roomID    domain.RoomID
	peerID    domain.PeerID
	startedAt time.Time

	// exactly one of the engines is wired: ticker goroutine (simulated) or
	// converter+client (live)
	tickerStop chan struct{}
	conv       *Converter
	client     streamingClient

	mu     sync.Mutex
	buffer [][]byte
}

// Manager owns the transcription sessions, at most one live session per
// (room, peer) key.
type Manager struct {
	cfg         ManagerConfig
	rooms       *core.Registry
	transcripts *core.TranscriptStore
	bus         Broadcaster
	store       storage.Store
	publisher   *events.Publisher

	// newClient is swapped by tests to avoid real dials.
	newClient func(ClientConfig) streamingClient

	mu       sync.Mutex
	sessions map[sessionKey]*session
}

func NewManager(cfg ManagerConfig, rooms *core.Registry, transcripts *core.TranscriptStore, store storage.Store, publisher *events.Publisher) *Manager {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Manager{
		cfg:         cfg,
		rooms:       rooms,
		transcripts: transcripts,
		store:       store,
		publisher:   publisher,
		newClient: func(cc ClientConfig) streamingClient {
			return NewStreamClient(cc)
		},
		sessions: make(map[sessionKey]*session),
	}
}

// Bind wires the broadcast collaborator. Called once at startup.
func (m *Manager) Bind(bus Broadcaster) {
	m.bus = bus
}

// Start creates a session for (roomID, peerID). It is idempotent: a second
// start for an existing key is a no-op returning success, also under
// concurrent invocation.
func (m *Manager) Start(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) error {
	key := sessionKey{roomID: roomID, peerID: peerID}
	m.mu.Lock()
	if _, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		return nil
	}
	s := &session{roomID: roomID, peerID: peerID, startedAt: time.Now()}
	m.sessions[key] = s
	m.mu.Unlock()
	metrics.Default.TranscriptionSessions.Inc()

	if m.cfg.LiveEnabled && m.cfg.APIKey != "" {
		if err := m.startLive(ctx, s); err == nil {
			return nil
		} else {
			log.Error().Err(err).Str("module", "transcribe.manager").
				Str("room", string(roomID)).Str("peer", string(peerID)).
				Msg("live engine failed to start, falling back to simulated")
		}
	}
	m.startSimulated(s)
	return nil
}

// startLive wires converter → base64 → stream client → room broadcast.
func (m *Manager) startLive(ctx context.Context, s *session) error {
	client := m.newClient(ClientConfig{
		APIKey:         m.cfg.APIKey,
		Model:          m.cfg.Model,
		URL:            m.cfg.URL,
		RoomID:         s.roomID,
		PeerID:         s.peerID,
		MaxOutstanding: m.cfg.MaxOutstanding,
		MaxRetries:     m.cfg.MaxRetries,
		ReconnectBase:  m.cfg.ReconnectBase,
	})
	client.OnResult(func(r Result) {
		m.emitSegment(s, r.Text, r.Partial)
	})
	client.OnTerminal(func(err error) {
		log.Error().Err(err).Str("module", "transcribe.manager").
			Str("room", string(s.roomID)).Str("peer", string(s.peerID)).
			Msg("streaming channel permanently lost")
	})

	conv, err := StartConverter(ctx, m.cfg.FFmpegPath, func(pcm []byte) {
		client.SendAudio(base64.StdEncoding.EncodeToString(pcm))
	})
	if err != nil {
		_ = client.Stop()
		return fmt.Errorf("start converter: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		conv.Close()
		return fmt.Errorf("start stream client: %w", err)
	}
	s.conv = conv
	s.client = client
	return nil
}

// startSimulated runs the deterministic offline engine: one partial segment
// per tick, plus a finalized variant on every 5th tick.
func (m *Manager) startSimulated(s *session) {
	stop := make(chan struct{})
	s.tickerStop = stop
	go func() {
		ticker := time.NewTicker(m.cfg.TickInterval)
		defer ticker.Stop()
		count := 0
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				count++
				text := fmt.Sprintf("Simulated transcript segment %d", count)
				m.emitSegment(s, text, true)
				if count%5 == 0 {
					m.emitSegment(s, "Finalized: "+text, false)
				}
			}
		}
	}()
}

// emitSegment stamps, broadcasts, stores and publishes one segment.
// Broadcast order follows production order per speaker.
func (m *Manager) emitSegment(s *session, text string, partial bool) {
	seg := domain.Segment{
		Speaker:     s.peerID,
		SpeakerName: m.speakerName(s.roomID, s.peerID),
		Text:        text,
		Timestamp:   time.Now().UnixMilli(),
		Partial:     partial,
	}
	if m.bus != nil {
		m.bus.ToRoom(s.roomID, "transcription:segment", seg)
		m.bus.ToRoom(s.roomID, "speaker-activity", map[string]any{"speaker": s.peerID})
	}
	m.transcripts.Append(s.roomID, seg)
	if m.publisher != nil {
		m.publisher.PublishSegment(context.Background(), s.roomID, seg)
	}
	kind := "final"
	if partial {
		kind = "partial"
	}
	metrics.Default.SegmentsTotal.WithLabelValues(kind).Inc()
}

func (m *Manager) speakerName(roomID domain.RoomID, peerID domain.PeerID) string {
	room, ok := m.rooms.Get(roomID)
	if !ok {
		return string(peerID)
	}
	peer, ok := room.Peer(peerID)
	if !ok || peer.Name == "" {
		return string(peerID)
	}
	return peer.Name
}

// PushAudio routes a base64 chunk to the session's conversion subprocess if
// present, else directly to the stream client, else buffers it. No-op when
// no session exists for the key.
func (m *Manager) PushAudio(roomID domain.RoomID, peerID domain.PeerID, base64Chunk string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionKey{roomID: roomID, peerID: peerID}]
	m.mu.Unlock()
	if !ok {
		return
	}
	if s.conv != nil {
		raw, err := base64.StdEncoding.DecodeString(base64Chunk)
		if err != nil {
			return
		}
		if err := s.conv.Write(raw); err != nil {
			log.Warn().Err(err).Str("module", "transcribe.manager").Msg("converter write failed")
		}
		return
	}
	if s.client != nil {
		s.client.SendAudio(base64Chunk)
		return
	}
	raw, err := base64.StdEncoding.DecodeString(base64Chunk)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.buffer = append(s.buffer, raw)
	s.mu.Unlock()
}

// Stop tears a session down. Every release step runs even if an earlier
// one fails; stopping an absent session is a harmless no-op. Idempotent.
func (m *Manager) Stop(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) {
	key := sessionKey{roomID: roomID, peerID: peerID}
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	metrics.Default.TranscriptionSessions.Dec()

	if s.tickerStop != nil {
		close(s.tickerStop)
	}
	if s.conv != nil {
		s.conv.CloseInput()
		s.conv.Close()
	}
	if s.client != nil {
		if err := s.client.Stop(); err != nil {
			log.Error().Err(err).Str("module", "transcribe.manager").Msg("stream client stop")
		}
	}

	if m.bus != nil {
		m.bus.ToRoom(roomID, "transcription:final", domain.Segment{
			Speaker:     peerID,
			SpeakerName: m.speakerName(roomID, peerID),
			Text:        fmt.Sprintf("Transcription ended for %s", peerID),
			Timestamp:   time.Now().UnixMilli(),
		})
	}

	if m.cfg.Persist && m.store != nil {
		payload, err := m.transcripts.ExportJSON(roomID)
		if err == nil {
			if _, err = m.store.Save(ctx, string(roomID), payload); err == nil {
				log.Info().Str("module", "transcribe.manager").Str("room", string(roomID)).Msg("transcript persisted")
			}
		}
		if err != nil {
			// Persistence failures never fail the stop path.
			log.Error().Err(err).Str("module", "transcribe.manager").Str("room", string(roomID)).Msg("persist transcript failed")
		}
	}

	log.Info().Str("module", "transcribe.manager").
		Str("room", string(roomID)).Str("peer", string(peerID)).
		Dur("duration", time.Since(s.startedAt)).Msg("session stopped")
}

// Has reports whether a live session exists for the key.
func (m *Manager) Has(roomID domain.RoomID, peerID domain.PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[sessionKey{roomID: roomID, peerID: peerID}]
	return ok
}
