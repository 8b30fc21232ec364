package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"meetsrv/internal/domain"
	"meetsrv/internal/metrics"
)

var (
	ErrStopped          = errors.New("stream client stopped")
	ErrRetriesExhausted = errors.New("stream client retries exhausted")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	defaultMaxOutstanding = 8
	defaultMaxRetries     = 10
	defaultReconnectBase  = 500 * time.Millisecond
	maxReconnectDelay     = 30 * time.Second
	writeTimeout          = 5 * time.Second
)

// wsConn is the slice of a websocket connection the client uses. Tests
// substitute it through ClientConfig.Dial.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Dialer func(ctx context.Context, url string, header http.Header) (wsConn, error)

func defaultDial(ctx context.Context, url string, header http.Header) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type ClientConfig struct {
	APIKey string
	Model  string
	// URL overrides the realtime endpoint; the model query parameter is
	// appended to the default when unset.
	URL    string
	RoomID domain.RoomID
	PeerID domain.PeerID

	MaxOutstanding int
	MaxRetries     int
	ReconnectBase  time.Duration

	Dial Dialer
}

func (cfg *ClientConfig) setDefaults() {
	if cfg.Model == "" {
		cfg.Model = "transcribe-4o"
	}
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = defaultMaxOutstanding
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}
	if cfg.Dial == nil {
		cfg.Dial = defaultDial
	}
}

func (cfg *ClientConfig) url() string {
	if cfg.URL != "" {
		return cfg.URL
	}
	return "wss://api.openai.com/v1/realtime?model=" + cfg.Model
}

// StreamClient is a resilient bidirectional streaming connection to the
// external transcription service. Outbound audio chunks go through an
// unbounded ordered queue drained with at most MaxOutstanding chunks in
// flight; unexpected channel loss triggers exponential-backoff reconnection
// until MaxRetries consecutive failures.
type StreamClient struct {
	cfg ClientConfig

	mu       sync.Mutex
	state    State
	conn     wsConn
	gen      int
	queue    []string
	inFlight int
	retries  int
	stopped  bool
	draining bool

	onResult   func(Result)
	onTerminal func(error)
}

func NewStreamClient(cfg ClientConfig) *StreamClient {
	cfg.setDefaults()
	return &StreamClient{cfg: cfg}
}

// OnResult registers the callback invoked for every parsed transcription
// result. Must be set before Start.
func (c *StreamClient) OnResult(fn func(Result)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onResult = fn
}

// OnTerminal registers the callback invoked once when the reconnect budget
// is exhausted.
func (c *StreamClient) OnTerminal(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTerminal = fn
}

func (c *StreamClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start opens the streaming channel. It fails only if the client was
// already stopped; a failed dial is handed to the reconnect policy.
func (c *StreamClient) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	c.mu.Unlock()
	go c.connect()
	return nil
}

func (c *StreamClient) connect() {
	c.mu.Lock()
	if c.stopped {
		c.state = StateIdle
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	conn, err := c.cfg.Dial(context.Background(), c.cfg.url(), header)
	if err != nil {
		log.Warn().Err(err).Str("module", "transcribe.stream").
			Str("room", string(c.cfg.RoomID)).Str("peer", string(c.cfg.PeerID)).Msg("dial failed")
		c.scheduleReconnect(gen)
		return
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.state = StateOpen
	c.retries = 0
	c.mu.Unlock()

	c.sendInit(conn)
	go c.readLoop(conn, gen)
	go c.drain()
	log.Info().Str("module", "transcribe.stream").
		Str("room", string(c.cfg.RoomID)).Str("peer", string(c.cfg.PeerID)).Msg("channel open")
}

// sendInit binds room/peer correlation metadata to the freshly opened
// session.
func (c *StreamClient) sendInit(conn wsConn) {
	init := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"client":   "meetsrv",
			"roomId":   c.cfg.RoomID,
			"socketId": c.cfg.PeerID,
		},
	}
	b, _ := json.Marshal(init)
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		log.Warn().Err(err).Str("module", "transcribe.stream").Msg("session init send failed")
	}
}

// SendAudio enqueues a base64 chunk; it never blocks the caller. Order of
// enqueue is preserved across reconnects.
func (c *StreamClient) SendAudio(base64Chunk string) {
	if base64Chunk == "" {
		return
	}
	c.mu.Lock()
	c.queue = append(c.queue, base64Chunk)
	open := c.state == StateOpen
	c.mu.Unlock()
	if open {
		go c.drain()
	}
}

// drain sends queued chunks while fewer than MaxOutstanding are in flight.
// A chunk whose send fails is requeued at the front and the channel is
// forcibly closed so the reconnect policy takes over; the chunk is never
// dropped.
func (c *StreamClient) drain() {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.queue) > 0 && c.inFlight < c.cfg.MaxOutstanding && c.state == StateOpen && c.conn != nil {
		chunk := c.queue[0]
		c.queue = c.queue[1:]
		c.inFlight++
		conn := c.conn
		c.mu.Unlock()

		msg, _ := json.Marshal(map[string]string{"type": "input_audio_buffer.append", "audio": chunk})
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := conn.WriteMessage(websocket.TextMessage, msg)

		c.mu.Lock()
		c.inFlight--
		if err != nil {
			c.queue = append([]string{chunk}, c.queue...)
			c.draining = false
			c.mu.Unlock()
			log.Warn().Err(err).Str("module", "transcribe.stream").Msg("send failed, forcing close")
			_ = conn.Close()
			return
		}
	}
	c.draining = false
	c.mu.Unlock()
}

func (c *StreamClient) readLoop(conn wsConn, gen int) {
	var readErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		c.mu.Lock()
		cb := c.onResult
		c.mu.Unlock()
		if cb == nil {
			continue
		}
		for _, r := range parseResults(data) {
			cb(r)
		}
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.stopped || c.state == StateClosing {
		c.state = StateIdle
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	log.Warn().Err(readErr).Str("module", "transcribe.stream").
		Str("room", string(c.cfg.RoomID)).Str("peer", string(c.cfg.PeerID)).Msg("channel lost")
	c.scheduleReconnect(gen)
}

func (c *StreamClient) scheduleReconnect(gen int) {
	c.mu.Lock()
	if c.stopped || gen != c.gen {
		if c.stopped {
			c.state = StateIdle
		}
		c.mu.Unlock()
		return
	}
	if c.retries >= c.cfg.MaxRetries {
		c.state = StateIdle
		cb := c.onTerminal
		c.mu.Unlock()
		log.Error().Str("module", "transcribe.stream").
			Str("room", string(c.cfg.RoomID)).Str("peer", string(c.cfg.PeerID)).
			Int("retries", c.cfg.MaxRetries).Msg("giving up on reconnect")
		if cb != nil {
			cb(fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, c.cfg.MaxRetries))
		}
		return
	}
	delay := reconnectDelay(c.cfg.ReconnectBase, c.retries)
	c.retries++
	c.state = StateReconnecting
	c.mu.Unlock()
	metrics.Default.StreamReconnectsTotal.Inc()
	log.Info().Str("module", "transcribe.stream").Dur("delay", delay).Msg("reconnect scheduled")
	time.AfterFunc(delay, c.connect)
}

// reconnectDelay is min(30s, base * 2^retry).
func reconnectDelay(base time.Duration, retry int) time.Duration {
	d := base
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= maxReconnectDelay {
			return maxReconnectDelay
		}
	}
	if d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}

// Flush sends an explicit commit marker if the channel is open; it returns
// immediately when no channel is open.
func (c *StreamClient) Flush() error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return nil
	}
	msg, _ := json.Marshal(map[string]string{"type": "input_audio_buffer.commit"})
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, msg)
}

// Stop marks the client explicitly stopped, suppressing any future
// reconnect, best-effort flushes, then closes the channel. Idempotent.
func (c *StreamClient) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	conn := c.conn
	if conn != nil {
		c.state = StateClosing
	} else {
		c.state = StateIdle
	}
	c.mu.Unlock()

	if conn != nil {
		// Best-effort commit; the channel is still writable here even
		// though new flushes are already refused.
		msg, _ := json.Marshal(map[string]string{"type": "input_audio_buffer.commit"})
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = conn.WriteMessage(websocket.TextMessage, msg)
		_ = conn.Close()
	}
	log.Info().Str("module", "transcribe.stream").
		Str("room", string(c.cfg.RoomID)).Str("peer", string(c.cfg.PeerID)).Msg("stopped")
	return nil
}
