package media

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// routerCapabilities mirrors the codec set the router negotiates: Opus for
// audio, VP8 for video.
var routerCapabilities = json.RawMessage(`{"codecs":[` +
	`{"kind":"audio","mimeType":"audio/opus","clockRate":48000,"channels":2},` +
	`{"kind":"video","mimeType":"video/VP8","clockRate":90000}]}`)

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// PionEngine implements Engine on top of pion/webrtc peer connections.
type PionEngine struct {
	cfg webrtc.Configuration
}

func NewPionEngine(cfg webrtc.Configuration) *PionEngine {
	return &PionEngine{cfg: cfg}
}

func (e *PionEngine) CreateRouter(ctx context.Context) (Router, error) {
	return &pionRouter{
		id:         uuid.NewString(),
		cfg:        e.cfg,
		transports: make(map[string]Transport),
		tracks:     make(map[string]*webrtc.TrackRemote),
	}, nil
}

// pionRouter tracks the transports of one room and the remote tracks bound
// to producer ids, so consumers on other transports can subscribe to them.
type pionRouter struct {
	id  string
	cfg webrtc.Configuration

	mu         sync.Mutex
	transports map[string]Transport
	tracks     map[string]*webrtc.TrackRemote
	closed     bool
}

func (r *pionRouter) ID() string                      { return r.id }
func (r *pionRouter) RTPCapabilities() RTPCapabilities { return routerCapabilities }

func (r *pionRouter) CreateWebRtcTransport(ctx context.Context) (Transport, error) {
	pc, err := webrtc.NewPeerConnection(r.cfg)
	if err != nil {
		return nil, &EngineError{Op: "createWebRtcTransport", Err: err}
	}
	t := &pionWebRtcTransport{
		id:      uuid.NewString(),
		router:  r,
		pc:      pc,
		pending: make(map[string][]*pionProducer),
	}
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().Str("module", "media.pion").Str("transport", t.id).
			Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("remote track")
		t.bindTrack(track)
	})
	r.mu.Lock()
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

func (r *pionRouter) CreatePlainTransport(ctx context.Context) (Transport, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, &EngineError{Op: "createPlainTransport", Err: err}
	}
	t := &pionPlainTransport{id: uuid.NewString(), router: r, conn: conn}
	r.mu.Lock()
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

func (r *pionRouter) registerTrack(producerID string, track *webrtc.TrackRemote) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracks[producerID] = track
}

func (r *pionRouter) unregisterTrack(producerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tracks, producerID)
}

func (r *pionRouter) track(producerID string) (*webrtc.TrackRemote, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tr, ok := r.tracks[producerID]
	return tr, ok
}

// CanConsume reports whether the declared capabilities include a codec for
// the producer's media kind. Capabilities that cannot be parsed cannot
// consume anything.
func (r *pionRouter) CanConsume(producerID string, caps RTPCapabilities) bool {
	track, ok := r.track(producerID)
	if !ok {
		return false
	}
	var parsed struct {
		Codecs []struct {
			Kind     string `json:"kind"`
			MimeType string `json:"mimeType"`
		} `json:"codecs"`
	}
	if err := json.Unmarshal(caps, &parsed); err != nil {
		return false
	}
	kind := track.Kind().String()
	for _, c := range parsed.Codecs {
		if c.Kind == kind {
			return true
		}
	}
	return false
}

func (r *pionRouter) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	transports := make([]Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.transports = make(map[string]Transport)
	r.mu.Unlock()
	for _, t := range transports {
		t.Close()
	}
	log.Info().Str("module", "media.pion").Str("router", r.id).Msg("router closed")
}

// pionWebRtcTransport wraps one peer connection. Producers are declared via
// Produce before their media arrives; the first unbound producer of a kind
// claims the matching remote track.
type pionWebRtcTransport struct {
	id     string
	router *pionRouter
	pc     *webrtc.PeerConnection

	mu      sync.Mutex
	pending map[string][]*pionProducer
	closed  bool
}

func (t *pionWebRtcTransport) ID() string { return t.id }

func (t *pionWebRtcTransport) Info() TransportInfo {
	// ICE and DTLS parameters travel inside the SDP exchange for pion.
	return TransportInfo{ID: t.id}
}

func (t *pionWebRtcTransport) PlainInfo() (PlainTransportInfo, bool) {
	return PlainTransportInfo{}, false
}

// Connect applies the client's SDP offer and answers it.
func (t *pionWebRtcTransport) Connect(ctx context.Context, params RTPParameters) (RTPParameters, error) {
	var p struct {
		SDP string `json:"sdp"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SDP == "" {
		return nil, &EngineError{Op: "connect", Err: fmt.Errorf("missing sdp")}
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return nil, &EngineError{Op: "connect", Err: err}
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, &EngineError{Op: "connect", Err: err}
	}
	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, &EngineError{Op: "connect", Err: err}
	}
	<-gatherComplete
	local := t.pc.LocalDescription()
	out, err := json.Marshal(map[string]string{"sdp": local.SDP})
	if err != nil {
		return nil, &EngineError{Op: "connect", Err: err}
	}
	return out, nil
}

func (t *pionWebRtcTransport) Produce(ctx context.Context, kind string, _ RTPParameters) (Producer, error) {
	p := &pionProducer{id: uuid.NewString(), kind: kind, transport: t}
	t.mu.Lock()
	t.pending[kind] = append(t.pending[kind], p)
	t.mu.Unlock()
	return p, nil
}

func (t *pionWebRtcTransport) bindTrack(track *webrtc.TrackRemote) {
	kind := track.Kind().String()
	t.mu.Lock()
	queue := t.pending[kind]
	var p *pionProducer
	if len(queue) > 0 {
		p, t.pending[kind] = queue[0], queue[1:]
	}
	t.mu.Unlock()
	if p == nil {
		return
	}
	t.router.registerTrack(p.id, track)
}

func (t *pionWebRtcTransport) Consume(ctx context.Context, producerID string, caps RTPCapabilities) (Consumer, error) {
	src, ok := t.router.track(producerID)
	if !ok {
		return nil, ErrProducerNotFound
	}
	out, err := webrtc.NewTrackLocalStaticRTP(src.Codec().RTPCodecCapability, src.ID(), src.StreamID())
	if err != nil {
		return nil, &EngineError{Op: "consume", Err: err}
	}
	sender, err := t.pc.AddTrack(out)
	if err != nil {
		return nil, &EngineError{Op: "consume", Err: err}
	}
	fwdCtx, cancel := context.WithCancel(context.Background())
	c := &pionConsumer{
		id:         uuid.NewString(),
		producerID: producerID,
		kind:       src.Kind().String(),
		cancel:     cancel,
		sender:     sender,
		pc:         t.pc,
	}
	go forwardRTP(fwdCtx, src, out)
	return c, nil
}

func (t *pionWebRtcTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	if err := t.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "media.pion").Str("transport", t.id).Msg("close error")
	}
}

// forwardRTP pumps packets from a remote track into a local one until the
// source ends or the consumer is closed.
func forwardRTP(ctx context.Context, src *webrtc.TrackRemote, dst *webrtc.TrackLocalStaticRTP) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, _, err := src.ReadRTP()
		if err != nil {
			return
		}
		if err := dst.WriteRTP(pkt); err != nil {
			return
		}
	}
}

type pionProducer struct {
	id        string
	kind      string
	transport *pionWebRtcTransport

	mu    sync.Mutex
	hooks []func()
	once  sync.Once
}

func (p *pionProducer) ID() string   { return p.id }
func (p *pionProducer) Kind() string { return p.kind }

func (p *pionProducer) OnClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, fn)
}

func (p *pionProducer) Close() {
	p.once.Do(func() {
		p.transport.router.unregisterTrack(p.id)
		p.mu.Lock()
		hooks := p.hooks
		p.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	})
}

type pionConsumer struct {
	id         string
	producerID string
	kind       string
	cancel     context.CancelFunc
	sender     *webrtc.RTPSender
	pc         *webrtc.PeerConnection
	once       sync.Once
}

func (c *pionConsumer) ID() string                   { return c.id }
func (c *pionConsumer) ProducerID() string           { return c.producerID }
func (c *pionConsumer) Kind() string                 { return c.kind }
func (c *pionConsumer) RTPParameters() RTPParameters { return nil }
func (c *pionConsumer) Resume() error                { return nil }

func (c *pionConsumer) Close() {
	c.once.Do(func() {
		c.cancel()
		_ = c.pc.RemoveTrack(c.sender)
	})
}

// pionPlainTransport is a fixed UDP endpoint used for server-side capture.
// Consume forwards the producer's RTP to the remote address supplied via
// Connect; packets read before Connect are dropped, and a Connect issued
// after Consume redirects the running forwarders.
type pionPlainTransport struct {
	id     string
	router *pionRouter
	conn   *net.UDPConn

	mu     sync.Mutex
	remote *net.UDPAddr
	cancel []context.CancelFunc
	closed bool
}

func (t *pionPlainTransport) ID() string { return t.id }

func (t *pionPlainTransport) Info() TransportInfo { return TransportInfo{ID: t.id} }

func (t *pionPlainTransport) PlainInfo() (PlainTransportInfo, bool) {
	addr := t.conn.LocalAddr().(*net.UDPAddr)
	return PlainTransportInfo{ID: t.id, IP: addr.IP.String(), Port: addr.Port}, true
}

func (t *pionPlainTransport) Connect(ctx context.Context, params RTPParameters) (RTPParameters, error) {
	var p struct {
		IP   string `json:"ip"`
		Port int    `json:"port"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.IP == "" || p.Port == 0 {
		return nil, &EngineError{Op: "connect", Err: fmt.Errorf("missing ip/port")}
	}
	t.mu.Lock()
	t.remote = &net.UDPAddr{IP: net.ParseIP(p.IP), Port: p.Port}
	t.mu.Unlock()
	return nil, nil
}

func (t *pionPlainTransport) Produce(ctx context.Context, kind string, _ RTPParameters) (Producer, error) {
	return nil, &EngineError{Op: "produce", Err: fmt.Errorf("plain transport cannot produce")}
}

func (t *pionPlainTransport) Consume(ctx context.Context, producerID string, _ RTPCapabilities) (Consumer, error) {
	src, ok := t.router.track(producerID)
	if !ok {
		return nil, ErrProducerNotFound
	}
	fwdCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancel = append(t.cancel, cancel)
	t.mu.Unlock()
	go t.forward(fwdCtx, src)
	return &plainConsumer{id: uuid.NewString(), producerID: producerID, kind: src.Kind().String(), cancel: cancel}, nil
}

// plainSource is the read side of a remote track; *webrtc.TrackRemote
// satisfies it.
type plainSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// forward pumps RTP from src to the transport's remote address. The
// address is re-read per packet so it picks up a later Connect.
func (t *pionPlainTransport) forward(ctx context.Context, src plainSource) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, _, err := src.ReadRTP()
		if err != nil {
			return
		}
		raw, err := pkt.Marshal()
		if err != nil {
			continue
		}
		t.mu.Lock()
		remote := t.remote
		t.mu.Unlock()
		if remote != nil {
			_, _ = t.conn.WriteToUDP(raw, remote)
		}
	}
}

func (t *pionPlainTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	cancels := t.cancel
	t.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	_ = t.conn.Close()
}

type plainConsumer struct {
	id         string
	producerID string
	kind       string
	cancel     context.CancelFunc
	once       sync.Once
}

func (c *plainConsumer) ID() string                   { return c.id }
func (c *plainConsumer) ProducerID() string           { return c.producerID }
func (c *plainConsumer) Kind() string                 { return c.kind }
func (c *plainConsumer) RTPParameters() RTPParameters { return nil }
func (c *plainConsumer) Resume() error                { return nil }
func (c *plainConsumer) Close()                       { c.once.Do(c.cancel) }
