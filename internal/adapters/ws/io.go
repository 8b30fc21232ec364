package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// envelope is the single wire frame shape, inbound and outbound. Replies
// echo the request id so the client can correlate acks.
type envelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Data any    `json:"data,omitempty"`
}

func (g *Gateway) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "ws").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "ws").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump write error")
				return
			}
		}
	}
}

func (g *Gateway) readPump(ctx context.Context, c *wsConn) {
	defer func() {
		log.Info().Str("module", "ws").Str("peer", string(c.peerID)).Msg("readPump closing")
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "ws").Str("peer", string(c.peerID)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "ws").Str("peer", string(c.peerID)).Msg("readPump read error")
				return
			}
			g.handleEvent(ctx, c, data)
		}
	}
}

func (g *Gateway) handleEvent(ctx context.Context, c *wsConn, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("bad json")
		return
	}

	switch env.Type {
	case "createRoom":
		g.handleCreateRoom(c, env)
	case "joinRoom":
		g.handleJoinRoom(c, env)
	case "leaveRoom":
		g.handleLeaveRoom(ctx, c, env)
	case "getPeers":
		g.handleGetPeers(c, env)
	case "getRouterRtpCapabilities":
		g.handleRouterCapabilities(ctx, c, env)
	case "createWebRtcTransport":
		g.handleCreateWebRtcTransport(ctx, c, env)
	case "createPlainTransport":
		g.handleCreatePlainTransport(ctx, c, env)
	case "connectTransport":
		g.handleConnectTransport(ctx, c, env)
	case "produce":
		g.handleProduce(ctx, c, env)
	case "consume":
		g.handleConsume(ctx, c, env)
	case "resumeConsumer":
		g.handleResumeConsumer(c, env)
	case "transcription:start":
		g.handleTranscriptionStart(ctx, c, env)
	case "transcription:audio":
		g.handleTranscriptionAudio(c, env)
	case "transcription:stop":
		g.handleTranscriptionStop(ctx, c, env)
	default:
		log.Warn().Str("module", "ws").Str("type", env.Type).Msg("unknown event")
	}
}

func (g *Gateway) sendEvent(c *wsConn, event string, payload any) {
	b, err := json.Marshal(outFrame{Type: event, Data: payload})
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("marshal event")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "ws").Str("peer", string(c.peerID)).Str("event", event).Msg("drop event")
	}
}

func (g *Gateway) ack(c *wsConn, env envelope, payload any) {
	b, err := json.Marshal(outFrame{Type: env.Type, ID: env.ID, Data: payload})
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("marshal ack")
		return
	}
	_ = c.TrySend(b)
}

func (g *Gateway) ackErr(c *wsConn, env envelope, err error) {
	g.ack(c, env, map[string]any{"error": err.Error()})
}
