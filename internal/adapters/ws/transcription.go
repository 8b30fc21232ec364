package ws

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"meetsrv/internal/domain"
)

func (g *Gateway) handleTranscriptionStart(ctx context.Context, c *wsConn, env envelope) {
	var p struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil || p.RoomID == "" {
		g.ack(c, env, map[string]any{"error": "bad_payload"})
		return
	}
	log.Info().Str("module", "ws").Str("room", p.RoomID).Str("peer", string(c.peerID)).Msg("transcription start")
	if err := g.sessions.Start(ctx, domain.RoomID(p.RoomID), c.peerID); err != nil {
		g.ackErr(c, env, err)
		return
	}
	g.ack(c, env, map[string]any{"ok": true})
}

func (g *Gateway) handleTranscriptionAudio(c *wsConn, env envelope) {
	var p struct {
		RoomID string `json:"roomId"`
		Data   string `json:"data"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return
	}
	// fire-and-forget, no ack even on bad input
	g.sessions.PushAudio(domain.RoomID(p.RoomID), c.peerID, p.Data)
}

func (g *Gateway) handleTranscriptionStop(ctx context.Context, c *wsConn, env envelope) {
	var p struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return
	}
	log.Info().Str("module", "ws").Str("room", p.RoomID).Str("peer", string(c.peerID)).Msg("transcription stop")
	g.sessions.Stop(ctx, domain.RoomID(p.RoomID), c.peerID)
}
