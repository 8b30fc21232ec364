package ws

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"meetsrv/internal/domain"
	"meetsrv/internal/media"
)

func (g *Gateway) handleRouterCapabilities(ctx context.Context, c *wsConn, env envelope) {
	var p struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		g.ack(c, env, map[string]any{"error": "bad_payload"})
		return
	}
	caps, err := g.broker.RouterCapabilities(ctx, domain.RoomID(p.RoomID))
	if err != nil {
		g.ackErr(c, env, err)
		return
	}
	g.ack(c, env, map[string]any{"rtpCapabilities": caps})
}

func (g *Gateway) handleCreateWebRtcTransport(ctx context.Context, c *wsConn, env envelope) {
	var p struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		g.ack(c, env, map[string]any{"error": "bad_payload"})
		return
	}
	info, err := g.broker.CreateWebRtcTransport(ctx, c.media, domain.RoomID(p.RoomID))
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Str("room", p.RoomID).Msg("createWebRtcTransport")
		g.ackErr(c, env, err)
		return
	}
	g.ack(c, env, info)
}

func (g *Gateway) handleCreatePlainTransport(ctx context.Context, c *wsConn, env envelope) {
	var p struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		g.ack(c, env, map[string]any{"error": "bad_payload"})
		return
	}
	info, err := g.broker.CreatePlainTransport(ctx, c.media, domain.RoomID(p.RoomID))
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Str("room", p.RoomID).Msg("createPlainTransport")
		g.ackErr(c, env, err)
		return
	}
	g.ack(c, env, info)
}

func (g *Gateway) handleConnectTransport(ctx context.Context, c *wsConn, env envelope) {
	var p struct {
		TransportID string              `json:"transportId"`
		Params      media.RTPParameters `json:"params"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		g.ack(c, env, map[string]any{"error": "bad_payload"})
		return
	}
	answer, err := g.broker.ConnectTransport(ctx, c.media, p.TransportID, p.Params)
	if err != nil {
		g.ackErr(c, env, err)
		return
	}
	g.ack(c, env, map[string]any{"ok": true, "params": answer})
}

func (g *Gateway) handleProduce(ctx context.Context, c *wsConn, env envelope) {
	var p struct {
		RoomID        string              `json:"roomId"`
		TransportID   string              `json:"transportId"`
		Kind          string              `json:"kind"`
		RTPParameters media.RTPParameters `json:"rtpParameters"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		g.ack(c, env, map[string]any{"error": "bad_payload"})
		return
	}
	id, err := g.broker.Produce(ctx, c.media, domain.RoomID(p.RoomID), p.TransportID, p.Kind, p.RTPParameters)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Str("room", p.RoomID).Str("kind", p.Kind).Msg("produce")
		g.ackErr(c, env, err)
		return
	}
	g.ack(c, env, map[string]any{"id": id})
}

func (g *Gateway) handleConsume(ctx context.Context, c *wsConn, env envelope) {
	var p struct {
		RoomID          string               `json:"roomId"`
		TransportID     string               `json:"transportId"`
		ProducerID      string               `json:"producerId"`
		RTPCapabilities media.RTPCapabilities `json:"rtpCapabilities"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		g.ack(c, env, map[string]any{"error": "bad_payload"})
		return
	}
	res, err := g.broker.Consume(ctx, c.media, domain.RoomID(p.RoomID), p.TransportID, p.ProducerID, p.RTPCapabilities)
	if err != nil {
		g.ackErr(c, env, err)
		return
	}
	g.ack(c, env, res)
}

func (g *Gateway) handleResumeConsumer(c *wsConn, env envelope) {
	var p struct {
		ConsumerID string `json:"consumerId"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		g.ack(c, env, map[string]any{"error": "bad_payload"})
		return
	}
	if err := g.broker.ResumeConsumer(c.media, p.ConsumerID); err != nil {
		g.ackErr(c, env, err)
		return
	}
	g.ack(c, env, map[string]any{"ok": true})
}
