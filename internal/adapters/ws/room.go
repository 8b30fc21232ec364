package ws

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"meetsrv/internal/domain"
)

func (g *Gateway) handleCreateRoom(c *wsConn, env envelope) {
	var p struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil || p.RoomID == "" {
		g.ack(c, env, map[string]any{"error": "bad_payload"})
		return
	}
	g.rooms.CreateRoom(domain.RoomID(p.RoomID))
	log.Info().Str("module", "ws").Str("room", p.RoomID).Str("peer", string(c.peerID)).Msg("createRoom")
	g.ack(c, env, map[string]any{"ok": true, "roomId": p.RoomID})
}

func (g *Gateway) handleJoinRoom(c *wsConn, env envelope) {
	var p struct {
		RoomID string `json:"roomId"`
		Name   string `json:"name,omitempty"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil || p.RoomID == "" {
		g.ack(c, env, map[string]any{"error": "bad_payload"})
		return
	}
	roomID := domain.RoomID(p.RoomID)
	name := p.Name
	if name == "" {
		name = string(c.peerID)
	}
	peer := &domain.Peer{ID: c.peerID, Name: name}
	g.rooms.AddPeer(roomID, peer)
	c.markJoined(roomID)
	log.Info().Str("module", "ws").Str("room", p.RoomID).Str("peer", string(c.peerID)).Str("name", name).Msg("join")

	g.ack(c, env, map[string]any{
		"ok":    true,
		"peers": g.rooms.ListPeers(roomID),
	})
	g.ToRoomExcept(roomID, c.peerID, "participant-joined", map[string]any{
		"socketId": c.peerID,
		"name":     name,
	})
}

func (g *Gateway) handleLeaveRoom(ctx context.Context, c *wsConn, env envelope) {
	var p struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil || p.RoomID == "" {
		return
	}
	roomID := domain.RoomID(p.RoomID)
	log.Info().Str("module", "ws").Str("room", p.RoomID).Str("peer", string(c.peerID)).Msg("leave")

	g.sessions.Stop(ctx, roomID, c.peerID)
	g.rooms.RemovePeer(roomID, c.peerID)
	c.markLeft(roomID)
	g.ToRoom(roomID, "participant-left", map[string]any{"socketId": c.peerID})
}

func (g *Gateway) handleGetPeers(c *wsConn, env envelope) {
	var p struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		g.ack(c, env, map[string]any{"error": "bad_payload"})
		return
	}
	g.ack(c, env, map[string]any{
		"ok":    true,
		"peers": g.rooms.ListPeers(domain.RoomID(p.RoomID)),
	})
}
