package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/lengocanh2005it/social-network-platform-sub001/pkg/busrpc"
)

// clientFrame is an inbound websocket frame.
type clientFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// serverFrame is an outbound websocket frame. Frames arriving on a user's
// delivery subjects are already in this shape and relayed verbatim.
type serverFrame struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

type presencePayload struct {
	UserId string `json:"userId"`
}

type onlineFriendsPayload struct {
	FriendIds []string `json:"friendIds"`
}

type cacheSetEvent struct {
	Key        string `json:"key"`
	Value      string `json:"value"`
	TTLSeconds int    `json:"ttlSeconds"`
}

func mustRaw(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func (c *clientConn) sendFrame(f serverFrame) {
	frame, err := json.Marshal(f)
	if err != nil {
		c.logger.Warn("Failed to encode server frame", "type", f.Type, "error", err)
		return
	}
	c.Send(frame)
}

// frameRouter dispatches inbound client frames to the hub.
type frameRouter struct {
	hub     *Hub
	emitter eventEmitter
}

// handle processes one client frame. The activity side-channel write is
// fire-and-forget: it must never fail the frame that triggered it.
func (fr *frameRouter) handle(ctx context.Context, c *clientConn, frame []byte) {
	var in clientFrame
	if err := json.Unmarshal(frame, &in); err != nil {
		c.sendFrame(serverFrame{Type: "error", Error: "malformed frame"})
		return
	}

	fr.trackActivity(ctx, c)

	switch in.Type {
	case "ping":
		fr.hub.Heartbeat(ctx, c)
		c.sendFrame(serverFrame{Type: "pong"})

	case "get-online-friends":
		online, err := fr.hub.OnlineFriends(ctx, c.principal.UserID)
		if err != nil {
			c.sendFrame(serverFrame{Type: "online-friends", Error: userFacing(err)})
			return
		}
		if online == nil {
			online = []string{}
		}
		c.sendFrame(serverFrame{
			Type: "online-friends",
			Data: mustRaw(onlineFriendsPayload{FriendIds: online}),
		})

	case "disconnect":
		c.close(nil)

	default:
		slog.Debug("Unknown client frame", "type", in.Type, "userId", c.principal.UserID)
		c.sendFrame(serverFrame{Type: "error", Error: "unknown frame type: " + in.Type})
	}
}

// trackActivity records last-seen activity in the shared cache.
func (fr *frameRouter) trackActivity(ctx context.Context, c *clientConn) {
	fr.emitter.Emit(ctx, busrpc.OpSetCacheKey, cacheSetEvent{
		Key:        "activity:" + c.principal.UserID,
		Value:      time.Now().UTC().Format(time.RFC3339),
		TTLSeconds: 300,
	})
}

// userFacing maps call failures to messages safe to show a client. A
// timeout is an unknown outcome, not a confirmed failure.
func userFacing(err error) string {
	var te *busrpc.TimeoutError
	if errors.As(err, &te) {
		return "upstream timeout, please retry"
	}
	var re *busrpc.RemoteError
	if errors.As(err, &re) {
		return re.Message
	}
	return "internal error"
}
