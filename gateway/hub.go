package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lengocanh2005it/social-network-platform-sub001/pkg/busrpc"
)

// Session statuses reported to the session-owning service.
const (
	sessionActive   = "active"
	sessionInactive = "inactive"
)

// SessionUpdateEvent is the fire-and-forget message sent to the user
// service on connect, heartbeat, and last-disconnect. Never read back here.
type SessionUpdateEvent struct {
	UserId      string `json:"userId"`
	Fingerprint string `json:"fingerprint"`
	Status      string `json:"status"`
	IsOnline    bool   `json:"isOnline"`
	LastSeenAt  int64  `json:"lastSeenAt"`
}

type friendIdsRequest struct {
	UserId string `json:"userId"`
}

type friendIdsResponse struct {
	FriendIds []string `json:"friendIds"`
}

// rpcClient is the correlated-call surface the hub consumes.
type rpcClient interface {
	CallInto(ctx context.Context, op string, payload, out any) error
}

// eventEmitter is the fire-and-forget surface the hub consumes.
type eventEmitter interface {
	Emit(ctx context.Context, op string, payload any)
}

// presenceStore is the online-key registry surface the hub consumes.
type presenceStore interface {
	SetOnline(userId string) error
	ClearOnline(userId string) error
	ListOnlineAmong(userIds []string) ([]string, error)
}

// busConn is the slice of *nats.Conn the hub uses for per-user delivery
// groups and presence fan-out.
type busConn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// userEntry tracks one user's live connections on this instance plus the
// subscription backing their delivery group.
type userEntry struct {
	conns map[string]*clientConn
	sub   *nats.Subscription
}

// Hub owns the connection lifecycle. The per-user connection count and the
// first/last-connection decision are made under one mutex, atomically with
// adding or removing the connection itself, so concurrent multi-device
// disconnects cannot double-fire or miss the offline transition.
type Hub struct {
	bus      busConn
	rpc      rpcClient
	emitter  eventEmitter
	registry presenceStore

	callTimeout time.Duration

	mu    sync.Mutex
	users map[string]*userEntry

	connCounter      metric.Int64Counter
	heartbeatCounter metric.Int64Counter
}

func NewHub(bus busConn, rpc rpcClient, emitter eventEmitter, registry presenceStore, cfg Config, meter metric.Meter) *Hub {
	h := &Hub{
		bus:         bus,
		rpc:         rpc,
		emitter:     emitter,
		registry:    registry,
		callTimeout: cfg.CallTimeout,
		users:       make(map[string]*userEntry),
	}

	h.connCounter, _ = meter.Int64Counter("gateway_connection_events_total",
		metric.WithDescription("Connection lifecycle events by kind"))
	h.heartbeatCounter, _ = meter.Int64Counter("gateway_heartbeats_total",
		metric.WithDescription("Client heartbeats received"))

	usersGauge, _ := meter.Int64ObservableGauge("gateway_connected_users",
		metric.WithDescription("Users with at least one active connection"))
	connsGauge, _ := meter.Int64ObservableGauge("gateway_active_connections",
		metric.WithDescription("Active websocket connections"))
	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		users, conns := h.counts()
		o.ObserveInt64(usersGauge, int64(users))
		o.ObserveInt64(connsGauge, int64(conns))
		return nil
	}, usersGauge, connsGauge)

	return h
}

func deliverSubject(userId string) string {
	return "deliver." + userId
}

// Register adds an authenticated connection. The first connection of a user
// joins their delivery group; every connection refreshes the online key and
// reports an active session.
func (h *Hub) Register(ctx context.Context, c *clientConn) {
	userId := c.principal.UserID

	h.mu.Lock()
	e := h.users[userId]
	if e == nil {
		e = &userEntry{conns: make(map[string]*clientConn)}
		h.users[userId] = e
	}
	e.conns[c.id.String()] = c
	first := len(e.conns) == 1
	if first {
		sub, err := h.bus.Subscribe(deliverSubject(userId)+".>", h.deliverTo(userId))
		if err != nil {
			slog.Error("Failed to join delivery group", "userId", userId, "error", err)
		} else {
			e.sub = sub
		}
	}
	h.mu.Unlock()

	h.connCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event", "connect")))
	c.logger.Info("Connection registered", "first", first)

	h.touchPresence(ctx, c.principal)
	if first {
		h.fanoutPresence(ctx, userId, "friend-online")
	}
}

// Unregister removes a closed connection. Only the removal that empties the
// user's connection set triggers the offline transition, and it triggers it
// exactly once.
func (h *Hub) Unregister(c *clientConn, reason error) {
	userId := c.principal.UserID

	h.mu.Lock()
	e := h.users[userId]
	if e == nil {
		h.mu.Unlock()
		return
	}
	if _, tracked := e.conns[c.id.String()]; !tracked {
		h.mu.Unlock()
		return
	}
	delete(e.conns, c.id.String())
	last := len(e.conns) == 0
	var sub *nats.Subscription
	if last {
		sub = e.sub
		delete(h.users, userId)
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), h.callTimeout)
	defer cancel()

	h.connCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event", "disconnect")))
	c.logger.Info("Connection unregistered", "last", last, "reason", reason)

	if !last {
		return
	}
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			slog.Warn("Failed to leave delivery group", "userId", userId, "error", err)
		}
	}
	if err := h.registry.ClearOnline(userId); err != nil {
		slog.Warn("Failed to clear online key", "userId", userId, "error", err)
	}
	h.emitter.Emit(ctx, busrpc.OpUpdateUserSession, SessionUpdateEvent{
		UserId:      userId,
		Fingerprint: c.principal.Fingerprint,
		Status:      sessionInactive,
		IsOnline:    false,
		LastSeenAt:  time.Now().UnixMilli(),
	})
	h.fanoutPresence(ctx, userId, "friend-offline")
}

// Heartbeat refreshes the online key's TTL and re-reports an active
// session. Missing heartbeats for longer than the TTL let the key expire on
// its own, which bounds presence staleness after unclean disconnects.
func (h *Hub) Heartbeat(ctx context.Context, c *clientConn) {
	h.heartbeatCounter.Add(ctx, 1)
	h.touchPresence(ctx, c.principal)
}

// touchPresence performs the presence side-channel writes for an active
// connection. Failures are logged and swallowed: presence must never fail
// the request that triggered it.
func (h *Hub) touchPresence(ctx context.Context, p Principal) {
	if err := h.registry.SetOnline(p.UserID); err != nil {
		slog.Warn("Failed to write online key", "userId", p.UserID, "error", err)
	}
	h.emitter.Emit(ctx, busrpc.OpUpdateUserSession, SessionUpdateEvent{
		UserId:      p.UserID,
		Fingerprint: p.Fingerprint,
		Status:      sessionActive,
		IsOnline:    true,
		LastSeenAt:  time.Now().UnixMilli(),
	})
}

// OnlineFriends answers "which of my friends are online": friend ids from
// the user service intersected with the online-key namespace.
func (h *Hub) OnlineFriends(ctx context.Context, userId string) ([]string, error) {
	var resp friendIdsResponse
	if err := h.rpc.CallInto(ctx, busrpc.OpGetFriendIds, friendIdsRequest{UserId: userId}, &resp); err != nil {
		return nil, err
	}
	return h.registry.ListOnlineAmong(resp.FriendIds)
}

// fanoutPresence notifies the user's friends of a presence transition via
// their delivery subjects. Only the affected user's friend set is targeted,
// never the whole fleet. Failures are logged and swallowed.
func (h *Hub) fanoutPresence(ctx context.Context, userId, event string) {
	var resp friendIdsResponse
	if err := h.rpc.CallInto(ctx, busrpc.OpGetFriendIds, friendIdsRequest{UserId: userId}, &resp); err != nil {
		slog.Warn("Skipping presence fan-out", "userId", userId, "event", event, "error", err)
		return
	}

	frame, err := json.Marshal(serverFrame{Type: event, Data: mustRaw(presencePayload{UserId: userId})})
	if err != nil {
		slog.Warn("Failed to encode presence event", "event", event, "error", err)
		return
	}

	for _, fid := range resp.FriendIds {
		if err := h.bus.Publish(deliverSubject(fid)+".presence", frame); err != nil {
			slog.Warn("Failed to publish presence event", "friendId", fid, "error", err)
		}
	}
	slog.Debug("Presence fan-out", "userId", userId, "event", event, "friends", len(resp.FriendIds))
}

// deliverTo routes frames from a user's delivery subjects to every local
// connection of that user, verbatim.
func (h *Hub) deliverTo(userId string) nats.MsgHandler {
	return func(msg *nats.Msg) {
		h.mu.Lock()
		e := h.users[userId]
		var conns []*clientConn
		if e != nil {
			conns = make([]*clientConn, 0, len(e.conns))
			for _, c := range e.conns {
				conns = append(conns, c)
			}
		}
		h.mu.Unlock()

		for _, c := range conns {
			c.Send(msg.Data)
		}
	}
}

// ConnectionCount reports how many connections userId has on this instance.
func (h *Hub) ConnectionCount(userId string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e := h.users[userId]; e != nil {
		return len(e.conns)
	}
	return 0
}

func (h *Hub) counts() (users, conns int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.users {
		conns += len(e.conns)
	}
	return len(h.users), conns
}
