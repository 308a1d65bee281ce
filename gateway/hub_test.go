package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

type publishedMsg struct {
	subject string
	data    []byte
}

type fakeBus struct {
	mu        sync.Mutex
	published []publishedMsg
}

func (b *fakeBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishedMsg{subject, data})
	return nil
}

func (b *fakeBus) Subscribe(string, nats.MsgHandler) (*nats.Subscription, error) {
	return nil, nil
}

// presenceEvents returns the delivery subjects that received a presence
// frame of the given type.
func (b *fakeBus) presenceEvents(event string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var subjects []string
	for _, p := range b.published {
		var f serverFrame
		if json.Unmarshal(p.data, &f) == nil && f.Type == event {
			subjects = append(subjects, p.subject)
		}
	}
	return subjects
}

type fakeRPC struct {
	friends map[string][]string
	err     error
}

func (f *fakeRPC) CallInto(_ context.Context, _ string, payload, out any) error {
	if f.err != nil {
		return f.err
	}
	req := payload.(friendIdsRequest)
	resp := out.(*friendIdsResponse)
	resp.FriendIds = f.friends[req.UserId]
	return nil
}

type emittedEvent struct {
	op      string
	payload any
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []emittedEvent
}

func (e *fakeEmitter) Emit(_ context.Context, op string, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emittedEvent{op, payload})
}

func (e *fakeEmitter) sessionStatuses() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var statuses []string
	for _, ev := range e.events {
		if s, ok := ev.payload.(SessionUpdateEvent); ok {
			statuses = append(statuses, s.Status)
		}
	}
	return statuses
}

type fakeStore struct {
	mu      sync.Mutex
	online  map[string]bool
	sets    int
	cleared int
}

func newFakeStore() *fakeStore {
	return &fakeStore{online: make(map[string]bool)}
}

func (s *fakeStore) SetOnline(userId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[userId] = true
	s.sets++
	return nil
}

func (s *fakeStore) ClearOnline(userId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.online, userId)
	s.cleared++
	return nil
}

func (s *fakeStore) ListOnlineAmong(userIds []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []string
	for _, id := range userIds {
		if s.online[id] {
			result = append(result, id)
		}
	}
	return result, nil
}

func (s *fakeStore) isOnline(userId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[userId]
}

type hubFixture struct {
	hub     *Hub
	bus     *fakeBus
	rpc     *fakeRPC
	emitter *fakeEmitter
	store   *fakeStore
}

func newHubFixture(friends map[string][]string) *hubFixture {
	f := &hubFixture{
		bus:     &fakeBus{},
		rpc:     &fakeRPC{friends: friends},
		emitter: &fakeEmitter{},
		store:   newFakeStore(),
	}
	cfg := Config{CallTimeout: time.Second}
	f.hub = NewHub(f.bus, f.rpc, f.emitter, f.store, cfg, otel.Meter("test"))
	return f
}

func testConn(userId string) *clientConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &clientConn{
		id:        uuid.New(),
		principal: Principal{UserID: userId, Fingerprint: "test-device"},
		send:      make(chan []byte, 16),
		ctx:       ctx,
		cancel:    cancel,
		logger:    slog.Default().With("userId", userId),
	}
}

func TestRegister_FirstConnectionGoesOnline(t *testing.T) {
	f := newHubFixture(map[string][]string{"u1": {"f1", "f2"}})

	f.hub.Register(context.Background(), testConn("u1"))

	if !f.store.isOnline("u1") {
		t.Error("Expected online key after first connection")
	}
	statuses := f.emitter.sessionStatuses()
	if len(statuses) != 1 || statuses[0] != sessionActive {
		t.Errorf("Expected one active session update, got %v", statuses)
	}

	events := f.bus.presenceEvents("friend-online")
	if len(events) != 2 {
		t.Fatalf("Expected friend-online fan-out to 2 friends, got %v", events)
	}
	want := map[string]bool{"deliver.f1.presence": true, "deliver.f2.presence": true}
	for _, subj := range events {
		if !want[subj] {
			t.Errorf("Fan-out hit unexpected subject %s", subj)
		}
	}
}

func TestRegister_SecondDeviceDoesNotRefanout(t *testing.T) {
	f := newHubFixture(map[string][]string{"u1": {"f1"}})

	f.hub.Register(context.Background(), testConn("u1"))
	f.hub.Register(context.Background(), testConn("u1"))

	if got := f.hub.ConnectionCount("u1"); got != 2 {
		t.Fatalf("Expected 2 connections, got %d", got)
	}
	if events := f.bus.presenceEvents("friend-online"); len(events) != 1 {
		t.Errorf("Expected one friend-online event, got %d", len(events))
	}
	// Both connects refresh the TTL.
	if f.store.sets != 2 {
		t.Errorf("Expected 2 online-key refreshes, got %d", f.store.sets)
	}
}

func TestUnregister_MultiDeviceInvariant(t *testing.T) {
	f := newHubFixture(map[string][]string{"u1": {"f1"}})

	c1, c2 := testConn("u1"), testConn("u1")
	f.hub.Register(context.Background(), c1)
	f.hub.Register(context.Background(), c2)

	f.hub.Unregister(c1, errors.New("device one left"))

	if !f.store.isOnline("u1") {
		t.Error("User went offline while another device is connected")
	}
	if events := f.bus.presenceEvents("friend-offline"); len(events) != 0 {
		t.Errorf("friend-offline fired with a device still connected: %v", events)
	}

	f.hub.Unregister(c2, nil)

	if f.store.isOnline("u1") {
		t.Error("User still online after last disconnect")
	}
	if f.store.cleared != 1 {
		t.Errorf("Expected exactly one ClearOnline, got %d", f.store.cleared)
	}
	if events := f.bus.presenceEvents("friend-offline"); len(events) != 1 {
		t.Errorf("Expected exactly one friend-offline event, got %d", len(events))
	}

	statuses := f.emitter.sessionStatuses()
	inactive := 0
	for _, s := range statuses {
		if s == sessionInactive {
			inactive++
		}
	}
	if inactive != 1 {
		t.Errorf("Expected exactly one inactive session update, got %d in %v", inactive, statuses)
	}
}

func TestUnregister_ConcurrentLastCloseFiresOnce(t *testing.T) {
	f := newHubFixture(map[string][]string{"u1": {"f1"}})

	c1, c2 := testConn("u1"), testConn("u1")
	f.hub.Register(context.Background(), c1)
	f.hub.Register(context.Background(), c2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); f.hub.Unregister(c1, nil) }()
	go func() { defer wg.Done(); f.hub.Unregister(c2, nil) }()
	wg.Wait()

	if f.store.cleared != 1 {
		t.Errorf("Concurrent disconnects cleared the key %d times", f.store.cleared)
	}
	if events := f.bus.presenceEvents("friend-offline"); len(events) != 1 {
		t.Errorf("Concurrent disconnects fired %d friend-offline events", len(events))
	}
}

func TestUnregister_RepeatedCloseIsNoop(t *testing.T) {
	f := newHubFixture(map[string][]string{"u1": {"f1"}})

	c := testConn("u1")
	f.hub.Register(context.Background(), c)
	f.hub.Unregister(c, nil)
	f.hub.Unregister(c, nil)

	if f.store.cleared != 1 {
		t.Errorf("Repeated Unregister cleared the key %d times", f.store.cleared)
	}
}

func TestUnregister_UntrackedConnectionIsNoop(t *testing.T) {
	f := newHubFixture(nil)
	f.hub.Unregister(testConn("ghost"), nil)

	if f.store.cleared != 0 {
		t.Error("Untracked connection triggered presence actions")
	}
}

func TestOnlineFriends_Intersection(t *testing.T) {
	f := newHubFixture(map[string][]string{"u1": {"a", "b", "c"}})
	_ = f.store.SetOnline("a")
	_ = f.store.SetOnline("c")

	online, err := f.hub.OnlineFriends(context.Background(), "u1")
	if err != nil {
		t.Fatalf("OnlineFriends failed: %v", err)
	}
	if len(online) != 2 || online[0] != "a" || online[1] != "c" {
		t.Errorf("Expected [a c], got %v", online)
	}
}

func TestOnlineFriends_RPCErrorPropagates(t *testing.T) {
	f := newHubFixture(nil)
	f.rpc.err = errors.New("user service unreachable")

	if _, err := f.hub.OnlineFriends(context.Background(), "u1"); err == nil {
		t.Fatal("Expected error when friend lookup fails")
	}
}

func TestFanout_SkippedWhenFriendLookupFails(t *testing.T) {
	f := newHubFixture(nil)
	f.rpc.err = errors.New("user service unreachable")

	// Must not panic and must not publish to anyone.
	f.hub.Register(context.Background(), testConn("u1"))

	if events := f.bus.presenceEvents("friend-online"); len(events) != 0 {
		t.Errorf("Fan-out happened despite failed friend lookup: %v", events)
	}
	// Presence write still goes through, it does not depend on the fan-out.
	if !f.store.isOnline("u1") {
		t.Error("Online key missing after failed fan-out")
	}
}

func TestHeartbeat_RefreshesPresence(t *testing.T) {
	f := newHubFixture(map[string][]string{"u1": {"f1"}})

	c := testConn("u1")
	f.hub.Register(context.Background(), c)
	setsAfterRegister := f.store.sets

	f.hub.Heartbeat(context.Background(), c)

	if f.store.sets != setsAfterRegister+1 {
		t.Error("Heartbeat did not refresh the online key")
	}
	statuses := f.emitter.sessionStatuses()
	if statuses[len(statuses)-1] != sessionActive {
		t.Errorf("Heartbeat emitted %q, want %q", statuses[len(statuses)-1], sessionActive)
	}
}

func TestDeliver_RoutesToAllLocalConnections(t *testing.T) {
	f := newHubFixture(map[string][]string{"u1": {}})

	c1, c2 := testConn("u1"), testConn("u1")
	f.hub.Register(context.Background(), c1)
	f.hub.Register(context.Background(), c2)

	frame := []byte(`{"type":"friend-online","data":{"userId":"f9"}}`)
	f.hub.deliverTo("u1")(&nats.Msg{Subject: "deliver.u1.presence", Data: frame})

	for i, c := range []*clientConn{c1, c2} {
		select {
		case got := <-c.send:
			if string(got) != string(frame) {
				t.Errorf("Connection %d got altered frame: %s", i, got)
			}
		default:
			t.Errorf("Connection %d received nothing", i)
		}
	}
}
