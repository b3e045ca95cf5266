package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"chorus/realtime-service/models"
	"chorus/realtime-service/utils"
)

func newTestLogger() *utils.Logger {
	return &utils.Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// fakeStore simulates the shared presence store. A single fakeStore shared
// between two managers stands in for two server instances sharing Redis.
type fakeStore struct {
	mu       sync.Mutex
	conns    map[string]map[string]bool
	status   map[string]string
	typing   map[string]map[string]time.Time
	now      func() time.Time
	ttl      time.Duration
	addSize  int // when non-zero, AddConnection reports this size
	onlines  int
	offlines int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conns:  make(map[string]map[string]bool),
		status: make(map[string]string),
		typing: make(map[string]map[string]time.Time),
		now:    func() time.Time { return time.Now().UTC() },
		ttl:    5 * time.Second,
	}
}

func (s *fakeStore) AddConnection(_ context.Context, userID, connectionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[userID] == nil {
		s.conns[userID] = make(map[string]bool)
	}
	s.conns[userID][connectionID] = true
	if s.addSize != 0 {
		return s.addSize
	}
	return len(s.conns[userID])
}

func (s *fakeStore) RemoveConnection(_ context.Context, userID, connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns[userID], connectionID)
}

func (s *fakeStore) Connections(_ context.Context, userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.conns[userID]))
	for id := range s.conns[userID] {
		ids = append(ids, id)
	}
	return ids
}

func (s *fakeStore) SetUserOnline(_ context.Context, userID string, announce bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[userID] = models.StatusOnline
	if announce {
		s.onlines++
	}
}

func (s *fakeStore) SetUserOffline(_ context.Context, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[userID] = models.StatusOffline
	s.offlines++
}

func (s *fakeStore) GetPresence(_ context.Context, userID string) models.UserPresence {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.status[userID]
	if !ok {
		status = models.StatusOffline
	}
	return models.UserPresence{UserID: userID, Status: status}
}

func (s *fakeStore) SetTyping(_ context.Context, conversationID, userID string, isTyping bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !isTyping {
		delete(s.typing[conversationID], userID)
		return
	}
	if s.typing[conversationID] == nil {
		s.typing[conversationID] = make(map[string]time.Time)
	}
	s.typing[conversationID][userID] = s.now().Add(s.ttl)
}

func (s *fakeStore) typingActive(conversationID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.typing[conversationID][userID]
	return ok && expiry.After(s.now())
}

type published struct {
	channel string
	payload any
}

type fakeBus struct {
	mu     sync.Mutex
	events []published
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, published{channel: channel, payload: payload})
}

func (b *fakeBus) onChannel(channel string) []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []published
	for _, e := range b.events {
		if e.channel == channel {
			out = append(out, e)
		}
	}
	return out
}

type fakeTransport struct {
	mu          sync.Mutex
	frames      []any
	closed      bool
	closeReason string
	writeErr    error
	closeErr    error
}

func (t *fakeTransport) WriteJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeErr != nil {
		return t.writeErr
	}
	t.frames = append(t.frames, v)
	return nil
}

func (t *fakeTransport) Close(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.closeReason = reason
	return t.closeErr
}

func (t *fakeTransport) frameCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames)
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (m *ConnectionManager) backdateHeartbeat(t *testing.T, connectionID string, by time.Duration) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[connectionID]
	if !ok {
		t.Fatalf("connection %s not found", connectionID)
	}
	conn.lastHeartbeat = conn.lastHeartbeat.Add(-by)
}

func TestConnectRegistersAndAcknowledges(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	transport := &fakeTransport{}
	m := NewConnectionManager(store, bus, newTestLogger())
	ctx := context.Background()

	id := m.Connect(ctx, transport, "user-1")
	if id == "" {
		t.Fatal("expected a connection id")
	}

	if got := store.Connections(ctx, "user-1"); len(got) != 1 || got[0] != id {
		t.Fatalf("expected connection set [%s], got %v", id, got)
	}
	if store.GetPresence(ctx, "user-1").Status != models.StatusOnline {
		t.Error("expected user to be online after first connect")
	}

	if transport.frameCount() != 1 {
		t.Fatalf("expected 1 frame, got %d", transport.frameCount())
	}
	frame, ok := transport.frames[0].(models.ConnectionEstablishedFrame)
	if !ok {
		t.Fatalf("expected ConnectionEstablishedFrame, got %T", transport.frames[0])
	}
	if frame.Type != models.FrameTypeConnectionEstablished || frame.ConnectionID != id {
		t.Errorf("unexpected acknowledgement frame: %+v", frame)
	}
}

func TestConnectionSetTracksOpenConnectionsAcrossInstances(t *testing.T) {
	store := newFakeStore()
	logger := newTestLogger()
	// Two managers sharing one store simulate two server instances.
	m1 := NewConnectionManager(store, &fakeBus{}, logger)
	m2 := NewConnectionManager(store, &fakeBus{}, logger)
	ctx := context.Background()

	id1 := m1.Connect(ctx, &fakeTransport{}, "user-1")
	id2 := m2.Connect(ctx, &fakeTransport{}, "user-1")
	id3 := m1.Connect(ctx, &fakeTransport{}, "user-1")

	if got := len(store.Connections(ctx, "user-1")); got != 3 {
		t.Fatalf("expected 3 connections, got %d", got)
	}
	if store.GetPresence(ctx, "user-1").Status != models.StatusOnline {
		t.Error("expected online with open connections")
	}

	m1.Disconnect(ctx, id1, "user-1")
	m2.Disconnect(ctx, id2, "user-1")
	if got := len(store.Connections(ctx, "user-1")); got != 1 {
		t.Fatalf("expected 1 connection, got %d", got)
	}
	if store.GetPresence(ctx, "user-1").Status != models.StatusOnline {
		t.Error("expected online while one connection remains")
	}

	m1.Disconnect(ctx, id3, "user-1")
	if got := len(store.Connections(ctx, "user-1")); got != 0 {
		t.Fatalf("expected empty connection set, got %d", got)
	}
	if store.GetPresence(ctx, "user-1").Status != models.StatusOffline {
		t.Error("expected offline once the last connection closed")
	}
}

func TestSecondConnectionDoesNotReannounceOnline(t *testing.T) {
	store := newFakeStore()
	m := NewConnectionManager(store, &fakeBus{}, newTestLogger())
	ctx := context.Background()

	id1 := m.Connect(ctx, &fakeTransport{}, "user-1")
	id2 := m.Connect(ctx, &fakeTransport{}, "user-1")

	if id1 == id2 {
		t.Fatal("expected distinct connection ids")
	}
	if store.onlines != 1 {
		t.Errorf("expected exactly 1 online transition, got %d", store.onlines)
	}

	m.Disconnect(ctx, id1, "user-1")
	if store.offlines != 0 {
		t.Errorf("expected no offline transition while a connection remains, got %d", store.offlines)
	}
	m.Disconnect(ctx, id2, "user-1")
	if store.offlines != 1 {
		t.Errorf("expected exactly 1 offline transition, got %d", store.offlines)
	}
}

func TestConcurrentFirstConnectsLeaveUserOnline(t *testing.T) {
	store := newFakeStore()
	// Both adds land before either size is read, so each connect observes a
	// set of two and neither looks like the first.
	store.addSize = 2
	m := NewConnectionManager(store, &fakeBus{}, newTestLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			m.Connect(ctx, &fakeTransport{}, "user-1")
		}()
	}
	wg.Wait()

	if got := len(store.Connections(ctx, "user-1")); got != 2 {
		t.Fatalf("expected 2 connections, got %d", got)
	}
	if store.GetPresence(ctx, "user-1").Status != models.StatusOnline {
		t.Error("expected user online while connections are open")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	store := newFakeStore()
	m := NewConnectionManager(store, &fakeBus{}, newTestLogger())
	ctx := context.Background()

	id := m.Connect(ctx, &fakeTransport{}, "user-1")
	m.Disconnect(ctx, id, "user-1")
	m.Disconnect(ctx, id, "user-1")
	m.Disconnect(ctx, "never-existed", "user-1")

	if store.offlines != 1 {
		t.Errorf("expected exactly 1 offline transition, got %d", store.offlines)
	}
}

func TestUpdateHeartbeatAfterEviction(t *testing.T) {
	store := newFakeStore()
	m := NewConnectionManager(store, &fakeBus{}, newTestLogger())
	ctx := context.Background()

	id := m.Connect(ctx, &fakeTransport{}, "user-1")
	if !m.UpdateHeartbeat(id) {
		t.Fatal("expected heartbeat update on live connection")
	}

	m.backdateHeartbeat(t, id, 2*time.Minute)
	m.CheckStaleConnections(ctx, time.Minute)

	if m.UpdateHeartbeat(id) {
		t.Error("expected heartbeat update to report false after eviction")
	}
}

func TestStaleConnectionEvicted(t *testing.T) {
	store := newFakeStore()
	transport := &fakeTransport{closeErr: errors.New("transport already dead")}
	m := NewConnectionManager(store, &fakeBus{}, newTestLogger())
	ctx := context.Background()

	id := m.Connect(ctx, transport, "user-1")
	fresh := m.Connect(ctx, &fakeTransport{}, "user-2")

	m.backdateHeartbeat(t, id, 2*time.Minute)
	m.CheckStaleConnections(ctx, time.Minute)

	if !transport.isClosed() {
		t.Error("expected stale transport close to be attempted")
	}
	if m.hasLocal(id) {
		t.Error("expected stale connection removed from local registry")
	}
	if got := len(store.Connections(ctx, "user-1")); got != 0 {
		t.Errorf("expected shared connection set cleaned up, got %d entries", got)
	}
	if store.GetPresence(ctx, "user-1").Status != models.StatusOffline {
		t.Error("expected user offline after eviction of last connection")
	}

	if !m.hasLocal(fresh) {
		t.Error("expected fresh connection to survive the sweep")
	}
	if store.GetPresence(ctx, "user-2").Status != models.StatusOnline {
		t.Error("expected unrelated user to stay online")
	}
}

func TestSendPersonalUnknownConnectionIsNoop(t *testing.T) {
	m := NewConnectionManager(newFakeStore(), &fakeBus{}, newTestLogger())

	m.SendPersonal("no-such-connection", models.PongFrame{Type: models.FrameTypePong})
}

func TestSendPersonalSurvivesWriteError(t *testing.T) {
	store := newFakeStore()
	transport := &fakeTransport{writeErr: errors.New("broken pipe")}
	m := NewConnectionManager(store, &fakeBus{}, newTestLogger())

	id := m.Connect(context.Background(), transport, "user-1")
	m.SendPersonal(id, models.PongFrame{Type: models.FrameTypePong})

	if !m.hasLocal(id) {
		t.Error("write errors must not remove the connection; cleanup belongs to the read loop")
	}
}

func TestSendToUserPublishesOnUserChannel(t *testing.T) {
	bus := &fakeBus{}
	m := NewConnectionManager(newFakeStore(), bus, newTestLogger())

	m.SendToUser(context.Background(), "user-7", models.PongFrame{Type: models.FrameTypePong})

	if got := bus.onChannel("user:user-7"); len(got) != 1 {
		t.Fatalf("expected 1 publish on the user channel, got %d", len(got))
	}
}

func TestTypingTransitionsBroadcastOnceEach(t *testing.T) {
	store := newFakeStore()
	current := time.Now().UTC()
	store.now = func() time.Time { return current }
	bus := &fakeBus{}
	m := NewConnectionManager(store, bus, newTestLogger())
	ctx := context.Background()

	m.SetTyping(ctx, "conv-1", "user-1", true)
	if !store.typingActive("conv-1", "user-1") {
		t.Error("expected typing indicator present before TTL elapses")
	}

	// TTL elapses with no further activity.
	current = current.Add(6 * time.Second)
	if store.typingActive("conv-1", "user-1") {
		t.Error("expected typing indicator to expire")
	}

	m.SetTyping(ctx, "conv-1", "user-1", false)
	if store.typingActive("conv-1", "user-1") {
		t.Error("expected typing indicator cleared")
	}

	events := bus.onChannel("conversation:conv-1")
	if len(events) != 2 {
		t.Fatalf("expected exactly 2 typing broadcasts, got %d", len(events))
	}
	for _, e := range events {
		envelope, ok := e.payload.(models.ConversationEnvelope)
		if !ok {
			t.Fatalf("expected ConversationEnvelope, got %T", e.payload)
		}
		if envelope.ExcludeUserID != "user-1" {
			t.Errorf("expected the acting user excluded, got %q", envelope.ExcludeUserID)
		}
	}
}
