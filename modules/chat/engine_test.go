package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	domain "github.com/example/chat-hub/domain/chat"
	"github.com/example/chat-hub/modules/broadcast"
	"github.com/example/chat-hub/modules/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticRooms map[string]bool

func (r staticRooms) ResolveRoom(_ context.Context, roomID string) (domain.Room, error) {
	if !r[roomID] {
		return domain.Room{}, domain.ErrNotFound
	}
	return domain.Room{ID: roomID, Name: roomID}, nil
}

type recordingRelay struct {
	mu       sync.Mutex
	messages []domain.Message
	receipts []domain.Message
}

func (r *recordingRelay) Publish(_ context.Context, msg domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recordingRelay) PublishReceipt(_ context.Context, receipt domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receipts = append(r.receipts, receipt)
}

type testSession struct {
	id, user string

	mu       sync.Mutex
	room     string
	received []domain.Message
}

func (s *testSession) ID() string     { return s.id }
func (s *testSession) UserID() string { return s.user }
func (s *testSession) Close(error)    {}

func (s *testSession) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *testSession) SetRoom(roomID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.room
	s.room = roomID
	return prev
}

func (s *testSession) Deliver(payload []byte) error {
	var m domain.Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, m)
	return nil
}

func (s *testSession) messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.received...)
}

func (s *testSession) ofType(t domain.MessageType) []domain.Message {
	var out []domain.Message
	for _, m := range s.messages() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	engine   *Engine
	registry *broadcast.Registry
	cache    *history.MemoryCache
	store    *history.Store
	relay    *recordingRelay
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cache := history.NewMemoryCache()
	h := newHarnessOn(t, cache)
	h.cache = cache
	return h
}

func newHarnessOn(t *testing.T, cache history.Cache) *harness {
	t.Helper()
	log := testLogger()
	store := history.NewStore(cache, 100, log, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = store.Close(ctx)
	})
	registry := broadcast.NewRegistry(log, nil)
	relay := &recordingRelay{}
	rooms := staticRooms{"r1": true, "r2": true}
	return &harness{
		engine:   NewEngine(rooms, store, relay, registry, log, nil),
		registry: registry,
		store:    store,
		relay:    relay,
	}
}

// stalledCache holds every cache write until release is closed.
type stalledCache struct {
	*history.MemoryCache
	release chan struct{}
}

func (c *stalledCache) wait(ctx context.Context) error {
	select {
	case <-c.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *stalledCache) SetNX(ctx context.Context, key string, value []byte) (bool, error) {
	if err := c.wait(ctx); err != nil {
		return false, err
	}
	return c.MemoryCache.SetNX(ctx, key, value)
}

func (c *stalledCache) Set(ctx context.Context, key string, value []byte) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	return c.MemoryCache.Set(ctx, key, value)
}

func (h *harness) connect(id, user string) *testSession {
	s := &testSession{id: id, user: user}
	h.registry.Connect(s)
	return s
}

func (h *harness) send(t *testing.T, s *testSession, msg domain.Message) error {
	t.Helper()
	return h.engine.Handle(context.Background(), s, msg)
}

func TestEnterAndTalk(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.connect("A", "alice")
	b := h.connect("B", "bob")
	require.NoError(t, h.send(t, b, domain.Message{Type: domain.TypeEnter, RoomID: "r2"}))

	require.NoError(t, h.send(t, a, domain.Message{Type: domain.TypeEnter, RoomID: "r1"}))
	history := h.store.GetHistory(ctx, "r1", 20)
	require.Len(t, history, 1)
	assert.Equal(t, domain.TypeEnter, history[0].Type)
	assert.Equal(t, "alice", history[0].Sender)
	assert.Equal(t, "alice joined the room", history[0].Body)

	require.NoError(t, h.send(t, a, domain.Message{Type: domain.TypeTalk, RoomID: "r1", Body: "hello"}))
	history = h.store.GetHistory(ctx, "r1", 20)
	require.Len(t, history, 2)
	assert.Equal(t, "hello", history[1].Body)
	assert.NotEmpty(t, history[1].ID)

	received := a.messages()
	require.Len(t, received, 2)
	assert.Equal(t, history[0].ID, received[0].ID)
	assert.Equal(t, history[1].ID, received[1].ID)

	for _, m := range b.messages() {
		assert.NotEqual(t, "r1", m.RoomID)
	}

	h.relay.mu.Lock()
	defer h.relay.mu.Unlock()
	require.Len(t, h.relay.messages, 3)
	assert.Equal(t, history[1].ID, h.relay.messages[2].ID)
}

func TestTalkBeforeEnterIsRejected(t *testing.T) {
	h := newHarness(t)
	a := h.connect("A", "alice")

	err := h.send(t, a, domain.Message{Type: domain.TypeTalk, RoomID: "r1", Body: "hello"})
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
	assert.Empty(t, h.store.GetHistory(context.Background(), "r1", 20))
	assert.Empty(t, h.relay.messages)

	// The session stays usable.
	require.NoError(t, h.send(t, a, domain.Message{Type: domain.TypeEnter, RoomID: "r1"}))
	require.NoError(t, h.send(t, a, domain.Message{Type: domain.TypeTalk, RoomID: "r1", Body: "hello"}))
}

func TestTalkToOtherRoomIsRejected(t *testing.T) {
	h := newHarness(t)
	a := h.connect("A", "alice")
	require.NoError(t, h.send(t, a, domain.Message{Type: domain.TypeEnter, RoomID: "r1"}))

	err := h.send(t, a, domain.Message{Type: domain.TypeTalk, RoomID: "r2", Body: "sneaky"})
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
	assert.Empty(t, h.store.GetHistory(context.Background(), "r2", 20))
}

func TestEnterUnknownRoom(t *testing.T) {
	h := newHarness(t)
	a := h.connect("A", "alice")

	err := h.send(t, a, domain.Message{Type: domain.TypeEnter, RoomID: "nope"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, a.Room())
	assert.Zero(t, h.registry.RoomClientCount("nope"))
}

func TestSenderIsSessionUser(t *testing.T) {
	h := newHarness(t)
	a := h.connect("A", "alice")
	require.NoError(t, h.send(t, a, domain.Message{Type: domain.TypeEnter, RoomID: "r1", Sender: "mallory"}))
	require.NoError(t, h.send(t, a, domain.Message{Type: domain.TypeTalk, RoomID: "r1", Sender: "mallory", Body: "hi"}))

	for _, m := range h.store.GetHistory(context.Background(), "r1", 20) {
		assert.Equal(t, "alice", m.Sender)
	}
}

func TestEnterMovesSessionBetweenRooms(t *testing.T) {
	h := newHarness(t)
	a := h.connect("A", "alice")
	c := h.connect("C", "carol")
	require.NoError(t, h.send(t, c, domain.Message{Type: domain.TypeEnter, RoomID: "r1"}))

	require.NoError(t, h.send(t, a, domain.Message{Type: domain.TypeEnter, RoomID: "r1"}))
	require.NoError(t, h.send(t, a, domain.Message{Type: domain.TypeEnter, RoomID: "r2"}))
	assert.Equal(t, "r2", a.Room())
	assert.Equal(t, 1, h.registry.RoomClientCount("r1"))

	before := len(a.messages())
	require.NoError(t, h.send(t, c, domain.Message{Type: domain.TypeTalk, RoomID: "r1", Body: "anyone?"}))
	assert.Len(t, a.messages(), before)
}

func TestLeave(t *testing.T) {
	h := newHarness(t)
	a := h.connect("A", "alice")
	c := h.connect("C", "carol")
	require.NoError(t, h.send(t, a, domain.Message{Type: domain.TypeEnter, RoomID: "r1"}))
	require.NoError(t, h.send(t, c, domain.Message{Type: domain.TypeEnter, RoomID: "r1"}))

	require.NoError(t, h.send(t, a, domain.Message{Type: domain.TypeLeave, RoomID: "r1"}))
	assert.Empty(t, a.Room())
	assert.Equal(t, 1, h.registry.RoomClientCount("r1"))

	leaves := c.ofType(domain.TypeLeave)
	require.Len(t, leaves, 1)
	assert.Equal(t, "alice left the room", leaves[0].Body)

	history := h.store.GetHistory(context.Background(), "r1", 20)
	assert.Equal(t, domain.TypeLeave, history[len(history)-1].Type)

	err := h.send(t, a, domain.Message{Type: domain.TypeTalk, RoomID: "r1", Body: "still here?"})
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
}

func TestLeaveWithoutEnterIsRejected(t *testing.T) {
	h := newHarness(t)
	a := h.connect("A", "alice")
	err := h.send(t, a, domain.Message{Type: domain.TypeLeave, RoomID: "r1"})
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
}

func TestUnknownTypeIsRejected(t *testing.T) {
	h := newHarness(t)
	a := h.connect("A", "alice")
	err := h.send(t, a, domain.Message{Type: "SHOUT", RoomID: "r1"})
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
}

func TestReadReceiptIsEmittedOnce(t *testing.T) {
	h := newHarness(t)
	a := h.connect("A", "alice")
	b := h.connect("B", "bob")
	require.NoError(t, h.send(t, a, domain.Message{Type: domain.TypeEnter, RoomID: "r1"}))
	require.NoError(t, h.send(t, b, domain.Message{Type: domain.TypeEnter, RoomID: "r1"}))
	require.NoError(t, h.send(t, a, domain.Message{Type: domain.TypeTalk, RoomID: "r1", Body: "m1"}))
	m1 := a.ofType(domain.TypeTalk)[0]

	require.NoError(t, h.send(t, b, domain.Message{Type: domain.TypeReadReceipt, ID: m1.ID}))
	require.NoError(t, h.send(t, b, domain.Message{Type: domain.TypeReadReceipt, ID: m1.ID}))

	got, err := h.store.GetByID(context.Background(), m1.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, got.ReadBy)

	receipts := a.ofType(domain.TypeReadReceipt)
	require.Len(t, receipts, 1)
	assert.Equal(t, "bob", receipts[0].Sender)
	assert.Equal(t, m1.ID, receipts[0].ID)
	assert.Equal(t, "r1", receipts[0].RoomID)

	h.relay.mu.Lock()
	defer h.relay.mu.Unlock()
	assert.Len(t, h.relay.receipts, 1)
}

func TestConcurrentReadReceiptsEmitOnce(t *testing.T) {
	h := newHarness(t)
	a := h.connect("A", "alice")
	require.NoError(t, h.send(t, a, domain.Message{Type: domain.TypeEnter, RoomID: "r1"}))
	require.NoError(t, h.send(t, a, domain.Message{Type: domain.TypeTalk, RoomID: "r1", Body: "m1"}))
	m1 := a.ofType(domain.TypeTalk)[0]

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.engine.Receipts().MarkRead(context.Background(), m1.ID, "bob")
		}()
	}
	wg.Wait()

	assert.Len(t, a.ofType(domain.TypeReadReceipt), 1)
}

func TestReadReceiptForUnknownMessageIsIgnored(t *testing.T) {
	h := newHarness(t)
	b := h.connect("B", "bob")

	assert.NoError(t, h.send(t, b, domain.Message{Type: domain.TypeReadReceipt, ID: "missing"}))
	assert.Empty(t, h.relay.receipts)

	err := h.send(t, b, domain.Message{Type: domain.TypeReadReceipt})
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
}

func TestTypingNotificationsAreDeduplicated(t *testing.T) {
	h := newHarness(t)
	a := h.connect("A", "alice")
	b := h.connect("B", "bob")
	require.NoError(t, h.send(t, a, domain.Message{Type: domain.TypeEnter, RoomID: "r1"}))
	require.NoError(t, h.send(t, b, domain.Message{Type: domain.TypeEnter, RoomID: "r1"}))

	for _, typ := range []domain.MessageType{
		domain.TypeTypingStart, domain.TypeTypingStart, domain.TypeTypingEnd, domain.TypeTypingEnd,
	} {
		require.NoError(t, h.send(t, a, domain.Message{Type: typ, RoomID: "r1"}))
	}

	assert.Len(t, b.ofType(domain.TypeTypingStart), 1)
	assert.Len(t, b.ofType(domain.TypeTypingEnd), 1)
	assert.False(t, h.engine.Presence().IsTyping("r1", "alice"))

	// Typing is never stored.
	for _, m := range h.store.GetHistory(context.Background(), "r1", 20) {
		assert.True(t, m.Type.Persisted())
	}
}

func TestTypingOutsideRoomIsRejected(t *testing.T) {
	h := newHarness(t)
	a := h.connect("A", "alice")
	err := h.send(t, a, domain.Message{Type: domain.TypeTypingStart, RoomID: "r1"})
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
	assert.False(t, h.engine.Presence().IsTyping("r1", "alice"))
}

func TestDisconnectClearsTyping(t *testing.T) {
	h := newHarness(t)
	a := h.connect("A", "alice")
	b := h.connect("B", "bob")
	require.NoError(t, h.send(t, a, domain.Message{Type: domain.TypeEnter, RoomID: "r1"}))
	require.NoError(t, h.send(t, b, domain.Message{Type: domain.TypeEnter, RoomID: "r1"}))
	require.NoError(t, h.send(t, a, domain.Message{Type: domain.TypeTypingStart, RoomID: "r1"}))

	h.engine.Disconnect(a, errors.New("gone"))

	ends := b.ofType(domain.TypeTypingEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, "alice", ends[0].Sender)
	assert.False(t, h.engine.Presence().IsTyping("r1", "alice"))
	assert.Equal(t, 1, h.registry.RoomClientCount("r1"))
	assert.Equal(t, 1, h.registry.ClientCount())

	// Disconnect does not write a LEAVE.
	for _, m := range h.store.GetHistory(context.Background(), "r1", 20) {
		assert.NotEqual(t, domain.TypeLeave, m.Type)
	}
}

func TestStoreUnavailableStillDelivers(t *testing.T) {
	h := newHarness(t)
	a := h.connect("A", "alice")
	b := h.connect("B", "bob")
	require.NoError(t, h.send(t, a, domain.Message{Type: domain.TypeEnter, RoomID: "r1"}))
	require.NoError(t, h.send(t, b, domain.Message{Type: domain.TypeEnter, RoomID: "r1"}))

	h.cache.SetFailure(errors.New("connection refused"))
	require.NoError(t, h.send(t, a, domain.Message{Type: domain.TypeTalk, RoomID: "r1", Body: "still works"}))

	talks := b.ofType(domain.TypeTalk)
	require.Len(t, talks, 1)
	assert.Equal(t, "still works", talks[0].Body)

	h.relay.mu.Lock()
	defer h.relay.mu.Unlock()
	assert.Equal(t, "still works", h.relay.messages[len(h.relay.messages)-1].Body)
}

func TestSlowStoreDoesNotDelayDelivery(t *testing.T) {
	cache := &stalledCache{MemoryCache: history.NewMemoryCache(), release: make(chan struct{})}
	h := newHarnessOn(t, cache)
	t.Cleanup(func() { close(cache.release) })

	a := h.connect("A", "alice")
	b := h.connect("B", "bob")
	began := time.Now()
	require.NoError(t, h.send(t, a, domain.Message{Type: domain.TypeEnter, RoomID: "r1"}))
	require.NoError(t, h.send(t, b, domain.Message{Type: domain.TypeEnter, RoomID: "r1"}))
	require.NoError(t, h.send(t, a, domain.Message{Type: domain.TypeTalk, RoomID: "r1", Body: "fast"}))

	talks := b.ofType(domain.TypeTalk)
	require.Len(t, talks, 1)
	assert.Equal(t, "fast", talks[0].Body)

	require.NoError(t, h.send(t, b, domain.Message{Type: domain.TypeReadReceipt, ID: talks[0].ID}))
	require.Len(t, a.ofType(domain.TypeReadReceipt), 1)
	assert.Less(t, time.Since(began), 500*time.Millisecond)

	// The unwritten messages are still served as history.
	assert.Len(t, h.store.GetHistory(context.Background(), "r1", 20), 3)
}
