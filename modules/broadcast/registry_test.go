package broadcast

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	domain "github.com/example/chat-hub/domain/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSession records delivered payloads and can be told to fail.
type fakeSession struct {
	id, user string

	mu       sync.Mutex
	room     string
	received [][]byte
	failWith error
	closed   error
}

func newFakeSession(id, user string) *fakeSession {
	return &fakeSession{id: id, user: user}
}

func (f *fakeSession) ID() string     { return f.id }
func (f *fakeSession) UserID() string { return f.user }

func (f *fakeSession) Room() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.room
}

func (f *fakeSession) SetRoom(roomID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.room
	f.room = roomID
	return prev
}

func (f *fakeSession) Deliver(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.received = append(f.received, payload)
	return nil
}

func (f *fakeSession) Close(reason error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed == nil {
		f.closed = reason
	}
}

func (f *fakeSession) messages(t *testing.T) []domain.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Message, 0, len(f.received))
	for _, p := range f.received {
		var m domain.Message
		require.NoError(t, json.Unmarshal(p, &m))
		out = append(out, m)
	}
	return out
}

func (f *fakeSession) closeReason() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestRegisterIsIdempotent(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	s := newFakeSession("s1", "alice")

	r.Register("r1", s)
	r.Register("r1", s)
	assert.Equal(t, 1, r.RoomClientCount("r1"))

	assert.Equal(t, 1, r.Broadcast("r1", domain.NewMessage(domain.TypeTalk, "r1", "alice", "hi")))
	assert.Len(t, s.messages(t), 1)
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	s := newFakeSession("s1", "alice")

	assert.False(t, r.Unregister("nowhere", s))

	r.Register("r1", s)
	assert.True(t, r.Unregister("r1", s))
	assert.False(t, r.Unregister("r1", s))
	assert.Equal(t, 0, r.RoomClientCount("r1"))

	// The room entry is dropped and recreated on demand.
	r.Register("r1", s)
	assert.Equal(t, 1, r.RoomClientCount("r1"))
}

func TestBroadcastOnlyReachesRoom(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	a := newFakeSession("a", "alice")
	b := newFakeSession("b", "bob")
	r.Register("r1", a)
	r.Register("r2", b)

	r.Broadcast("r1", domain.NewMessage(domain.TypeTalk, "r1", "alice", "hello"))

	assert.Len(t, a.messages(t), 1)
	assert.Empty(t, b.messages(t))
	assert.Equal(t, 0, r.Broadcast("empty", domain.NewMessage(domain.TypeTalk, "empty", "x", "y")))
}

func TestBroadcastEvictsFailedSessionOnly(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	healthy := newFakeSession("ok", "alice")
	broken := newFakeSession("bad", "bob")
	broken.failWith = ErrOutboxFull
	r.Register("r1", healthy)
	r.Register("r1", broken)

	delivered := r.Broadcast("r1", domain.NewMessage(domain.TypeTalk, "r1", "alice", "one"))
	assert.Equal(t, 1, delivered)

	assert.Len(t, healthy.messages(t), 1)
	assert.Equal(t, 1, r.RoomClientCount("r1"))
	require.Error(t, broken.closeReason())
	assert.True(t, errors.Is(broken.closeReason(), domain.ErrDeliveryFailure))

	r.Broadcast("r1", domain.NewMessage(domain.TypeTalk, "r1", "alice", "two"))
	assert.Len(t, healthy.messages(t), 2)
}

func TestBroadcastPreservesOrderPerSession(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	sessions := []*fakeSession{newFakeSession("a", "alice"), newFakeSession("b", "bob")}
	for _, s := range sessions {
		r.Register("r1", s)
	}

	for i := 0; i < 50; i++ {
		r.Broadcast("r1", domain.NewMessage(domain.TypeTalk, "r1", "alice", string(rune('a'+i%26))))
	}

	first := sessions[0].messages(t)
	second := sessions[1].messages(t)
	require.Len(t, first, 50)
	for i := range first {
		assert.Equal(t, first[i].Body, second[i].Body)
	}
}

func TestConcurrentRegisterAndBroadcast(t *testing.T) {
	r := NewRegistry(testLogger(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		s := newFakeSession(string(rune('A'+i)), "user")
		go func() {
			defer wg.Done()
			r.Register("r1", s)
			r.Unregister("r1", s)
			r.Register("r1", s)
		}()
		go func() {
			defer wg.Done()
			r.Broadcast("r1", domain.NewMessage(domain.TypeTalk, "r1", "x", "y"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, r.RoomClientCount("r1"))
}

func TestConnectDisconnectAndAnnounce(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	a := newFakeSession("a", "alice")
	b := newFakeSession("b", "bob")
	r.Connect(a)
	r.Connect(b)
	a.SetRoom("r1")
	r.Register("r1", a)

	assert.Equal(t, 2, r.ClientCount())
	assert.Equal(t, 2, r.Announce(RoomAnnouncement{Type: "ROOM_CREATED", RoomID: "r9"}))

	r.Disconnect(a)
	r.Disconnect(a)
	assert.Equal(t, 1, r.ClientCount())
	assert.Equal(t, 0, r.RoomClientCount("r1"))
	assert.Equal(t, "", a.Room())
}

func TestMembersAreDistinctUsers(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	r.Register("r1", newFakeSession("a1", "alice"))
	r.Register("r1", newFakeSession("a2", "alice"))
	r.Register("r1", newFakeSession("b1", "bob"))

	assert.ElementsMatch(t, []string{"alice", "bob"}, r.Members("r1"))
	assert.Empty(t, r.Members("r2"))
}
