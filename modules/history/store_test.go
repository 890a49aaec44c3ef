package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	domain "github.com/example/chat-hub/domain/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRedisDown = errors.New("connection refused")

func newTestStore(t *testing.T, window int) (*Store, *MemoryCache) {
	t.Helper()
	cache := NewMemoryCache()
	return newStoreOn(t, cache, window), cache
}

func newStoreOn(t *testing.T, cache Cache, window int) *Store {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := NewStore(cache, window, log, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = store.Close(ctx)
	})
	return store
}

func flush(t *testing.T, stores ...*Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, s := range stores {
		require.NoError(t, s.Flush(ctx))
	}
}

// stalledCache holds every SetNX until release is closed.
type stalledCache struct {
	*MemoryCache
	release chan struct{}
}

func (c *stalledCache) SetNX(ctx context.Context, key string, value []byte) (bool, error) {
	select {
	case <-c.release:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return c.MemoryCache.SetNX(ctx, key, value)
}

func talk(room, sender, body string) *domain.Message {
	msg := domain.NewMessage(domain.TypeTalk, room, sender, body)
	return &msg
}

func TestIngestAssignsID(t *testing.T) {
	store, _ := newTestStore(t, 10)
	ctx := context.Background()

	msg := talk("", "alice", "hello")
	id, err := store.Ingest(ctx, "r1", msg)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, "r1", msg.RoomID)

	got, err := store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Body)
	assert.Empty(t, got.ReadBy)
}

func TestIngestIsIdempotent(t *testing.T) {
	store, _ := newTestStore(t, 10)
	ctx := context.Background()

	msg := talk("r1", "alice", "hello")
	msg.ID = "m1"
	for i := 0; i < 3; i++ {
		id, err := store.Ingest(ctx, "r1", msg)
		require.NoError(t, err)
		assert.Equal(t, "m1", id)
	}

	history := store.GetHistory(ctx, "r1", 10)
	require.Len(t, history, 1)
	assert.Equal(t, "m1", history[0].ID)
}

func TestIngestDedupsAcrossStores(t *testing.T) {
	ctx := context.Background()
	shared := NewMemoryCache()
	first := newStoreOn(t, shared, 10)
	second := newStoreOn(t, shared, 10)

	msg := talk("r1", "alice", "hello")
	msg.ID = "m1"
	_, err := first.Ingest(ctx, "r1", msg)
	require.NoError(t, err)
	flush(t, first)
	copyMsg := *msg
	_, err = second.Ingest(ctx, "r1", &copyMsg)
	require.NoError(t, err)
	flush(t, second)

	assert.Len(t, second.GetHistory(ctx, "r1", 10), 1)
}

func TestGetHistoryOrderAndLimit(t *testing.T) {
	store, _ := newTestStore(t, 100)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		_, err := store.Ingest(ctx, "r1", talk("r1", "alice", fmt.Sprintf("msg-%02d", i)))
		require.NoError(t, err)
	}

	history := store.GetHistory(ctx, "r1", 20)
	require.Len(t, history, 20)
	assert.Equal(t, "msg-10", history[0].Body)
	assert.Equal(t, "msg-29", history[19].Body)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].Timestamp.Before(history[i-1].Timestamp))
	}

	assert.Len(t, store.GetHistory(ctx, "r1", 1000), 30)
	assert.Empty(t, store.GetHistory(ctx, "r1", 0))
	assert.Empty(t, store.GetHistory(ctx, "r1", -5))
}

func TestGetHistoryUnknownRoom(t *testing.T) {
	store, _ := newTestStore(t, 10)

	history := store.GetHistory(context.Background(), "nope", 20)
	assert.NotNil(t, history)
	assert.Empty(t, history)
}

func TestHistoryIsBoundedByWindow(t *testing.T) {
	store, _ := newTestStore(t, 5)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 8; i++ {
		id, err := store.Ingest(ctx, "r1", talk("r1", "alice", fmt.Sprintf("%d", i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	flush(t, store)
	history := store.GetHistory(ctx, "r1", 20)
	require.Len(t, history, 5)
	assert.Equal(t, "3", history[0].Body)

	// Evicted locally, still resolvable from the cache.
	got, err := store.GetByID(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "0", got.Body)
}

func TestMarkReadIsMonotone(t *testing.T) {
	store, _ := newTestStore(t, 10)
	ctx := context.Background()

	msg := talk("r1", "alice", "hello")
	id, err := store.Ingest(ctx, "r1", msg)
	require.NoError(t, err)

	got, added, err := store.MarkRead(ctx, id, "bob")
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, []string{"bob"}, got.ReadBy)

	got, added, err = store.MarkRead(ctx, id, "bob")
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, []string{"bob"}, got.ReadBy)

	_, _, err = store.MarkRead(ctx, id, "carol")
	require.NoError(t, err)

	history := store.GetHistory(ctx, "r1", 10)
	require.Len(t, history, 1)
	assert.ElementsMatch(t, []string{"bob", "carol"}, history[0].ReadBy)
}

func TestMarkReadUnknownMessage(t *testing.T) {
	store, _ := newTestStore(t, 10)

	_, added, err := store.MarkRead(context.Background(), "missing", "bob")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, added)

	_, err = store.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarkReadVisibleToOtherStore(t *testing.T) {
	ctx := context.Background()
	shared := NewMemoryCache()
	writer := newStoreOn(t, shared, 10)
	reader := newStoreOn(t, shared, 10)

	id, err := writer.Ingest(ctx, "r1", talk("r1", "alice", "hello"))
	require.NoError(t, err)
	flush(t, writer)

	_, added, err := reader.MarkRead(ctx, id, "bob")
	require.NoError(t, err)
	assert.True(t, added)
	flush(t, reader)

	history := writer.GetHistory(ctx, "r1", 10)
	require.Len(t, history, 1)
	// writer holds the message locally without bob; the durable copy has him.
	got, err := newStoreOn(t, shared, 10).GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, got.ReadBy)
}

func TestStoreUnavailableKeepsLocalState(t *testing.T) {
	store, cache := newTestStore(t, 10)
	ctx := context.Background()
	cache.SetFailure(errRedisDown)

	msg := talk("r1", "alice", "hello")
	id, err := store.Ingest(ctx, "r1", msg)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	flush(t, store)

	// Served from the local window while the cache is down.
	history := store.GetHistory(ctx, "r1", 10)
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].Body)

	_, added, err := store.MarkRead(ctx, id, "bob")
	require.NoError(t, err)
	assert.True(t, added)

	_, err = store.Persist(ctx, "r1", msg)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)

	// A redelivered event completes the durable write once.
	cache.SetFailure(nil)
	_, err = store.Persist(ctx, "r1", msg)
	require.NoError(t, err)
	_, err = store.Persist(ctx, "r1", msg)
	require.NoError(t, err)

	list, err := cache.ListRange(ctx, "chat:r1", 0, -1)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	history = store.GetHistory(ctx, "r1", 10)
	require.Len(t, history, 1)
	assert.Equal(t, []string{"bob"}, history[0].ReadBy)
}

func TestIngestDoesNotWaitForCache(t *testing.T) {
	cache := &stalledCache{MemoryCache: NewMemoryCache(), release: make(chan struct{})}
	store := newStoreOn(t, cache, 10)
	ctx := context.Background()

	began := time.Now()
	id, err := store.Ingest(ctx, "r1", talk("r1", "alice", "hello"))
	require.NoError(t, err)
	_, added, err := store.MarkRead(ctx, id, "bob")
	require.NoError(t, err)
	assert.True(t, added)
	assert.Less(t, time.Since(began), 500*time.Millisecond)

	// Pending writes are part of the history.
	history := store.GetHistory(ctx, "r1", 10)
	require.Len(t, history, 1)
	assert.Equal(t, id, history[0].ID)

	close(cache.release)
	flush(t, store)
	assert.Zero(t, store.Pending())

	durable, err := newStoreOn(t, cache.MemoryCache, 10).GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, durable.ReadBy)
	list, err := cache.ListRange(ctx, "chat:r1", 0, -1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRedeliveredOldMessageKeepsLocalOrder(t *testing.T) {
	store, cache := newTestStore(t, 2)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	at := func(i int, body string) *domain.Message {
		msg := talk("r1", "alice", body)
		msg.ID = body
		msg.Timestamp = base.Add(time.Duration(i) * time.Second)
		return msg
	}

	for i, body := range []string{"old", "mid", "new"} {
		_, err := store.Persist(ctx, "r1", at(i, body))
		require.NoError(t, err)
	}

	// "old" fell out of the local window; its redelivery must not push out "mid".
	_, err := store.Persist(ctx, "r1", at(0, "old"))
	require.NoError(t, err)

	cache.SetFailure(errRedisDown)
	history := store.GetHistory(ctx, "r1", 10)
	require.Len(t, history, 2)
	assert.Equal(t, "mid", history[0].ID)
	assert.Equal(t, "new", history[1].ID)
}

func TestConcurrentIngestSameID(t *testing.T) {
	store, _ := newTestStore(t, 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := talk("r1", "alice", "hello")
			msg.ID = "m1"
			_, err := store.Ingest(ctx, "r1", msg)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, store.GetHistory(ctx, "r1", 10), 1)
}
